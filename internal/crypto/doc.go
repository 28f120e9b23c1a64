// Package crypto implements the symmetric encryption used to protect event
// payloads at rest and in transit to the Cloudflare worker.
//
// The primary primitive is AES-256-GCM with a 96-bit random nonce and a
// 128-bit tag. Ciphertexts are hex-encoded as nonce || ciphertext || tag.
// Keys are exactly 64 hex characters (32 bytes).
//
// Two token wrappers sit on top of the AEAD: permanent tokens, which can be
// decrypted arbitrarily far in the future (queued events, at-rest logs), and
// time-boxed tokens, which embed an expiry inside the encrypted envelope and
// are rejected after that time regardless of authenticity.
//
// FallbackCipher is a keyed XOR stream kept only for payloads produced by
// runtimes without an AEAD primitive. It provides NO authentication and no
// real confidentiality against an attacker who knows the scheme. It is never
// selected automatically; callers must construct it explicitly, and should
// prefer failing closed.
package crypto
