package crypto

import "errors"

// Sentinel errors for the crypto package.
var (
	// ErrInvalidKey indicates the key is not exactly 64 hex characters.
	ErrInvalidKey = errors.New("encryption key must be exactly 64 hex characters")

	// ErrInvalidKeyFormat indicates a key failed standalone validation.
	ErrInvalidKeyFormat = errors.New("invalid encryption key format")

	// ErrInvalidCiphertext indicates the ciphertext is too short to contain
	// a nonce and authentication tag, or is not valid hex.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")

	// ErrAuthenticationFailed indicates the GCM tag did not verify. The
	// ciphertext was tampered with or encrypted under a different key.
	ErrAuthenticationFailed = errors.New("ciphertext authentication failed")

	// ErrExpired indicates a time-boxed token is past its embedded expiry.
	ErrExpired = errors.New("token expired")
)
