package crypto

import "encoding/hex"

// FallbackCipher is a reversible XOR stream keyed by the same 32 key bytes
// as the AEAD cipher. It exists only to decode payloads produced by legacy
// runtimes without an AEAD primitive.
//
// It provides no authentication: a flipped ciphertext bit silently flips a
// plaintext bit. Treat it as a compatibility shim, never a security feature.
// Callers that do not need the shim should fail closed instead.
type FallbackCipher struct {
	key []byte
}

// NewFallbackCipher creates the XOR shim from a 64-hex-char key.
func NewFallbackCipher(hexKey string) (*FallbackCipher, error) {
	key, err := ValidateKey(hexKey)
	if err != nil {
		return nil, ErrInvalidKey
	}
	return &FallbackCipher{key: key}, nil
}

// Encrypt XORs the plaintext against the repeating key and hex-encodes it.
func (f *FallbackCipher) Encrypt(plaintext []byte) (string, error) {
	return hex.EncodeToString(f.xor(plaintext)), nil
}

// Decrypt reverses Encrypt. Any valid hex input "succeeds"; there is no
// integrity check.
func (f *FallbackCipher) Decrypt(ciphertextHex string) ([]byte, error) {
	raw, err := hex.DecodeString(ciphertextHex)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return f.xor(raw), nil
}

func (f *FallbackCipher) xor(in []byte) []byte {
	out := make([]byte, len(in))
	for i, b := range in {
		out[i] = b ^ f.key[i%len(f.key)]
	}
	return out
}
