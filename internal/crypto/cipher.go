package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"time"
)

const (
	keyHexLen = 64 // 32 bytes
	nonceLen  = 12 // 96-bit GCM nonce
	tagLen    = 16 // 128-bit GCM tag
)

// ValidateKey checks that a key is exactly 64 hex characters and returns the
// decoded 32 key bytes.
func ValidateKey(hexKey string) ([]byte, error) {
	if len(hexKey) != keyHexLen {
		return nil, ErrInvalidKeyFormat
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, ErrInvalidKeyFormat
	}
	return key, nil
}

// Cipher provides AES-256-GCM encryption keyed by a 64-hex-char key.
// It is safe for concurrent use.
type Cipher struct {
	aead cipher.AEAD
	key  []byte

	// now is injectable for time-boxed token tests.
	now func() time.Time
}

// New creates a Cipher from a 64-hex-char key. Returns ErrInvalidKey for any
// other key shape, and fails closed if the AEAD cannot be constructed.
func New(hexKey string) (*Cipher, error) {
	key, err := ValidateKey(hexKey)
	if err != nil {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	return &Cipher{aead: aead, key: key, now: time.Now}, nil
}

// Encrypt seals the plaintext and returns hex(nonce || ciphertext || tag).
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return hex.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Returns ErrInvalidCiphertext for malformed
// input and ErrAuthenticationFailed when the tag does not verify.
func (c *Cipher) Decrypt(ciphertextHex string) ([]byte, error) {
	raw, err := hex.DecodeString(ciphertextHex)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	if len(raw) < nonceLen+tagLen {
		return nil, ErrInvalidCiphertext
	}

	nonce, sealed := raw[:nonceLen], raw[nonceLen:]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}
