package crypto

import (
	"encoding/json"
	"fmt"
	"time"
)

// CreatePermanentToken wraps a payload for storage with no expiry. Queued
// events and at-rest logs use these so they can be decrypted arbitrarily far
// in the future.
func (c *Cipher) CreatePermanentToken(payload []byte) (string, error) {
	return c.Encrypt(payload)
}

// DecryptPermanentToken reverses CreatePermanentToken.
func (c *Cipher) DecryptPermanentToken(token string) ([]byte, error) {
	return c.Decrypt(token)
}

// timeBoxedEnvelope is the JSON sealed inside a time-boxed token. The expiry
// lives inside the encrypted envelope so it cannot be stripped or extended
// without failing authentication.
type timeBoxedEnvelope struct {
	Payload   string `json:"payload"`
	ExpiresAt int64  `json:"expires_at"`
}

// CreateTimeBoxedToken seals a payload together with an expiry ttl from now.
func (c *Cipher) CreateTimeBoxedToken(payload []byte, ttl time.Duration) (string, error) {
	env := timeBoxedEnvelope{
		Payload:   string(payload),
		ExpiresAt: c.now().Add(ttl).Unix(),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal token envelope: %w", err)
	}
	return c.Encrypt(raw)
}

// VerifyTimeBoxedToken decrypts a time-boxed token and checks its embedded
// expiry. Returns ErrExpired once the current time exceeds the expiry, even
// though the token authenticated successfully.
func (c *Cipher) VerifyTimeBoxedToken(token string) ([]byte, error) {
	raw, err := c.Decrypt(token)
	if err != nil {
		return nil, err
	}

	var env timeBoxedEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode token envelope: %w", err)
	}
	if c.now().Unix() > env.ExpiresAt {
		return nil, ErrExpired
	}
	return []byte(env.Payload), nil
}

// SetClock overrides the token clock. Test hook only.
func (c *Cipher) SetClock(now func() time.Time) { c.now = now }
