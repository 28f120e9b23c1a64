package ingest

import (
	"errors"
	"fmt"
)

// Sentinel errors for the admission pipeline.
var (
	ErrOriginRejected   = errors.New("request origin does not match site host")
	ErrBotDetected      = errors.New("request classified as bot traffic")
	ErrMalformedPayload = errors.New("payload failed shape validation")
	ErrDecryptionFailed = errors.New("payload decryption failed")
)

// RateLimitError reports an exceeded admission window and how long the
// client must wait, derived from the oldest surviving request timestamp.
type RateLimitError struct {
	RetryAfter int // seconds
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %ds", e.RetryAfter)
}
