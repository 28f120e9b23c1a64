// Package httpretry provides an HTTP client with retry, exponential backoff
// and jitter for the outbound collector calls.
package httpretry

import (
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/RubenJachtDigital/ga4-server-side-tagging-sub002/internal/pkg/logger"
)

// Doer executes HTTP requests. Both *http.Client and *Client satisfy it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client wraps a Doer with retry on 429/5xx and transient transport errors.
// Client errors (4xx other than 429) and context cancellation are never
// retried. On the final attempt the response is returned as-is so callers
// can inspect status and body.
type Client struct {
	inner      Doer
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// New creates a retrying client around inner. A nil inner gets a default
// http.Client with the given timeout.
func New(inner Doer, maxRetries int, timeout time.Duration) *Client {
	if inner == nil {
		inner = &http.Client{Timeout: timeout}
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Client{
		inner:      inner,
		maxRetries: maxRetries,
		baseDelay:  500 * time.Millisecond,
		maxDelay:   10 * time.Second,
	}
}

// Do executes the request, retrying per the client policy.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := req.Context().Err(); err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}

		if attempt > 0 {
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("httpretry: reset request body: %w", err)
				}
				req.Body = body
			}

			delay := c.backoff(attempt)
			logger.Debug("retrying upstream call",
				"attempt", attempt, "max", c.maxRetries,
				"host", req.URL.Host, "delay", delay.String())

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-req.Context().Done():
				timer.Stop()
				return nil, req.Context().Err()
			}
		}

		resp, err := c.inner.Do(req)
		if err != nil {
			lastErr = err
			if req.Context().Err() != nil {
				return nil, err
			}
			continue
		}

		if !retryable(resp.StatusCode) {
			return resp, nil
		}
		if attempt == c.maxRetries {
			return resp, nil
		}

		// Drain for connection reuse before retrying.
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		lastErr = fmt.Errorf("httpretry: upstream returned %d", resp.StatusCode)
	}

	return nil, lastErr
}

// backoff returns the delay before the given attempt: full jitter over
// baseDelay * 2^(attempt-1), capped at maxDelay, floored at 100ms.
func (c *Client) backoff(attempt int) time.Duration {
	exp := float64(c.baseDelay) * math.Pow(2, float64(attempt-1))
	if exp > float64(c.maxDelay) {
		exp = float64(c.maxDelay)
	}
	d := time.Duration(rand.Float64() * exp)
	if d < 100*time.Millisecond {
		d = 100 * time.Millisecond
	}
	return d
}

func retryable(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
