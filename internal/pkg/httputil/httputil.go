// Package httputil provides shared HTTP response helpers for the API layer.
//
// Handlers use these instead of raw http.ResponseWriter calls so error
// envelopes stay consistent and internals never leak into responses.
package httputil

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/RubenJachtDigital/ga4-server-side-tagging-sub002/internal/pkg/logger"
)

// ErrorResponse is the standard error envelope. Details is operator-facing
// and only populated in debug mode.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// CollectResponse is the success envelope for the collect endpoint.
type CollectResponse struct {
	Success          bool  `json:"success"`
	EventsProcessed  int   `json:"events_processed"`
	ProcessingTimeMs int64 `json:"processing_time_ms"`
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("response encode failed", "error", err.Error())
	}
}

// OK writes a 200 response.
func OK(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, data)
}

// Error writes a JSON error envelope with the given status.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, ErrorResponse{Error: message})
}

// BadRequest writes a 400 error.
func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, message)
}

// Forbidden writes a 403 error.
func Forbidden(w http.ResponseWriter, message string) {
	Error(w, http.StatusForbidden, message)
}

// Unauthorized writes a 401 error.
func Unauthorized(w http.ResponseWriter, message string) {
	Error(w, http.StatusUnauthorized, message)
}

// RateLimited writes a 429 with a Retry-After header.
func RateLimited(w http.ResponseWriter, retryAfterSeconds int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	JSON(w, http.StatusTooManyRequests, map[string]any{
		"error":       "rate limit exceeded",
		"retry_after": retryAfterSeconds,
	})
}

// InternalError writes a 500. Logs the real error, returns a generic body.
func InternalError(w http.ResponseWriter, err error) {
	logger.Error("internal error", "error", err.Error())
	Error(w, http.StatusInternalServerError, "internal server error")
}

// Decode reads JSON from the request body into dst. Writes a 400 and
// returns false on parse failure.
func Decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		BadRequest(w, "invalid JSON body")
		return false
	}
	return true
}
