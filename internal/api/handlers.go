package api

import (
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/RubenJachtDigital/ga4-server-side-tagging-sub002/internal/domain"
	"github.com/RubenJachtDigital/ga4-server-side-tagging-sub002/internal/pkg/httputil"
	"github.com/RubenJachtDigital/ga4-server-side-tagging-sub002/internal/pkg/logger"
	"github.com/RubenJachtDigital/ga4-server-side-tagging-sub002/internal/service/ingest"
	"github.com/RubenJachtDigital/ga4-server-side-tagging-sub002/internal/service/queue"
)

// maxBodyBytes bounds inbound collect bodies. Encrypted envelopes roughly
// double payload size (hex), so this sits well above any real batch.
const maxBodyBytes = 1 << 20

// Handlers holds the HTTP handlers and their dependencies.
type Handlers struct {
	guard     *ingest.Guard
	processor *queue.Processor
	store     queue.Store
	debug     bool
	started   time.Time
}

// NewHandlers creates the handler set.
func NewHandlers(guard *ingest.Guard, processor *queue.Processor, store queue.Store, debug bool) *Handlers {
	return &Handlers{
		guard:     guard,
		processor: processor,
		store:     store,
		debug:     debug,
		started:   time.Now(),
	}
}

// Collect is the public event-collection endpoint.
func (h *Handlers) Collect(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		httputil.BadRequest(w, "unreadable request body")
		return
	}
	if len(body) > maxBodyBytes {
		httputil.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	if len(body) == 0 {
		httputil.BadRequest(w, "empty request body")
		return
	}

	req := &ingest.Request{
		ClientIP:    realIP(r),
		Headers:     flattenHeaders(r.Header),
		ContentType: r.Header.Get("Content-Type"),
	}

	out, err := h.guard.Process(r.Context(), req, body)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	switch {
	case out.Status == domain.MonitorAllowed:
		// Debug mode dispatches the freshly queued rows synchronously so
		// operators see transmission errors in the same terminal.
		if h.debug && h.processor != nil {
			if _, runErr := h.processor.Run(r.Context()); runErr != nil && runErr != queue.ErrRunInProgress {
				logger.Warn("debug-mode dispatch failed", "error", runErr.Error())
			}
		}
		httputil.OK(w, httputil.CollectResponse{
			Success:          true,
			EventsProcessed:  len(out.EventIDs),
			ProcessingTimeMs: time.Since(started).Milliseconds(),
		})
	case out.Stage == "rate_limit":
		httputil.RateLimited(w, out.RetryAfter)
	case out.Stage == "origin", out.Stage == "bot_detection":
		httputil.Forbidden(w, h.clientMessage(out))
	default:
		// validation and decrypt failures are the client's payload problem.
		httputil.BadRequest(w, h.clientMessage(out))
	}
}

// clientMessage keeps rejection bodies deliberately flat outside debug mode
// so probes learn nothing about which check tripped.
func (h *Handlers) clientMessage(out *ingest.Outcome) string {
	if h.debug {
		return out.Reason
	}
	return "request rejected"
}

// Health is the unauthenticated liveness endpoint.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	})
}

// realIP resolves the client address behind proxies: first X-Forwarded-For
// hop, then X-Real-IP, then the socket peer.
func realIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if first != "" {
			return first
		}
	}
	if rip := r.Header.Get("X-Real-IP"); rip != "" {
		return rip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// flattenHeaders keeps the first value per header, which is all the pipeline
// inspects.
func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if len(values) > 0 {
			out[name] = values[0]
		}
	}
	return out
}
