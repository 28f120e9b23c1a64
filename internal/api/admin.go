package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/RubenJachtDigital/ga4-server-side-tagging-sub002/internal/pkg/httputil"
	"github.com/RubenJachtDigital/ga4-server-side-tagging-sub002/internal/service/queue"
)

// adminAuth gates the admin surface behind a bearer API key. With no key
// configured the whole surface is disabled rather than open.
func adminAuth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				httputil.Forbidden(w, "admin API disabled")
				return
			}
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
				httputil.Unauthorized(w, "invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// TriggerProcess runs one batch cycle immediately.
func (h *Handlers) TriggerProcess(w http.ResponseWriter, r *http.Request) {
	report, err := h.processor.Run(r.Context())
	if err == queue.ErrRunInProgress {
		httputil.Error(w, http.StatusConflict, "a batch run is already in progress")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, report)
}

type requeueRequest struct {
	IDs []int64 `json:"ids"`
}

// Requeue moves failed rows back to pending for the next run.
func (h *Handlers) Requeue(w http.ResponseWriter, r *http.Request) {
	var req requeueRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if len(req.IDs) == 0 {
		httputil.BadRequest(w, "ids is required")
		return
	}

	n, err := h.store.Requeue(r.Context(), req.IDs)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"requeued": n})
}

// Stats reports queue counters and lifetime processor totals.
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	resp := map[string]any{"queue": stats}
	if h.processor != nil {
		resp["processor"] = h.processor.Totals()
	}
	httputil.OK(w, resp)
}

// PendingEvents lists up to 100 pending rows for inspection.
func (h *Handlers) PendingEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.store.SelectPending(r.Context(), 100)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"events": events, "count": len(events)})
}
