package queue

import (
	"context"

	"github.com/RubenJachtDigital/ga4-server-side-tagging-sub002/internal/domain"
)

// OutboundEvent is a claimed, decrypted row ready for transformation.
type OutboundEvent struct {
	ID   int64
	Name string
	// Batch is the normalized payload for this row: exactly one tracked
	// event plus the request-level consent/origin context it arrived with.
	Batch domain.EventBatch
	// Headers are the original client request headers, used by the GA4
	// strategy to forward real client context.
	Headers map[string]string
}

// PreparedEvent is the transformed, ready-to-send form of one row. The
// processor persists it as row evidence before dispatch. Encrypted flags
// whether Payload itself is sealed, so an operator reading the stored
// column knows whether to decrypt it.
type PreparedEvent struct {
	ID        int64
	Payload   []byte
	Headers   map[string]string
	Encrypted bool
}

// Result is the outcome of one dispatch call.
//
// Per-event strategies (GA4 direct) fill EventErrors: one entry per event,
// nil meaning delivered. Batch strategies (Cloudflare) set only Err: nil
// means every event in the batch was delivered, non-nil means none were.
type Result struct {
	PerEvent    bool
	EventErrors map[int64]error
	Err         error
}

// Strategy is the transmission contract the processor depends on. The
// processor picks one strategy per run and never mixes them in a batch.
type Strategy interface {
	// Method identifies the strategy on persisted rows.
	Method() domain.TransmissionMethod

	// Prepare transforms one event into its final outbound form. A Prepare
	// failure affects only that event; the rest of the batch proceeds.
	Prepare(ev *OutboundEvent) (*PreparedEvent, error)

	// Dispatch delivers the prepared batch.
	Dispatch(ctx context.Context, batch []*PreparedEvent) Result
}
