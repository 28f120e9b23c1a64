package queue

import (
	"context"
	"time"

	"github.com/RubenJachtDigital/ga4-server-side-tagging-sub002/internal/domain"
)

// StatusExtra carries the optional fields written alongside a bulk status
// transition.
type StatusExtra struct {
	ErrorMessage     string
	Transmission     domain.TransmissionMethod
	BatchSize        int
	ProcessingTimeMs int64
	// SetProcessedAt stamps processed_at; only terminal successes do this.
	SetProcessedAt bool
}

// FinalPayload is the evidence persisted before dispatch: what the strategy
// is about to send for one row.
type FinalPayload struct {
	Payload   string
	Headers   string
	Encrypted bool
	Method    domain.TransmissionMethod
}

// Stats summarizes queue state for the admin surface.
type Stats struct {
	ByMonitorStatus  map[string]int64 `json:"by_monitor_status"`
	ByQueueStatus    map[string]int64 `json:"by_queue_status"`
	OldestPendingAge float64          `json:"oldest_pending_age_seconds"`
}

// Store abstracts the durable event table. Implementations surface backend
// errors instead of swallowing them; callers decide retry policy.
type Store interface {
	// Insert appends one row and returns its ID.
	Insert(ctx context.Context, e *domain.Event) (int64, error)

	// SelectPending returns pending rows oldest-first, bounded by limit.
	// Read-only; does not transition anything.
	SelectPending(ctx context.Context, limit int) ([]*domain.Event, error)

	// ClaimPending atomically transitions up to limit pending rows
	// (oldest-first) to processing and returns them. Rows claimed here are
	// invisible to concurrent claims.
	ClaimPending(ctx context.Context, limit int) ([]*domain.Event, error)

	// ReclaimStale resets processing rows whose claim is older than the
	// given age back to pending. Callers must hold the batch lease: with
	// the lease held, any claim older than its TTL belongs to a run that
	// died before reconciling. Returns how many rows were rescued.
	ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error)

	// UpdateStatus bulk-transitions rows. Each row's update is atomic;
	// all-or-nothing across the set is not required.
	UpdateStatus(ctx context.Context, ids []int64, status domain.QueueStatus, extra StatusExtra) error

	// SaveFinalPayload persists the outbound payload/headers for one row
	// before dispatch, regardless of eventual success.
	SaveFinalPayload(ctx context.Context, id int64, fp FinalPayload) error

	// MarkFailed sets status failed, stores the message, and increments
	// retry_count by exactly one. The increment happens in the database so
	// concurrent callers never lose counts.
	MarkFailed(ctx context.Context, id int64, errMsg string) error

	// Requeue resets failed rows back to pending for manual reprocessing.
	// Returns how many rows transitioned.
	Requeue(ctx context.Context, ids []int64) (int64, error)

	// CleanupOlderThan deletes completed/failed rows older than the cutoff.
	// Pending and processing rows are never touched regardless of age.
	CleanupOlderThan(ctx context.Context, days int) (int64, error)

	// Stats returns queue counters for the admin surface.
	Stats(ctx context.Context) (*Stats, error)
}
