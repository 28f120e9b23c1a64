package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/RubenJachtDigital/ga4-server-side-tagging-sub002/internal/domain"
	"github.com/RubenJachtDigital/ga4-server-side-tagging-sub002/internal/pkg/distlock"
	"github.com/RubenJachtDigital/ga4-server-side-tagging-sub002/internal/pkg/logger"
)

// Decryptor is the subset of the crypto cipher the processor needs to
// unseal payloads that were encrypted at rest.
type Decryptor interface {
	DecryptPermanentToken(token string) ([]byte, error)
	VerifyTimeBoxedToken(token string) ([]byte, error)
}

// LegacyDecryptor decodes payloads produced by the non-AEAD compatibility
// shim. Optional; most deployments leave it nil and fail closed.
type LegacyDecryptor interface {
	Decrypt(ciphertextHex string) ([]byte, error)
}

// ProcessorConfig holds the per-run knobs, resolved once at construction.
type ProcessorConfig struct {
	BatchSize int
	// BypassCloudflare selects the direct-to-GA4 strategy for every run.
	BypassCloudflare bool
	LeaseTTL         time.Duration
}

// Processor drains pending events and dispatches them through one
// transmission strategy per run.
//
// Run transitions: Idle -> Fetching -> Transforming -> Dispatching ->
// Reconciling -> Idle. At most one run is active across all processes,
// enforced by the batch lease.
type Processor struct {
	store      Store
	direct     Strategy
	cloudflare Strategy
	decryptor  Decryptor
	legacy     LegacyDecryptor
	newLease   func() distlock.Lease
	cfg        ProcessorConfig

	totalCompleted int64
	totalFailed    int64
	totalRuns      int64
}

// NewProcessor creates a batch processor. decryptor and legacy may be nil
// when encryption at rest is disabled; newLease must yield a fresh lease
// per run.
func NewProcessor(store Store, direct, cloudflare Strategy, decryptor Decryptor, legacy LegacyDecryptor, newLease func() distlock.Lease, cfg ProcessorConfig) *Processor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * time.Minute
	}
	return &Processor{
		store:      store,
		direct:     direct,
		cloudflare: cloudflare,
		decryptor:  decryptor,
		legacy:     legacy,
		newLease:   newLease,
		cfg:        cfg,
	}
}

// RunReport summarizes one processor run.
type RunReport struct {
	RunID      string `json:"run_id"`
	Reclaimed  int    `json:"reclaimed,omitempty"`
	Claimed    int    `json:"claimed"`
	Completed  int    `json:"completed"`
	Failed     int    `json:"failed"`
	Method     string `json:"method,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Run executes one batch cycle. Returns ErrRunInProgress when another run
// holds the lease, and aborts without marking rows failed on store errors.
func (p *Processor) Run(ctx context.Context) (*RunReport, error) {
	lease := p.newLease()
	ok, err := lease.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire batch lease: %w", err)
	}
	if !ok {
		return nil, ErrRunInProgress
	}
	defer lease.Release(ctx)

	started := time.Now()
	report := &RunReport{RunID: uuid.New().String()[:8]}
	atomic.AddInt64(&p.totalRuns, 1)

	// Rescue rows a crashed run left in processing. Safe under the lease:
	// no other run is live, so any claim older than the TTL is orphaned.
	reclaimed, err := p.store.ReclaimStale(ctx, p.cfg.LeaseTTL)
	if err != nil {
		return nil, fmt.Errorf("reclaim stale rows: %w", err)
	}
	report.Reclaimed = int(reclaimed)
	if reclaimed > 0 {
		logger.Info("reclaimed stranded rows",
			"run_id", report.RunID, "count", reclaimed)
	}

	// Fetching: claim pending rows so a concurrent admission request or a
	// stray run never sees them as pending.
	rows, err := p.store.ClaimPending(ctx, p.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("claim pending: %w", err)
	}
	report.Claimed = len(rows)
	if len(rows) == 0 {
		report.DurationMs = time.Since(started).Milliseconds()
		return report, nil
	}

	strategy := p.cloudflare
	if p.cfg.BypassCloudflare {
		strategy = p.direct
	}
	report.Method = string(strategy.Method())

	logger.Info("batch run started",
		"run_id", report.RunID, "claimed", len(rows), "method", report.Method)

	// Transforming: decrypt and parse each row; a row that cannot be
	// decrypted fails alone and the batch continues without it.
	outbound, failedTransform := p.transform(ctx, rows)

	// Prepare and persist evidence before dispatch. Persist errors are
	// store errors: abort and put survivors back so nothing is mislabeled.
	prepared := make([]*PreparedEvent, 0, len(outbound))
	var preparedIDs []int64
	for _, ev := range outbound {
		pe, err := strategy.Prepare(ev)
		if err != nil {
			p.markFailed(ctx, ev.ID, domain.ErrorContext{
				Reason: err.Error(), Stage: "transform",
			})
			report.Failed++
			continue
		}
		fp := FinalPayload{
			Payload:   string(pe.Payload),
			Headers:   encodeHeaders(pe.Headers),
			Encrypted: pe.Encrypted,
			Method:    strategy.Method(),
		}
		if err := p.store.SaveFinalPayload(ctx, ev.ID, fp); err != nil {
			p.abort(ctx, remainingIDs(outbound, ev.ID, preparedIDs))
			return nil, fmt.Errorf("persist final payload: %w", err)
		}
		prepared = append(prepared, pe)
		preparedIDs = append(preparedIDs, pe.ID)
	}
	report.Failed += failedTransform

	if len(prepared) == 0 {
		report.DurationMs = time.Since(started).Milliseconds()
		return report, nil
	}

	// Dispatching.
	result := strategy.Dispatch(ctx, prepared)

	// Reconciling.
	elapsed := time.Since(started).Milliseconds()
	completed, failed := p.reconcile(ctx, prepared, result, len(prepared), elapsed)
	report.Completed = completed
	report.Failed += failed
	report.DurationMs = time.Since(started).Milliseconds()

	atomic.AddInt64(&p.totalCompleted, int64(completed))
	atomic.AddInt64(&p.totalFailed, int64(report.Failed))

	logger.Info("batch run finished",
		"run_id", report.RunID, "completed", completed,
		"failed", report.Failed, "duration_ms", report.DurationMs)
	return report, nil
}

// transform decrypts and parses claimed rows into outbound events. Returns
// the survivors and the count of rows it marked failed.
func (p *Processor) transform(ctx context.Context, rows []*domain.Event) ([]*OutboundEvent, int) {
	outbound := make([]*OutboundEvent, 0, len(rows))
	failed := 0

	for _, row := range rows {
		payload := row.OriginalPayload
		if row.WasOriginallyEncrypted {
			plain, err := p.decrypt(payload)
			if err != nil {
				p.markFailed(ctx, row.ID, domain.ErrorContext{
					Reason: "decryption failed", Stage: "transform",
				})
				failed++
				continue
			}
			payload = string(plain)
		}

		var batch domain.EventBatch
		if err := json.Unmarshal([]byte(payload), &batch); err != nil {
			p.markFailed(ctx, row.ID, domain.ErrorContext{
				Reason: "unparseable stored payload", Stage: "transform",
			})
			failed++
			continue
		}

		outbound = append(outbound, &OutboundEvent{
			ID:      row.ID,
			Name:    row.EventName,
			Batch:   batch,
			Headers: decodeHeaders(row.OriginalHeaders),
		})
	}
	return outbound, failed
}

// decrypt tries, in order: permanent token, time-boxed token, legacy shim.
// First success wins.
func (p *Processor) decrypt(payload string) ([]byte, error) {
	if p.decryptor == nil {
		return nil, fmt.Errorf("payload encrypted but no key configured")
	}
	if plain, err := p.decryptor.DecryptPermanentToken(payload); err == nil {
		return plain, nil
	}
	if plain, err := p.decryptor.VerifyTimeBoxedToken(payload); err == nil {
		return plain, nil
	}
	if p.legacy != nil {
		if plain, err := p.legacy.Decrypt(payload); err == nil {
			return plain, nil
		}
	}
	return nil, fmt.Errorf("no decryption path succeeded")
}

// reconcile applies the dispatch result to the store and returns
// (completed, failed) counts.
func (p *Processor) reconcile(ctx context.Context, prepared []*PreparedEvent, result Result, batchSize int, elapsedMs int64) (int, int) {
	extra := StatusExtra{
		BatchSize:        batchSize,
		ProcessingTimeMs: elapsedMs,
		SetProcessedAt:   true,
	}

	if !result.PerEvent {
		ids := idsOf(prepared)
		if result.Err == nil {
			if err := p.store.UpdateStatus(ctx, ids, domain.QueueCompleted, extra); err != nil {
				logger.Error("mark completed failed", "error", err.Error())
			}
			return len(ids), 0
		}
		// All-or-nothing: every row gets the same batch-level message.
		msg := domain.ErrorContext{Reason: result.Err.Error(), Stage: "dispatch"}.Encode()
		for _, id := range ids {
			if err := p.store.MarkFailed(ctx, id, msg); err != nil {
				logger.Error("mark failed failed", "id", fmt.Sprint(id), "error", err.Error())
			}
		}
		return 0, len(ids)
	}

	var completedIDs []int64
	failed := 0
	for _, pe := range prepared {
		if evErr := result.EventErrors[pe.ID]; evErr != nil {
			p.markFailed(ctx, pe.ID, domain.ErrorContext{
				Reason: evErr.Error(), Stage: "dispatch",
			})
			failed++
			continue
		}
		completedIDs = append(completedIDs, pe.ID)
	}
	if len(completedIDs) > 0 {
		if err := p.store.UpdateStatus(ctx, completedIDs, domain.QueueCompleted, extra); err != nil {
			logger.Error("mark completed failed", "error", err.Error())
		}
	}
	return len(completedIDs), failed
}

// abort puts still-processing rows back to pending after a store failure so
// the next scheduled run re-attempts them. Best effort: the claim itself may
// be unreachable during an outage.
func (p *Processor) abort(ctx context.Context, ids []int64) {
	if len(ids) == 0 {
		return
	}
	if err := p.store.UpdateStatus(ctx, ids, domain.QueuePending, StatusExtra{}); err != nil {
		logger.Error("abort requeue failed", "error", err.Error())
	}
}

func (p *Processor) markFailed(ctx context.Context, id int64, ec domain.ErrorContext) {
	if err := p.store.MarkFailed(ctx, id, ec.Encode()); err != nil {
		logger.Error("mark failed failed", "id", fmt.Sprint(id), "error", err.Error())
	}
}

// Totals returns lifetime counters for the stats endpoint.
func (p *Processor) Totals() map[string]int64 {
	return map[string]int64{
		"runs":      atomic.LoadInt64(&p.totalRuns),
		"completed": atomic.LoadInt64(&p.totalCompleted),
		"failed":    atomic.LoadInt64(&p.totalFailed),
	}
}

func idsOf(prepared []*PreparedEvent) []int64 {
	ids := make([]int64, len(prepared))
	for i, pe := range prepared {
		ids[i] = pe.ID
	}
	return ids
}

// remainingIDs lists outbound rows not yet persisted when a store failure
// aborts the run: everything from the failing row onward plus the rows
// already persisted (they are still in processing state).
func remainingIDs(outbound []*OutboundEvent, failedAt int64, persisted []int64) []int64 {
	ids := make([]int64, 0, len(outbound))
	ids = append(ids, persisted...)
	seen := false
	for _, ev := range outbound {
		if ev.ID == failedAt {
			seen = true
		}
		if seen {
			ids = append(ids, ev.ID)
		}
	}
	return ids
}

func encodeHeaders(h map[string]string) string {
	if len(h) == 0 {
		return ""
	}
	b, _ := json.Marshal(h)
	return string(b)
}

func decodeHeaders(s string) map[string]string {
	if s == "" {
		return nil
	}
	var h map[string]string
	if err := json.Unmarshal([]byte(s), &h); err != nil {
		return nil
	}
	return h
}
