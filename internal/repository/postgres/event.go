package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/RubenJachtDigital/ga4-server-side-tagging-sub002/internal/domain"
	"github.com/RubenJachtDigital/ga4-server-side-tagging-sub002/internal/service/queue"
)

// EventRepo implements queue.Store against PostgreSQL.
type EventRepo struct{ db *sql.DB }

// NewEventRepo creates a Postgres-backed event store.
func NewEventRepo(db *sql.DB) *EventRepo { return &EventRepo{db: db} }

const eventColumns = `
	id, event_name, monitor_status, COALESCE(queue_status,''),
	original_payload, COALESCE(original_headers,''),
	COALESCE(final_payload,''), COALESCE(final_headers,''),
	COALESCE(transmission_method,''),
	was_originally_encrypted, final_payload_encrypted,
	retry_count, COALESCE(error_message,''),
	created_at, processed_at, batch_size, processing_time_ms`

func scanEvent(row interface{ Scan(...any) error }) (*domain.Event, error) {
	e := &domain.Event{}
	var processedAt sql.NullTime
	err := row.Scan(
		&e.ID, &e.EventName, &e.Monitor, &e.Queue,
		&e.OriginalPayload, &e.OriginalHeaders,
		&e.FinalPayload, &e.FinalHeaders,
		&e.Transmission,
		&e.WasOriginallyEncrypted, &e.FinalPayloadEncrypted,
		&e.RetryCount, &e.ErrorMessage,
		&e.CreatedAt, &processedAt, &e.BatchSize, &e.ProcessingTimeMs,
	)
	if err != nil {
		return nil, err
	}
	if processedAt.Valid {
		e.ProcessedAt = &processedAt.Time
	}
	return e, nil
}

func (r *EventRepo) Insert(ctx context.Context, e *domain.Event) (int64, error) {
	var queueStatus sql.NullString
	if e.Queue != "" {
		queueStatus = sql.NullString{String: string(e.Queue), Valid: true}
	}

	var id int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO ga4_events
			(event_name, monitor_status, queue_status,
			 original_payload, original_headers,
			 was_originally_encrypted, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		RETURNING id
	`, e.EventName, e.Monitor, queueStatus,
		e.OriginalPayload, e.OriginalHeaders,
		e.WasOriginallyEncrypted, e.ErrorMessage,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	return id, nil
}

func (r *EventRepo) SelectPending(ctx context.Context, limit int) ([]*domain.Event, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM ga4_events
		WHERE queue_status = 'pending'
		ORDER BY created_at, id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("select pending: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// ClaimPending moves pending rows to processing and returns them in one
// statement. SKIP LOCKED keeps concurrent claimers from blocking on each
// other's rows.
func (r *EventRepo) ClaimPending(ctx context.Context, limit int) ([]*domain.Event, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE ga4_events SET queue_status = 'processing', claimed_at = NOW()
		WHERE id IN (
			SELECT id FROM ga4_events
			WHERE queue_status = 'pending'
			ORDER BY created_at, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+eventColumns+`
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("claim pending: %w", err)
	}
	defer rows.Close()

	claimed, err := collectEvents(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING yields rows in unspecified order; restore oldest-first so
	// dispatch follows arrival order.
	sort.Slice(claimed, func(i, j int) bool {
		if claimed[i].CreatedAt.Equal(claimed[j].CreatedAt) {
			return claimed[i].ID < claimed[j].ID
		}
		return claimed[i].CreatedAt.Before(claimed[j].CreatedAt)
	})
	return claimed, nil
}

// ReclaimStale rescues rows stranded in processing by a run that died
// between claim and reconcile. The caller holds the batch lease, so a claim
// older than the lease TTL cannot belong to a live run.
func (r *EventRepo) ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE ga4_events
		SET queue_status = 'pending', claimed_at = NULL
		WHERE queue_status = 'processing'
		  AND claimed_at < NOW() - ($1 * INTERVAL '1 second')
	`, int64(olderThan.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("reclaim stale: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (r *EventRepo) UpdateStatus(ctx context.Context, ids []int64, status domain.QueueStatus, extra queue.StatusExtra) error {
	if len(ids) == 0 {
		return nil
	}

	sets := []string{"queue_status = $1"}
	args := []interface{}{string(status)}
	idx := 2
	add := func(col string, val interface{}) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, idx))
		args = append(args, val)
		idx++
	}

	if extra.ErrorMessage != "" {
		add("error_message", extra.ErrorMessage)
	}
	if extra.Transmission != "" {
		add("transmission_method", string(extra.Transmission))
	}
	if extra.BatchSize > 0 {
		add("batch_size", extra.BatchSize)
	}
	if extra.ProcessingTimeMs > 0 {
		add("processing_time_ms", extra.ProcessingTimeMs)
	}
	if extra.SetProcessedAt {
		sets = append(sets, "processed_at = NOW()")
	}

	q := fmt.Sprintf("UPDATE ga4_events SET %s WHERE id = ANY($%d)", strings.Join(sets, ", "), idx)
	args = append(args, pq.Array(ids))

	if _, err := r.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return nil
}

func (r *EventRepo) SaveFinalPayload(ctx context.Context, id int64, fp queue.FinalPayload) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE ga4_events
		SET final_payload = $1, final_headers = $2,
		    final_payload_encrypted = $3, transmission_method = $4
		WHERE id = $5
	`, fp.Payload, fp.Headers, fp.Encrypted, string(fp.Method), id)
	if err != nil {
		return fmt.Errorf("save final payload: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("save final payload: row %d not found", id)
	}
	return nil
}

// MarkFailed increments retry_count inside the statement so concurrent
// callers never lose counts.
func (r *EventRepo) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE ga4_events
		SET queue_status = 'failed', error_message = $1,
		    retry_count = retry_count + 1
		WHERE id = $2
	`, errMsg, id)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("mark failed: row %d not found", id)
	}
	return nil
}

func (r *EventRepo) Requeue(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE ga4_events
		SET queue_status = 'pending', error_message = ''
		WHERE id = ANY($1) AND queue_status = 'failed'
	`, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("requeue: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CleanupOlderThan deletes terminal rows past the retention cutoff. Pending
// and processing rows survive regardless of age.
func (r *EventRepo) CleanupOlderThan(ctx context.Context, days int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM ga4_events
		WHERE created_at < NOW() - ($1 * INTERVAL '1 day')
		  AND (queue_status IN ('completed', 'failed') OR queue_status IS NULL OR queue_status = '')
	`, days)
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (r *EventRepo) Stats(ctx context.Context) (*queue.Stats, error) {
	stats := &queue.Stats{
		ByMonitorStatus: map[string]int64{},
		ByQueueStatus:   map[string]int64{},
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT monitor_status, COALESCE(queue_status,''), COUNT(*)
		FROM ga4_events
		GROUP BY monitor_status, queue_status
	`)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var monitor, qs string
		var count int64
		if err := rows.Scan(&monitor, &qs, &count); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		stats.ByMonitorStatus[monitor] += count
		if qs != "" {
			stats.ByQueueStatus[qs] += count
		}
	}

	err = r.db.QueryRowContext(ctx, `
		SELECT COALESCE(EXTRACT(EPOCH FROM NOW() - MIN(created_at)), 0)
		FROM ga4_events WHERE queue_status = 'pending'
	`).Scan(&stats.OldestPendingAge)
	if err != nil {
		return nil, fmt.Errorf("oldest pending: %w", err)
	}
	return stats, nil
}

func collectEvents(rows *sql.Rows) ([]*domain.Event, error) {
	var out []*domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}
