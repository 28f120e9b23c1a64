package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RubenJachtDigital/ga4-server-side-tagging-sub002/internal/crypto"
	"github.com/RubenJachtDigital/ga4-server-side-tagging-sub002/internal/domain"
	"github.com/RubenJachtDigital/ga4-server-side-tagging-sub002/internal/pkg/distlock"
)

// memStore is an in-memory Store for processor tests.
type memStore struct {
	mu        sync.Mutex
	rows      map[int64]*domain.Event
	claimedAt map[int64]time.Time
	nextID    int64

	failSaveAfter int // fail SaveFinalPayload once this many have succeeded (-1 = never)
	saved         int
}

func newMemStore() *memStore {
	return &memStore{
		rows:          map[int64]*domain.Event{},
		claimedAt:     map[int64]time.Time{},
		failSaveAfter: -1,
	}
}

// backdateClaim ages a row's claim, simulating a run that died long ago.
func (m *memStore) backdateClaim(id int64, age time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claimedAt[id] = time.Now().Add(-age)
}

func (m *memStore) seedPending(payload string, encrypted bool) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.rows[m.nextID] = &domain.Event{
		ID:                     m.nextID,
		EventName:              "page_view",
		Monitor:                domain.MonitorAllowed,
		Queue:                  domain.QueuePending,
		OriginalPayload:        payload,
		WasOriginallyEncrypted: encrypted,
		CreatedAt:              time.Now(),
	}
	return m.nextID
}

func (m *memStore) Insert(_ context.Context, e *domain.Event) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	row := *e
	row.ID = m.nextID
	m.rows[m.nextID] = &row
	return m.nextID, nil
}

func (m *memStore) SelectPending(_ context.Context, limit int) ([]*domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Event
	for id := int64(1); id <= m.nextID && len(out) < limit; id++ {
		if r, ok := m.rows[id]; ok && r.Queue == domain.QueuePending {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) ClaimPending(_ context.Context, limit int) ([]*domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Event
	for id := int64(1); id <= m.nextID && len(out) < limit; id++ {
		if r, ok := m.rows[id]; ok && r.Queue == domain.QueuePending {
			r.Queue = domain.QueueProcessing
			m.claimedAt[id] = time.Now()
			claimed := *r
			out = append(out, &claimed)
		}
	}
	return out, nil
}

func (m *memStore) ReclaimStale(_ context.Context, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var n int64
	for id, r := range m.rows {
		if r.Queue == domain.QueueProcessing && m.claimedAt[id].Before(cutoff) {
			r.Queue = domain.QueuePending
			delete(m.claimedAt, id)
			n++
		}
	}
	return n, nil
}

func (m *memStore) UpdateStatus(_ context.Context, ids []int64, status domain.QueueStatus, extra StatusExtra) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		r, ok := m.rows[id]
		if !ok {
			continue
		}
		r.Queue = status
		if extra.BatchSize > 0 {
			r.BatchSize = extra.BatchSize
		}
		if extra.ProcessingTimeMs > 0 {
			r.ProcessingTimeMs = extra.ProcessingTimeMs
		}
		if extra.SetProcessedAt {
			now := time.Now()
			r.ProcessedAt = &now
		}
	}
	return nil
}

func (m *memStore) SaveFinalPayload(_ context.Context, id int64, fp FinalPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSaveAfter >= 0 && m.saved >= m.failSaveAfter {
		return errors.New("connection reset")
	}
	m.saved++
	r, ok := m.rows[id]
	if !ok {
		return fmt.Errorf("row %d not found", id)
	}
	r.FinalPayload = fp.Payload
	r.FinalHeaders = fp.Headers
	r.FinalPayloadEncrypted = fp.Encrypted
	r.Transmission = fp.Method
	return nil
}

func (m *memStore) MarkFailed(_ context.Context, id int64, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return fmt.Errorf("row %d not found", id)
	}
	r.Queue = domain.QueueFailed
	r.ErrorMessage = errMsg
	r.RetryCount++
	return nil
}

func (m *memStore) Requeue(_ context.Context, ids []int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range ids {
		if r, ok := m.rows[id]; ok && r.Queue == domain.QueueFailed {
			r.Queue = domain.QueuePending
			r.ErrorMessage = ""
			n++
		}
	}
	return n, nil
}

func (m *memStore) CleanupOlderThan(context.Context, int) (int64, error) { return 0, nil }
func (m *memStore) Stats(context.Context) (*Stats, error)               { return &Stats{}, nil }

func (m *memStore) row(id int64) *domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := *m.rows[id]
	return &r
}

// stubStrategy is a controllable Strategy.
type stubStrategy struct {
	method      domain.TransmissionMethod
	perEvent    bool
	dispatchErr error
	eventErrs   map[int64]error
	prepareErr  map[int64]error

	dispatched [][]*PreparedEvent
}

func (s *stubStrategy) Method() domain.TransmissionMethod { return s.method }

func (s *stubStrategy) Prepare(ev *OutboundEvent) (*PreparedEvent, error) {
	if err := s.prepareErr[ev.ID]; err != nil {
		return nil, err
	}
	b, _ := json.Marshal(ev.Batch)
	return &PreparedEvent{ID: ev.ID, Payload: b}, nil
}

func (s *stubStrategy) Dispatch(_ context.Context, batch []*PreparedEvent) Result {
	s.dispatched = append(s.dispatched, batch)
	if s.perEvent {
		errs := make(map[int64]error, len(batch))
		for _, pe := range batch {
			errs[pe.ID] = s.eventErrs[pe.ID]
		}
		return Result{PerEvent: true, EventErrors: errs}
	}
	return Result{Err: s.dispatchErr}
}

// alwaysLease hands out an uncontended lease per call.
type alwaysLease struct{ held bool }

func (l *alwaysLease) Acquire(context.Context) (bool, error) { return !l.held, nil }
func (l *alwaysLease) Release(context.Context) error         { l.held = false; return nil }

func newLeaseFn() func() distlock.Lease {
	return func() distlock.Lease { return &alwaysLease{} }
}

func pendingPayload() string {
	b, _ := json.Marshal(domain.EventBatch{
		Events:  []domain.TrackedEvent{{Name: "page_view", Params: map[string]any{"page": "/"}}},
		Consent: map[string]string{"ad_user_data": "GRANTED", "ad_personalization": "GRANTED"},
	})
	return string(b)
}

func newTestProcessor(store Store, direct, cf Strategy, dec Decryptor) *Processor {
	return NewProcessor(store, direct, cf, dec, nil, newLeaseFn(), ProcessorConfig{BatchSize: 100})
}

func TestProcessor_BatchStrategyAllComplete(t *testing.T) {
	store := newMemStore()
	var ids []int64
	for i := 0; i < 5; i++ {
		ids = append(ids, store.seedPending(pendingPayload(), false))
	}
	cf := &stubStrategy{method: domain.TransmissionCloudflare}
	p := newTestProcessor(store, nil, cf, nil)

	report, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, report.Claimed)
	assert.Equal(t, 5, report.Completed)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, string(domain.TransmissionCloudflare), report.Method)

	for _, id := range ids {
		row := store.row(id)
		assert.Equal(t, domain.QueueCompleted, row.Queue)
		assert.NotNil(t, row.ProcessedAt, "terminal success stamps processed_at")
		assert.Equal(t, 5, row.BatchSize)
		assert.NotEmpty(t, row.FinalPayload, "evidence persisted before dispatch")
	}
}

func TestProcessor_BatchStrategyAllOrNothing(t *testing.T) {
	store := newMemStore()
	var ids []int64
	for i := 0; i < 5; i++ {
		ids = append(ids, store.seedPending(pendingPayload(), false))
	}
	cf := &stubStrategy{method: domain.TransmissionCloudflare, dispatchErr: errors.New("worker returned 503")}
	p := newTestProcessor(store, nil, cf, nil)

	report, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, report.Completed)
	assert.Equal(t, 5, report.Failed)

	var firstMsg string
	for i, id := range ids {
		row := store.row(id)
		assert.Equal(t, domain.QueueFailed, row.Queue)
		assert.Equal(t, 1, row.RetryCount)
		if i == 0 {
			firstMsg = row.ErrorMessage
		} else {
			assert.Equal(t, firstMsg, row.ErrorMessage, "batch failure writes one shared message")
		}
	}
}

func TestProcessor_PerEventIndependence(t *testing.T) {
	store := newMemStore()
	var ids []int64
	for i := 0; i < 3; i++ {
		ids = append(ids, store.seedPending(pendingPayload(), false))
	}
	direct := &stubStrategy{
		method:    domain.TransmissionGA4Direct,
		perEvent:  true,
		eventErrs: map[int64]error{ids[1]: errors.New("endpoint returned 403")},
	}
	p := NewProcessor(store, direct, nil, nil, nil, newLeaseFn(), ProcessorConfig{BatchSize: 100, BypassCloudflare: true})

	report, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Completed)
	assert.Equal(t, 1, report.Failed)

	assert.Equal(t, domain.QueueCompleted, store.row(ids[0]).Queue)
	assert.Equal(t, domain.QueueFailed, store.row(ids[1]).Queue)
	assert.Equal(t, domain.QueueCompleted, store.row(ids[2]).Queue)

	var ec domain.ErrorContext
	require.NoError(t, json.Unmarshal([]byte(store.row(ids[1]).ErrorMessage), &ec))
	assert.Equal(t, "dispatch", ec.Stage)
	assert.Contains(t, ec.Reason, "403")
}

func TestProcessor_StoreFailureAbortsWithoutFalseFailures(t *testing.T) {
	store := newMemStore()
	var ids []int64
	for i := 0; i < 3; i++ {
		ids = append(ids, store.seedPending(pendingPayload(), false))
	}
	// Second SaveFinalPayload call hits a store outage.
	store.failSaveAfter = 1

	cf := &stubStrategy{method: domain.TransmissionCloudflare}
	p := newTestProcessor(store, nil, cf, nil)

	_, err := p.Run(context.Background())
	require.Error(t, err)

	assert.Empty(t, cf.dispatched, "nothing dispatches after a persist failure")
	for _, id := range ids {
		row := store.row(id)
		assert.NotEqual(t, domain.QueueFailed, row.Queue, "store outage must not mislabel rows as failed")
		assert.Equal(t, domain.QueuePending, row.Queue, "claimed rows return to pending for the next run")
	}
}

func TestProcessor_CrashedRunRowsReclaimed(t *testing.T) {
	store := newMemStore()
	id := store.seedPending(pendingPayload(), false)

	// A previous run claimed the row and died before reconciling.
	_, err := store.ClaimPending(context.Background(), 100)
	require.NoError(t, err)
	store.backdateClaim(id, 10*time.Minute)

	cf := &stubStrategy{method: domain.TransmissionCloudflare}
	p := newTestProcessor(store, nil, cf, nil)

	report, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Reclaimed)
	assert.Equal(t, 1, report.Claimed, "rescued row is claimed by this run")
	assert.Equal(t, 1, report.Completed)
	assert.Equal(t, domain.QueueCompleted, store.row(id).Queue)
}

func TestProcessor_FreshClaimNotReclaimed(t *testing.T) {
	store := newMemStore()
	id := store.seedPending(pendingPayload(), false)

	// Claimed moments ago: could still belong to a run that just crashed
	// while its lease is live, so it must be left alone.
	_, err := store.ClaimPending(context.Background(), 100)
	require.NoError(t, err)

	cf := &stubStrategy{method: domain.TransmissionCloudflare}
	p := newTestProcessor(store, nil, cf, nil)

	report, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, report.Reclaimed)
	assert.Equal(t, 0, report.Claimed)
	assert.Equal(t, domain.QueueProcessing, store.row(id).Queue)
}

func TestProcessor_LeaseContention(t *testing.T) {
	store := newMemStore()
	store.seedPending(pendingPayload(), false)

	held := &alwaysLease{held: true}
	p := NewProcessor(store, nil, &stubStrategy{method: domain.TransmissionCloudflare}, nil, nil,
		func() distlock.Lease { return held }, ProcessorConfig{BatchSize: 100})

	_, err := p.Run(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)
}

func TestProcessor_SealedRowDecryptedBeforeDispatch(t *testing.T) {
	cipher, err := crypto.New("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	token, err := cipher.CreatePermanentToken([]byte(pendingPayload()))
	require.NoError(t, err)

	store := newMemStore()
	id := store.seedPending(token, true)

	cf := &stubStrategy{method: domain.TransmissionCloudflare}
	p := newTestProcessor(store, nil, cf, cipher)

	report, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Completed)
	assert.Equal(t, domain.QueueCompleted, store.row(id).Queue)

	require.Len(t, cf.dispatched, 1)
	assert.Contains(t, string(cf.dispatched[0][0].Payload), "page_view", "dispatch sees plaintext")
}

func TestProcessor_UndecryptableRowFailsAlone(t *testing.T) {
	cipher, err := crypto.New("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	require.NoError(t, err)

	store := newMemStore()
	bad := store.seedPending("deadbeef", true)
	good := store.seedPending(pendingPayload(), false)

	cf := &stubStrategy{method: domain.TransmissionCloudflare}
	p := newTestProcessor(store, nil, cf, cipher)

	report, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Completed)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, domain.QueueFailed, store.row(bad).Queue)
	assert.Equal(t, domain.QueueCompleted, store.row(good).Queue)

	require.Len(t, cf.dispatched, 1)
	require.Len(t, cf.dispatched[0], 1, "the undecryptable row never reaches dispatch")
}

func TestProcessor_EmptyQueue(t *testing.T) {
	store := newMemStore()
	cf := &stubStrategy{method: domain.TransmissionCloudflare}
	p := newTestProcessor(store, nil, cf, nil)

	report, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Claimed)
	assert.Empty(t, cf.dispatched)
}

func TestProcessor_PrepareFailureSkipsRow(t *testing.T) {
	store := newMemStore()
	a := store.seedPending(pendingPayload(), false)
	b := store.seedPending(pendingPayload(), false)

	cf := &stubStrategy{
		method:     domain.TransmissionCloudflare,
		prepareErr: map[int64]error{a: errors.New("no tracked event")},
	}
	p := newTestProcessor(store, nil, cf, nil)

	report, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Completed)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, domain.QueueFailed, store.row(a).Queue)
	assert.Equal(t, domain.QueueCompleted, store.row(b).Queue)
}

func TestProcessor_Totals(t *testing.T) {
	store := newMemStore()
	store.seedPending(pendingPayload(), false)
	cf := &stubStrategy{method: domain.TransmissionCloudflare}
	p := newTestProcessor(store, nil, cf, nil)

	_, err := p.Run(context.Background())
	require.NoError(t, err)
	_, err = p.Run(context.Background())
	require.NoError(t, err)

	totals := p.Totals()
	assert.Equal(t, int64(2), totals["runs"])
	assert.Equal(t, int64(1), totals["completed"])
}
