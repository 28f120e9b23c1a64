package ingest

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
	"github.com/RubenJachtDigital/ga4-server-side-tagging-sub002/internal/service/queue"
)

const guardTestKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

// mockStore records inserts in memory; only the methods the guard touches
// are live.
type mockStore struct {
	mu       sync.Mutex
	nextID   int64
	inserted []*domain.Event
	failNext bool
}

func (m *mockStore) Insert(_ context.Context, e *domain.Event) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext {
		return 0, errors.New("connection refused")
	}
	m.nextID++
	row := *e
	row.ID = m.nextID
	m.inserted = append(m.inserted, &row)
	return m.nextID, nil
}

func (m *mockStore) SelectPending(context.Context, int) ([]*domain.Event, error) { return nil, nil }
func (m *mockStore) ClaimPending(context.Context, int) ([]*domain.Event, error)  { return nil, nil }
func (m *mockStore) UpdateStatus(context.Context, []int64, domain.QueueStatus, queue.StatusExtra) error {
	return nil
}
func (m *mockStore) SaveFinalPayload(context.Context, int64, queue.FinalPayload) error { return nil }
func (m *mockStore) MarkFailed(context.Context, int64, string) error                   { return nil }
func (m *mockStore) Requeue(context.Context, []int64) (int64, error)                   { return 0, nil }
func (m *mockStore) ReclaimStale(context.Context, time.Duration) (int64, error)        { return 0, nil }
func (m *mockStore) CleanupOlderThan(context.Context, int) (int64, error)              { return 0, nil }
func (m *mockStore) Stats(context.Context) (*queue.Stats, error)                       { return nil, nil }

// stubLimiter returns a fixed verdict.
type stubLimiter struct {
	allowed    bool
	retryAfter int
	err        error
}

func (s *stubLimiter) Allow(context.Context, string) (bool, int, error) {
	return s.allowed, s.retryAfter, s.err
}

func newTestGuard(t *testing.T, store *mockStore, limiter RateLimiter) *Guard {
	t.Helper()
	cipher, err := crypto.New(guardTestKey)
	require.NoError(t, err)
	return NewGuard(store, limiter, cipher, GuardConfig{SiteHost: "shop.example.com"})
}

func batchBody(t *testing.T, names ...string) []byte {
	t.Helper()
	events := make([]domain.TrackedEvent, 0, len(names))
	for _, n := range names {
		events = append(events, domain.TrackedEvent{Name: n, Params: map[string]any{"page": "/checkout"}})
	}
	b, err := json.Marshal(domain.EventBatch{
		Events:     events,
		Consent:    map[string]string{"ad_user_data": "GRANTED", "ad_personalization": "GRANTED"},
		PageOrigin: "https://shop.example.com",
		Timestamp:  1767225600,
	})
	require.NoError(t, err)
	return b
}

func TestGuard_AllowedBatchQueuesRowPerEvent(t *testing.T) {
	store := &mockStore{}
	g := newTestGuard(t, store, &stubLimiter{allowed: true})

	out, err := g.Process(context.Background(), browserRequest(), batchBody(t, "page_view", "add_to_cart", "purchase"))
	require.NoError(t, err)

	assert.Equal(t, domain.MonitorAllowed, out.Status)
	assert.Len(t, out.EventIDs, 3)
	require.Len(t, store.inserted, 3)

	for _, row := range store.inserted {
		assert.Equal(t, domain.MonitorAllowed, row.Monitor)
		assert.Equal(t, domain.QueuePending, row.Queue, "allowed rows enter the queue pending")
		assert.False(t, row.WasOriginallyEncrypted)

		var rowBatch domain.EventBatch
		require.NoError(t, json.Unmarshal([]byte(row.OriginalPayload), &rowBatch))
		require.Len(t, rowBatch.Events, 1)
		assert.Equal(t, row.EventName, rowBatch.Events[0].Name)
		assert.Equal(t, "GRANTED", rowBatch.Consent["ad_user_data"], "consent travels with every row")
	}
	assert.Equal(t, "page_view", store.inserted[0].EventName)
	assert.Equal(t, "purchase", store.inserted[2].EventName)
}

func TestGuard_SingleEventShorthand(t *testing.T) {
	store := &mockStore{}
	g := newTestGuard(t, store, &stubLimiter{allowed: true})

	body := []byte(`{"event_name": "page_view", "params": {"page_location": "https://shop.example.com/"}, "timestamp": 1767225600}`)
	out, err := g.Process(context.Background(), browserRequest(), body)
	require.NoError(t, err)

	assert.Equal(t, domain.MonitorAllowed, out.Status)
	require.Len(t, store.inserted, 1)
	assert.Equal(t, "page_view", store.inserted[0].EventName)

	var rowBatch domain.EventBatch
	require.NoError(t, json.Unmarshal([]byte(store.inserted[0].OriginalPayload), &rowBatch))
	assert.EqualValues(t, 1767225600, rowBatch.Timestamp)
}

func TestGuard_RateLimited(t *testing.T) {
	store := &mockStore{}
	g := newTestGuard(t, store, &stubLimiter{allowed: false, retryAfter: 37})

	out, err := g.Process(context.Background(), browserRequest(), batchBody(t, "page_view"))
	require.NoError(t, err)

	assert.Equal(t, domain.MonitorDenied, out.Status)
	assert.Equal(t, 37, out.RetryAfter)
	assert.Empty(t, out.EventIDs)

	require.Len(t, store.inserted, 1)
	row := store.inserted[0]
	assert.Equal(t, domain.MonitorDenied, row.Monitor)
	assert.Empty(t, row.Queue, "denied rows never enter the queue")

	var ec domain.ErrorContext
	require.NoError(t, json.Unmarshal([]byte(row.ErrorMessage), &ec))
	assert.Equal(t, "rate_limit", ec.Stage)
}

func TestGuard_LimiterFailureFailsOpen(t *testing.T) {
	store := &mockStore{}
	g := newTestGuard(t, store, &stubLimiter{err: errors.New("redis down")})

	out, err := g.Process(context.Background(), browserRequest(), batchBody(t, "page_view"))
	require.NoError(t, err)
	assert.Equal(t, domain.MonitorAllowed, out.Status)
}

func TestGuard_OriginRejected(t *testing.T) {
	store := &mockStore{}
	g := newTestGuard(t, store, &stubLimiter{allowed: true})

	req := browserRequest()
	req.Headers["Origin"] = "https://evil.example.net"
	req.Headers["Referer"] = "https://evil.example.net/spam"

	body, err := json.Marshal(domain.EventBatch{
		Events:     []domain.TrackedEvent{{Name: "page_view"}},
		PageOrigin: "https://evil.example.net",
	})
	require.NoError(t, err)

	out, perr := g.Process(context.Background(), req, body)
	require.NoError(t, perr)

	assert.Equal(t, domain.MonitorDenied, out.Status)
	require.Len(t, store.inserted, 1)

	var ec domain.ErrorContext
	require.NoError(t, json.Unmarshal([]byte(store.inserted[0].ErrorMessage), &ec))
	assert.Equal(t, "origin", ec.Stage)
}

func TestGuard_PageOriginAloneAdmits(t *testing.T) {
	// Server-side relays send no browser Origin/Referer on behalf of the
	// page, but a matching page_origin claim still admits.
	store := &mockStore{}
	g := newTestGuard(t, store, &stubLimiter{allowed: true})

	req := browserRequest()
	delete(req.Headers, "Origin")
	req.Headers["Referer"] = "https://shop.example.com/cart"

	out, err := g.Process(context.Background(), req, batchBody(t, "add_to_cart"))
	require.NoError(t, err)
	assert.Equal(t, domain.MonitorAllowed, out.Status)
}

func TestGuard_BotDetected(t *testing.T) {
	store := &mockStore{}
	g := newTestGuard(t, store, &stubLimiter{allowed: true})

	req := &Request{
		ClientIP:    "66.249.66.1",
		Headers:     map[string]string{"User-Agent": "Mozilla/5.0 (compatible; Googlebot/2.1)", "Origin": "https://shop.example.com"},
		ContentType: "application/json",
	}

	out, err := g.Process(context.Background(), req, batchBody(t, "page_view"))
	require.NoError(t, err)

	assert.Equal(t, domain.MonitorBotDetected, out.Status)
	require.Len(t, store.inserted, 1)
	row := store.inserted[0]
	assert.Equal(t, domain.MonitorBotDetected, row.Monitor)
	assert.Empty(t, row.Queue)

	var ec domain.ErrorContext
	require.NoError(t, json.Unmarshal([]byte(row.ErrorMessage), &ec))
	assert.Equal(t, "bot_detection", ec.Stage)
	assert.Contains(t, ec.Signals, "ua_signature")
	assert.Contains(t, ec.Signals, "bot_network")
}

func TestGuard_MalformedPayload(t *testing.T) {
	store := &mockStore{}
	g := newTestGuard(t, store, &stubLimiter{allowed: true})

	cases := map[string][]byte{
		"not json":     []byte(`{{{`),
		"empty events": []byte(`{"events": [], "page_origin": "https://shop.example.com"}`),
		"nameless":     []byte(`{"events": [{"name": "", "params": {}}], "page_origin": "https://shop.example.com"}`),
	}
	for label, body := range cases {
		t.Run(label, func(t *testing.T) {
			before := len(store.inserted)
			out, err := g.Process(context.Background(), browserRequest(), body)
			require.NoError(t, err)
			assert.Equal(t, domain.MonitorDenied, out.Status)
			require.Len(t, store.inserted, before+1)
			assert.Empty(t, store.inserted[before].Queue)
		})
	}
}

func TestGuard_EncryptedArrivalStoredSealed(t *testing.T) {
	store := &mockStore{}
	g := newTestGuard(t, store, &stubLimiter{allowed: true})

	cipher, err := crypto.New(guardTestKey)
	require.NoError(t, err)
	token, err := cipher.CreatePermanentToken(batchBody(t, "purchase"))
	require.NoError(t, err)
	body := []byte(fmt.Sprintf(`{"encrypted": true, "jwt": %q}`, token))

	out, err := g.Process(context.Background(), browserRequest(), body)
	require.NoError(t, err)

	assert.Equal(t, domain.MonitorAllowed, out.Status)
	require.Len(t, store.inserted, 1)
	row := store.inserted[0]
	assert.True(t, row.WasOriginallyEncrypted, "encrypted arrivals never rest in plaintext")
	assert.Equal(t, "purchase", row.EventName)

	// The stored token must unseal back to the normalized row payload.
	plain, err := cipher.DecryptPermanentToken(row.OriginalPayload)
	require.NoError(t, err)
	var rowBatch domain.EventBatch
	require.NoError(t, json.Unmarshal(plain, &rowBatch))
	require.Len(t, rowBatch.Events, 1)
	assert.Equal(t, "purchase", rowBatch.Events[0].Name)
}

func TestGuard_DecryptionFailureIsError(t *testing.T) {
	store := &mockStore{}
	g := newTestGuard(t, store, &stubLimiter{allowed: true})

	body := []byte(`{"encrypted": true, "jwt": "deadbeef"}`)
	out, err := g.Process(context.Background(), browserRequest(), body)
	require.NoError(t, err)

	assert.Equal(t, domain.MonitorError, out.Status, "a broken token is an error, not a denial")
	require.Len(t, store.inserted, 1)
	row := store.inserted[0]
	assert.Equal(t, domain.MonitorError, row.Monitor)
	assert.True(t, row.WasOriginallyEncrypted)
	assert.Empty(t, row.Queue)

	var ec domain.ErrorContext
	require.NoError(t, json.Unmarshal([]byte(row.ErrorMessage), &ec))
	assert.Equal(t, "decrypt", ec.Stage)
}

func TestGuard_EncryptedEnvelopeWithoutKey(t *testing.T) {
	store := &mockStore{}
	g := NewGuard(store, &stubLimiter{allowed: true}, nil, GuardConfig{SiteHost: "shop.example.com"})

	body := []byte(`{"encrypted": true, "jwt": "deadbeef"}`)
	out, err := g.Process(context.Background(), browserRequest(), body)
	require.NoError(t, err)
	assert.Equal(t, domain.MonitorError, out.Status)
}

func TestGuard_EncryptAtRest(t *testing.T) {
	store := &mockStore{}
	cipher, err := crypto.New(guardTestKey)
	require.NoError(t, err)
	g := NewGuard(store, &stubLimiter{allowed: true}, cipher, GuardConfig{
		SiteHost:      "shop.example.com",
		EncryptAtRest: true,
	})

	out, err := g.Process(context.Background(), browserRequest(), batchBody(t, "page_view"))
	require.NoError(t, err)
	assert.Equal(t, domain.MonitorAllowed, out.Status)

	require.Len(t, store.inserted, 1)
	row := store.inserted[0]
	assert.True(t, row.WasOriginallyEncrypted)
	assert.NotContains(t, row.OriginalPayload, "page_view", "plaintext must not leak into the stored column")

	plain, err := cipher.DecryptPermanentToken(row.OriginalPayload)
	require.NoError(t, err)
	assert.Contains(t, string(plain), "page_view")
}

func TestGuard_StoreFailureSurfaces(t *testing.T) {
	store := &mockStore{failNext: true}
	g := newTestGuard(t, store, &stubLimiter{allowed: true})

	out, err := g.Process(context.Background(), browserRequest(), batchBody(t, "page_view"))
	require.Error(t, err)
	assert.ErrorIs(t, err, queue.ErrStoreUnavailable)
	assert.Nil(t, out)
}
