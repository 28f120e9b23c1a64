package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/RubenJachtDigital/ga4-server-side-tagging-sub002/internal/domain"
	"github.com/RubenJachtDigital/ga4-server-side-tagging-sub002/internal/pkg/logger"
	"github.com/RubenJachtDigital/ga4-server-side-tagging-sub002/internal/service/queue"
)

// Cryptor is the crypto surface the guard needs: unsealing inbound
// envelopes and sealing payloads at rest.
type Cryptor interface {
	DecryptPermanentToken(token string) ([]byte, error)
	VerifyTimeBoxedToken(token string) ([]byte, error)
	CreatePermanentToken(payload []byte) (string, error)
}

// GuardConfig holds the admission settings, resolved once at construction.
type GuardConfig struct {
	// SiteHost is the host inbound events must claim via Origin, Referer
	// or the payload's page_origin.
	SiteHost string
	// EncryptAtRest seals stored payloads with a permanent token.
	EncryptAtRest bool
}

// Guard validates, rate-limits and bot-filters inbound events before they
// reach the store.
type Guard struct {
	store   queue.Store
	limiter RateLimiter
	cryptor Cryptor
	cfg     GuardConfig
}

// NewGuard creates the admission guard. cryptor may be nil when no
// encryption key is configured; encrypted envelopes are then recorded as
// errors.
func NewGuard(store queue.Store, limiter RateLimiter, cryptor Cryptor, cfg GuardConfig) *Guard {
	return &Guard{store: store, limiter: limiter, cryptor: cryptor, cfg: cfg}
}

// Outcome is the admission result for one inbound request.
type Outcome struct {
	Status domain.MonitorStatus
	// Stage names the pipeline stage that rejected the request: rate_limit,
	// decrypt, origin, bot_detection or validation. Empty when allowed.
	Stage string
	// EventIDs are the queued rows (allowed only).
	EventIDs []int64
	// RetryAfter is set on rate-limit denials.
	RetryAfter int
	// Reason is a client-safe denial summary.
	Reason string
}

// Process runs the admission pipeline on one request. Every outcome writes
// monitor rows; a non-nil error means the store itself was unreachable and
// nothing was recorded.
func (g *Guard) Process(ctx context.Context, req *Request, body []byte) (*Outcome, error) {
	// Rate limiting first: it needs no payload work. A limiter infra
	// failure fails open so a Redis hiccup cannot block the storefront.
	allowed, retryAfter, err := g.limiter.Allow(ctx, req.ClientIP)
	if err != nil {
		logger.Warn("rate limiter unavailable, failing open", "error", err.Error())
		allowed = true
	}
	if !allowed {
		rlErr := &RateLimitError{RetryAfter: retryAfter}
		if err := g.recordRejection(ctx, req, body, domain.MonitorDenied, domain.ErrorContext{
			Reason: rlErr.Error(), Stage: "rate_limit",
			ClientIP: req.ClientIP, UserAgent: req.Header("User-Agent"),
		}, false); err != nil {
			return nil, err
		}
		return &Outcome{Status: domain.MonitorDenied, Stage: "rate_limit", RetryAfter: retryAfter, Reason: "rate limit exceeded"}, nil
	}

	// Envelope decode + decryption, so every later check sees plaintext.
	// Decryption failure is an error outcome, not a denial: the client did
	// nothing observably wrong.
	env, err := domain.DecodeEnvelope(body)
	if err != nil {
		if recErr := g.recordRejection(ctx, req, body, domain.MonitorError, domain.ErrorContext{
			Reason: err.Error(), Stage: "decrypt", ClientIP: req.ClientIP,
		}, false); recErr != nil {
			return nil, recErr
		}
		return &Outcome{Status: domain.MonitorError, Stage: "decrypt", Reason: "unreadable payload"}, nil
	}

	plaintext := []byte(env.Body)
	arrivedEncrypted := env.Kind != domain.EnvelopePlain
	if arrivedEncrypted {
		plaintext, err = g.unseal(env)
		if err != nil {
			if recErr := g.recordRejection(ctx, req, body, domain.MonitorError, domain.ErrorContext{
				Reason: fmt.Sprintf("%s: %s", ErrDecryptionFailed, err), Stage: "decrypt",
				ClientIP: req.ClientIP,
			}, true); recErr != nil {
				return nil, recErr
			}
			return &Outcome{Status: domain.MonitorError, Stage: "decrypt", Reason: "payload decryption failed"}, nil
		}
	}

	batch, parseOK := normalizePayload(plaintext)

	// Origin validation: any of the three origin claims matching the site
	// host admits the request past this stage.
	if !g.originValid(req, batch.PageOrigin) {
		if recErr := g.recordRejection(ctx, req, plaintext, domain.MonitorDenied, domain.ErrorContext{
			Reason: ErrOriginRejected.Error(), Stage: "origin",
			ClientIP: req.ClientIP, UserAgent: req.Header("User-Agent"),
		}, arrivedEncrypted); recErr != nil {
			return nil, recErr
		}
		return &Outcome{Status: domain.MonitorDenied, Stage: "origin", Reason: "origin rejected"}, nil
	}

	// Bot classification.
	if verdict := DetectBot(req); verdict.IsBot {
		if recErr := g.recordRejection(ctx, req, plaintext, domain.MonitorBotDetected, domain.ErrorContext{
			Reason: ErrBotDetected.Error(), Stage: "bot_detection",
			ClientIP: req.ClientIP, UserAgent: req.Header("User-Agent"),
			Signals: verdict.Signals,
		}, arrivedEncrypted); recErr != nil {
			return nil, recErr
		}
		return &Outcome{Status: domain.MonitorBotDetected, Stage: "bot_detection", Reason: "request rejected"}, nil
	}

	// Shape validation: a non-empty events array where every element has a
	// non-empty name.
	if !parseOK || !validShape(batch) {
		if recErr := g.recordRejection(ctx, req, plaintext, domain.MonitorDenied, domain.ErrorContext{
			Reason: ErrMalformedPayload.Error(), Stage: "validation",
			ClientIP: req.ClientIP,
		}, arrivedEncrypted); recErr != nil {
			return nil, recErr
		}
		return &Outcome{Status: domain.MonitorDenied, Stage: "validation", Reason: "malformed payload"}, nil
	}

	ids, err := g.admit(ctx, req, batch, arrivedEncrypted)
	if err != nil {
		return nil, err
	}
	return &Outcome{Status: domain.MonitorAllowed, EventIDs: ids}, nil
}

func (g *Guard) unseal(env domain.Envelope) ([]byte, error) {
	if g.cryptor == nil {
		return nil, fmt.Errorf("no encryption key configured")
	}
	switch env.Kind {
	case domain.EnvelopePermanent:
		return g.cryptor.DecryptPermanentToken(env.Body)
	case domain.EnvelopeTimeBoxed:
		return g.cryptor.VerifyTimeBoxedToken(env.Body)
	}
	return []byte(env.Body), nil
}

// originValid checks Origin, Referer and the payload's page_origin against
// the configured site host.
func (g *Guard) originValid(req *Request, pageOrigin string) bool {
	if g.cfg.SiteHost == "" {
		return true
	}
	for _, claim := range []string{req.Header("Origin"), req.Header("Referer"), pageOrigin} {
		if claim == "" {
			continue
		}
		if hostOf(claim) == g.cfg.SiteHost {
			return true
		}
	}
	return false
}

func hostOf(claim string) string {
	if u, err := url.Parse(claim); err == nil && u.Host != "" {
		return u.Hostname()
	}
	// A bare host claim ("shop.example.com") parses with an empty Host.
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(claim)), "/")
}

// singlePayload is the single-event shorthand the endpoint accepts.
type singlePayload struct {
	EventName string         `json:"event_name"`
	Name      string         `json:"name"`
	Params    map[string]any `json:"params"`
	Timestamp int64          `json:"timestamp"`
}

// normalizePayload reduces both accepted shapes to the batch form. The
// bool reports whether the body parsed as JSON at all.
func normalizePayload(plaintext []byte) (domain.EventBatch, bool) {
	var batch domain.EventBatch
	if err := json.Unmarshal(plaintext, &batch); err == nil && len(batch.Events) > 0 {
		return batch, true
	}

	var single singlePayload
	if err := json.Unmarshal(plaintext, &single); err != nil {
		return domain.EventBatch{}, false
	}
	name := single.EventName
	if name == "" {
		name = single.Name
	}
	if name == "" {
		return domain.EventBatch{}, true
	}
	return domain.EventBatch{
		Events:    []domain.TrackedEvent{{Name: name, Params: single.Params}},
		Timestamp: single.Timestamp,
	}, true
}

func validShape(batch domain.EventBatch) bool {
	if len(batch.Events) == 0 {
		return false
	}
	for _, ev := range batch.Events {
		if ev.Name == "" {
			return false
		}
	}
	return true
}

// admit inserts one pending row per tracked event, carrying the request's
// consent/origin context on each row.
func (g *Guard) admit(ctx context.Context, req *Request, batch domain.EventBatch, arrivedEncrypted bool) ([]int64, error) {
	headers := encodeHeaders(req.Headers)
	ids := make([]int64, 0, len(batch.Events))

	for _, tracked := range batch.Events {
		rowBatch := domain.EventBatch{
			Events:     []domain.TrackedEvent{tracked},
			Consent:    batch.Consent,
			PageOrigin: batch.PageOrigin,
			Timestamp:  batch.Timestamp,
		}
		payload, err := json.Marshal(rowBatch)
		if err != nil {
			return nil, fmt.Errorf("marshal row payload: %w", err)
		}

		stored := string(payload)
		sealed := false
		// Arrived-encrypted payloads never go back to plaintext at rest;
		// plaintext arrivals are sealed only when configured.
		if (arrivedEncrypted || g.cfg.EncryptAtRest) && g.cryptor != nil {
			token, err := g.cryptor.CreatePermanentToken(payload)
			if err != nil {
				return nil, fmt.Errorf("seal row payload: %w", err)
			}
			stored = token
			sealed = true
		}

		id, err := g.store.Insert(ctx, &domain.Event{
			EventName:              tracked.Name,
			Monitor:                domain.MonitorAllowed,
			Queue:                  domain.QueuePending,
			OriginalPayload:        stored,
			OriginalHeaders:        headers,
			WasOriginallyEncrypted: sealed,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %s", queue.ErrStoreUnavailable, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// recordRejection writes the single monitor row for a denied, bot or error
// outcome. The queue status stays empty: these rows never enter the
// transmission queue.
func (g *Guard) recordRejection(ctx context.Context, req *Request, payload []byte, status domain.MonitorStatus, ec domain.ErrorContext, wasEncrypted bool) error {
	_, err := g.store.Insert(ctx, &domain.Event{
		EventName:              firstEventName(payload),
		Monitor:                status,
		OriginalPayload:        string(payload),
		OriginalHeaders:        encodeHeaders(req.Headers),
		WasOriginallyEncrypted: wasEncrypted,
		ErrorMessage:           ec.Encode(),
	})
	if err != nil {
		return fmt.Errorf("%w: %s", queue.ErrStoreUnavailable, err)
	}
	return nil
}

// firstEventName extracts a name for the monitor row when the payload is
// parseable; raw/unparsed payloads store an empty name.
func firstEventName(payload []byte) string {
	if batch, ok := normalizePayload(payload); ok && len(batch.Events) > 0 {
		return batch.Events[0].Name
	}
	return ""
}

func encodeHeaders(h map[string]string) string {
	if len(h) == 0 {
		return ""
	}
	b, _ := json.Marshal(h)
	return string(b)
}
