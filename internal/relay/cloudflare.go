package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/RubenJachtDigital/ga4-server-side-tagging-sub002/internal/domain"
	"github.com/RubenJachtDigital/ga4-server-side-tagging-sub002/internal/pkg/httpretry"
	"github.com/RubenJachtDigital/ga4-server-side-tagging-sub002/internal/service/queue"
)

// Encryptor seals the batch body as a permanent token when transmission
// encryption is enabled.
type Encryptor interface {
	CreatePermanentToken(payload []byte) (string, error)
}

// CloudflareConfig holds the worker-intermediary settings.
type CloudflareConfig struct {
	WorkerURL string
	APIKey    string
	// EncryptBody wraps the batch JSON in a permanent token.
	EncryptBody bool
	Timeout     time.Duration
}

// Cloudflare sends the whole batch in one POST to the worker. The outcome
// is all-or-nothing: 2xx completes every event, anything else (including
// transport errors and timeouts) fails every event with one batch-level
// message. That trade-off buys simplicity over per-event granularity.
type Cloudflare struct {
	cfg       CloudflareConfig
	client    httpretry.Doer
	encryptor Encryptor

	now func() time.Time
}

// NewCloudflare creates the worker strategy. encryptor may be nil when
// EncryptBody is false.
func NewCloudflare(cfg CloudflareConfig, client httpretry.Doer, encryptor Encryptor) *Cloudflare {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Cloudflare{cfg: cfg, client: client, encryptor: encryptor, now: time.Now}
}

// Method implements queue.Strategy.
func (c *Cloudflare) Method() domain.TransmissionMethod {
	return domain.TransmissionCloudflare
}

// cfContribution is one row's share of the batch body. Consent rides along
// so Dispatch can lift it to the batch level without re-reading the store.
type cfContribution struct {
	Name    string            `json:"name"`
	Params  map[string]any    `json:"params,omitempty"`
	Consent map[string]string `json:"consent,omitempty"`
}

// Prepare serializes one event's contribution to the batch body. The worker
// does its own GA4 transform, so events go over as received.
func (c *Cloudflare) Prepare(ev *queue.OutboundEvent) (*queue.PreparedEvent, error) {
	if len(ev.Batch.Events) == 0 {
		return nil, fmt.Errorf("event %d has no tracked events", ev.ID)
	}
	tracked := ev.Batch.Events[0]

	body, err := json.Marshal(cfContribution{
		Name:    tracked.Name,
		Params:  tracked.Params,
		Consent: ev.Batch.Consent,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal contribution: %w", err)
	}

	// Stored per-row evidence is this plaintext contribution; wire
	// encryption wraps the assembled batch at dispatch, not this column.
	return &queue.PreparedEvent{
		ID:        ev.ID,
		Payload:   body,
		Encrypted: false,
	}, nil
}

// cfBatchBody is the plaintext wire shape sent to the worker.
type cfBatchBody struct {
	Events    []cfEvent         `json:"events"`
	Batch     bool              `json:"batch"`
	Timestamp int64             `json:"timestamp"`
	Consent   map[string]string `json:"consent,omitempty"`
}

type cfEvent struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

// cfEncryptedBody replaces the plaintext body when encryption is enabled.
type cfEncryptedBody struct {
	Encrypted bool   `json:"encrypted"`
	JWT       string `json:"jwt"`
}

// Dispatch assembles and posts the batch. One boolean outcome for the run.
func (c *Cloudflare) Dispatch(ctx context.Context, batch []*queue.PreparedEvent) queue.Result {
	body := cfBatchBody{
		Batch:     true,
		Timestamp: c.now().Unix(),
		Events:    make([]cfEvent, 0, len(batch)),
	}
	for _, pe := range batch {
		var contrib cfContribution
		if err := json.Unmarshal(pe.Payload, &contrib); err != nil {
			return queue.Result{Err: fmt.Errorf("reassemble batch: %w", err)}
		}
		body.Events = append(body.Events, cfEvent{Name: contrib.Name, Params: contrib.Params})
		if body.Consent == nil && len(contrib.Consent) > 0 {
			body.Consent = contrib.Consent
		}
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return queue.Result{Err: fmt.Errorf("marshal batch body: %w", err)}
	}

	if c.cfg.EncryptBody {
		if c.encryptor == nil {
			return queue.Result{Err: fmt.Errorf("transmission encryption enabled but no key configured")}
		}
		token, err := c.encryptor.CreatePermanentToken(raw)
		if err != nil {
			return queue.Result{Err: fmt.Errorf("encrypt batch body: %w", err)}
		}
		raw, err = json.Marshal(cfEncryptedBody{Encrypted: true, JWT: token})
		if err != nil {
			return queue.Result{Err: fmt.Errorf("marshal encrypted body: %w", err)}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.WorkerURL, bytes.NewReader(raw))
	if err != nil {
		return queue.Result{Err: fmt.Errorf("build request: %w", err)}
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(raw)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return queue.Result{Err: fmt.Errorf("worker transport: %w", err)}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return queue.Result{Err: fmt.Errorf("worker returned status %d", resp.StatusCode)}
	}
	return queue.Result{}
}
