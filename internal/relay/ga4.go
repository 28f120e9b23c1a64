package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"github.com/RubenJachtDigital/ga4-server-side-tagging-sub002/internal/domain"
	"github.com/RubenJachtDigital/ga4-server-side-tagging-sub002/internal/pkg/httpretry"
	"github.com/RubenJachtDigital/ga4-server-side-tagging-sub002/internal/service/queue"
)

// GA4Config holds the Measurement Protocol credentials for the direct
// strategy.
type GA4Config struct {
	Endpoint      string
	MeasurementID string
	APISecret     string
}

// GA4Direct sends one Measurement Protocol request per event. Outcomes are
// per-event: a sibling's failure never reverts an already-delivered event.
// Bodies are never encrypted (GA4 has no encryption contract).
type GA4Direct struct {
	cfg    GA4Config
	client httpretry.Doer

	// newClientID is injectable for deterministic tests.
	newClientID func() string
}

// NewGA4Direct creates the direct strategy. client may be nil in tests that
// only exercise Prepare.
func NewGA4Direct(cfg GA4Config, client httpretry.Doer) *GA4Direct {
	return &GA4Direct{
		cfg:         cfg,
		client:      client,
		newClientID: func() string { return uuid.New().String() },
	}
}

// Method implements queue.Strategy.
func (g *GA4Direct) Method() domain.TransmissionMethod {
	return domain.TransmissionGA4Direct
}

// mpPayload is the Measurement Protocol request body for one event.
type mpPayload struct {
	ClientID        string               `json:"client_id"`
	UserID          string               `json:"user_id,omitempty"`
	TimestampMicros int64                `json:"timestamp_micros,omitempty"`
	Consent         map[string]string    `json:"consent"`
	Device          map[string]any       `json:"device,omitempty"`
	UserLocation    map[string]any       `json:"user_location,omitempty"`
	Events          []domain.TrackedEvent `json:"events"`
}

// deviceParamFields maps flat event params to the nested device object GA4
// expects. Lifted fields are stripped from params to avoid duplication.
var deviceParamFields = map[string]string{
	"device_type":       "category",
	"browser_name":      "browser",
	"browser_version":   "browser_version",
	"operating_system":  "operating_system",
	"os_version":        "operating_system_version",
	"screen_resolution": "screen_resolution",
	"language":          "language",
	"device_model":      "model",
	"device_brand":      "brand",
}

// locationParamFields maps flat geo params into user_location.
var locationParamFields = map[string]string{
	"geo_city":      "city",
	"geo_region":    "region_id",
	"geo_country":   "country_id",
	"geo_continent": "continent_id",
}

// Prepare builds the Measurement Protocol payload for one event, applying
// consent clamping and, under denied consent, identity/location redaction.
// Headers forwarded downstream are reconstructed from the original client
// request so GA4 sees real client context, not the relay's.
func (g *GA4Direct) Prepare(ev *queue.OutboundEvent) (*queue.PreparedEvent, error) {
	if len(ev.Batch.Events) == 0 {
		return nil, fmt.Errorf("event %d has no tracked events", ev.ID)
	}
	tracked := ev.Batch.Events[0]
	params := cloneParams(tracked.Params)

	consent := NormalizeConsent(ev.Batch.Consent)
	denied := consentDenied(consent)

	out := mpPayload{
		Consent: consent,
		Events:  []domain.TrackedEvent{{Name: tracked.Name}},
	}

	// client_id comes from the payload; a GUID-like value is generated when
	// absent so GA4 never rejects the hit.
	if cid, ok := stringParam(params, "client_id"); ok {
		out.ClientID = cid
		delete(params, "client_id")
	} else {
		out.ClientID = g.newClientID()
	}

	if uid, ok := stringParam(params, "user_id"); ok && !denied {
		out.UserID = uid
	}
	delete(params, "user_id")

	if ts, ok := intParam(params, "timestamp_micros"); ok {
		out.TimestampMicros = ts
		delete(params, "timestamp_micros")
	} else if ev.Batch.Timestamp > 0 {
		// Batch timestamps arrive as unix seconds; MP wants microseconds.
		out.TimestampMicros = ev.Batch.Timestamp * 1_000_000
	}

	// Lift device fields from flat params into the nested object.
	device := map[string]any{}
	for param, field := range deviceParamFields {
		if v, ok := params[param]; ok {
			device[field] = v
			delete(params, param)
		}
	}
	if len(device) > 0 {
		out.Device = device
	}

	// Location: precise geo params when consent allows, otherwise a coarse
	// timezone-derived country/continent.
	tz, _ := stringParam(params, "timezone")
	if denied {
		for _, param := range preciseGeoParams {
			delete(params, param)
		}
		delete(params, "geo_country")
		delete(params, "geo_continent")
		for _, param := range identityParams {
			delete(params, param)
		}
		if tz != "" {
			region := RegionFromTimezone(tz)
			loc := map[string]any{}
			if region.CountryID != "" {
				loc["country_id"] = region.CountryID
			}
			if region.ContinentID != "" {
				loc["continent_id"] = region.ContinentID
			}
			if len(loc) > 0 {
				out.UserLocation = loc
			}
		}
	} else {
		location := map[string]any{}
		for param, field := range locationParamFields {
			if v, ok := params[param]; ok {
				location[field] = v
				delete(params, param)
			}
		}
		for _, param := range []string{"geo_latitude", "geo_longitude", "geo_postal_code"} {
			delete(params, param)
		}
		if len(location) > 0 {
			out.UserLocation = location
		}
	}
	delete(params, "timezone")

	out.Events[0].Params = params

	body, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal MP payload: %w", err)
	}

	return &queue.PreparedEvent{
		ID:        ev.ID,
		Payload:   body,
		Headers:   forwardedHeaders(ev.Headers),
		Encrypted: false,
	}, nil
}

// forwardedHeaders picks the original client headers GA4 should see.
func forwardedHeaders(original map[string]string) map[string]string {
	out := map[string]string{"Content-Type": "application/json"}
	for _, name := range []string{"User-Agent", "Accept-Language", "Referer", "Accept"} {
		if v, ok := original[name]; ok && v != "" {
			out[name] = v
		}
	}
	return out
}

// Dispatch sends each prepared event sequentially and records per-event
// outcomes. A timeout or transport error counts the same as a non-2xx.
func (g *GA4Direct) Dispatch(ctx context.Context, batch []*queue.PreparedEvent) queue.Result {
	result := queue.Result{
		PerEvent:    true,
		EventErrors: make(map[int64]error, len(batch)),
	}

	endpoint := fmt.Sprintf("%s?measurement_id=%s&api_secret=%s",
		g.cfg.Endpoint, url.QueryEscape(g.cfg.MeasurementID), url.QueryEscape(g.cfg.APISecret))

	for _, pe := range batch {
		result.EventErrors[pe.ID] = g.send(ctx, endpoint, pe)
	}
	return result
}

func (g *GA4Direct) send(ctx context.Context, endpoint string, pe *queue.PreparedEvent) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(pe.Payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(pe.Payload)), nil
	}
	for k, v := range pe.Headers {
		req.Header.Set(k, v)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("ga4 transport: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("ga4 returned status %d", resp.StatusCode)
	}
	return nil
}

func cloneParams(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func stringParam(params map[string]any, key string) (string, bool) {
	v, ok := params[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

func intParam(params map[string]any, key string) (int64, bool) {
	switch v := params[key].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	}
	return 0, false
}
