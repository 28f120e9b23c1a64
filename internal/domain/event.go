package domain

import (
	"encoding/json"
	"time"
)

// MonitorStatus classifies why an inbound event was or wasn't admitted.
// Set once at ingestion, immutable thereafter.
type MonitorStatus string

const (
	MonitorAllowed     MonitorStatus = "allowed"
	MonitorDenied      MonitorStatus = "denied"
	MonitorBotDetected MonitorStatus = "bot_detected"
	MonitorError       MonitorStatus = "error"
)

// QueueStatus tracks an admitted event through the transmission pipeline.
// It is empty ("") for events that were never admitted.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
)

// TransmissionMethod identifies which strategy delivered (or attempted to
// deliver) an event.
type TransmissionMethod string

const (
	TransmissionCloudflare TransmissionMethod = "cloudflare"
	TransmissionGA4Direct  TransmissionMethod = "ga4_direct"
)

// Event is one row in the event queue table. Exactly one row exists per
// accepted or rejected tracking event.
type Event struct {
	ID          int64         `json:"id"`
	EventName   string        `json:"event_name"`
	Monitor     MonitorStatus `json:"monitor_status"`
	Queue       QueueStatus   `json:"queue_status,omitempty"`

	// As-received body and headers, possibly AEAD-encrypted at rest.
	OriginalPayload string `json:"original_payload"`
	OriginalHeaders string `json:"original_headers,omitempty"`

	// What was actually sent downstream, written once transmission is
	// attempted. Populated at most once per terminal transition.
	FinalPayload string `json:"final_payload,omitempty"`
	FinalHeaders string `json:"final_headers,omitempty"`

	Transmission TransmissionMethod `json:"transmission_method,omitempty"`

	// Encryption flags are observations of what happened at each stage,
	// never instructions. An event can arrive encrypted and still go out
	// plaintext (GA4 accepts no encrypted bodies).
	WasOriginallyEncrypted bool `json:"was_originally_encrypted"`
	FinalPayloadEncrypted  bool `json:"final_payload_encrypted"`

	RetryCount   int    `json:"retry_count"`
	ErrorMessage string `json:"error_message,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`

	BatchSize        int   `json:"batch_size,omitempty"`
	ProcessingTimeMs int64 `json:"processing_time_ms,omitempty"`
}

// Admitted reports whether the event entered the transmission queue.
// Invariant: Queue != "" if and only if Monitor == MonitorAllowed.
func (e *Event) Admitted() bool {
	return e.Monitor == MonitorAllowed
}

// Terminal reports whether the event reached a final queue state.
func (e *Event) Terminal() bool {
	return e.Queue == QueueCompleted || e.Queue == QueueFailed
}

// ErrorContext is the structured diagnostic stored in Event.ErrorMessage
// when an event is denied, bot-flagged, or errors during ingestion or
// transmission.
type ErrorContext struct {
	Reason    string            `json:"reason"`
	Stage     string            `json:"stage"`
	ClientIP  string            `json:"client_ip,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
	Signals   []string          `json:"signals,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// Encode renders the error context as the JSON stored on the row. Encoding
// a struct of strings cannot fail; the error path is kept for symmetry.
func (c ErrorContext) Encode() string {
	b, err := json.Marshal(c)
	if err != nil {
		return `{"reason":"unencodable error context"}`
	}
	return string(b)
}

// TrackedEvent is a single analytics event inside a request payload.
type TrackedEvent struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

// EventBatch is the normalized shape every inbound payload is reduced to
// before storage: one or more named events plus request-level metadata.
type EventBatch struct {
	Events     []TrackedEvent    `json:"events"`
	Consent    map[string]string `json:"consent,omitempty"`
	PageOrigin string            `json:"page_origin,omitempty"`
	// Timestamp is the client batch time in unix seconds.
	Timestamp int64 `json:"timestamp,omitempty"`
}
