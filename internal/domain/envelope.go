package domain

import (
	"encoding/json"
	"fmt"
)

// EnvelopeKind discriminates how an inbound payload body is wrapped.
type EnvelopeKind int

const (
	// EnvelopePlain is an unwrapped JSON payload.
	EnvelopePlain EnvelopeKind = iota
	// EnvelopePermanent is a payload encrypted as a permanent token
	// ({"encrypted": true, "jwt": "<hex>"}).
	EnvelopePermanent
	// EnvelopeTimeBoxed is a payload wrapped in a time-boxed token
	// ({"time_jwt": "<hex>"}).
	EnvelopeTimeBoxed
)

func (k EnvelopeKind) String() string {
	switch k {
	case EnvelopePermanent:
		return "permanent"
	case EnvelopeTimeBoxed:
		return "time_boxed"
	default:
		return "plain"
	}
}

// Envelope is the decoded wrapper around an inbound payload. The kind is
// decided by explicit discriminator fields, never by trial decryption.
type Envelope struct {
	Kind EnvelopeKind
	// Body is the raw JSON for plain envelopes, or the hex token for
	// encrypted ones.
	Body string
}

type envelopeWire struct {
	Encrypted bool   `json:"encrypted"`
	JWT       string `json:"jwt"`
	TimeJWT   string `json:"time_jwt"`
}

// DecodeEnvelope classifies a raw request body. A body carrying
// "time_jwt" is time-boxed; a body carrying "encrypted": true with a "jwt"
// field is a permanent token; anything else is treated as plain JSON.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var wire envelopeWire
	// Non-object bodies (arrays, scalars) fall through as plain and are
	// rejected later by shape validation.
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Envelope{Kind: EnvelopePlain, Body: string(raw)}, nil
	}

	if wire.TimeJWT != "" {
		return Envelope{Kind: EnvelopeTimeBoxed, Body: wire.TimeJWT}, nil
	}
	if wire.Encrypted {
		if wire.JWT == "" {
			return Envelope{}, fmt.Errorf("envelope declares encrypted but carries no token")
		}
		return Envelope{Kind: EnvelopePermanent, Body: wire.JWT}, nil
	}
	return Envelope{Kind: EnvelopePlain, Body: string(raw)}, nil
}
