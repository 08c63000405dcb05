package v1

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Options carries the optional envelope header fields for Encode.
type Options struct {
	UserID       string
	TargetUserID string
	RequireAck   bool

	// Now overrides the creation time (tests, replay). Zero means the encoder clock.
	Now time.Time
}

// Encoder stamps envelopes with ULID ids and a per-sender non-decreasing
// millisecond timestamp. It is safe for concurrent use.
type Encoder struct {
	mu      sync.Mutex
	now     func() time.Time
	entropy io.Reader
	lastMS  int64
}

// NewEncoder constructs an Encoder. A nil clock means time.Now.
func NewEncoder(now func() time.Time) *Encoder {
	if now == nil {
		now = time.Now
	}
	return &Encoder{
		now:     now,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

var defaultEncoder = NewEncoder(nil)

// Encode builds a fully populated envelope using the package encoder.
func Encode(typ Type, payload any, opts Options) (Envelope, error) {
	return defaultEncoder.Encode(typ, payload, opts)
}

// Encode builds a fully populated envelope: fresh id, stamped timestamp and
// the optional header fields from opts.
func (enc *Encoder) Encode(typ Type, payload any, opts Options) (Envelope, error) {
	if !typ.Valid() {
		return Envelope{}, &DecodeError{Reason: "unknown type: " + string(typ)}
	}

	raw, err := marshalPayload(payload)
	if err != nil {
		return Envelope{}, err
	}

	id, ts, err := enc.stamp(opts.Now)
	if err != nil {
		return Envelope{}, err
	}

	return Envelope{
		ID:           id,
		Type:         typ,
		Payload:      raw,
		Timestamp:    ts,
		UserID:       opts.UserID,
		TargetUserID: opts.TargetUserID,
		RequireAck:   opts.RequireAck,
	}, nil
}

func (enc *Encoder) stamp(at time.Time) (string, int64, error) {
	if at.IsZero() {
		at = enc.now()
	}
	ms := at.UnixMilli()

	enc.mu.Lock()
	defer enc.mu.Unlock()

	if ms < enc.lastMS {
		ms = enc.lastMS
	}
	enc.lastMS = ms

	id, err := ulid.New(uint64(ms), enc.entropy)
	if err != nil {
		// Monotonic entropy overflows after 2^80 ids within one millisecond.
		enc.entropy = ulid.Monotonic(rand.Reader, 0)
		if id, err = ulid.New(uint64(ms), enc.entropy); err != nil {
			return "", 0, fmt.Errorf("envelope id: %w", err)
		}
	}
	return id.String(), ms, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return p, nil
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		return b, nil
	}
}

// Marshal encodes an envelope into a wire frame.
func Marshal(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Decode parses and validates a raw frame. It never panics; every failure is
// a *DecodeError matching ErrInvalidEnvelope.
func Decode(raw []byte) (Envelope, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Envelope{}, &DecodeError{Reason: "empty frame"}
	}

	var env Envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return Envelope{}, &DecodeError{Reason: "malformed frame", ID: recoverID(trimmed), Err: err}
	}
	if err := env.Validate(); err != nil {
		if de, ok := err.(*DecodeError); ok {
			de.ID = env.ID
		}
		return Envelope{}, err
	}
	if env.Timestamp <= 0 {
		return Envelope{}, &DecodeError{Reason: "missing field: timestamp", ID: env.ID}
	}
	payload := bytes.TrimSpace(env.Payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		env.Payload = json.RawMessage(`{}`)
	} else if payload[0] != '{' {
		return Envelope{}, &DecodeError{Reason: "payload must be an object", ID: env.ID}
	}
	return env, nil
}

// recoverID extracts a string "id" from a frame whose other fields are malformed.
func recoverID(raw []byte) string {
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil || len(probe.ID) == 0 {
		return ""
	}
	var id string
	if err := json.Unmarshal(probe.ID, &id); err != nil {
		return ""
	}
	return id
}
