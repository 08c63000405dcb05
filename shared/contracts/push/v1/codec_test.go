package v1

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		typ     Type
		payload any
	}{
		{name: "notification", typ: TypeNotification, payload: NotificationPayload{Title: "hi", Body: "there"}},
		{name: "system", typ: TypeSystem, payload: SystemPayload{Action: "maintenance", Message: "at 5"}},
		{name: "heartbeat", typ: TypeHeartbeat, payload: HeartbeatPayload{ClientTime: 1700000000000}},
		{name: "ack", typ: TypeAck, payload: AckPayload{MessageID: "m1", Status: AckOK}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			env, err := Encode(tc.typ, tc.payload, Options{UserID: "u-from", TargetUserID: "u-to"})
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			frame, err := Marshal(env)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}

			got, err := Decode(frame)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got.Type != tc.typ {
				t.Fatalf("type=%q want=%q", got.Type, tc.typ)
			}
			if len(got.ID) != 26 {
				t.Fatalf("expected 26-char ulid id, got %q", got.ID)
			}
			if got.Timestamp <= 0 {
				t.Fatalf("expected positive timestamp, got %d", got.Timestamp)
			}
			if got.UserID != "u-from" || got.TargetUserID != "u-to" {
				t.Fatalf("header mismatch: %+v", got)
			}

			want, _ := json.Marshal(tc.payload)
			if !jsonEqual(t, got.Payload, want) {
				t.Fatalf("payload=%s want=%s", got.Payload, want)
			}
		})
	}
}

func TestDecode_RejectsInvalidFrames(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		frame  string
		wantID string
	}{
		{name: "missing type", frame: `{"id":"a1","payload":{},"timestamp":1}`, wantID: "a1"},
		{name: "empty type", frame: `{"id":"a2","type":"  ","payload":{},"timestamp":1}`, wantID: "a2"},
		{name: "unknown type", frame: `{"id":"a3","type":"presence","payload":{},"timestamp":1}`, wantID: "a3"},
		{name: "missing id", frame: `{"type":"heartbeat","payload":{},"timestamp":1}`},
		{name: "bad json", frame: `{"id":"a4","type":`},
		{name: "wrong field type", frame: `{"id":"a5","type":"ack","timestamp":"soon"}`, wantID: "a5"},
		{name: "empty", frame: ``},
		{name: "array", frame: `[1,2,3]`},
		{name: "string payload", frame: `{"id":"a6","type":"notification","payload":"hi","timestamp":1}`, wantID: "a6"},
		{name: "number payload", frame: `{"id":"a7","type":"notification","payload":42,"timestamp":1}`, wantID: "a7"},
		{name: "array payload", frame: `{"id":"a8","type":"system","payload":[{}],"timestamp":1}`, wantID: "a8"},
		{name: "missing timestamp", frame: `{"id":"a9","type":"heartbeat","payload":{}}`, wantID: "a9"},
		{name: "zero timestamp", frame: `{"id":"a10","type":"heartbeat","payload":{},"timestamp":0}`, wantID: "a10"},
		{name: "negative timestamp", frame: `{"id":"a11","type":"ack","payload":{},"timestamp":-5}`, wantID: "a11"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := Decode([]byte(tc.frame))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !errors.Is(err, ErrInvalidEnvelope) {
				t.Fatalf("expected ErrInvalidEnvelope, got %v", err)
			}
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("expected *DecodeError, got %T", err)
			}
			if de.ID != tc.wantID {
				t.Fatalf("recovered id=%q want=%q", de.ID, tc.wantID)
			}
		})
	}
}

func TestDecode_DefaultsMissingPayload(t *testing.T) {
	t.Parallel()

	env, err := Decode([]byte(`{"id":"x","type":"heartbeat","timestamp":5}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(env.Payload) != "{}" {
		t.Fatalf("payload=%s want={}", env.Payload)
	}
}

func TestEncoder_TimestampNonDecreasing(t *testing.T) {
	t.Parallel()

	base := time.UnixMilli(1_700_000_000_000)
	clock := []time.Time{base, base.Add(-5 * time.Second), base.Add(2 * time.Millisecond)}
	i := 0
	enc := NewEncoder(func() time.Time {
		now := clock[i]
		i++
		return now
	})

	var (
		prevTS int64
		prevID string
	)
	for range clock {
		env, err := enc.Encode(TypeHeartbeat, HeartbeatPayload{}, Options{})
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if env.Timestamp < prevTS {
			t.Fatalf("timestamp went backwards: %d < %d", env.Timestamp, prevTS)
		}
		if env.ID <= prevID {
			t.Fatalf("ids not increasing: %q <= %q", env.ID, prevID)
		}
		prevTS, prevID = env.Timestamp, env.ID
	}
	if prevTS != base.Add(2*time.Millisecond).UnixMilli() {
		t.Fatalf("last timestamp=%d", prevTS)
	}
}

func TestEncode_UnknownTypeRejected(t *testing.T) {
	t.Parallel()

	if _, err := Encode(Type("bogus"), nil, Options{}); !errors.Is(err, ErrInvalidEnvelope) {
		t.Fatalf("expected ErrInvalidEnvelope, got %v", err)
	}
}

func TestNotificationPayload_ExtraFlattened(t *testing.T) {
	t.Parallel()

	env, err := NewNotification("Order shipped", "Your order is on its way", map[string]any{
		"orderId": "o-1",
		"title":   "ignored",
	}, Options{TargetUserID: "u1"})
	if err != nil {
		t.Fatalf("new notification: %v", err)
	}

	var flat map[string]any
	if err := json.Unmarshal(env.Payload, &flat); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if flat["title"] != "Order shipped" || flat["orderId"] != "o-1" {
		t.Fatalf("unexpected payload: %v", flat)
	}

	var p NotificationPayload
	if err := env.DecodePayload(&p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if p.Title != "Order shipped" || p.Body != "Your order is on its way" {
		t.Fatalf("unexpected payload: %+v", p)
	}
	if p.Extra["orderId"] != "o-1" || len(p.Extra) != 1 {
		t.Fatalf("unexpected extra: %v", p.Extra)
	}
}

func TestNewAck_NormalizesStatus(t *testing.T) {
	t.Parallel()

	env, err := NewAck("m-1", AckStatus("weird"), "dropped detail", Options{})
	if err != nil {
		t.Fatalf("new ack: %v", err)
	}
	var p AckPayload
	if err := env.DecodePayload(&p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if p.Status != AckOK || p.Error != "" || p.MessageID != "m-1" {
		t.Fatalf("unexpected ack: %+v", p)
	}

	env, _ = NewAck("m-2", AckError, "bad frame", Options{})
	_ = env.DecodePayload(&p)
	if p.Status != AckError || p.Error != "bad frame" {
		t.Fatalf("unexpected nack: %+v", p)
	}
}

func jsonEqual(t *testing.T, a, b []byte) bool {
	t.Helper()
	var va, vb any
	if err := json.Unmarshal(a, &va); err != nil {
		t.Fatalf("unmarshal a: %v", err)
	}
	if err := json.Unmarshal(b, &vb); err != nil {
		t.Fatalf("unmarshal b: %v", err)
	}
	ja, _ := json.Marshal(va)
	jb, _ := json.Marshal(vb)
	return string(ja) == string(jb)
}
