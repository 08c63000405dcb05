package v1

import (
	"encoding/json"
	"time"
)

// ---- Payloads ----

// NotificationPayload is a user-facing notification. Extra fields are
// flattened into the payload object next to title and body.
type NotificationPayload struct {
	Title string
	Body  string
	Extra map[string]any
}

// MarshalJSON flattens Extra; title and body always win over extra keys.
func (p NotificationPayload) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(p.Extra)+2)
	for k, v := range p.Extra {
		m[k] = v
	}
	m["title"] = p.Title
	m["body"] = p.Body
	return json.Marshal(m)
}

// UnmarshalJSON collects every key other than title and body into Extra.
func (p *NotificationPayload) UnmarshalJSON(b []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	*p = NotificationPayload{}
	if v, ok := m["title"]; ok {
		if err := json.Unmarshal(v, &p.Title); err != nil {
			return err
		}
		delete(m, "title")
	}
	if v, ok := m["body"]; ok {
		if err := json.Unmarshal(v, &p.Body); err != nil {
			return err
		}
		delete(m, "body")
	}
	if len(m) == 0 {
		return nil
	}
	p.Extra = make(map[string]any, len(m))
	for k, raw := range m {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		p.Extra[k] = v
	}
	return nil
}

// SystemPayload carries a system event.
type SystemPayload struct {
	Action  string `json:"action"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// HeartbeatPayload proves liveness. ClientTime is milliseconds since epoch.
type HeartbeatPayload struct {
	ClientTime int64 `json:"clientTime"`
}

// AckStatus is the result reported by an ack envelope.
type AckStatus string

const (
	AckOK    AckStatus = "ok"
	AckError AckStatus = "error"
)

// AckPayload acknowledges (or rejects) the envelope with MessageID.
type AckPayload struct {
	MessageID string    `json:"messageId"`
	Status    AckStatus `json:"status"`
	Error     string    `json:"error,omitempty"`
}

// System actions used by the connection handshake.
const (
	ActionAuth       = "auth"
	ActionAuthOK     = "auth.ok"
	ActionAuthFailed = "auth.failed"
)

// AuthData is the data of a system "auth" envelope (client -> server).
type AuthData struct {
	Token string `json:"token"`
}

// AuthOKData is the data of a system "auth.ok" envelope (server -> client).
type AuthOKData struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId,omitempty"`
}

// ---- Factories ----

// NewNotification builds a notification envelope.
func NewNotification(title, body string, extra map[string]any, opts Options) (Envelope, error) {
	return Encode(TypeNotification, NotificationPayload{Title: title, Body: body, Extra: extra}, opts)
}

// NewSystem builds a system event envelope.
func NewSystem(action, message string, data any, opts Options) (Envelope, error) {
	return Encode(TypeSystem, SystemPayload{Action: action, Message: message, Data: data}, opts)
}

// NewHeartbeat builds a heartbeat envelope stamped with clientTime.
func NewHeartbeat(clientTime time.Time, opts Options) (Envelope, error) {
	if clientTime.IsZero() {
		clientTime = time.Now()
	}
	return Encode(TypeHeartbeat, HeartbeatPayload{ClientTime: clientTime.UnixMilli()}, opts)
}

// NewAck builds an ack envelope for messageID. detail is only sent with AckError.
func NewAck(messageID string, status AckStatus, detail string, opts Options) (Envelope, error) {
	if status != AckError {
		status = AckOK
		detail = ""
	}
	return Encode(TypeAck, AckPayload{MessageID: messageID, Status: status, Error: detail}, opts)
}
