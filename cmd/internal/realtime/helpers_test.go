package realtime

import (
	"io"
	"log/slog"
	"testing"
	"time"

	v1 "beacon/shared/contracts/push/v1"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func mustRegisterActive(t *testing.T, reg *Registry, id, userID string, queue int, now time.Time) *Connection {
	t.Helper()
	c := NewConnection(id, queue, now)
	if err := reg.Register(c); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	if err := reg.Activate(id, userID, now); err != nil {
		t.Fatalf("activate %s: %v", id, err)
	}
	return c
}

func mustNotification(t *testing.T, title string) v1.Envelope {
	t.Helper()
	env, err := v1.NewNotification(title, "body", nil, v1.Options{})
	if err != nil {
		t.Fatalf("new notification: %v", err)
	}
	return env
}

// drainOutbox returns everything currently queued on c without blocking.
func drainOutbox(c *Connection) []v1.Envelope {
	var out []v1.Envelope
	for {
		select {
		case env := <-c.outbox:
			out = append(out, env)
		default:
			return out
		}
	}
}

func notificationTitles(t *testing.T, envs []v1.Envelope) []string {
	t.Helper()
	var out []string
	for _, env := range envs {
		if env.Type != v1.TypeNotification {
			continue
		}
		var p v1.NotificationPayload
		if err := env.DecodePayload(&p); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		out = append(out, p.Title)
	}
	return out
}
