// Package notify is the inbound collaborator surface: other services call it
// to push notifications and system events to users.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"beacon/cmd/internal/realtime"
	v1 "beacon/shared/contracts/push/v1"
)

// ErrInvalidRequest is returned for requests the service refuses to encode.
var ErrInvalidRequest = errors.New("notify: invalid request")

// Sender is the dispatcher operation set the service depends on.
type Sender interface {
	Send(ctx context.Context, targetUserID string, env v1.Envelope) realtime.Outcome
	SendWithReceipt(ctx context.Context, targetUserID string, env v1.Envelope) (realtime.Outcome, <-chan realtime.Receipt)
}

// Result reports what happened to one envelope.
type Result struct {
	Outcome   realtime.Outcome
	MessageID string

	// Receipt is set when the caller waited for, and got, a client ack.
	Receipt *realtime.Receipt
}

// Service encodes collaborator requests into envelopes and hands them to the dispatcher.
type Service struct {
	log    *slog.Logger
	sender Sender
}

// NewService constructs a Service.
func NewService(log *slog.Logger, sender Sender) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}
	if sender == nil {
		return nil, errors.New("notify: nil sender")
	}
	return &Service{log: log, sender: sender}, nil
}

// Notify sends a notification to every device of userID, queueing it when the
// user is unreachable.
func (s *Service) Notify(ctx context.Context, userID, title, body string, extra map[string]any) (Result, error) {
	env, err := s.notification(userID, title, body, extra)
	if err != nil {
		return Result{}, err
	}
	out := s.sender.Send(ctx, env.TargetUserID, env)
	s.log.Debug("notify.send", "user_id", env.TargetUserID, "msg_id", env.ID, "outcome", string(out))
	return Result{Outcome: out, MessageID: env.ID}, nil
}

// NotifyAndWait is Notify with a receipt request. It waits up to wait for the
// first client ack; a missing ack is not an error.
func (s *Service) NotifyAndWait(ctx context.Context, userID, title, body string, extra map[string]any, wait time.Duration) (Result, error) {
	env, err := s.notification(userID, title, body, extra)
	if err != nil {
		return Result{}, err
	}

	out, ch := s.sender.SendWithReceipt(ctx, env.TargetUserID, env)
	res := Result{Outcome: out, MessageID: env.ID}
	if out == realtime.Dropped || wait <= 0 {
		return res, nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case rc, ok := <-ch:
		if ok {
			res.Receipt = &rc
		}
	case <-timer.C:
	case <-ctx.Done():
	}
	s.log.Debug("notify.send.await", "user_id", env.TargetUserID, "msg_id", env.ID, "outcome", string(out), "acked", res.Receipt != nil)
	return res, nil
}

// EmitSystemEvent sends a system event to userID, or to every connected
// client when userID is empty. Broadcasts are never queued.
func (s *Service) EmitSystemEvent(ctx context.Context, userID, action, message string, data any) (Result, error) {
	userID = strings.TrimSpace(userID)
	action = strings.TrimSpace(action)
	if action == "" {
		return Result{}, fmt.Errorf("%w: action is required", ErrInvalidRequest)
	}
	if reservedAction(action) {
		return Result{}, fmt.Errorf("%w: action %q is reserved", ErrInvalidRequest, action)
	}

	env, err := v1.NewSystem(action, message, data, v1.Options{TargetUserID: userID})
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	out := s.sender.Send(ctx, userID, env)
	s.log.Debug("notify.system", "user_id", userID, "action", action, "msg_id", env.ID, "outcome", string(out))
	return Result{Outcome: out, MessageID: env.ID}, nil
}

func (s *Service) notification(userID, title, body string, extra map[string]any) (v1.Envelope, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return v1.Envelope{}, fmt.Errorf("%w: userId is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(title) == "" {
		return v1.Envelope{}, fmt.Errorf("%w: title is required", ErrInvalidRequest)
	}
	env, err := v1.NewNotification(title, body, extra, v1.Options{TargetUserID: userID})
	if err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return env, nil
}

// Handshake actions belong to the gateway.
func reservedAction(action string) bool {
	switch action {
	case v1.ActionAuth, v1.ActionAuthOK, v1.ActionAuthFailed:
		return true
	default:
		return false
	}
}
