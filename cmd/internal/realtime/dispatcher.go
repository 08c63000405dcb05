package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"beacon/cmd/internal/offline"
	v1 "beacon/shared/contracts/push/v1"
)

// Outcome is the result of a send decision.
type Outcome string

const (
	Delivered Outcome = "delivered"
	Queued    Outcome = "queued"
	Dropped   Outcome = "dropped"
)

// Dispatcher decides between live delivery and the offline queue, flushes the
// queue when a user becomes reachable, and correlates client acks.
type Dispatcher struct {
	log      *slog.Logger
	reg      *Registry
	store    offline.Store
	receipts *Receipts
	metrics  Metrics

	strikeLimit int
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithBackpressureStrikes sets how many consecutive full-queue drops make a
// connection unhealthy.
func WithBackpressureStrikes(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.strikeLimit = n
		}
	}
}

// WithReceiptTTL sets how long receipt waiters live.
func WithReceiptTTL(ttl time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.receipts = NewReceipts(ttl) }
}

// WithDispatcherMetrics sets the metrics sink.
func WithDispatcherMetrics(m Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		if m != nil {
			d.metrics = m
		}
	}
}

// NewDispatcher constructs a Dispatcher and subscribes it to activations on reg.
// A nil store behaves like a disabled offline queue.
func NewDispatcher(log *slog.Logger, reg *Registry, store offline.Store, opts ...DispatcherOption) *Dispatcher {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if store == nil {
		store = offline.NewMemoryStore(offline.Config{Enabled: false})
	}
	d := &Dispatcher{
		log:         log,
		reg:         reg,
		store:       store,
		receipts:    NewReceipts(defaultReceiptTTL),
		metrics:     nopMetrics{},
		strikeLimit: defaultBackpressureStrikes,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	reg.OnActivate(d.flush)
	return d
}

// Send delivers env to every ACTIVE connection of targetUserID (falling back
// to env.TargetUserID). With no target at all the envelope is broadcast to
// every ACTIVE connection and never queued.
//
// Fan-out never blocks: a connection whose queue is full is skipped, and closed
// once it has been full for strikeLimit consecutive sends. Delivered means at
// least one connection accepted the envelope; otherwise it is queued offline.
func (d *Dispatcher) Send(ctx context.Context, targetUserID string, env v1.Envelope) Outcome {
	targetUserID = strings.TrimSpace(targetUserID)
	if targetUserID == "" {
		targetUserID = strings.TrimSpace(env.TargetUserID)
	}
	env.TargetUserID = targetUserID

	var out Outcome
	if targetUserID == "" {
		out = d.broadcast(env)
	} else {
		out = d.sendToUser(ctx, targetUserID, env)
	}
	d.metrics.Dispatched(out)
	return out
}

// SendWithReceipt is Send with RequireAck set. The returned channel yields the
// first client ack, or is closed without a value when the receipt expires or
// the envelope was dropped.
func (d *Dispatcher) SendWithReceipt(ctx context.Context, targetUserID string, env v1.Envelope) (Outcome, <-chan Receipt) {
	env.RequireAck = true
	ch := d.receipts.Register(env.ID)
	out := d.Send(ctx, targetUserID, env)
	if out == Dropped {
		d.receipts.Cancel(env.ID)
	}
	return out, ch
}

// HandleAck routes a client ack to the waiting sender and removes the
// acknowledged envelope from the user's offline queue.
func (d *Dispatcher) HandleAck(ctx context.Context, c *Connection, env v1.Envelope) error {
	var p v1.AckPayload
	if err := env.DecodePayload(&p); err != nil {
		return fmt.Errorf("invalid ack payload: %w", err)
	}
	msgID := strings.TrimSpace(p.MessageID)
	if msgID == "" {
		return errors.New("missing messageId")
	}
	status := p.Status
	if status != v1.AckError {
		status = v1.AckOK
	}

	userID := c.UserID()
	resolved := d.receipts.Resolve(Receipt{
		MessageID:    msgID,
		ConnectionID: c.ID(),
		UserID:       userID,
		Status:       status,
		Error:        p.Error,
		At:           time.Now().UTC(),
	})
	if resolved {
		d.metrics.ReceiptResolved(string(status))
	}

	if userID != "" {
		if _, err := d.store.Remove(ctx, userID, msgID); err != nil {
			d.log.Warn("dispatch.ack.remove.fail", "user_id", userID, "msg_id", msgID, "err", err)
		}
	}

	d.log.Debug("dispatch.ack", "conn_id", c.ID(), "user_id", userID, "msg_id", msgID, "status", string(status), "resolved", resolved)
	return nil
}

// Receipts exposes the receipt table.
func (d *Dispatcher) Receipts() *Receipts { return d.receipts }

func (d *Dispatcher) sendToUser(ctx context.Context, userID string, env v1.Envelope) Outcome {
	conns := d.reg.activeFor(userID)
	if d.fanOut(conns, env) > 0 {
		d.log.Debug("dispatch.delivered", "user_id", userID, "msg_id", env.ID, "conns", len(conns))
		return Delivered
	}

	err := d.store.Enqueue(ctx, userID, env)
	switch {
	case err == nil:
		if d.redeliver(userID, env.ID, conns) {
			d.log.Debug("dispatch.delivered", "user_id", userID, "msg_id", env.ID, "via", "late_flush")
			return Delivered
		}
		d.log.Debug("dispatch.queued", "user_id", userID, "msg_id", env.ID)
		return Queued
	case errors.Is(err, offline.ErrDisabled):
		if d.fanOut(lateActive(d.reg.activeFor(userID), conns), env) > 0 {
			return Delivered
		}
		d.log.Info("dispatch.dropped", "user_id", userID, "msg_id", env.ID, "reason", "offline_disabled")
	default:
		d.log.Warn("dispatch.dropped", "user_id", userID, "msg_id", env.ID, "reason", "enqueue_failed", "err", err)
	}
	return Dropped
}

func (d *Dispatcher) broadcast(env v1.Envelope) Outcome {
	conns := d.reg.activeAll()
	if d.fanOut(conns, env) > 0 {
		return Delivered
	}
	d.log.Debug("dispatch.dropped", "msg_id", env.ID, "reason", "broadcast_no_receivers")
	return Dropped
}

// fanOut pushes env to every connection and returns how many accepted it.
// Partial failure is tolerated.
func (d *Dispatcher) fanOut(conns []*Connection, env v1.Envelope) int {
	ok := 0
	for _, c := range conns {
		strikes, err := c.push(env)
		if err == nil {
			ok++
			continue
		}
		d.onPushFailure(c, strikes, err)
	}
	return ok
}

func (d *Dispatcher) onPushFailure(c *Connection, strikes int, err error) {
	if !errors.Is(err, ErrBackpressure) {
		return
	}
	d.log.Warn("dispatch.backpressure", "conn_id", c.ID(), "user_id", c.UserID(), "strikes", strikes)
	if strikes >= d.strikeLimit {
		d.reg.Close(c.ID(), ErrBackpressure)
	}
}

// flush runs on activation with c's delivery gate held.
func (d *Dispatcher) flush(c *Connection) {
	d.flushLocked(c)
}

// redeliver drains the user's queue to connections that became ACTIVE after
// the reachability check in sendToUser (tried); their activation flush ran
// before the entry existed. It reports whether msgID was pushed.
func (d *Dispatcher) redeliver(userID, msgID string, tried []*Connection) bool {
	delivered := false
	for _, c := range lateActive(d.reg.activeFor(userID), tried) {
		c.gate.Lock()
		if c.State() == StateActive && slices.Contains(d.flushLocked(c), msgID) {
			delivered = true
		}
		c.gate.Unlock()
	}
	return delivered
}

// flushLocked moves the user's offline queue onto c and returns the ids it
// pushed. The caller holds c.gate. Entries that do not fit are requeued.
func (d *Dispatcher) flushLocked(c *Connection) []string {
	userID := c.UserID()
	if userID == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()

	envs, err := d.store.Flush(ctx, userID)
	if err != nil {
		d.log.Warn("dispatch.flush.fail", "conn_id", c.ID(), "user_id", userID, "err", err)
	}
	if len(envs) == 0 {
		return nil
	}

	pushed := make([]string, 0, len(envs))
	for i, env := range envs {
		strikes, perr := c.pushLocked(env)
		if perr == nil {
			pushed = append(pushed, env.ID)
			continue
		}
		d.requeue(ctx, userID, envs[i:])
		d.metrics.OfflineFlushed(i)
		d.log.Warn("dispatch.flush.partial", "conn_id", c.ID(), "user_id", userID, "delivered", i, "requeued", len(envs)-i, "err", perr)
		d.onPushFailure(c, strikes, perr)
		return pushed
	}

	d.metrics.OfflineFlushed(len(envs))
	d.log.Info("dispatch.flush", "conn_id", c.ID(), "user_id", userID, "count", len(envs))
	return pushed
}

// lateActive returns the connections in now that are not in tried.
func lateActive(now, tried []*Connection) []*Connection {
	out := now[:0:0]
	for _, c := range now {
		if !slices.Contains(tried, c) {
			out = append(out, c)
		}
	}
	return out
}

func (d *Dispatcher) requeue(ctx context.Context, userID string, envs []v1.Envelope) {
	for _, env := range envs {
		if err := d.store.Enqueue(ctx, userID, env); err != nil {
			d.log.Warn("dispatch.requeue.fail", "user_id", userID, "msg_id", env.ID, "err", err)
		}
	}
}
