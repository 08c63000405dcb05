package realtime

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"
)

// Registry is the single source of truth for which connections exist and
// which users are reachable.
//
// Concurrency guarantees:
//   - Every mutation goes through mu; readers never observe a connection
//     mid-transition (activation and close update state and indexes together).
//   - Lock order is Connection.gate -> Registry.mu -> Connection.mu.
//   - Hooks run outside mu.
type Registry struct {
	log     *slog.Logger
	metrics Metrics

	mu     sync.RWMutex
	conns  map[string]*Connection
	byUser map[string]map[string]*Connection

	onActivate []func(*Connection)
	onClose    []func(*Connection, error)
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryMetrics sets the metrics sink.
func WithRegistryMetrics(m Metrics) RegistryOption {
	return func(r *Registry) {
		if m != nil {
			r.metrics = m
		}
	}
}

// NewRegistry constructs an empty Registry.
func NewRegistry(log *slog.Logger, opts ...RegistryOption) *Registry {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	r := &Registry{
		log:     log,
		metrics: nopMetrics{},
		conns:   make(map[string]*Connection),
		byUser:  make(map[string]map[string]*Connection),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// OnActivate registers a hook run after a connection becomes ACTIVE. The hook
// runs while the connection's delivery gate is held: it must push with pushLocked.
func (r *Registry) OnActivate(fn func(*Connection)) {
	r.mu.Lock()
	r.onActivate = append(r.onActivate, fn)
	r.mu.Unlock()
}

// OnClose registers a hook run once per connection after it leaves the Registry.
func (r *Registry) OnClose(fn func(*Connection, error)) {
	r.mu.Lock()
	r.onClose = append(r.onClose, fn)
	r.mu.Unlock()
}

// Register adds c. A duplicate id is a programming error: it is logged at
// error level and returned, never silently replaced.
func (r *Registry) Register(c *Connection) error {
	if c == nil || c.id == "" {
		return fmt.Errorf("%w: empty id", ErrUnknownConnection)
	}

	r.mu.Lock()
	if _, exists := r.conns[c.id]; exists {
		r.mu.Unlock()
		r.log.Error("registry.register.duplicate", "conn_id", c.id)
		return fmt.Errorf("%w: %s", ErrDuplicateConnection, c.id)
	}
	r.conns[c.id] = c
	r.mu.Unlock()

	r.metrics.ConnectionOpened()
	r.log.Debug("registry.register", "conn_id", c.id)
	return nil
}

// Unregister closes the connection (if still open) and removes it.
func (r *Registry) Unregister(id string) bool {
	return r.Close(id, ErrConnectionClosed)
}

// Activate moves a registered connection to ACTIVE, binds userID, and runs the
// activation hooks (offline flush) before any live send can reach it.
func (r *Registry) Activate(id, userID string, now time.Time) error {
	r.mu.RLock()
	c, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}

	c.gate.Lock()
	defer c.gate.Unlock()

	r.mu.Lock()
	if _, still := r.conns[id]; !still {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	if err := c.activate(userID, now); err != nil {
		r.mu.Unlock()
		return err
	}
	if userID != "" {
		set := r.byUser[userID]
		if set == nil {
			set = make(map[string]*Connection, 1)
			r.byUser[userID] = set
		}
		set[id] = c
	}
	hooks := slices.Clone(r.onActivate)
	r.mu.Unlock()

	r.metrics.ConnectionActivated()
	r.log.Info("registry.activate", "conn_id", id, "user_id", userID)

	for _, fn := range hooks {
		fn(c)
	}
	return nil
}

// Touch records a heartbeat for an ACTIVE connection.
func (r *Registry) Touch(id string, now time.Time) bool {
	r.mu.RLock()
	c, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return c.touch(now)
}

// ActiveConnectionsFor returns the ids of every ACTIVE connection of userID.
func (r *Registry) ActiveConnectionsFor(userID string) []string {
	conns := r.activeFor(userID)
	out := make([]string, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.id)
	}
	return out
}

// IsActive reports whether id is registered and ACTIVE.
func (r *Registry) IsActive(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return ok && c.State() == StateActive
}

// Lookup returns the connection state and user for id.
func (r *Registry) Lookup(id string) (State, string, bool) {
	r.mu.RLock()
	c, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return StateClosed, "", false
	}
	return c.State(), c.UserID(), true
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Close closes id with reason and removes it before returning. Only the first
// close of a connection returns true and fires the close hooks.
func (r *Registry) Close(id string, reason error) bool {
	return r.closeIf(id, reason, nil)
}

// CloseUnlessActive closes id only if it has not reached ACTIVE. The check is
// atomic with respect to Activate, so an auth deadline cannot close a
// connection that won the race.
func (r *Registry) CloseUnlessActive(id string, reason error) bool {
	return r.closeIf(id, reason, func(s State) bool { return s != StateActive })
}

func (r *Registry) closeIf(id string, reason error, pred func(State) bool) bool {
	if reason == nil {
		reason = ErrConnectionClosed
	}

	r.mu.Lock()
	c, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	prev := c.State()
	if pred != nil && !pred(prev) {
		r.mu.Unlock()
		return false
	}
	first := c.close(reason)
	delete(r.conns, id)
	if uid := c.UserID(); uid != "" {
		if set := r.byUser[uid]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(r.byUser, uid)
			}
		}
	}
	c.markClosed()
	hooks := slices.Clone(r.onClose)
	r.mu.Unlock()

	if !first {
		return false
	}

	label := ReasonLabel(c.Err())
	r.metrics.ConnectionClosed(label, prev == StateActive)
	r.log.Info("registry.close", "conn_id", id, "user_id", c.UserID(), "reason", label)

	for _, fn := range hooks {
		fn(c, c.Err())
	}
	return true
}

// CloseAll closes every registered connection with reason.
func (r *Registry) CloseAll(reason error) int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	n := 0
	for _, id := range ids {
		if r.Close(id, reason) {
			n++
		}
	}
	return n
}

func (r *Registry) activeFor(userID string) []*Connection {
	if userID == "" {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byUser[userID]
	out := make([]*Connection, 0, len(set))
	for _, c := range set {
		if c.State() == StateActive {
			out = append(out, c)
		}
	}
	return out
}

func (r *Registry) activeAll() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		if c.State() == StateActive {
			out = append(out, c)
		}
	}
	return out
}
