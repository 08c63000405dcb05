package offline

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	v1 "beacon/shared/contracts/push/v1"
)

// MemoryStore is an in-process Store sharded by user: each user's queue has
// its own lock, so one user's enqueue storm never stalls another's flush.
// Lock order is map -> queue.
type MemoryStore struct {
	cfg     Config
	now     func() time.Time
	onEvict EvictFunc
	closed  atomic.Bool

	mu     sync.RWMutex
	queues map[string]*userQueue
}

type userQueue struct {
	mu      sync.Mutex
	entries []entry
	// dead is set once the queue is detached from the map; writers must re-resolve.
	dead bool
}

type entry struct {
	env       v1.Envelope
	createdAt time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the store clock.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithEvictionHook registers an eviction observer.
func WithEvictionHook(fn EvictFunc) MemoryOption {
	return func(s *MemoryStore) { s.onEvict = fn }
}

// NewMemoryStore constructs an in-memory Store.
func NewMemoryStore(cfg Config, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		cfg:    cfg.normalized(),
		now:    time.Now,
		queues: make(map[string]*userQueue),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Close drops every queue. Further calls fail with ErrClosed.
func (s *MemoryStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	s.queues = make(map[string]*userQueue)
	s.mu.Unlock()
	return nil
}

// Enqueue appends env to the user's queue, evicting the oldest entries past MaxCount.
func (s *MemoryStore) Enqueue(ctx context.Context, userID string, env v1.Envelope) error {
	if !s.cfg.Enabled {
		return ErrDisabled
	}
	if s.closed.Load() {
		return ErrClosed
	}
	userID = strings.TrimSpace(userID)
	if userID == "" || strings.TrimSpace(env.ID) == "" {
		return ErrRejected
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	now := s.now()

	for {
		q := s.queue(userID)

		q.mu.Lock()
		if q.dead {
			q.mu.Unlock()
			continue
		}

		q.dropExpiredLocked(now, s.cfg.TTL, userID, s.onEvict)

		for _, e := range q.entries {
			if e.env.ID == env.ID {
				q.mu.Unlock()
				return nil
			}
		}

		q.entries = append(q.entries, entry{env: env, createdAt: now})

		var evicted []entry
		if over := len(q.entries) - s.cfg.MaxCount; over > 0 {
			evicted = append(evicted, q.entries[:over]...)
			q.entries = append(q.entries[:0:0], q.entries[over:]...)
		}
		q.mu.Unlock()

		if s.onEvict != nil {
			for _, e := range evicted {
				s.onEvict(userID, e.env.ID, EvictCapacity)
			}
		}
		return nil
	}
}

// Flush drains the user's queue and returns the live entries oldest first.
func (s *MemoryStore) Flush(ctx context.Context, userID string) ([]v1.Envelope, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	q := s.queues[userID]
	delete(s.queues, userID)
	s.mu.Unlock()

	if q == nil {
		return nil, nil
	}

	now := s.now()

	q.mu.Lock()
	q.dead = true
	entries := q.entries
	q.entries = nil
	q.mu.Unlock()

	out := make([]v1.Envelope, 0, len(entries))
	for _, e := range entries {
		if expired(e.createdAt, now, s.cfg.TTL) {
			if s.onEvict != nil {
				s.onEvict(userID, e.env.ID, EvictExpired)
			}
			continue
		}
		out = append(out, e.env)
	}
	return out, nil
}

// Remove deletes one entry, typically after the client acknowledged it.
func (s *MemoryStore) Remove(ctx context.Context, userID, messageID string) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.RLock()
	q := s.queues[userID]
	s.mu.RUnlock()
	if q == nil {
		return false, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.env.ID == messageID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// Pending returns the number of live (unexpired) entries for the user.
func (s *MemoryStore) Pending(ctx context.Context, userID string) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	q := s.queues[userID]
	s.mu.RUnlock()
	if q == nil {
		return 0, nil
	}

	now := s.now()
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, e := range q.entries {
		if !expired(e.createdAt, now, s.cfg.TTL) {
			n++
		}
	}
	return n, nil
}

// PurgeExpired removes expired entries across all users and detaches empty queues.
func (s *MemoryStore) PurgeExpired(ctx context.Context) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}

	s.mu.RLock()
	users := make([]string, 0, len(s.queues))
	for u := range s.queues {
		users = append(users, u)
	}
	s.mu.RUnlock()

	now := s.now()
	purged := 0
	for _, u := range users {
		if err := ctx.Err(); err != nil {
			return purged, err
		}

		s.mu.Lock()
		q := s.queues[u]
		if q == nil {
			s.mu.Unlock()
			continue
		}
		q.mu.Lock()
		purged += q.dropExpiredLocked(now, s.cfg.TTL, u, s.onEvict)
		if len(q.entries) == 0 {
			q.dead = true
			delete(s.queues, u)
		}
		q.mu.Unlock()
		s.mu.Unlock()
	}
	return purged, nil
}

func (s *MemoryStore) queue(userID string) *userQueue {
	s.mu.RLock()
	q := s.queues[userID]
	s.mu.RUnlock()
	if q != nil {
		return q
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if q = s.queues[userID]; q == nil {
		q = &userQueue{}
		s.queues[userID] = q
	}
	return q
}

// dropExpiredLocked removes expired entries. Entries are in creation order,
// so expired ones always form a prefix.
func (q *userQueue) dropExpiredLocked(now time.Time, ttl time.Duration, userID string, onEvict EvictFunc) int {
	n := 0
	for n < len(q.entries) && expired(q.entries[n].createdAt, now, ttl) {
		if onEvict != nil {
			onEvict(userID, q.entries[n].env.ID, EvictExpired)
		}
		n++
	}
	if n > 0 {
		q.entries = append(q.entries[:0:0], q.entries[n:]...)
	}
	return n
}
