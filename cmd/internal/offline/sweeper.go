package offline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultPurgeInterval is the eager expiry sweep cadence.
const DefaultPurgeInterval = time.Minute

// Purger is the part of Store the sweeper drives.
type Purger interface {
	PurgeExpired(ctx context.Context) (int, error)
}

// Sweeper runs PurgeExpired on its own schedule, independent of any
// connection lifecycle. Overlapping runs are skipped.
type Sweeper struct {
	log      *slog.Logger
	store    Purger
	interval time.Duration

	mu sync.Mutex
	c  *cron.Cron

	// OnSweep observes each completed sweep (metrics). Optional.
	OnSweep func(purged int, err error)
}

// NewSweeper constructs a Sweeper. interval <= 0 uses DefaultPurgeInterval.
func NewSweeper(log *slog.Logger, store Purger, interval time.Duration) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultPurgeInterval
	}
	return &Sweeper{log: log, store: store, interval: interval}
}

// Start schedules the sweep. Calling Start twice is a no-op.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	if s.store == nil {
		return errors.New("offline: sweeper has no store")
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc("@every "+s.interval.String(), s.run); err != nil {
		return err
	}
	c.Start()
	s.c = c

	s.log.Info("offline.sweeper.start", "interval", s.interval.String())
	return nil
}

// Stop unschedules the sweep and waits for a running sweep (bounded by ctx).
func (s *Sweeper) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("offline.sweeper.stop")
}

// SweepNow runs one sweep synchronously.
func (s *Sweeper) SweepNow(ctx context.Context) (int, error) {
	n, err := s.store.PurgeExpired(ctx)
	if s.OnSweep != nil {
		s.OnSweep(n, err)
	}
	return n, err
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()

	n, err := s.SweepNow(ctx)
	if err != nil {
		s.log.Warn("offline.sweep.fail", "err", err, "purged", n)
		return
	}
	if n > 0 {
		s.log.Info("offline.sweep", "purged", n)
	}
}
