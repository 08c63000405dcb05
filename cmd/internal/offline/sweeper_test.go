package offline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

type failingPurger struct{}

func (failingPurger) PurgeExpired(context.Context) (int, error) {
	return 0, errors.New("db down")
}

func TestSweeper_SweepNowPurgesAndReports(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	st := NewMemoryStore(Config{Enabled: true, MaxCount: 10, TTL: time.Second}, WithClock(clock.Now))
	ctx := context.Background()
	_ = st.Enqueue(ctx, "u1", mustEnvelope(t, "a"))
	_ = st.Enqueue(ctx, "u2", mustEnvelope(t, "b"))
	clock.Advance(2 * time.Second)

	var reported int
	sw := NewSweeper(slog.New(slog.NewTextHandler(io.Discard, nil)), st, time.Minute)
	sw.OnSweep = func(n int, err error) {
		if err != nil {
			t.Errorf("unexpected err: %v", err)
		}
		reported = n
	}

	n, err := sw.SweepNow(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 || reported != 2 {
		t.Fatalf("purged=%d reported=%d want=2", n, reported)
	}
}

func TestSweeper_StartStopIdempotent(t *testing.T) {
	t.Parallel()

	sw := NewSweeper(nil, NewMemoryStore(DefaultConfig()), 0)
	if sw.interval != DefaultPurgeInterval {
		t.Fatalf("interval=%v want=%v", sw.interval, DefaultPurgeInterval)
	}
	if err := sw.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := sw.Start(); err != nil {
		t.Fatalf("second start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sw.Stop(ctx)
	sw.Stop(ctx)
}

func TestSweeper_RequiresStore(t *testing.T) {
	t.Parallel()

	if err := NewSweeper(nil, nil, time.Minute).Start(); err == nil {
		t.Fatalf("expected error for nil store")
	}
}

func TestSweeper_ReportsFailure(t *testing.T) {
	t.Parallel()

	var gotErr error
	sw := NewSweeper(nil, failingPurger{}, time.Minute)
	sw.OnSweep = func(_ int, err error) { gotErr = err }
	sw.run()
	if gotErr == nil {
		t.Fatalf("expected sweep error to be reported")
	}
}
