package offline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	v1 "beacon/shared/contracts/push/v1"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
)

// Integration tests are enabled when BEACON_DATABASE_URL is set.

func TestPostgresStore_CapacityAndOrder(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplySchema(t, pool, schema)

	var (
		mu      sync.Mutex
		evicted []string
	)
	st, err := NewPostgresStore(pool, Config{Enabled: true, MaxCount: 3, TTL: time.Hour},
		WithSchema(schema),
		WithPostgresEvictionHook(func(_, id string, _ EvictReason) {
			mu.Lock()
			evicted = append(evicted, id)
			mu.Unlock()
		}),
	)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var ids []string
	for i := 0; i < 4; i++ {
		env := mustEnvelope(t, fmt.Sprintf("m%d", i))
		ids = append(ids, env.ID)
		if err := st.Enqueue(ctx, "u-pg", env); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	// Duplicate is ignored.
	if err := st.Enqueue(ctx, "u-pg", mustEnvelopeWithID(t, ids[3])); err != nil {
		t.Fatalf("enqueue duplicate: %v", err)
	}

	if n, err := st.Pending(ctx, "u-pg"); err != nil || n != 3 {
		t.Fatalf("pending=%d err=%v want=3", n, err)
	}
	if len(evicted) != 1 || evicted[0] != ids[0] {
		t.Fatalf("evicted=%v want=[%s]", evicted, ids[0])
	}

	got, err := st.Flush(ctx, "u-pg")
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if fmt.Sprint(titles(t, got)) != "[m1 m2 m3]" {
		t.Fatalf("unexpected flush: %v", titles(t, got))
	}

	again, err := st.Flush(ctx, "u-pg")
	if err != nil || len(again) != 0 {
		t.Fatalf("second flush: n=%d err=%v", len(again), err)
	}
}

func TestPostgresStore_ExpiryRemoveAndPurge(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplySchema(t, pool, schema)

	clock := newFakeClock()
	st, err := NewPostgresStore(pool, Config{Enabled: true, MaxCount: 10, TTL: time.Minute},
		WithSchema(schema), WithPostgresClock(clock.Now))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	old := mustEnvelope(t, "old")
	acked := mustEnvelope(t, "acked")
	_ = st.Enqueue(ctx, "u1", old)
	_ = st.Enqueue(ctx, "u1", acked)
	_ = st.Enqueue(ctx, "u2", mustEnvelope(t, "idle"))

	ok, err := st.Remove(ctx, "u1", acked.ID)
	if err != nil || !ok {
		t.Fatalf("remove: ok=%v err=%v", ok, err)
	}

	clock.Advance(time.Minute + time.Millisecond)
	if err := st.Enqueue(ctx, "u1", mustEnvelope(t, "fresh")); err != nil {
		t.Fatalf("enqueue fresh: %v", err)
	}

	if n, _ := st.Pending(ctx, "u1"); n != 1 {
		t.Fatalf("pending=%d want=1", n)
	}

	purged, err := st.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged=%d want=1", purged)
	}

	got, err := st.Flush(ctx, "u1")
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if fmt.Sprint(titles(t, got)) != "[fresh]" {
		t.Fatalf("unexpected flush: %v", titles(t, got))
	}
}

func TestPostgresStore_EnqueueDropsExpiredBeforeTrim(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplySchema(t, pool, schema)

	var (
		mu      sync.Mutex
		reasons = map[EvictReason]int{}
	)
	clock := newFakeClock()
	st, err := NewPostgresStore(pool, Config{Enabled: true, MaxCount: 2, TTL: time.Minute},
		WithSchema(schema),
		WithPostgresClock(clock.Now),
		WithPostgresEvictionHook(func(_, _ string, r EvictReason) {
			mu.Lock()
			reasons[r]++
			mu.Unlock()
		}),
	)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	_ = st.Enqueue(ctx, "u1", mustEnvelope(t, "stale-1"))
	_ = st.Enqueue(ctx, "u1", mustEnvelope(t, "stale-2"))
	clock.Advance(time.Minute + time.Millisecond)

	for _, title := range []string{"live-1", "live-2"} {
		if err := st.Enqueue(ctx, "u1", mustEnvelope(t, title)); err != nil {
			t.Fatalf("enqueue %s: %v", title, err)
		}
	}

	mu.Lock()
	gotExpired, gotCapacity := reasons[EvictExpired], reasons[EvictCapacity]
	mu.Unlock()
	if gotExpired != 2 || gotCapacity != 0 {
		t.Fatalf("expired=%d capacity=%d want=2,0", gotExpired, gotCapacity)
	}

	got, err := st.Flush(ctx, "u1")
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if fmt.Sprint(titles(t, got)) != "[live-1 live-2]" {
		t.Fatalf("unexpected flush: %v", titles(t, got))
	}
}

func TestPostgresStore_FlushSkipsCorruptEntries(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplySchema(t, pool, schema)

	var (
		mu      sync.Mutex
		corrupt []string
	)
	st, err := NewPostgresStore(pool, Config{Enabled: true, MaxCount: 10, TTL: time.Hour},
		WithSchema(schema),
		WithPostgresLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithPostgresEvictionHook(func(_, id string, r EvictReason) {
			if r != EvictCorrupt {
				return
			}
			mu.Lock()
			corrupt = append(corrupt, id)
			mu.Unlock()
		}),
	)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := st.Enqueue(ctx, "u1", mustEnvelope(t, "before")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	now := time.Now().UTC()
	if _, err := pool.Exec(ctx,
		`INSERT INTO `+pgIdent(schema, "offline_messages")+`
		 (user_id, message_id, envelope, created_at, expires_at)
		 VALUES ($1, $2, $3::jsonb, $4, $5)`,
		"u1", "broken", `"not an envelope"`, now, now.Add(time.Hour),
	); err != nil {
		t.Fatalf("insert corrupt row: %v", err)
	}
	if err := st.Enqueue(ctx, "u1", mustEnvelope(t, "after")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got, err := st.Flush(ctx, "u1")
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if fmt.Sprint(titles(t, got)) != "[before after]" {
		t.Fatalf("unexpected flush: %v", titles(t, got))
	}
	if fmt.Sprint(corrupt) != "[broken]" {
		t.Fatalf("corrupt=%v want=[broken]", corrupt)
	}
	if n, _ := st.Pending(ctx, "u1"); n != 0 {
		t.Fatalf("pending=%d want=0", n)
	}
}

func TestPostgresStore_Disabled(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	st, err := NewPostgresStore(pool, Config{Enabled: false})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := st.Enqueue(context.Background(), "u1", mustEnvelope(t, "x")); err != ErrDisabled {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}

func mustEnvelopeWithID(t *testing.T, id string) v1.Envelope {
	t.Helper()
	env := mustEnvelope(t, "dup")
	env.ID = id
	return env
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("BEACON_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: BEACON_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse BEACON_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Fatalf("ping: %v", err)
	}
	return pool
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	schema := "beacon_it_" + strings.ToLower(ulid.Make().String())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

func mustApplySchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	table := pgIdent(schema, "offline_messages")

	// Must stay aligned with db/migrations/0001_offline_messages.sql.
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  seq        BIGSERIAL PRIMARY KEY,
  user_id    TEXT NOT NULL,
  message_id TEXT NOT NULL,
  envelope   JSONB NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  expires_at TIMESTAMPTZ NOT NULL,
  UNIQUE (user_id, message_id)
);`, table)

	if _, err := pool.Exec(ctx, ddl); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
}
