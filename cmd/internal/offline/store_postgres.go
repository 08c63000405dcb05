package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	v1 "beacon/shared/contracts/push/v1"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL (table <schema>.offline_messages).
//
// Ownership model:
//   - PostgresStore does NOT own the pgx pool. The caller must close the pool.
//
// Concurrency model:
//   - Writes for one user are serialized with a transactional advisory lock so
//     capacity eviction and flush never interleave for that user.
//   - Different users never contend.
type PostgresStore struct {
	pool    *pgxpool.Pool
	schema  string
	cfg     Config
	now     func() time.Time
	onEvict EvictFunc
	log     *slog.Logger
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "beacon").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("offline: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("offline: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// WithPostgresClock overrides the clock used for created/expiry stamps.
func WithPostgresClock(now func() time.Time) PostgresOption {
	return func(s *PostgresStore) error {
		if now != nil {
			s.now = now
		}
		return nil
	}
}

// WithPostgresEvictionHook registers an eviction observer.
func WithPostgresEvictionHook(fn EvictFunc) PostgresOption {
	return func(s *PostgresStore) error {
		s.onEvict = fn
		return nil
	}
}

// WithPostgresLogger sets the logger for entries that cannot be decoded.
func WithPostgresLogger(log *slog.Logger) PostgresOption {
	return func(s *PostgresStore) error {
		if log != nil {
			s.log = log
		}
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, cfg Config, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "beacon",
		cfg:    cfg.normalized(),
		now:    time.Now,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("offline: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Enqueue drops the user's expired entries, inserts the envelope and trims
// the queue to MaxCount, oldest first.
func (s *PostgresStore) Enqueue(ctx context.Context, userID string, env v1.Envelope) error {
	if !s.cfg.Enabled {
		return ErrDisabled
	}
	userID = strings.TrimSpace(userID)
	if userID == "" || strings.TrimSpace(env.ID) == "" {
		return ErrRejected
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}

	now := s.now().UTC()
	table := pgIdent(s.schema, "offline_messages")

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockUser(ctx, tx, userID); err != nil {
		return err
	}

	rows, err := tx.Query(ctx,
		`DELETE FROM `+table+` WHERE user_id = $1 AND expires_at < $2 RETURNING message_id`,
		userID, now,
	)
	if err != nil {
		return fmt.Errorf("drop expired offline messages: %w", err)
	}
	stale, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return fmt.Errorf("drop expired offline messages: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+table+` (user_id, message_id, envelope, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id, message_id) DO NOTHING`,
		userID, env.ID, raw, now, now.Add(s.cfg.TTL),
	); err != nil {
		return fmt.Errorf("insert offline message: %w", err)
	}

	rows, err = tx.Query(ctx,
		`DELETE FROM `+table+`
		  WHERE seq IN (
		        SELECT seq FROM `+table+`
		         WHERE user_id = $1
		         ORDER BY seq DESC
		        OFFSET $2)
		RETURNING message_id`,
		userID, s.cfg.MaxCount,
	)
	if err != nil {
		return fmt.Errorf("trim offline queue: %w", err)
	}
	evicted, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return fmt.Errorf("trim offline queue: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	if s.onEvict != nil {
		for _, id := range stale {
			s.onEvict(userID, id, EvictExpired)
		}
		for _, id := range evicted {
			s.onEvict(userID, id, EvictCapacity)
		}
	}
	return nil
}

// Flush deletes every entry for the user and returns the unexpired ones
// ordered by insertion. Entries that fail to decode are logged and evicted
// as EvictCorrupt; the rest are still returned.
func (s *PostgresStore) Flush(ctx context.Context, userID string) ([]v1.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	table := pgIdent(s.schema, "offline_messages")

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockUser(ctx, tx, userID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx,
		`DELETE FROM `+table+` WHERE user_id = $1
		 RETURNING seq, message_id, envelope, expires_at`,
		userID,
	)
	if err != nil {
		return nil, err
	}

	type row struct {
		Seq       int64
		MessageID string
		Envelope  []byte
		ExpiresAt time.Time
	}
	got, err := pgx.CollectRows(rows, pgx.RowToStructByPos[row])
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	// DELETE ... RETURNING does not guarantee order.
	sort.Slice(got, func(i, j int) bool { return got[i].Seq < got[j].Seq })

	out := make([]v1.Envelope, 0, len(got))
	for _, r := range got {
		if now.After(r.ExpiresAt) {
			if s.onEvict != nil {
				s.onEvict(userID, r.MessageID, EvictExpired)
			}
			continue
		}
		var env v1.Envelope
		if err := json.Unmarshal(r.Envelope, &env); err != nil {
			s.log.Warn("offline.flush.corrupt", "user_id", userID, "msg_id", r.MessageID, "err", err)
			if s.onEvict != nil {
				s.onEvict(userID, r.MessageID, EvictCorrupt)
			}
			continue
		}
		out = append(out, env)
	}
	return out, nil
}

// Remove deletes one queued entry.
func (s *PostgresStore) Remove(ctx context.Context, userID, messageID string) (bool, error) {
	table := pgIdent(s.schema, "offline_messages")
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM `+table+` WHERE user_id = $1 AND message_id = $2`,
		userID, messageID,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Pending counts the unexpired entries for the user.
func (s *PostgresStore) Pending(ctx context.Context, userID string) (int, error) {
	table := pgIdent(s.schema, "offline_messages")
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM `+table+` WHERE user_id = $1 AND expires_at >= $2`,
		userID, s.now().UTC(),
	).Scan(&n)
	return n, err
}

// PurgeExpired deletes every expired entry.
func (s *PostgresStore) PurgeExpired(ctx context.Context) (int, error) {
	table := pgIdent(s.schema, "offline_messages")
	rows, err := s.pool.Query(ctx,
		`DELETE FROM `+table+` WHERE expires_at < $1 RETURNING user_id, message_id`,
		s.now().UTC(),
	)
	if err != nil {
		return 0, err
	}

	n := 0
	for rows.Next() {
		var userID, messageID string
		if err := rows.Scan(&userID, &messageID); err != nil {
			rows.Close()
			return n, err
		}
		n++
		if s.onEvict != nil {
			s.onEvict(userID, messageID, EvictExpired)
		}
	}
	rows.Close()
	return n, rows.Err()
}

func lockUser(ctx context.Context, tx pgx.Tx, userID string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "offline:"+userID); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}
	return nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
