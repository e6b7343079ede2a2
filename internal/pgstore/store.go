// Package pgstore is the Postgres implementation of threads.Store. Several
// processes may share one database; wakeup claims use FOR UPDATE SKIP LOCKED.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flitsinc/go-threads/internal/idgen"
	"github.com/flitsinc/go-threads/internal/threads"
)

type Store struct {
	pool    *pgxpool.Pool
	nowFn   func() time.Time
	newIDFn func(kind string) string
}

var _ threads.Store = (*Store)(nil)

type Option func(*Store)

func WithClock(nowFn func() time.Time) Option {
	return func(s *Store) {
		if nowFn != nil {
			s.nowFn = nowFn
		}
	}
}

// WithIDGenerator overrides id generation. kind is "thread", "wakeup" or
// "event".
func WithIDGenerator(newIDFn func(kind string) string) Option {
	return func(s *Store) {
		if newIDFn != nil {
			s.newIDFn = newIDFn
		}
	}
}

func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:    pool,
		nowFn:   func() time.Time { return time.Now().UTC() },
		newIDFn: defaultID,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Open connects to dsn and ensures the schema exists.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := New(pool, opts...)
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates tables and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("postgres store not initialized")
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS threads (
    id             TEXT PRIMARY KEY,
    agent_id       TEXT NOT NULL,
    model          TEXT,
    context        TEXT,
    tick           BIGINT NOT NULL DEFAULT 0,
    state          TEXT NOT NULL,
    parent_task_id TEXT,
    error          TEXT,
    created_at     TIMESTAMPTZ NOT NULL,
    updated_at     TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_threads_agent ON threads (agent_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_threads_state ON threads (state, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS thread_events (
    id         TEXT PRIMARY KEY,
    thread_id  TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
    seq        BIGINT NOT NULL,
    kind       TEXT NOT NULL,
    payload    TEXT,
    metadata   TEXT,
    created_at TIMESTAMPTZ NOT NULL,
    UNIQUE (thread_id, seq)
)`,
		`CREATE TABLE IF NOT EXISTS wakeups (
    id          TEXT PRIMARY KEY,
    thread_id   TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
    wait_ms     BIGINT NOT NULL,
    due_at      TIMESTAMPTZ NOT NULL,
    reason      TEXT,
    claimed_at  TIMESTAMPTZ,
    claimed_by  TEXT,
    lease_until TIMESTAMPTZ,
    attempts    INTEGER NOT NULL DEFAULT 0,
    woken       BOOLEAN NOT NULL DEFAULT FALSE,
    error       TEXT,
    cancelled   BOOLEAN NOT NULL DEFAULT FALSE,
    created_at  TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_wakeups_due
    ON wakeups (due_at, created_at) WHERE woken = FALSE AND error IS NULL AND cancelled = FALSE`,
		`CREATE INDEX IF NOT EXISTS idx_wakeups_thread ON wakeups (thread_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure threads schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// now is truncated to what TIMESTAMPTZ stores so values written and values
// read back compare equal.
func (s *Store) now() time.Time {
	return s.nowFn().UTC().Truncate(time.Microsecond)
}

func (s *Store) newID(kind string) string {
	return s.newIDFn(kind)
}

func defaultID(kind string) string {
	if kind == "event" {
		return idgen.EventID()
	}
	return idgen.New()
}

func encodeJSON(v map[string]any) (*string, error) {
	if len(v) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := string(data)
	return &out, nil
}

func decodeJSONMap(v *string) map[string]any {
	if v == nil || *v == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(*v), &out); err != nil {
		return nil
	}
	return out
}

func nullString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
