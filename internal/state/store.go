package state

import (
	"database/sql"
	"time"

	"github.com/flitsinc/go-threads/internal/idgen"
	"github.com/flitsinc/go-threads/internal/threads"
)

// Store is the SQLite implementation of threads.Store.
type Store struct {
	db      *sql.DB
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

func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:      db,
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

// OpenStore opens (and migrates) the database at path.
func OpenStore(path string, opts ...Option) (*Store, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	return NewStore(db, opts...), nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) now() time.Time {
	return s.nowFn().UTC()
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
