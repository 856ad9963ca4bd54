package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/briandastous/bdx/pkg/storage"
)

// Store implements storage.Store on PostgreSQL. Entity methods are spread
// across social.go, ingest_runs.go, and assets.go; advisory locks live in
// advisory.go.
type Store struct {
	*BaseStore

	lockMu    sync.Mutex
	lockConns map[string]*sql.Conn
}

// Options tunes the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to PostgreSQL, applies pool settings, and pings.
func Open(ctx context.Context, dsn string, opts Options) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewStore(db), nil
}

// NewStore wraps an already-open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{
		BaseStore: NewBaseStore(db),
		lockConns: make(map[string]*sql.Conn),
	}
}

// Close releases held advisory-lock connections and the pool.
func (s *Store) Close() error {
	s.lockMu.Lock()
	for key, conn := range s.lockConns {
		_ = conn.Close()
		delete(s.lockConns, key)
	}
	s.lockMu.Unlock()
	return s.db.Close()
}

var _ storage.Store = (*Store)(nil)
