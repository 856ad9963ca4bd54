package postgres

import (
	"context"
	"fmt"
)

// TryLock attempts to acquire the session-level advisory lock for key. Each
// held lock pins a dedicated connection out of the pool, because Postgres
// advisory locks belong to the session that took them; Unlock releases the
// lock and returns the connection.
//
// Keys are the literal strings from the lockkeys package; hashing to the
// advisory-lock bigint keyspace happens server-side via hashtext() so the
// prefix partitioning matches what any other process using the same scheme
// observes.
func (s *Store) TryLock(ctx context.Context, key string) (bool, error) {
	s.lockMu.Lock()
	if _, held := s.lockConns[key]; held {
		s.lockMu.Unlock()
		return false, nil
	}
	s.lockMu.Unlock()

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("advisory lock %q: acquire connection: %w", key, err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock(hashtext($1)::bigint)", key).Scan(&acquired); err != nil {
		_ = conn.Close()
		return false, fmt.Errorf("advisory lock %q: %w", key, err)
	}
	if !acquired {
		_ = conn.Close()
		return false, nil
	}

	s.lockMu.Lock()
	s.lockConns[key] = conn
	s.lockMu.Unlock()
	return true, nil
}

// Unlock releases the advisory lock for key and returns its connection to
// the pool. Unlocking a key that is not held is a no-op.
func (s *Store) Unlock(ctx context.Context, key string) error {
	s.lockMu.Lock()
	conn, held := s.lockConns[key]
	delete(s.lockConns, key)
	s.lockMu.Unlock()
	if !held {
		return nil
	}

	var released bool
	err := conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock(hashtext($1)::bigint)", key).Scan(&released)
	_ = conn.Close()
	if err != nil {
		return fmt.Errorf("advisory unlock %q: %w", key, err)
	}
	if !released {
		return fmt.Errorf("advisory unlock %q: lock was not held by this session", key)
	}
	return nil
}
