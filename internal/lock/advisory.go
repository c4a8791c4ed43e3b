// Package lock provides run-level mutual exclusion on PostgreSQL session
// advisory locks. A lock lives as long as the session that took it, so a
// crashed holder releases it when its connection is torn down.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// ErrNotHeld is returned by Release when this process does not hold the lock
var ErrNotHeld = errors.New("advisory lock not held")

// Advisory takes named locks with pg_try_advisory_lock. Each held lock pins one
// pooled connection until Release.
type Advisory struct {
	pool   *pgxpool.Pool
	logger *zap.Logger

	mu   sync.Mutex
	held map[string]*pgxpool.Conn
}

// NewAdvisory creates a lock manager on pool
func NewAdvisory(pool *pgxpool.Pool, logger *zap.Logger) *Advisory {
	return &Advisory{
		pool:   pool,
		logger: logger,
		held:   make(map[string]*pgxpool.Conn),
	}
}

// TryAcquire attempts the lock without waiting. It returns false when another
// session holds it, or when this process already does.
func (a *Advisory) TryAcquire(ctx context.Context, name string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.held[name]; ok {
		return false, nil
	}

	conn, err := a.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("[DATABASE] failed to acquire connection for lock %q: %w", name, err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, name).Scan(&acquired); err != nil {
		conn.Release()
		return false, fmt.Errorf("[DATABASE] failed to try advisory lock %q: %w", name, err)
	}

	if !acquired {
		conn.Release()
		return false, nil
	}

	a.held[name] = conn
	a.logger.Debug("advisory lock acquired", zap.String("lock", name))
	return true, nil
}

// Release unlocks name and returns its connection to the pool. If the unlock
// statement fails the connection is closed so the server drops the lock.
func (a *Advisory) Release(ctx context.Context, name string) error {
	a.mu.Lock()
	conn, ok := a.held[name]
	delete(a.held, name)
	a.mu.Unlock()

	if !ok {
		return ErrNotHeld
	}

	var released bool
	err := conn.QueryRow(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, name).Scan(&released)
	if err != nil || !released {
		// Closing the session is the only other way to let go of it.
		_ = conn.Conn().Close(context.Background())
		conn.Release()
		if err != nil {
			return fmt.Errorf("[DATABASE] failed to release advisory lock %q: %w", name, err)
		}
		return fmt.Errorf("[DATABASE] advisory lock %q was not held by its session", name)
	}

	conn.Release()
	a.logger.Debug("advisory lock released", zap.String("lock", name))
	return nil
}
