// Package distlock provides the cross-process lock used to keep dispatch
// cycles from overlapping. Correctness of the queue never depends on the
// lock: claims are atomic in the store. The lock only avoids wasted work.
package distlock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/newsletter-queue/internal/pkg/logger"
)

// DistLock is the interface for distributed locking.
// A lock instance represents one holder; use separate instances for
// separate goroutines.
type DistLock interface {
	// Acquire tries to acquire the lock without blocking. Returns true if successful.
	Acquire(ctx context.Context) (bool, error)
	// Release releases the lock if we still own it.
	Release(ctx context.Context) error
}

// ErrNotHeld is returned by Release when the lock was never acquired or
// has expired.
var ErrNotHeld = errors.New("distlock: lock not held")

// Extender is implemented by locks that expire unless refreshed.
type Extender interface {
	TTL() time.Duration
	Extend(ctx context.Context, ttl time.Duration) error
}

// NewLock creates a distributed lock using the best available backend.
// If redisClient is non-nil, uses Redis. Otherwise falls back to
// PostgreSQL advisory locks. With neither available a process-local
// mutex is returned.
func NewLock(redisClient *redis.Client, db *sql.DB, key string, ttl time.Duration) DistLock {
	if redisClient != nil {
		return NewRedisLock(redisClient, key, ttl)
	}
	if db != nil {
		return NewPGAdvisoryLock(db, key)
	}
	return &localLock{}
}

// WithLock runs fn while holding lock. ran is false when another holder
// owned the lock and fn was not called. Expiring locks are extended every
// third of their TTL until fn returns. A lock found already gone at
// release is logged, not returned: fn's work is done either way.
func WithLock(ctx context.Context, lock DistLock, fn func(context.Context) error) (ran bool, err error) {
	ok, err := lock.Acquire(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	stop := func() {}
	if ext, ok := lock.(Extender); ok && ext.TTL() > 0 {
		stop = heartbeat(ext)
	}

	defer func() {
		stop()
		// Release on a fresh context so a cancelled cycle still unlocks.
		relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		relErr := lock.Release(relCtx)
		switch {
		case errors.Is(relErr, ErrNotHeld):
			logger.Warn("lock expired before release")
		case relErr != nil && err == nil:
			err = fmt.Errorf("release lock: %w", relErr)
		}
	}()
	return true, fn(ctx)
}

// heartbeat extends ext until the returned stop func is called.
func heartbeat(ext Extender) (stop func()) {
	ttl := ext.TTL()
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}
			ctx, cancel := context.WithTimeout(context.Background(), ttl/3)
			err := ext.Extend(ctx, ttl)
			cancel()
			if errors.Is(err, ErrNotHeld) {
				logger.Warn("lock lost during heartbeat")
				return
			}
			if err != nil {
				logger.Warn("lock heartbeat failed", "error", err)
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// PGAdvisoryLock implements DistLock using PostgreSQL advisory locks.
//
// Advisory locks are session-scoped, so the lock pins one connection from
// the pool between Acquire and Release. If the process dies the session
// ends and Postgres frees the lock.
type PGAdvisoryLock struct {
	db     *sql.DB
	lockID int64

	mu   sync.Mutex
	conn *sql.Conn
}

// NewPGAdvisoryLock creates a PG advisory lock with a deterministic lock ID
// derived from the given key string.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{
		db:     db,
		lockID: int64(h.Sum64()),
	}
}

// Acquire calls pg_try_advisory_lock, which returns immediately.
func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return false, nil
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("advisory lock conn: %w", err)
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		conn.Close()
		return false, fmt.Errorf("pg_try_advisory_lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Release unlocks on the same session that acquired the lock.
func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return ErrNotHeld
	}
	_, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	closeErr := l.conn.Close()
	l.conn = nil
	if err != nil {
		return err
	}
	return closeErr
}

// localLock is a single-process fallback.
type localLock struct {
	mu   sync.Mutex
	held bool
}

func (l *localLock) Acquire(context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return false, nil
	}
	l.held = true
	return true, nil
}

func (l *localLock) Release(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return ErrNotHeld
	}
	l.held = false
	return nil
}
