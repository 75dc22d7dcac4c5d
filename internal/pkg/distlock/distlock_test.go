package distlock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisLock_ExclusiveUntilReleased(t *testing.T) {
	_, client := newRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "dispatch", time.Minute)
	b := NewRedisLock(client, "dispatch", time.Minute)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must not acquire")

	assert.ErrorIs(t, b.Release(ctx), ErrNotHeld, "non-owner release is a no-op")
	require.NoError(t, a.Release(ctx))

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLock_ExpiresAfterTTL(t *testing.T) {
	mr, client := newRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "dispatch", 10*time.Second)
	ok, _ := a.Acquire(ctx)
	require.True(t, ok)

	mr.FastForward(11 * time.Second)

	b := NewRedisLock(client, "dispatch", 10*time.Second)
	ok, err := b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.ErrorIs(t, a.Extend(ctx, time.Minute), ErrNotHeld)
}

func TestWithLock_SkipsWhenBusy(t *testing.T) {
	_, client := newRedis(t)
	ctx := context.Background()

	holder := NewRedisLock(client, "dispatch", time.Minute)
	ok, _ := holder.Acquire(ctx)
	require.True(t, ok)

	called := false
	ran, err := WithLock(ctx, NewRedisLock(client, "dispatch", time.Minute), func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, ran)
	assert.False(t, called)
}

func TestWithLock_ReleasesAfterError(t *testing.T) {
	_, client := newRedis(t)
	ctx := context.Background()
	boom := errors.New("boom")

	ran, err := WithLock(ctx, NewRedisLock(client, "dispatch", time.Minute), func(context.Context) error {
		return boom
	})
	assert.True(t, ran)
	assert.ErrorIs(t, err, boom)

	ok, err := NewRedisLock(client, "dispatch", time.Minute).Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "lock must be released after fn errors")
}

func TestWithLock_HeartbeatKeepsLockAlive(t *testing.T) {
	mr, client := newRedis(t)
	ttl := 300 * time.Millisecond

	ran, err := WithLock(context.Background(), NewRedisLock(client, "dispatch", ttl), func(context.Context) error {
		// Without a heartbeat the two jumps add up past the TTL.
		mr.FastForward(250 * time.Millisecond)
		time.Sleep(250 * time.Millisecond)
		mr.FastForward(250 * time.Millisecond)
		assert.True(t, mr.Exists("lock:dispatch"), "lock should have been extended")
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, mr.Exists("lock:dispatch"), "lock released after fn")
}

func TestWithLock_ExpiredLockIsNotAnError(t *testing.T) {
	mr, client := newRedis(t)

	ran, err := WithLock(context.Background(), NewRedisLock(client, "dispatch", time.Minute), func(context.Context) error {
		mr.FastForward(2 * time.Minute)
		return nil
	})
	assert.True(t, ran)
	assert.NoError(t, err)
}

func TestPGAdvisoryLock_AcquireRelease(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	lock := NewPGAdvisoryLock(db, "dispatch")
	mock.ExpectQuery(`SELECT pg_try_advisory_lock\(\$1\)`).
		WithArgs(lock.lockID).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectExec(`SELECT pg_advisory_unlock\(\$1\)`).
		WithArgs(lock.lockID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := lock.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, lock.Release(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGAdvisoryLock_Busy(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	lock := NewPGAdvisoryLock(db, "dispatch")
	mock.ExpectQuery(`SELECT pg_try_advisory_lock`).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	ok, err := lock.Acquire(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, lock.Release(context.Background()), ErrNotHeld)
}

func TestNewLock_LocalFallback(t *testing.T) {
	lock := NewLock(nil, nil, "dispatch", time.Minute)
	ok, _ := lock.Acquire(context.Background())
	assert.True(t, ok)
	ok, _ = lock.Acquire(context.Background())
	assert.False(t, ok)
	require.NoError(t, lock.Release(context.Background()))
}
