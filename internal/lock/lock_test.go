package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinentx/internal/config"
	"sentinentx/internal/errors"
)

func TestMemoryLockerExcludesSecondHolder(t *testing.T) {
	l := NewMemoryLocker(0)
	ctx := context.Background()

	lease, err := l.Acquire(ctx, "lock:cycle:BTCUSDT", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "lock:cycle:BTCUSDT", lease.Key())

	_, err = l.Acquire(ctx, "lock:cycle:BTCUSDT", time.Minute)
	assert.True(t, errors.Is(err, errors.ErrLockHeld))

	other, err := l.Acquire(ctx, "lock:cycle:ETHUSDT", time.Minute)
	require.NoError(t, err, "keys are independent")
	require.NoError(t, other.Release(ctx))

	require.NoError(t, lease.Release(ctx))
	assert.True(t, errors.Is(lease.Release(ctx), ErrNotHeld), "double release")

	again, err := l.Acquire(ctx, "lock:cycle:BTCUSDT", time.Minute)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestMemoryLockerWaitsForRelease(t *testing.T) {
	l := NewMemoryLocker(time.Second)
	ctx := context.Background()

	lease, err := l.Acquire(ctx, "k", 0)
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = lease.Release(ctx)
	}()

	second, err := l.Acquire(ctx, "k", 0)
	require.NoError(t, err)
	require.NoError(t, second.Release(ctx))
}

func TestMemoryLockerTimesOutAndHonoursContext(t *testing.T) {
	l := NewMemoryLocker(20 * time.Millisecond)
	_, err := l.Acquire(context.Background(), "k", 0)
	require.NoError(t, err)

	start := time.Now()
	_, err = l.Acquire(context.Background(), "k", 0)
	assert.True(t, errors.Is(err, errors.ErrLockHeld))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	l = NewMemoryLocker(time.Hour)
	_, err = l.Acquire(context.Background(), "k", 0)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Acquire(ctx, "k", 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryLeaseExpires(t *testing.T) {
	l := NewMemoryLocker(time.Second)
	ctx := context.Background()

	stale, err := l.Acquire(ctx, "k", 10*time.Millisecond)
	require.NoError(t, err)

	fresh, err := l.Acquire(ctx, "k", 0)
	require.NoError(t, err, "expired lease frees the key")

	assert.True(t, errors.Is(stale.Release(ctx), ErrNotHeld))
	require.NoError(t, fresh.Release(ctx))
}

func TestMemoryLeaseRefreshExtendsTTL(t *testing.T) {
	l := NewMemoryLocker(0)
	ctx := context.Background()

	lease, err := l.Acquire(ctx, "k", 30*time.Millisecond)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		time.Sleep(15 * time.Millisecond)
		require.NoError(t, lease.Refresh(ctx))
	}

	_, err = l.Acquire(ctx, "k", 0)
	assert.True(t, errors.Is(err, errors.ErrLockHeld), "refreshed lease still held past its first ttl")

	require.NoError(t, lease.Release(ctx))
	assert.True(t, errors.Is(lease.Refresh(ctx), ErrNotHeld))
}

func TestWithLockOutlivesTTL(t *testing.T) {
	l := NewMemoryLocker(0)
	ctx := context.Background()
	key := CycleKey("BTCUSDT")

	var inside, maxInside int32
	enter := func() {
		n := atomic.AddInt32(&inside, 1)
		if n > atomic.LoadInt32(&maxInside) {
			atomic.StoreInt32(&maxInside, n)
		}
	}

	var wg sync.WaitGroup
	var second bool
	wg.Add(1)
	acquired, err := WithLock(ctx, l, key, 50*time.Millisecond, func(ctx context.Context) error {
		enter()
		defer atomic.AddInt32(&inside, -1)
		go func() {
			defer wg.Done()
			time.Sleep(120 * time.Millisecond)
			second, _ = WithLock(ctx, l, key, 50*time.Millisecond, func(ctx context.Context) error {
				enter()
				atomic.AddInt32(&inside, -1)
				return nil
			})
		}()
		time.Sleep(300 * time.Millisecond)
		return ctx.Err()
	})
	wg.Wait()

	require.NoError(t, err, "lease still held at release")
	assert.True(t, acquired)
	assert.False(t, second, "second holder admitted after the first ttl")
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInside))
}

type lostLease struct{ key string }

func (l lostLease) Key() string                       { return l.key }
func (l lostLease) Refresh(ctx context.Context) error { return ErrNotHeld }
func (l lostLease) Release(ctx context.Context) error { return ErrNotHeld }

type lostLocker struct{}

func (lostLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	return lostLease{key: key}, nil
}

func TestWithLockCancelsWhenLeaseLost(t *testing.T) {
	acquired, err := WithLock(context.Background(), lostLocker{}, "k", 15*time.Millisecond, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			assert.True(t, errors.Is(context.Cause(ctx), ErrNotHeld))
			return ctx.Err()
		case <-time.After(time.Second):
			return errors.New("holder was not cancelled")
		}
	})
	assert.True(t, acquired)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWithLock(t *testing.T) {
	l := NewMemoryLocker(0)
	ctx := context.Background()

	var ran bool
	acquired, err := WithLock(ctx, l, "k", time.Minute, func(ctx context.Context) error {
		ran = true
		// Held for the duration of fn
		_, err := l.Acquire(ctx, "k", time.Minute)
		assert.True(t, errors.Is(err, errors.ErrLockHeld))
		return nil
	})
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.True(t, ran)

	boom := errors.New("boom")
	acquired, err = WithLock(ctx, l, "k", time.Minute, func(ctx context.Context) error { return boom })
	assert.True(t, acquired)
	assert.ErrorIs(t, err, boom)

	held, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err, "released after an error")

	acquired, err = WithLock(ctx, l, "k", time.Minute, func(ctx context.Context) error {
		t.Fatal("must not run")
		return nil
	})
	assert.NoError(t, err)
	assert.False(t, acquired)
	require.NoError(t, held.Release(ctx))
}

func TestProperty_MemoryLockerMutualExclusion(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	// Property: concurrent holders of one key never overlap
	properties.Property("at most one holder", prop.ForAll(
		func(workers int) bool {
			l := NewMemoryLocker(time.Second)
			var inside, maxInside int32
			var wg sync.WaitGroup
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, _ = WithLock(context.Background(), l, "k", 0, func(ctx context.Context) error {
						n := atomic.AddInt32(&inside, 1)
						for {
							m := atomic.LoadInt32(&maxInside)
							if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
								break
							}
						}
						time.Sleep(time.Millisecond)
						atomic.AddInt32(&inside, -1)
						return nil
					})
				}()
			}
			wg.Wait()
			return maxInside == 1
		},
		gen.IntRange(1, 8),
	))

	properties.TestingRun(t)
}

func newMockLocker(wait time.Duration) (*RedisLocker, redismock.ClientMock) {
	db, mock := redismock.NewClientMock()
	l := NewRedisLocker(db, wait)
	l.token = func() string { return "tok" }
	return l, mock
}

func TestRedisLockerAcquireAndRelease(t *testing.T) {
	l, mock := newMockLocker(0)
	ctx := context.Background()

	mock.ExpectSetNX("lock:cycle:BTCUSDT", "tok", 2*time.Minute).SetVal(true)
	mock.ExpectEval(releaseScript, []string{"lock:cycle:BTCUSDT"}, "tok").SetVal(int64(1))

	lease, err := l.Acquire(ctx, "lock:cycle:BTCUSDT", 2*time.Minute)
	require.NoError(t, err)
	require.NoError(t, lease.Release(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisLeaseRefresh(t *testing.T) {
	l, mock := newMockLocker(0)
	ctx := context.Background()

	mock.ExpectSetNX("k", "tok", time.Minute).SetVal(true)
	mock.ExpectEval(refreshScript, []string{"k"}, "tok", int64(60000)).SetVal(int64(1))
	mock.ExpectEval(refreshScript, []string{"k"}, "tok", int64(60000)).SetVal(int64(0))
	mock.ExpectEval(refreshScript, []string{"k"}, "tok", int64(60000)).SetErr(redis.TxFailedErr)

	lease, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.NoError(t, lease.Refresh(ctx))
	assert.True(t, errors.Is(lease.Refresh(ctx), ErrNotHeld), "token no longer matches")

	err = lease.Refresh(ctx)
	assert.True(t, errors.Is(err, errors.ErrConnectionFailed))
	assert.False(t, errors.Is(err, ErrNotHeld), "transport errors are retried, not treated as loss")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisLockerHeldKey(t *testing.T) {
	l, mock := newMockLocker(0)

	mock.ExpectSetNX("k", "tok", time.Minute).SetVal(false)

	_, err := l.Acquire(context.Background(), "k", time.Minute)
	assert.True(t, errors.Is(err, errors.ErrLockHeld))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisLockerPollsUntilFree(t *testing.T) {
	l, mock := newMockLocker(time.Second)

	mock.ExpectSetNX("k", "tok", time.Minute).SetVal(false)
	mock.ExpectSetNX("k", "tok", time.Minute).SetVal(true)

	lease, err := l.Acquire(context.Background(), "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "k", lease.Key())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisLockerErrors(t *testing.T) {
	l, mock := newMockLocker(0)
	ctx := context.Background()

	mock.ExpectSetNX("k", "tok", time.Minute).SetErr(redis.TxFailedErr)
	_, err := l.Acquire(ctx, "k", time.Minute)
	assert.True(t, errors.Is(err, errors.ErrConnectionFailed))

	// Key expired and was taken by someone else
	mock.ExpectSetNX("k", "tok", time.Minute).SetVal(true)
	mock.ExpectEval(releaseScript, []string{"k"}, "tok").SetVal(int64(0))
	lease, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, errors.Is(lease.Release(ctx), ErrNotHeld))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewSelectsBackend(t *testing.T) {
	l := New(config.LockConfig{Backend: "memory", Wait: time.Second}, zerolog.Nop())
	assert.IsType(t, &MemoryLocker{}, l)

	l = New(config.LockConfig{Backend: "redis", RedisAddr: "localhost:6379"}, zerolog.Nop())
	assert.IsType(t, &RedisLocker{}, l)

	assert.Equal(t, "lock:cycle:ETHUSDT", CycleKey("ETHUSDT"))
}
