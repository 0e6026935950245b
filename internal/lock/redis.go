package lock

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"sentinentx/internal/errors"
)

// pollInterval is how often a held redis key is retried.
const pollInterval = 50 * time.Millisecond

// releaseScript deletes the key only while it still carries our token.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// refreshScript extends the key's ttl only while it still carries our token.
const refreshScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end`

// RedisLocker holds locks in redis so that several processes share them.
type RedisLocker struct {
	client redis.Cmdable
	wait   time.Duration
	token  func() string
}

// NewRedisClient creates a redis client for locks.
func NewRedisClient(addr string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DB:           db,
		PoolSize:     4,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
}

// NewRedisLocker creates a locker on client that waits at most wait for a
// held key.
func NewRedisLocker(client redis.Cmdable, wait time.Duration) *RedisLocker {
	return &RedisLocker{
		client: client,
		wait:   wait,
		token:  uuid.NewString,
	}
}

// Acquire sets key to a fresh token with SET NX PX, polling until the wait
// elapses.
func (r *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	token := r.token()
	deadline := time.Now().Add(r.wait)

	for {
		ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, errors.NewExchangeError("REDIS", "lock "+key, errors.Wrap(errors.ErrConnectionFailed, err.Error()))
		}
		if ok {
			return &redisLease{client: r.client, key: key, token: token, ttl: ttl}, nil
		}
		if !time.Now().Add(pollInterval).Before(deadline) {
			return nil, errors.Wrapf(errors.ErrLockHeld, "%s", key)
		}

		timer := time.NewTimer(pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

type redisLease struct {
	client redis.Cmdable
	key    string
	token  string
	ttl    time.Duration
}

func (l *redisLease) Key() string { return l.key }

// Refresh resets the key's ttl if the token still matches.
func (l *redisLease) Refresh(ctx context.Context) error {
	n, err := l.client.Eval(ctx, refreshScript, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return errors.NewExchangeError("REDIS", "refresh "+l.key, errors.Wrap(errors.ErrConnectionFailed, err.Error()))
	}
	if n == 0 {
		return errors.Wrapf(ErrNotHeld, "%s", l.key)
	}
	return nil
}

// Release deletes the key if the token still matches.
func (l *redisLease) Release(ctx context.Context) error {
	n, err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.token).Int64()
	if err != nil {
		return errors.Wrapf(err, "releasing %s", l.key)
	}
	if n == 0 {
		return errors.Wrapf(ErrNotHeld, "%s", l.key)
	}
	return nil
}

// Ensure implementations satisfy the interfaces
var (
	_ Locker = (*RedisLocker)(nil)
	_ Lease  = (*redisLease)(nil)
)
