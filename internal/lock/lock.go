// Package lock provides per-key advisory locks so that only one trading cycle
// runs for a symbol at a time, in process or across processes.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"sentinentx/internal/config"
	"sentinentx/internal/errors"
)

// ErrNotHeld is returned when a lease is released after it expired or was
// taken over.
var ErrNotHeld = errors.New("lock no longer held")

// Locker acquires leases on keys.
type Locker interface {
	// Acquire blocks until the key is free, the wait elapses or ctx is done.
	// A key still held after the wait returns ErrLockHeld.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Lease is a held lock.
type Lease interface {
	Key() string
	// Refresh extends the lease by its ttl. It returns ErrNotHeld once the
	// lease expired or was released.
	Refresh(ctx context.Context) error
	Release(ctx context.Context) error
}

// minRenewInterval bounds how often a lease is refreshed.
const minRenewInterval = 5 * time.Millisecond

// WithLock runs fn while holding key. It reports whether the lock was
// acquired; a held key is not an error. The lease is refreshed every ttl/3
// while fn runs, so fn may outlive ttl. A lease found lost cancels fn's
// context with ErrNotHeld as the cause. The lease is released on every path,
// including a panic in fn.
func WithLock(ctx context.Context, l Locker, key string, ttl time.Duration, fn func(ctx context.Context) error) (acquired bool, err error) {
	lease, err := l.Acquire(ctx, key, ttl)
	if errors.Is(err, errors.ErrLockHeld) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	fnCtx, cancel := context.WithCancelCause(ctx)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		renew(fnCtx, lease, ttl, stop, cancel)
	}()

	defer func() {
		close(stop)
		<-done
		cancel(nil)
		if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil && err == nil {
			err = errors.Wrapf(rerr, "releasing %s", key)
		}
	}()
	return true, fn(fnCtx)
}

// renew refreshes lease until stop closes. Transient refresh errors are
// retried on the next tick; a lost lease cancels the holder.
func renew(ctx context.Context, lease Lease, ttl time.Duration, stop <-chan struct{}, cancel context.CancelCauseFunc) {
	if ttl <= 0 {
		return
	}
	interval := max(ttl/3, minRenewInterval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := lease.Refresh(ctx); errors.Is(err, ErrNotHeld) {
				cancel(errors.Wrapf(ErrNotHeld, "%s", lease.Key()))
				return
			}
		}
	}
}

// CycleKey is the lock key of a symbol's trading cycle.
func CycleKey(symbol string) string {
	return "lock:cycle:" + symbol
}

// New builds the locker selected by cfg.
func New(cfg config.LockConfig, logger zerolog.Logger) Locker {
	if cfg.Backend == "redis" {
		logger.Info().Str("addr", cfg.RedisAddr).Int("db", cfg.RedisDB).Msg("Using redis locks")
		return NewRedisLocker(NewRedisClient(cfg.RedisAddr, cfg.RedisDB), cfg.Wait)
	}
	return NewMemoryLocker(cfg.Wait)
}

// MemoryLocker holds locks in process. Each key is a one-slot semaphore.
type MemoryLocker struct {
	wait  time.Duration
	slots map[string]chan struct{}
	mu    sync.Mutex
}

// NewMemoryLocker creates an in-process locker that waits at most wait for a
// held key.
func NewMemoryLocker(wait time.Duration) *MemoryLocker {
	return &MemoryLocker{
		wait:  wait,
		slots: make(map[string]chan struct{}),
	}
}

func (m *MemoryLocker) slot(key string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[key]
	if !ok {
		s = make(chan struct{}, 1)
		m.slots[key] = s
	}
	return s
}

// Acquire takes the key's slot. A positive ttl frees the slot automatically
// when the holder never releases it.
func (m *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	s := m.slot(key)

	select {
	case s <- struct{}{}:
	default:
		if m.wait <= 0 {
			return nil, errors.Wrapf(errors.ErrLockHeld, "%s", key)
		}
		timer := time.NewTimer(m.wait)
		defer timer.Stop()
		select {
		case s <- struct{}{}:
		case <-timer.C:
			return nil, errors.Wrapf(errors.ErrLockHeld, "%s", key)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	lease := &memoryLease{key: key, slot: s, ttl: ttl}
	lease.arm()
	return lease, nil
}

type memoryLease struct {
	key  string
	slot chan struct{}
	ttl  time.Duration

	mu     sync.Mutex
	expiry *time.Timer
	gen    int
	freed  bool
}

func (l *memoryLease) Key() string { return l.key }

// arm starts a fresh expiry timer. A timer from an earlier generation that
// fires late is ignored. Callers other than Acquire hold mu.
func (l *memoryLease) arm() {
	if l.ttl <= 0 {
		return
	}
	if l.expiry != nil {
		l.expiry.Stop()
	}
	l.gen++
	gen := l.gen
	l.expiry = time.AfterFunc(l.ttl, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.gen == gen {
			l.freeLocked()
		}
	})
}

// freeLocked empties the slot once; it reports whether this call did it.
func (l *memoryLease) freeLocked() bool {
	if l.freed {
		return false
	}
	<-l.slot
	l.freed = true
	return true
}

func (l *memoryLease) Refresh(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.freed {
		return errors.Wrapf(ErrNotHeld, "%s", l.key)
	}
	l.arm()
	return nil
}

func (l *memoryLease) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.expiry != nil {
		l.expiry.Stop()
	}
	l.gen++
	if !l.freeLocked() {
		return errors.Wrapf(ErrNotHeld, "%s", l.key)
	}
	return nil
}

// Ensure implementations satisfy the interfaces
var (
	_ Locker = (*MemoryLocker)(nil)
	_ Lease  = (*memoryLease)(nil)
)
