package consensus

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// VetoLimiter opens a per-symbol cooldown once vetoes exceed a per-minute budget.
type VetoLimiter struct {
	mu        sync.Mutex
	perMinute int
	cooldown  time.Duration
	buckets   map[string]*rate.Limiter
	until     map[string]time.Time
}

// NewVetoLimiter creates a limiter. perMinute <= 0 disables it.
func NewVetoLimiter(perMinute int, cooldown time.Duration) *VetoLimiter {
	return &VetoLimiter{
		perMinute: perMinute,
		cooldown:  cooldown,
		buckets:   make(map[string]*rate.Limiter),
		until:     make(map[string]time.Time),
	}
}

// InCooldown reports whether symbol is cooling down at now.
func (l *VetoLimiter) InCooldown(symbol string, now time.Time) bool {
	if l == nil || l.perMinute <= 0 {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	until, ok := l.until[symbol]
	if !ok {
		return false
	}
	if now.Before(until) {
		return true
	}
	delete(l.until, symbol)
	return false
}

// Record counts one veto for symbol at now and reports whether it opened a cooldown.
func (l *VetoLimiter) Record(symbol string, now time.Time) bool {
	if l == nil || l.perMinute <= 0 {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	bucket, ok := l.buckets[symbol]
	if !ok {
		bucket = rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMinute)), l.perMinute)
		l.buckets[symbol] = bucket
	}
	if bucket.AllowN(now, 1) {
		return false
	}
	l.until[symbol] = now.Add(l.cooldown)
	return true
}
