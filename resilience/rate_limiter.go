package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/ryansmccoy/spine-core-sub006/core"
)

// Limiter is the shared rate limiting contract. Acquire with block
// waits for capacity (honoring ctx); without block it reports
// immediately. WaitTime estimates how long until n permits free up.
type Limiter interface {
	Acquire(ctx context.Context, n int, block bool) (bool, error)
	WaitTime(n int) time.Duration
}

// TokenBucket refills rate tokens per second up to capacity. Tokens
// are replenished lazily on access from the monotonic clock, so an
// idle bucket costs nothing.
type TokenBucket struct {
	mu       sync.Mutex
	rate     float64
	capacity float64
	tokens   float64
	last     time.Time
}

// NewTokenBucket creates a full bucket.
func NewTokenBucket(rate float64, capacity int) *TokenBucket {
	return &TokenBucket{
		rate:     rate,
		capacity: float64(capacity),
		tokens:   float64(capacity),
		last:     time.Now(),
	}
}

// Acquire takes n tokens.
func (tb *TokenBucket) Acquire(ctx context.Context, n int, block bool) (bool, error) {
	for {
		tb.mu.Lock()
		tb.refill()
		if tb.tokens >= float64(n) {
			tb.tokens -= float64(n)
			tb.mu.Unlock()
			return true, nil
		}
		wait := tb.waitLocked(n)
		tb.mu.Unlock()

		if !block {
			return false, nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
			// Tokens may have been taken by another caller; loop.
		}
	}
}

// WaitTime estimates the delay until n tokens are available.
func (tb *TokenBucket) WaitTime(n int) time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	return tb.waitLocked(n)
}

func (tb *TokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(tb.last).Seconds()
	if elapsed > 0 {
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.last = now
	}
}

func (tb *TokenBucket) waitLocked(n int) time.Duration {
	missing := float64(n) - tb.tokens
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / tb.rate * float64(time.Second))
}

// SlidingWindow admits at most maxRequests within any window, tracking
// individual request timestamps.
type SlidingWindow struct {
	mu          sync.Mutex
	maxRequests int
	window      time.Duration
	timestamps  []time.Time
}

// NewSlidingWindow creates an empty window.
func NewSlidingWindow(maxRequests int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		maxRequests: maxRequests,
		window:      window,
	}
}

// Acquire reserves n request slots.
func (sw *SlidingWindow) Acquire(ctx context.Context, n int, block bool) (bool, error) {
	for {
		sw.mu.Lock()
		now := time.Now()
		sw.pruneLocked(now)
		if len(sw.timestamps)+n <= sw.maxRequests {
			for i := 0; i < n; i++ {
				sw.timestamps = append(sw.timestamps, now)
			}
			sw.mu.Unlock()
			return true, nil
		}
		wait := sw.waitLocked(n, now)
		sw.mu.Unlock()

		if !block {
			return false, nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}
	}
}

// WaitTime estimates the delay until n slots free up.
func (sw *SlidingWindow) WaitTime(n int) time.Duration {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	now := time.Now()
	sw.pruneLocked(now)
	return sw.waitLocked(n, now)
}

func (sw *SlidingWindow) pruneLocked(now time.Time) {
	cutoff := now.Add(-sw.window)
	i := 0
	for i < len(sw.timestamps) && !sw.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		sw.timestamps = append(sw.timestamps[:0], sw.timestamps[i:]...)
	}
}

func (sw *SlidingWindow) waitLocked(n int, now time.Time) time.Duration {
	overflow := len(sw.timestamps) + n - sw.maxRequests
	if overflow <= 0 {
		return 0
	}
	if overflow > len(sw.timestamps) {
		// n alone exceeds the window size; it can never be granted.
		return sw.window
	}
	// The overflow-th oldest entry must age out first.
	return sw.timestamps[overflow-1].Add(sw.window).Sub(now)
}

// KeyedLimiter yields an independent limiter per key (per tenant, per
// handler) and garbage-collects buckets idle past idleTTL.
type KeyedLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*keyedEntry
	factory   func() Limiter
	idleTTL   time.Duration
	lastSweep time.Time
}

type keyedEntry struct {
	limiter  Limiter
	lastUsed time.Time
}

// NewKeyedLimiter creates a keyed limiter. idleTTL <= 0 defaults to
// ten minutes.
func NewKeyedLimiter(factory func() Limiter, idleTTL time.Duration) *KeyedLimiter {
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &KeyedLimiter{
		limiters:  make(map[string]*keyedEntry),
		factory:   factory,
		idleTTL:   idleTTL,
		lastSweep: time.Now(),
	}
}

// Get returns the limiter for a key, creating it on first use.
func (kl *KeyedLimiter) Get(key string) Limiter {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	now := time.Now()
	if now.Sub(kl.lastSweep) > kl.idleTTL {
		for k, e := range kl.limiters {
			if now.Sub(e.lastUsed) > kl.idleTTL {
				delete(kl.limiters, k)
			}
		}
		kl.lastSweep = now
	}

	entry, ok := kl.limiters[key]
	if !ok {
		entry = &keyedEntry{limiter: kl.factory()}
		kl.limiters[key] = entry
	}
	entry.lastUsed = now
	return entry.limiter
}

// Acquire takes n permits from the key's limiter.
func (kl *KeyedLimiter) Acquire(ctx context.Context, key string, n int, block bool) (bool, error) {
	return kl.Get(key).Acquire(ctx, n, block)
}

// WaitTime estimates the key's delay for n permits.
func (kl *KeyedLimiter) WaitTime(key string, n int) time.Duration {
	return kl.Get(key).WaitTime(n)
}

// Len returns how many per-key limiters are live.
func (kl *KeyedLimiter) Len() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return len(kl.limiters)
}

// CompositeLimiter requires permits from every wrapped limiter.
type CompositeLimiter struct {
	mu       sync.Mutex
	limiters []Limiter
}

// NewCompositeLimiter wraps limiters into one AND gate.
func NewCompositeLimiter(limiters ...Limiter) *CompositeLimiter {
	return &CompositeLimiter{limiters: limiters}
}

// Acquire takes n permits from each limiter in order. In blocking mode
// earlier permits are held while waiting on later limiters. The mutex
// keeps the check-then-acquire sequence atomic across callers: the
// members have no refund operation, so a partial acquire could not be
// rolled back.
func (cl *CompositeLimiter) Acquire(ctx context.Context, n int, block bool) (bool, error) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if !block {
		for _, l := range cl.limiters {
			if l.WaitTime(n) > 0 {
				return false, nil
			}
		}
	}
	for _, l := range cl.limiters {
		ok, err := l.Acquire(ctx, n, block)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// WaitTime reports the slowest limiter's estimate.
func (cl *CompositeLimiter) WaitTime(n int) time.Duration {
	var maxWait time.Duration
	for _, l := range cl.limiters {
		if w := l.WaitTime(n); w > maxWait {
			maxWait = w
		}
	}
	return maxWait
}

var _ Limiter = (*TokenBucket)(nil)
var _ Limiter = (*SlidingWindow)(nil)
var _ Limiter = (*CompositeLimiter)(nil)

// ErrRateLimited wraps the shared sentinel for callers that want a
// categorized error instead of a boolean.
func ErrRateLimited(name string) error {
	return core.Wrap(core.CategoryRateLimited, "rate limit exceeded for "+name, core.ErrRateLimitExceeded)
}
