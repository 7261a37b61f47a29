// Package ratelimit provides per-provider token buckets. Buckets are safe for
// concurrent use by many workers; the critical section is a map lookup plus a
// timestamp check.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrLimited signals that no token was available within the allowed wait.
// Callers defer the work rather than dropping it.
var ErrLimited = fmt.Errorf("rate limited, retry later")

type bucket struct {
	limiter     *rate.Limiter
	pausedUntil time.Time
}

// Limiter holds one token bucket per provider. Capacity is the burst size;
// refill is tokens per second.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time // overridable in tests
}

func New() *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Configure registers (or reconfigures) a provider's bucket.
func (l *Limiter) Configure(provider string, refillPerSec float64, capacity int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets[provider] = &bucket{
		limiter: rate.NewLimiter(rate.Limit(refillPerSec), capacity),
	}
}

func (l *Limiter) get(provider string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[provider]
	if !ok {
		// Unconfigured providers get a permissive default rather than a
		// panic; Configure at startup is the expected path.
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(10), 10)}
		l.buckets[provider] = b
	}
	return b
}

// TryAcquire takes a token without blocking. Returns false while the bucket
// is empty or paused by an upstream Retry-After.
func (l *Limiter) TryAcquire(provider string) bool {
	b := l.get(provider)

	l.mu.Lock()
	paused := l.now().Before(b.pausedUntil)
	l.mu.Unlock()
	if paused {
		return false
	}
	return b.limiter.Allow()
}

// Acquire blocks until a token is available or maxWait elapses. A pause set
// by PauseUntil counts against the same budget: if the pause outlasts
// maxWait, Acquire fails fast with ErrLimited instead of sleeping.
func (l *Limiter) Acquire(ctx context.Context, provider string, maxWait time.Duration) error {
	b := l.get(provider)

	l.mu.Lock()
	pausedUntil := b.pausedUntil
	now := l.now()
	l.mu.Unlock()

	if now.Before(pausedUntil) {
		wait := pausedUntil.Sub(now)
		if wait > maxWait {
			return ErrLimited
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		maxWait -= wait
	}

	waitCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	if err := b.limiter.Wait(waitCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrLimited
	}
	return nil
}

// PauseUntil suspends a provider's bucket until the deadline, honoring an
// explicit Retry-After from the upstream. It overrides any computed backoff
// but never shortens an existing pause.
func (l *Limiter) PauseUntil(provider string, deadline time.Time) {
	b := l.get(provider)

	l.mu.Lock()
	defer l.mu.Unlock()
	if deadline.After(b.pausedUntil) {
		b.pausedUntil = deadline
	}
}

// PausedUntil reports the current pause deadline for a provider; zero when
// the bucket is not paused.
func (l *Limiter) PausedUntil(provider string) time.Time {
	b := l.get(provider)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.now().Before(b.pausedUntil) {
		return b.pausedUntil
	}
	return time.Time{}
}
