// Package ratelimit implements C12, the rate limiter: a per-key leaky
// bucket using a monotonic clock, with per-route policy overrides and a
// hard cap on the number of tracked keys.
//
// Structurally grounded on internal/auth/ratelimit.go (a per-key counter
// with a background sweep), but deliberately NOT Redis-backed like that
// login limiter: this limiter needs immunity to wall-clock jumps, which
// only a monotonic in-process clock guarantees. Documented deviation — see
// DESIGN.md.
package ratelimit

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// Policy configures one bucket's capacity and leak rate.
type Policy struct {
	Burst        int     // bucket capacity
	PerMinute    float64 // tokens replenished per minute (leak rate)
}

// DefaultPolicy is used for any key whose route has no override.
var DefaultPolicy = Policy{Burst: 10, PerMinute: 60}

// Decision is the outcome of a Limiter.Allow call.
type Decision struct {
	Allowed      bool
	RetryAfterS  float64
	Remaining    int
	Limit        int
}

type bucket struct {
	policy     Policy
	tokens     float64
	lastRefill time.Time // monotonic (time.Now())
	lastTouch  time.Time // monotonic, used for idle eviction
	elem       *list.Element
}

// Limiter is a per-key leaky-bucket rate limiter with LRU eviction above a
// hard cap on the number of tracked buckets.
type Limiter struct {
	mu          sync.Mutex
	buckets     map[string]*bucket
	lru         *list.List // most-recently-touched at the front
	maxBuckets  int
	routePolicy map[string]Policy

	now func() time.Time // overridable for tests
}

// New constructs a Limiter. maxBuckets bounds memory use via LRU eviction.
func New(maxBuckets int, routePolicy map[string]Policy) *Limiter {
	if maxBuckets <= 0 {
		maxBuckets = 10000
	}
	return &Limiter{
		buckets:     make(map[string]*bucket),
		lru:         list.New(),
		maxBuckets:  maxBuckets,
		routePolicy: routePolicy,
		now:         time.Now,
	}
}

// policyFor resolves the effective policy for a route, falling back to
// DefaultPolicy.
func (l *Limiter) policyFor(route string) Policy {
	if p, ok := l.routePolicy[route]; ok {
		return p
	}
	return DefaultPolicy
}

// Allow consumes one token from key's bucket (scoped to route's policy) and
// reports whether the request is allowed.
func (l *Limiter) Allow(key, route string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		policy := l.policyFor(route)
		b = &bucket{
			policy:     policy,
			tokens:     float64(policy.Burst),
			lastRefill: now,
			lastTouch:  now,
		}
		b.elem = l.lru.PushFront(key)
		l.buckets[key] = b
		l.evictOverCap()
	} else {
		l.refill(b, now)
		l.lru.MoveToFront(b.elem)
	}
	b.lastTouch = now

	limit := b.policy.Burst
	if b.tokens >= 1 {
		b.tokens--
		return Decision{Allowed: true, Remaining: int(b.tokens), Limit: limit}
	}

	leakPerSecond := b.policy.PerMinute / 60
	var retryAfter float64
	if leakPerSecond > 0 {
		retryAfter = (1 - b.tokens) / leakPerSecond
	}
	return Decision{Allowed: false, RetryAfterS: retryAfter, Remaining: 0, Limit: limit}
}

func (l *Limiter) refill(b *bucket, now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	leakPerSecond := b.policy.PerMinute / 60
	b.tokens += elapsed * leakPerSecond
	if b.tokens > float64(b.policy.Burst) {
		b.tokens = float64(b.policy.Burst)
	}
	b.lastRefill = now
}

// evictOverCap drops least-recently-touched buckets until the hard cap is
// satisfied. Caller must hold l.mu.
func (l *Limiter) evictOverCap() {
	for len(l.buckets) > l.maxBuckets {
		back := l.lru.Back()
		if back == nil {
			return
		}
		key := back.Value.(string)
		l.lru.Remove(back)
		delete(l.buckets, key)
	}
}

// Sweep evicts buckets untouched for longer than idleAfter, bounding memory
// even when the hard cap is never hit. Intended to be called periodically
// from a background goroutine (see SweepLoop).
func (l *Limiter) Sweep(idleAfter time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	evicted := 0
	for e := l.lru.Back(); e != nil; {
		prev := e.Prev()
		key := e.Value.(string)
		b := l.buckets[key]
		if now.Sub(b.lastTouch) <= idleAfter {
			break // list is ordered most-recent-first; nothing older to check
		}
		l.lru.Remove(e)
		delete(l.buckets, key)
		evicted++
		e = prev
	}
	return evicted
}

// BucketCount reports how many keys are currently tracked, for tests and
// diagnostics.
func (l *Limiter) BucketCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// KeyFor derives the bucket key for an identifier (bearer API key or client
// IP): the hex SHA-256 digest, so raw API keys and IPs never sit in memory
// as map keys in plaintext.
func KeyFor(identifier string) string {
	h := sha256.Sum256([]byte(identifier))
	return hex.EncodeToString(h[:])
}

// SweepLoop runs Sweep every interval until ctx is cancelled, evicting
// buckets idle for longer than 2*interval. Structured after
// pkg/escalation/engine.go's Run/tick split (ticker + context-cancellation
// select).
func (l *Limiter) SweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	idleAfter := 2 * interval
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep(idleAfter)
		}
	}
}
