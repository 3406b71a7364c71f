// Package ratelimit provides token-bucket admission control. Every request is
// checked against its tenant's bucket and then a global bucket; a denial from
// either side carries an advisory retry-after derived from the refill rate.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Quota describes one bucket: burst capacity and sustained refill rate.
type Quota struct {
	Capacity     int64
	RefillPerSec float64
}

func (q Quota) valid() bool { return q.Capacity > 0 && q.RefillPerSec > 0 }

// Result is the outcome of an admission check.
type Result struct {
	Allowed bool
	// Scope names the bucket that denied admission: "tenant" or "global".
	Scope string
	// RetryAfter is advisory, not a promise. Zero when allowed.
	RetryAfter time.Duration
}

// Bucket is a mutex-guarded token bucket with lazy refill. Tokens are tracked
// fractionally so slow refill rates (e.g. 10 per minute) accrue smoothly.
type Bucket struct {
	mu           sync.Mutex
	capacity     int64
	refillPerSec float64
	tokens       float64
	lastRefill   time.Time
}

func NewBucket(q Quota) *Bucket {
	return &Bucket{
		capacity:     q.Capacity,
		refillPerSec: q.RefillPerSec,
		tokens:       float64(q.Capacity), // start full
		lastRefill:   time.Now(),
	}
}

// Take refills based on elapsed time, then consumes one token. When denied it
// returns how long until a single token will have accrued.
func (b *Bucket) Take() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(time.Now())

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}

	missing := 1 - b.tokens
	wait := time.Duration(missing / b.refillPerSec * float64(time.Second))
	if wait <= 0 {
		wait = time.Millisecond
	}
	return false, wait
}

// refund returns one token, capped at capacity. Used when a later admission
// stage denies a request this bucket already admitted.
func (b *Bucket) refund() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens++
	if b.tokens > float64(b.capacity) {
		b.tokens = float64(b.capacity)
	}
}

// Remaining reports whole tokens currently available, refilling first.
func (b *Bucket) Remaining() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	return int64(math.Floor(b.tokens))
}

func (b *Bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed.Seconds() * b.refillPerSec
	if b.tokens > float64(b.capacity) {
		b.tokens = float64(b.capacity)
	}
	b.lastRefill = now
}

// Limiter owns the global bucket and one bucket per tenant. Tenant buckets
// are created on first use, from a per-tenant override when one is supplied
// or from the default quota otherwise.
type Limiter struct {
	global        *Bucket
	tenantDefault Quota

	mu      sync.Mutex
	tenants map[string]*Bucket
}

func NewLimiter(global, tenantDefault Quota) *Limiter {
	return &Limiter{
		global:        NewBucket(global),
		tenantDefault: tenantDefault,
		tenants:       make(map[string]*Bucket),
	}
}

// Allow runs the two-stage admission check: tenant bucket first, then the
// global bucket. override sets the tenant quota the first time this tenant is
// seen; nil (or an invalid quota) falls back to the default.
func (l *Limiter) Allow(tenantID string, override *Quota) Result {
	tb := l.tenantBucket(tenantID, override)
	if ok, retryAfter := tb.Take(); !ok {
		return Result{Scope: "tenant", RetryAfter: retryAfter}
	}
	if ok, retryAfter := l.global.Take(); !ok {
		// A global denial must not spend the tenant's own quota.
		tb.refund()
		return Result{Scope: "global", RetryAfter: retryAfter}
	}
	return Result{Allowed: true}
}

// TenantRemaining reports available tokens for a tenant, creating its bucket
// if needed. Used by tests and the providers endpoint.
func (l *Limiter) TenantRemaining(tenantID string) int64 {
	return l.tenantBucket(tenantID, nil).Remaining()
}

// GlobalRemaining reports available tokens in the global bucket.
func (l *Limiter) GlobalRemaining() int64 {
	return l.global.Remaining()
}

func (l *Limiter) tenantBucket(tenantID string, override *Quota) *Bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.tenants[tenantID]; ok {
		return b
	}
	q := l.tenantDefault
	if override != nil && override.valid() {
		q = *override
	}
	b := NewBucket(q)
	l.tenants[tenantID] = b
	return b
}
