package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestBucket_BurstThenDeny(t *testing.T) {
	b := NewBucket(Quota{Capacity: 10, RefillPerSec: 10.0 / 60.0})

	for i := 0; i < 10; i++ {
		ok, _ := b.Take()
		if !ok {
			t.Fatalf("request %d should be admitted within capacity", i+1)
		}
	}

	ok, retryAfter := b.Take()
	if ok {
		t.Fatal("11th request should be denied")
	}
	if retryAfter <= 0 {
		t.Errorf("expected non-zero retry-after, got %v", retryAfter)
	}
	// One token refills in ~6s at 10/60s.
	if retryAfter > 7*time.Second {
		t.Errorf("retry-after %v exceeds one refill interval", retryAfter)
	}
}

func TestBucket_Refill(t *testing.T) {
	b := NewBucket(Quota{Capacity: 2, RefillPerSec: 50})

	for i := 0; i < 2; i++ {
		if ok, _ := b.Take(); !ok {
			t.Fatal("burst should be admitted")
		}
	}
	if ok, _ := b.Take(); ok {
		t.Fatal("empty bucket should deny")
	}

	time.Sleep(40 * time.Millisecond) // ~2 tokens at 50/s
	if ok, _ := b.Take(); !ok {
		t.Error("expected a token after refill interval")
	}
}

func TestBucket_NoOverAdmissionConcurrent(t *testing.T) {
	b := NewBucket(Quota{Capacity: 1, RefillPerSec: 0.001})

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := b.Take(); ok {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	if admitted.Load() != 1 {
		t.Errorf("expected exactly 1 admission with 1 token, got %d", admitted.Load())
	}
}

func TestLimiter_TenantIsolation(t *testing.T) {
	l := NewLimiter(Quota{Capacity: 100, RefillPerSec: 100}, Quota{Capacity: 1, RefillPerSec: 0.001})

	if res := l.Allow("tenant-a", nil); !res.Allowed {
		t.Fatal("tenant-a first request should pass")
	}
	if res := l.Allow("tenant-a", nil); res.Allowed {
		t.Fatal("tenant-a second request should be denied")
	} else if res.Scope != "tenant" {
		t.Errorf("expected tenant scope, got %q", res.Scope)
	}

	// A different tenant has its own bucket.
	if res := l.Allow("tenant-b", nil); !res.Allowed {
		t.Error("tenant-b should be unaffected by tenant-a's bucket")
	}
}

func TestLimiter_GlobalBucket(t *testing.T) {
	l := NewLimiter(Quota{Capacity: 1, RefillPerSec: 0.001}, Quota{Capacity: 10, RefillPerSec: 10})

	if res := l.Allow("a", nil); !res.Allowed {
		t.Fatal("first request should pass")
	}
	res := l.Allow("b", nil)
	if res.Allowed {
		t.Fatal("second request should hit the exhausted global bucket")
	}
	if res.Scope != "global" {
		t.Errorf("expected global scope, got %q", res.Scope)
	}
	if res.RetryAfter <= 0 {
		t.Error("expected advisory retry-after on global denial")
	}
}

func TestLimiter_GlobalDenialRefundsTenantToken(t *testing.T) {
	l := NewLimiter(Quota{Capacity: 1, RefillPerSec: 0.001}, Quota{Capacity: 2, RefillPerSec: 0.001})

	if res := l.Allow("a", nil); !res.Allowed {
		t.Fatal("first request should pass")
	}
	if res := l.Allow("a", nil); res.Allowed || res.Scope != "global" {
		t.Fatalf("second request should be a global denial, got %+v", res)
	}

	// The global denial must not have spent the tenant's remaining token.
	if remaining := l.TenantRemaining("a"); remaining != 1 {
		t.Errorf("tenant remaining = %d, want 1", remaining)
	}
}

func TestLimiter_PerTenantOverride(t *testing.T) {
	l := NewLimiter(Quota{Capacity: 100, RefillPerSec: 100}, Quota{Capacity: 1, RefillPerSec: 0.001})

	override := &Quota{Capacity: 3, RefillPerSec: 0.001}
	for i := 0; i < 3; i++ {
		if res := l.Allow("vip", override); !res.Allowed {
			t.Fatalf("request %d should pass under override capacity", i+1)
		}
	}
	if res := l.Allow("vip", override); res.Allowed {
		t.Error("override capacity should now be exhausted")
	}
}
