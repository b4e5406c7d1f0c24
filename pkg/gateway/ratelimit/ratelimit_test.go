package ratelimit

import (
	"testing"
	"time"
)

func TestAcquireRequestTokenBucket(t *testing.T) {
	l := New(Config{RPS: 1, Burst: 2})
	now := time.Unix(1000, 0)

	for i := 0; i < 2; i++ {
		d := l.AcquireRequest("k_a", now)
		if !d.Allowed {
			t.Fatalf("request %d denied", i)
		}
		d.Permit.Release()
	}

	d := l.AcquireRequest("k_a", now)
	if d.Allowed {
		t.Fatal("third request within burst window allowed")
	}
	if d.RetryAfter < 1 {
		t.Fatalf("RetryAfter = %d, want >= 1", d.RetryAfter)
	}

	// Tokens refill with time.
	d = l.AcquireRequest("k_a", now.Add(2*time.Second))
	if !d.Allowed {
		t.Fatal("request after refill denied")
	}
	d.Permit.Release()
}

func TestAcquireRequestPerPrincipal(t *testing.T) {
	l := New(Config{RPS: 1, Burst: 1})
	now := time.Unix(1000, 0)

	if d := l.AcquireRequest("k_a", now); !d.Allowed {
		t.Fatal("first principal denied")
	}
	if d := l.AcquireRequest("k_a", now); d.Allowed {
		t.Fatal("first principal should be throttled")
	}
	if d := l.AcquireRequest("k_b", now); !d.Allowed {
		t.Fatal("second principal throttled by first")
	}
}

func TestAcquireRequestConcurrencyCap(t *testing.T) {
	l := New(Config{MaxConcurrentRequests: 1})
	now := time.Unix(1000, 0)

	d1 := l.AcquireRequest("k_a", now)
	if !d1.Allowed {
		t.Fatal("first request denied")
	}
	if d2 := l.AcquireRequest("k_a", now); d2.Allowed {
		t.Fatal("second concurrent request allowed")
	}

	d1.Permit.Release()
	if d3 := l.AcquireRequest("k_a", now); !d3.Allowed {
		t.Fatal("request after release denied")
	}
}

func TestAcquireLiveIndependentOfBucket(t *testing.T) {
	l := New(Config{RPS: 1, Burst: 1, MaxConcurrentLive: 1})
	now := time.Unix(1000, 0)

	// Exhaust the request bucket; live sessions should still be admitted.
	l.AcquireRequest("k_a", now)
	d := l.AcquireLive("k_a", now)
	if !d.Allowed {
		t.Fatal("live session denied by request bucket")
	}

	if d2 := l.AcquireLive("k_a", now); d2.Allowed {
		t.Fatal("second live session allowed over cap")
	}
	d.Permit.Release()
	if d3 := l.AcquireLive("k_a", now); !d3.Allowed {
		t.Fatal("live session after release denied")
	}
}

func TestPermitReleaseIdempotent(t *testing.T) {
	l := New(Config{MaxConcurrentRequests: 1})
	now := time.Unix(1000, 0)

	d := l.AcquireRequest("k_a", now)
	d.Permit.Release()
	d.Permit.Release()

	// A double release must not free a slot twice.
	d1 := l.AcquireRequest("k_a", now)
	if !d1.Allowed {
		t.Fatal("request denied after release")
	}
	if d2 := l.AcquireRequest("k_a", now); d2.Allowed {
		t.Fatal("double release freed an extra slot")
	}
}

func TestPrincipalKeyFromAPIKey(t *testing.T) {
	a := PrincipalKeyFromAPIKey("secret-key")
	b := PrincipalKeyFromAPIKey("secret-key")
	c := PrincipalKeyFromAPIKey("other-key")
	if a != b {
		t.Fatal("key derivation not stable")
	}
	if a == c {
		t.Fatal("distinct keys collided")
	}
	if len(a) != 2+32 {
		t.Fatalf("unexpected key length: %d", len(a))
	}
}

func TestEntryEviction(t *testing.T) {
	l := New(Config{MaxEntries: 2, EntryTTL: time.Minute})
	now := time.Unix(1000, 0)

	l.AcquireRequest("k_a", now)
	l.AcquireRequest("k_b", now)
	// Expired entries are collected when the map is full.
	l.AcquireRequest("k_c", now.Add(2*time.Minute))

	l.mu.Lock()
	n := len(l.m)
	l.mu.Unlock()
	if n > 2 {
		t.Fatalf("map grew past MaxEntries: %d", n)
	}
}
