package smtp

import (
	"testing"
	"time"

	"pgregory.net/rapid"
)

func TestProperty_RateLimiterAllowsUpToMaxThenDenies(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		max := rapid.IntRange(1, 20).Draw(t, "max")
		rl := NewRateLimiter(max, time.Hour, time.Hour)
		defer rl.Stop()

		for i := 0; i < max; i++ {
			if !rl.CheckAndIncrement("k") {
				t.Fatalf("call %d/%d unexpectedly denied", i+1, max)
			}
		}
		if rl.CheckAndIncrement("k") {
			t.Fatalf("call %d exceeded max %d but was allowed", max+1, max)
		}
	})
}

func TestProperty_RateLimiterKeysAreIndependent(t *testing.T) {
	rl := NewRateLimiter(1, time.Hour, time.Hour)
	defer rl.Stop()

	if !rl.CheckAndIncrement("a") {
		t.Fatal("first call for key a should be allowed")
	}
	if !rl.CheckAndIncrement("b") {
		t.Fatal("first call for key b should be allowed; buckets must be independent")
	}
	if rl.CheckAndIncrement("a") {
		t.Fatal("second call for key a should be denied")
	}
}

func TestProperty_RateLimiterResetsAfterWindowElapses(t *testing.T) {
	rl := NewRateLimiter(1, 10*time.Millisecond, time.Hour)
	defer rl.Stop()

	if !rl.CheckAndIncrement("k") {
		t.Fatal("first call should be allowed")
	}
	if rl.CheckAndIncrement("k") {
		t.Fatal("second call within window should be denied")
	}
	time.Sleep(20 * time.Millisecond)
	if !rl.CheckAndIncrement("k") {
		t.Fatal("call after window elapsed should be allowed again")
	}
}

func TestProperty_RateLimiterCleanupRemovesIdleBuckets(t *testing.T) {
	rl := NewRateLimiter(1, 10*time.Millisecond, 5*time.Millisecond)
	defer rl.Stop()

	rl.CheckAndIncrement("k")
	time.Sleep(100 * time.Millisecond)

	rl.mu.Lock()
	_, present := rl.buckets["k"]
	rl.mu.Unlock()
	if present {
		t.Fatal("idle bucket should have been swept by the cleanup loop")
	}
}
