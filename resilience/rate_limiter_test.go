package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTokenBucketDrainAndRefill(t *testing.T) {
	tb := NewTokenBucket(100, 5)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ok, err := tb.Acquire(ctx, 1, false)
		if err != nil || !ok {
			t.Fatalf("acquire %d failed: ok=%v err=%v", i+1, ok, err)
		}
	}
	if ok, _ := tb.Acquire(ctx, 1, false); ok {
		t.Fatal("empty bucket should reject a non-blocking acquire")
	}

	time.Sleep(30 * time.Millisecond)
	if ok, _ := tb.Acquire(ctx, 2, false); !ok {
		t.Error("bucket should have refilled at least 2 tokens")
	}
}

func TestTokenBucketCapsAtCapacity(t *testing.T) {
	tb := NewTokenBucket(1000, 3)
	time.Sleep(20 * time.Millisecond)

	ok, _ := tb.Acquire(context.Background(), 3, false)
	if !ok {
		t.Fatal("full bucket should grant capacity tokens")
	}
	if ok, _ := tb.Acquire(context.Background(), 3, false); ok {
		t.Error("refill must not exceed capacity")
	}
}

func TestTokenBucketBlockingWaits(t *testing.T) {
	tb := NewTokenBucket(100, 1)
	ctx := context.Background()
	if ok, _ := tb.Acquire(ctx, 1, false); !ok {
		t.Fatal("first acquire should succeed")
	}

	start := time.Now()
	ok, err := tb.Acquire(ctx, 1, true)
	elapsed := time.Since(start)
	if err != nil || !ok {
		t.Fatalf("blocking acquire failed: ok=%v err=%v", ok, err)
	}
	if elapsed < 5*time.Millisecond {
		t.Errorf("blocking acquire returned after %v, expected to wait for refill", elapsed)
	}
}

func TestTokenBucketAcquireHonorsContext(t *testing.T) {
	tb := NewTokenBucket(0.1, 1)
	if ok, _ := tb.Acquire(context.Background(), 1, false); !ok {
		t.Fatal("first acquire should succeed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ok, err := tb.Acquire(ctx, 1, true)
	if ok {
		t.Fatal("acquire should fail when the context expires first")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}

func TestTokenBucketWaitTime(t *testing.T) {
	tb := NewTokenBucket(10, 10)
	ctx := context.Background()
	if ok, _ := tb.Acquire(ctx, 10, false); !ok {
		t.Fatal("draining acquire should succeed")
	}

	wait := tb.WaitTime(5)
	if wait < 400*time.Millisecond || wait > 700*time.Millisecond {
		t.Errorf("WaitTime(5) = %v, want roughly 500ms at 10 tokens/s", wait)
	}
	if tb.WaitTime(0) != 0 {
		t.Error("WaitTime(0) should be zero")
	}
}

func TestSlidingWindowLimitsWithinWindow(t *testing.T) {
	sw := NewSlidingWindow(3, 50*time.Millisecond)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if ok, _ := sw.Acquire(ctx, 1, false); !ok {
			t.Fatalf("acquire %d should succeed", i+1)
		}
	}
	if ok, _ := sw.Acquire(ctx, 1, false); ok {
		t.Fatal("fourth request inside the window should be rejected")
	}

	time.Sleep(60 * time.Millisecond)
	if ok, _ := sw.Acquire(ctx, 1, false); !ok {
		t.Error("request after the window slid should succeed")
	}
}

func TestSlidingWindowWaitTime(t *testing.T) {
	sw := NewSlidingWindow(2, 100*time.Millisecond)
	ctx := context.Background()
	sw.Acquire(ctx, 2, false)

	wait := sw.WaitTime(1)
	if wait <= 0 || wait > 100*time.Millisecond {
		t.Errorf("WaitTime(1) = %v, want within (0, window]", wait)
	}
	// A batch larger than the window can never be granted.
	if got := sw.WaitTime(3); got != 100*time.Millisecond {
		t.Errorf("WaitTime(3) = %v, want full window", got)
	}
}

func TestSlidingWindowBlockingWaits(t *testing.T) {
	sw := NewSlidingWindow(1, 20*time.Millisecond)
	ctx := context.Background()
	sw.Acquire(ctx, 1, false)

	start := time.Now()
	ok, err := sw.Acquire(ctx, 1, true)
	if err != nil || !ok {
		t.Fatalf("blocking acquire failed: ok=%v err=%v", ok, err)
	}
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Errorf("blocking acquire returned after %v, expected to wait for the window", elapsed)
	}
}

func TestKeyedLimiterIsolatesKeys(t *testing.T) {
	kl := NewKeyedLimiter(func() Limiter { return NewTokenBucket(0.1, 1) }, time.Minute)
	ctx := context.Background()

	if ok, _ := kl.Acquire(ctx, "tenant-a", 1, false); !ok {
		t.Fatal("tenant-a first acquire should succeed")
	}
	if ok, _ := kl.Acquire(ctx, "tenant-a", 1, false); ok {
		t.Fatal("tenant-a second acquire should be limited")
	}
	if ok, _ := kl.Acquire(ctx, "tenant-b", 1, false); !ok {
		t.Error("tenant-b must not share tenant-a's bucket")
	}
	if kl.Len() != 2 {
		t.Errorf("limiter count = %d, want 2", kl.Len())
	}
}

func TestKeyedLimiterSweepsIdleEntries(t *testing.T) {
	kl := NewKeyedLimiter(func() Limiter { return NewTokenBucket(100, 10) }, 20*time.Millisecond)

	kl.Get("stale")
	time.Sleep(30 * time.Millisecond)
	kl.Get("fresh")

	if kl.Len() != 1 {
		t.Errorf("limiter count after sweep = %d, want only the fresh key", kl.Len())
	}
}

func TestCompositeLimiterRequiresAll(t *testing.T) {
	tight := NewTokenBucket(0.1, 1)
	loose := NewSlidingWindow(100, time.Second)
	cl := NewCompositeLimiter(tight, loose)
	ctx := context.Background()

	if ok, _ := cl.Acquire(ctx, 1, false); !ok {
		t.Fatal("first composite acquire should succeed")
	}
	if ok, _ := cl.Acquire(ctx, 1, false); ok {
		t.Fatal("composite must reject when any member is exhausted")
	}

	if wait := cl.WaitTime(1); wait <= 0 {
		t.Errorf("WaitTime = %v, want the tight bucket's positive wait", wait)
	}
}

func TestCompositeAcquireAtomicUnderContention(t *testing.T) {
	wide := NewTokenBucket(0.001, 2)
	narrow := NewTokenBucket(0.001, 1)
	cl := NewCompositeLimiter(wide, narrow)
	ctx := context.Background()

	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := cl.Acquire(ctx, 1, false)
			if err != nil {
				t.Errorf("acquire error: %v", err)
			}
			if ok {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := granted.Load(); got != 1 {
		t.Fatalf("granted = %d, want exactly 1", got)
	}
	// Denied composite acquires must not have consumed member permits:
	// the wide bucket still holds its second token.
	if ok, _ := wide.Acquire(ctx, 1, false); !ok {
		t.Error("denied composite acquires leaked a permit from the wide bucket")
	}
}

func TestCompositeWaitTimeReportsMax(t *testing.T) {
	slow := NewTokenBucket(1, 1)
	fast := NewTokenBucket(1000, 1)
	ctx := context.Background()
	slow.Acquire(ctx, 1, false)
	fast.Acquire(ctx, 1, false)

	cl := NewCompositeLimiter(slow, fast)
	wait := cl.WaitTime(1)
	if wait < 500*time.Millisecond {
		t.Errorf("WaitTime = %v, want the slow bucket to dominate", wait)
	}
}
