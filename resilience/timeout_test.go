package resilience

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ryansmccoy/spine-core-sub006/core"
)

func TestTimeoutCompletesWithinDeadline(t *testing.T) {
	err := Timeout(context.Background(), time.Second, func(ctx context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTimeoutPropagatesHandlerError(t *testing.T) {
	boom := errors.New("handler failed")
	err := Timeout(context.Background(), time.Second, func(ctx context.Context) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want handler error", err)
	}
}

func TestTimeoutExpiry(t *testing.T) {
	start := time.Now()
	err := Timeout(context.Background(), 20*time.Millisecond, func(ctx context.Context) error {
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if got := core.CategoryOf(err); got != core.CategoryTimeout {
		t.Errorf("category = %s, want TIMEOUT", got)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded in the chain", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Timeout returned after %v, should not wait for the handler", elapsed)
	}
}

func TestTimeoutCancelsHandlerContext(t *testing.T) {
	sawCancel := make(chan struct{})
	_ = Timeout(context.Background(), 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		close(sawCancel)
		return ctx.Err()
	})

	select {
	case <-sawCancel:
	case <-time.After(time.Second):
		t.Fatal("handler context was never cancelled")
	}
}

func TestTimeoutZeroRunsWithoutDeadline(t *testing.T) {
	err := Timeout(context.Background(), 0, func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); ok {
			t.Error("zero duration should not install a deadline")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTimeoutParentCancellationIsNotTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := Timeout(ctx, time.Second, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want Canceled", err)
	}
	if got := core.CategoryOf(err); got == core.CategoryTimeout {
		t.Error("parent cancellation must not be reported as a timeout")
	}
}

func TestTimeoutResultReturnsValue(t *testing.T) {
	value, err := TimeoutResult(context.Background(), time.Second, func(ctx context.Context) (interface{}, error) {
		return "payload", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if value != "payload" {
		t.Errorf("value = %v, want payload", value)
	}
}

func TestTimeoutRecoversPanic(t *testing.T) {
	err := Timeout(context.Background(), time.Second, func(ctx context.Context) error {
		panic("kaboom")
	})
	if err == nil {
		t.Fatal("expected error from panic")
	}
	if !strings.Contains(err.Error(), "panic") {
		t.Errorf("err = %v, want panic conversion", err)
	}
}
