package warmup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"modelstack/internal/logging"
)

func testLogger() *logging.Logger {
	return logging.NewLogger(logging.LevelError)
}

func TestWarmUp_MarksModelWarm(t *testing.T) {
	var calls int32
	c := NewCache(func(ctx context.Context, modelID string) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}, time.Minute, testLogger())

	if !c.WarmUp(context.Background(), "llama3", false) {
		t.Fatal("Expected warm-up to succeed")
	}
	if !c.IsWarm("llama3") {
		t.Error("Expected model marked warm")
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("Expected 1 primer call, got %d", n)
	}
}

func TestWarmUp_WarmHitSkipsPrimer(t *testing.T) {
	var calls int32
	c := NewCache(func(ctx context.Context, modelID string) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}, time.Minute, testLogger())

	_ = c.WarmUp(context.Background(), "llama3", false)
	if !c.WarmUp(context.Background(), "llama3", false) {
		t.Fatal("Expected warm hit to return true")
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("Expected primer untouched on warm hit, got %d calls", n)
	}
}

func TestWarmUp_RateLimitedWithinCooldown(t *testing.T) {
	var calls int32
	c := NewCache(func(ctx context.Context, modelID string) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("service not ready")
	}, time.Hour, testLogger())

	if c.WarmUp(context.Background(), "llama3", false) {
		t.Fatal("Expected first attempt to fail")
	}

	// Second attempt inside the cooldown window: dropped without a primer call.
	if c.WarmUp(context.Background(), "llama3", false) {
		t.Fatal("Expected rate-limited attempt to return false")
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("Expected exactly 1 primer call, got %d", n)
	}
}

func TestWarmUp_CooldownIsPerModel(t *testing.T) {
	var calls int32
	c := NewCache(func(ctx context.Context, modelID string) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("not ready")
	}, time.Hour, testLogger())

	_ = c.WarmUp(context.Background(), "llama3", false)
	_ = c.WarmUp(context.Background(), "mistral", false)

	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("Expected one primer call per model, got %d", n)
	}
}

func TestWarmUp_ConcurrentCallsShareOnePrimer(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	c := NewCache(func(ctx context.Context, modelID string) error {
		atomic.AddInt32(&calls, 1)
		<-release
		return nil
	}, time.Hour, testLogger())

	var wg sync.WaitGroup
	results := make([]bool, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.WarmUp(context.Background(), "llama3", false)
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("Expected 1 shared primer call, got %d", n)
	}
	for i, r := range results {
		if !r {
			t.Errorf("Caller %d: expected shared success", i)
		}
	}
}

func TestWarmUp_CallerAfterSharedFlightPaysCooldown(t *testing.T) {
	var calls int32
	entered := make(chan struct{})
	release := make(chan struct{})
	c := NewCache(func(ctx context.Context, modelID string) error {
		atomic.AddInt32(&calls, 1)
		close(entered)
		<-release
		return errors.New("still loading")
	}, time.Hour, testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.WarmUp(context.Background(), "llama3", false)
		}()
	}

	<-entered
	close(release)
	wg.Wait()

	// An attempt arriving after the shared flight settled must go through
	// the limiter, not start a free primer inside the cooldown window.
	if c.WarmUp(context.Background(), "llama3", false) {
		t.Fatal("Expected post-flight attempt to be rate-limited")
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("Expected exactly 1 primer call, got %d", n)
	}
}

func TestWarmUp_FailureReturnsFalseWithoutRetry(t *testing.T) {
	var calls int32
	c := NewCache(func(ctx context.Context, modelID string) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("model not found")
	}, time.Hour, testLogger())

	if c.WarmUp(context.Background(), "ghost", false) {
		t.Fatal("Expected failure to surface as false")
	}
	if c.IsWarm("ghost") {
		t.Error("Failed warm-up must not mark the model warm")
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("Expected no automatic retry, got %d calls", n)
	}
}

func TestInvalidateAll_ResetsWarmStateAndCooldowns(t *testing.T) {
	var calls int32
	c := NewCache(func(ctx context.Context, modelID string) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}, time.Hour, testLogger())

	_ = c.WarmUp(context.Background(), "llama3", false)
	c.InvalidateAll()

	if c.IsWarm("llama3") {
		t.Fatal("Expected warm state cleared")
	}

	// Fresh warm-up goes back to the primer even inside the old cooldown.
	if !c.WarmUp(context.Background(), "llama3", false) {
		t.Fatal("Expected warm-up after invalidation to succeed")
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("Expected 2 primer calls, got %d", n)
	}
}

func TestWarmUp_ForceRefreshBypassesWarmState(t *testing.T) {
	var calls int32
	c := NewCache(func(ctx context.Context, modelID string) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}, time.Millisecond, testLogger())

	_ = c.WarmUp(context.Background(), "llama3", false)
	time.Sleep(5 * time.Millisecond)

	if !c.WarmUp(context.Background(), "llama3", true) {
		t.Fatal("Expected forced refresh to succeed")
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("Expected forced refresh to call primer again, got %d calls", n)
	}
}
