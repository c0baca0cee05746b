package governor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"modelstack/internal/logging"
)

func testGovernor(threshold int, cooldown time.Duration) *Governor {
	return NewGovernor("ollama", threshold, cooldown, time.Second, logging.NewLogger(logging.LevelError))
}

func TestExecute_Success(t *testing.T) {
	g := testGovernor(3, 30*time.Second)

	result, err := Execute(context.Background(), g, "health", func(ctx context.Context) (string, error) {
		return "ok", nil
	}, CallOptions{})
	if err != nil {
		t.Fatalf("Expected success, got: %v", err)
	}
	if result != "ok" {
		t.Errorf("Expected 'ok', got %q", result)
	}

	health := g.HealthSnapshot()
	if health.ConsecutiveFailures != 0 || health.CircuitOpen {
		t.Errorf("Expected clean health, got %+v", health)
	}
}

func TestExecute_CircuitOpensAfterThreshold(t *testing.T) {
	g := testGovernor(3, 30*time.Second)

	transport := int32(0)
	failing := func(ctx context.Context) (string, error) {
		atomic.AddInt32(&transport, 1)
		return "", errors.New("connection refused")
	}

	for i := 0; i < 3; i++ {
		if _, err := Execute(context.Background(), g, "health", failing, CallOptions{NoDedupe: true}); err == nil {
			t.Fatal("Expected failure")
		}
	}

	health := g.HealthSnapshot()
	if !health.CircuitOpen {
		t.Fatal("Expected circuit open after threshold failures")
	}
	if health.ConsecutiveFailures < 3 {
		t.Errorf("Invariant violated: circuit open with %d failures", health.ConsecutiveFailures)
	}

	// Next call fails fast without touching the transport.
	before := atomic.LoadInt32(&transport)
	_, err := Execute(context.Background(), g, "health", failing, CallOptions{NoDedupe: true})

	var openErr *CircuitOpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("Expected CircuitOpenError, got: %v", err)
	}
	if atomic.LoadInt32(&transport) != before {
		t.Error("Transport must not be invoked while circuit is open")
	}
}

func TestExecute_CircuitHalfOpensAfterCooldown(t *testing.T) {
	g := testGovernor(2, 30*time.Second)

	now := time.Now()
	g.SetClock(func() time.Time { return now })

	failing := func(ctx context.Context) (string, error) {
		return "", errors.New("down")
	}
	for i := 0; i < 2; i++ {
		_, _ = Execute(context.Background(), g, "health", failing, CallOptions{NoDedupe: true})
	}
	if !g.HealthSnapshot().CircuitOpen {
		t.Fatal("Expected circuit open")
	}

	// Advance past cooldown: a probe is attempted and succeeds, closing the circuit.
	now = now.Add(31 * time.Second)
	probed := false
	result, err := Execute(context.Background(), g, "health", func(ctx context.Context) (string, error) {
		probed = true
		return "recovered", nil
	}, CallOptions{NoDedupe: true})
	if err != nil {
		t.Fatalf("Expected probe success, got: %v", err)
	}
	if !probed {
		t.Fatal("Expected transport probe after cooldown")
	}
	if result != "recovered" {
		t.Errorf("Expected 'recovered', got %q", result)
	}

	health := g.HealthSnapshot()
	if health.CircuitOpen || health.ConsecutiveFailures != 0 {
		t.Errorf("Expected circuit closed after successful probe, got %+v", health)
	}
}

func TestExecute_HalfOpenAdmitsSingleProbe(t *testing.T) {
	g := testGovernor(2, 30*time.Second)

	now := time.Now()
	g.SetClock(func() time.Time { return now })

	failing := func(ctx context.Context) (string, error) {
		return "", errors.New("down")
	}
	for i := 0; i < 2; i++ {
		_, _ = Execute(context.Background(), g, "health", failing, CallOptions{NoDedupe: true})
	}

	// Past the cooldown, the first caller becomes the probe and holds the
	// slot; a concurrent caller must fail fast, not pile onto the service.
	now = now.Add(31 * time.Second)

	probeEntered := make(chan struct{})
	probeRelease := make(chan struct{})
	probeDone := make(chan error, 1)
	go func() {
		_, err := Execute(context.Background(), g, "health", func(ctx context.Context) (string, error) {
			close(probeEntered)
			<-probeRelease
			return "recovered", nil
		}, CallOptions{NoDedupe: true})
		probeDone <- err
	}()

	<-probeEntered
	_, err := Execute(context.Background(), g, "health", failing, CallOptions{NoDedupe: true})
	var openErr *CircuitOpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("Expected CircuitOpenError while probe in flight, got: %v", err)
	}

	close(probeRelease)
	if err := <-probeDone; err != nil {
		t.Fatalf("Expected probe success, got: %v", err)
	}
	if g.HealthSnapshot().CircuitOpen {
		t.Error("Expected circuit closed after successful probe")
	}

	// The probe slot frees once the call settles.
	if _, err := Execute(context.Background(), g, "health", func(ctx context.Context) (string, error) {
		return "ok", nil
	}, CallOptions{NoDedupe: true}); err != nil {
		t.Errorf("Expected call after recovery to succeed, got: %v", err)
	}
}

func TestExecute_FailedProbeKeepsCircuitOpen(t *testing.T) {
	g := testGovernor(2, 30*time.Second)

	now := time.Now()
	g.SetClock(func() time.Time { return now })

	failing := func(ctx context.Context) (string, error) {
		return "", errors.New("down")
	}
	for i := 0; i < 2; i++ {
		_, _ = Execute(context.Background(), g, "health", failing, CallOptions{NoDedupe: true})
	}

	now = now.Add(31 * time.Second)
	if _, err := Execute(context.Background(), g, "health", failing, CallOptions{NoDedupe: true}); err == nil {
		t.Fatal("Expected probe failure")
	}

	if !g.HealthSnapshot().CircuitOpen {
		t.Error("Expected circuit to stay open after failed probe")
	}

	// Still inside the fresh cooldown window: fail fast again.
	now = now.Add(time.Second)
	_, err := Execute(context.Background(), g, "health", failing, CallOptions{NoDedupe: true})
	var openErr *CircuitOpenError
	if !errors.As(err, &openErr) {
		t.Errorf("Expected CircuitOpenError inside new cooldown, got: %v", err)
	}
}

func TestExecute_Timeout(t *testing.T) {
	g := NewGovernor("ollama", 3, 30*time.Second, 20*time.Millisecond, logging.NewLogger(logging.LevelError))

	_, err := Execute(context.Background(), g, "chat", func(ctx context.Context) (string, error) {
		select {
		case <-time.After(time.Second):
			return "too late", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}, CallOptions{})

	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("Expected TimeoutError, got: %v", err)
	}

	if g.HealthSnapshot().ConsecutiveFailures != 1 {
		t.Error("Timeout must count as a circuit breaker failure")
	}
}

func TestExecute_DeduplicatesConcurrentCalls(t *testing.T) {
	g := testGovernor(3, 30*time.Second)

	var transport int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := Execute(context.Background(), g, "tags", func(ctx context.Context) (string, error) {
				atomic.AddInt32(&transport, 1)
				<-release
				return "models", nil
			}, CallOptions{})
			if err != nil {
				t.Errorf("Call %d failed: %v", i, err)
				return
			}
			results[i] = result
		}(i)
	}

	// Let all callers attach before releasing the single physical call.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := atomic.LoadInt32(&transport); n != 1 {
		t.Errorf("Expected exactly 1 physical call, got %d", n)
	}
	for i, r := range results {
		if r != "models" {
			t.Errorf("Caller %d: expected shared result, got %q", i, r)
		}
	}

	// Exactly one health update for the shared call.
	if g.HealthSnapshot().ConsecutiveFailures != 0 {
		t.Error("Expected zero failures after shared success")
	}
}

func TestExecute_DifferentKeysRunConcurrently(t *testing.T) {
	g := testGovernor(3, 30*time.Second)

	var transport int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	for _, key := range []string{"warmup_a", "warmup_b"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			_, _ = Execute(context.Background(), g, key, func(ctx context.Context) (bool, error) {
				atomic.AddInt32(&transport, 1)
				<-release
				return true, nil
			}, CallOptions{})
		}(key)
	}

	time.Sleep(50 * time.Millisecond)
	if n := atomic.LoadInt32(&transport); n != 2 {
		t.Errorf("Expected 2 physical calls for distinct keys, got %d", n)
	}
	close(release)
	wg.Wait()
}
