package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPolicy_Delays_DoublesAndCaps(t *testing.T) {
	p := Policy{Base: time.Second, Cap: 4 * time.Second, MaxAttempts: 5}

	delays := p.Delays()
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second}

	if len(delays) != len(want) {
		t.Fatalf("Expected %d delays, got %d", len(want), len(delays))
	}
	for i, d := range delays {
		if d != want[i] {
			t.Errorf("Delay %d: expected %v, got %v", i, want[i], d)
		}
	}
}

func TestPolicy_Delays_SingleAttempt(t *testing.T) {
	p := Policy{Base: time.Second, MaxAttempts: 1}
	if delays := p.Delays(); len(delays) != 0 {
		t.Errorf("Expected no delays for single attempt, got %d", len(delays))
	}
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	p := Policy{Base: time.Millisecond, Cap: time.Millisecond, MaxAttempts: 3}

	calls := 0
	err := Retry(context.Background(), p, func(attempt int) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, nil)

	if err != nil {
		t.Fatalf("Expected success, got: %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	p := Policy{Base: time.Millisecond, Cap: time.Millisecond, MaxAttempts: 3}

	failure := errors.New("still broken")
	calls := 0
	err := Retry(context.Background(), p, func(attempt int) error {
		calls++
		return failure
	}, nil)

	if !errors.Is(err, failure) {
		t.Fatalf("Expected last error, got: %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

func TestRetry_StopsOnPermanentError(t *testing.T) {
	p := Policy{Base: time.Millisecond, Cap: time.Millisecond, MaxAttempts: 5}

	fatal := errors.New("fatal")
	calls := 0
	err := Retry(context.Background(), p, func(attempt int) error {
		calls++
		return fatal
	}, func(err error) bool { return errors.Is(err, fatal) })

	if !errors.Is(err, fatal) {
		t.Fatalf("Expected fatal error, got: %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}

func TestRetry_RespectsContextCancellation(t *testing.T) {
	p := Policy{Base: time.Hour, Cap: time.Hour, MaxAttempts: 3}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := Retry(ctx, p, func(attempt int) error {
		return errors.New("transient")
	}, nil)

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got: %v", err)
	}
}
