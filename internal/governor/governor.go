// Package governor wraps outbound calls to a local service with a
// per-call timeout, deduplication of identical in-flight operations and
// a circuit breaker that fails fast after repeated failures.
package governor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"modelstack/internal/logging"
)

// CircuitOpenError is returned without attempting the call while the
// breaker is open and the cooldown has not elapsed.
type CircuitOpenError struct {
	Service string
	RetryAt time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("%s: circuit open, retry after %s", e.Service, e.RetryAt.Format(time.RFC3339))
}

// TimeoutError is returned when a call exceeds the governor's deadline.
// It counts as a circuit breaker failure.
type TimeoutError struct {
	Service string
	Key     string
	After   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: operation %q timed out after %s", e.Service, e.Key, e.After)
}

// Health is a snapshot of the service's breaker state.
type Health struct {
	ConsecutiveFailures int
	LastCheck           time.Time
	CircuitOpen         bool
}

// CallOptions adjusts a single Execute call.
type CallOptions struct {
	// Timeout overrides the governor default when positive.
	Timeout time.Duration
	// NoDedupe starts a fresh physical call even when one with the same
	// key is in flight.
	NoDedupe bool
}

// Governor owns the breaker state for one local service. All health
// mutation happens inside Execute; callers observe it via HealthSnapshot.
type Governor struct {
	service   string
	threshold int
	cooldown  time.Duration
	timeout   time.Duration
	logger    *logging.Logger
	now       func() time.Time

	mu        sync.Mutex
	failures  int
	lastCheck time.Time
	open      bool
	probing   bool

	flight singleflight.Group
}

// NewGovernor creates a governor for the named service.
func NewGovernor(service string, threshold int, cooldown, timeout time.Duration, logger *logging.Logger) *Governor {
	return &Governor{
		service:   service,
		threshold: threshold,
		cooldown:  cooldown,
		timeout:   timeout,
		logger:    logger,
		now:       time.Now,
	}
}

// Execute runs fn under the governor's timeout, breaker and dedup rules.
// Concurrent calls sharing key observe a single physical invocation of fn
// and its outcome; health is updated exactly once per physical call.
func Execute[T any](ctx context.Context, g *Governor, key string, fn func(context.Context) (T, error), opts CallOptions) (T, error) {
	var zero T

	result, err := g.do(ctx, key, opts, func(callCtx context.Context) (interface{}, error) {
		return fn(callCtx)
	})
	if err != nil {
		return zero, err
	}

	typed, ok := result.(T)
	if !ok {
		return zero, fmt.Errorf("%s: unexpected result type for operation %q", g.service, key)
	}
	return typed, nil
}

func (g *Governor) do(ctx context.Context, key string, opts CallOptions, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	if err := g.allow(); err != nil {
		return nil, err
	}

	timeout := g.timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}

	run := func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		result, err := fn(callCtx)
		err = g.classify(key, timeout, callCtx, err)
		g.record(key, err)
		return result, err
	}

	if opts.NoDedupe {
		return run()
	}

	result, err, shared := g.flight.Do(key, run)
	if shared {
		g.logger.Debug("governor.deduped", "Joined in-flight operation", map[string]interface{}{
			"service": g.service,
			"key":     key,
		})
	}
	return result, err
}

// allow rejects fast while the breaker is open inside the cooldown window.
// Once the cooldown elapses a single probe call is let through; the breaker
// only closes again when that probe succeeds.
func (g *Governor) allow() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.open {
		return nil
	}

	retryAt := g.lastCheck.Add(g.cooldown)
	if g.now().Before(retryAt) || g.probing {
		return &CircuitOpenError{Service: g.service, RetryAt: retryAt}
	}

	g.probing = true
	g.logger.Info("governor.half_open", "Cooldown elapsed, probing service", map[string]interface{}{
		"service": g.service,
	})
	return nil
}

// classify converts deadline expiry into the governor's own taxonomy.
func (g *Governor) classify(key string, timeout time.Duration, callCtx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && callCtx.Err() == context.DeadlineExceeded {
		return &TimeoutError{Service: g.service, Key: key, After: timeout}
	}
	return err
}

// record updates breaker state exactly once for a completed physical call.
func (g *Governor) record(key string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.lastCheck = g.now()
	g.probing = false

	if err == nil {
		if g.open || g.failures > 0 {
			g.logger.Info("governor.recovered", "Service call succeeded, closing circuit", map[string]interface{}{
				"service": g.service,
			})
		}
		g.failures = 0
		g.open = false
		return
	}

	g.failures++
	if g.failures >= g.threshold && !g.open {
		g.open = true
		g.logger.Error("governor.circuit_opened", "Consecutive failures reached threshold", map[string]interface{}{
			"service":  g.service,
			"failures": g.failures,
			"key":      key,
		})
	}
}

// HealthSnapshot returns the current breaker state.
func (g *Governor) HealthSnapshot() Health {
	g.mu.Lock()
	defer g.mu.Unlock()

	return Health{
		ConsecutiveFailures: g.failures,
		LastCheck:           g.lastCheck,
		CircuitOpen:         g.open,
	}
}

// Reset clears breaker state. Used when a service is deliberately restarted.
func (g *Governor) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.failures = 0
	g.open = false
	g.probing = false
}

// SetClock replaces the time source. Tests only.
func (g *Governor) SetClock(now func() time.Time) {
	g.now = now
}
