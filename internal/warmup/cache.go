// Package warmup tracks which models have been primed into the local
// service's memory and coalesces and rate-limits warm-up attempts.
package warmup

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"modelstack/internal/logging"
)

// Primer issues the cheap inference call that forces a model into memory.
type Primer func(ctx context.Context, modelID string) error

// Cache remembers warmed models. Warm-up is an optimization: failures are
// reported as false, never as an error.
type Cache struct {
	primer   Primer
	cooldown time.Duration
	logger   *logging.Logger

	mu       sync.Mutex
	warm     map[string]bool
	limiters map[string]*rate.Limiter
	inflight map[string]bool

	flight singleflight.Group
}

// NewCache creates a warm-up cache. cooldown bounds how often a warm-up
// may be attempted per model.
func NewCache(primer Primer, cooldown time.Duration, logger *logging.Logger) *Cache {
	return &Cache{
		primer:   primer,
		cooldown: cooldown,
		logger:   logger,
		warm:     make(map[string]bool),
		limiters: make(map[string]*rate.Limiter),
		inflight: make(map[string]bool),
	}
}

// WarmUp primes modelID. Returns true when the model is warm, false when
// it is not (primer failure or rate-limited attempt). Concurrent calls
// for the same model share a single primer invocation.
func (c *Cache) WarmUp(ctx context.Context, modelID string, forceRefresh bool) bool {
	c.mu.Lock()

	if c.warm[modelID] && !forceRefresh {
		c.mu.Unlock()
		return true
	}

	c.mu.Unlock()

	// The limiter is consumed inside the flight so that late arrivals
	// landing after an earlier flight finished still pay the cooldown
	// instead of starting a free primer. Callers that join a running
	// flight share its result without consuming a token.
	warmed, _, _ := c.flight.Do(modelID, func() (interface{}, error) {
		c.mu.Lock()
		if !c.limiter(modelID).Allow() {
			c.mu.Unlock()
			c.logger.Debug("warmup.rate_limited", "Warm-up attempt dropped by cooldown", map[string]interface{}{
				"model": modelID,
			})
			return false, nil
		}
		c.inflight[modelID] = true
		c.mu.Unlock()
		defer func() {
			c.mu.Lock()
			delete(c.inflight, modelID)
			c.mu.Unlock()
		}()

		if err := c.primer(ctx, modelID); err != nil {
			c.logger.Warn("warmup.failed", "Model warm-up failed", map[string]interface{}{
				"model": modelID,
				"error": err.Error(),
			})
			return false, nil
		}

		c.mu.Lock()
		c.warm[modelID] = true
		c.mu.Unlock()

		c.logger.Info("warmup.completed", "Model warmed", map[string]interface{}{
			"model": modelID,
		})
		return true, nil
	})

	result, ok := warmed.(bool)
	return ok && result
}

// IsWarm reports whether modelID has been primed since the last invalidation.
func (c *Cache) IsWarm(modelID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.warm[modelID]
}

// InFlight returns the number of warm-up operations currently running.
func (c *Cache) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// InvalidateAll clears every warm mark and attempt limiter. Called when
// the underlying service is detected stopped or unreachable; the next
// warm-up per model goes back to the transport.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.warm = make(map[string]bool)
	c.limiters = make(map[string]*rate.Limiter)

	c.logger.Info("warmup.invalidated", "Warm cache cleared", nil)
}

// limiter returns the per-model attempt limiter. Caller holds the lock.
func (c *Cache) limiter(modelID string) *rate.Limiter {
	lim, ok := c.limiters[modelID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(c.cooldown), 1)
		c.limiters[modelID] = lim
	}
	return lim
}

