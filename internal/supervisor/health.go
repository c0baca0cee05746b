package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// HealthStatus grades a service's reachability.
type HealthStatus string

const (
	HealthGreen  HealthStatus = "green"
	HealthYellow HealthStatus = "yellow"
	HealthRed    HealthStatus = "red"
)

// HealthCheck probes a service's HTTP endpoint.
type HealthCheck struct {
	URL            string
	Timeout        time.Duration
	ExpectedStatus int
}

// DefaultHealthCheck returns the standard probe configuration for url.
func DefaultHealthCheck(url string) HealthCheck {
	return HealthCheck{
		URL:            url,
		Timeout:        10 * time.Second,
		ExpectedStatus: http.StatusOK,
	}
}

// Check performs one probe.
func (hc HealthCheck) Check(ctx context.Context) (HealthStatus, error) {
	client := &http.Client{Timeout: hc.Timeout}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hc.URL, nil)
	if err != nil {
		return HealthRed, fmt.Errorf("building health request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return HealthRed, fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != hc.ExpectedStatus {
		return HealthYellow, fmt.Errorf("unexpected status code: got %d, want %d", resp.StatusCode, hc.ExpectedStatus)
	}
	return HealthGreen, nil
}

// CheckWithRetries probes until green or maxRetries attempts elapse.
func (hc HealthCheck) CheckWithRetries(ctx context.Context, maxRetries int, retryDelay time.Duration) (HealthStatus, error) {
	var lastErr error

	for i := 0; i < maxRetries; i++ {
		status, err := hc.Check(ctx)
		if err == nil && status == HealthGreen {
			return HealthGreen, nil
		}
		lastErr = err

		if i < maxRetries-1 {
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
				return HealthRed, ctx.Err()
			}
		}
	}
	return HealthRed, fmt.Errorf("health check failed after %d retries: %w", maxRetries, lastErr)
}
