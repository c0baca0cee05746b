// Package supervisor owns the lifecycle of one local inference service:
// install, start, health, stop, model pulls and warm-up, with every
// outbound call routed through the request governor.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"modelstack/internal/config"
	"modelstack/internal/download"
	"modelstack/internal/governor"
	"modelstack/internal/logging"
	"modelstack/internal/warmup"
)

// State is the supervisor's lifecycle position.
type State string

const (
	StateNotInstalled State = "not_installed"
	StateInstalling   State = "installing"
	StateStopped      State = "stopped"
	StateStarting     State = "starting"
	StateRunning      State = "running"
	StateStopping     State = "stopping"
	StateFailed       State = "failed"
)

// StartupTimeoutError is returned when the service process launches but
// never turns healthy within the startup window.
type StartupTimeoutError struct {
	Service string
	After   time.Duration
}

func (e *StartupTimeoutError) Error() string {
	return fmt.Sprintf("%s did not become healthy within %s", e.Service, e.After)
}

// ServiceStatus is the externally visible snapshot of one service.
type ServiceStatus struct {
	Name    string          `json:"name"`
	State   State           `json:"state"`
	Health  HealthStatus    `json:"health"`
	Breaker governor.Health `json:"breaker"`
	Message string          `json:"message,omitempty"`
}

// Supervisor manages a single local service instance.
type Supervisor struct {
	name       string
	cfg        config.ServiceConfig
	downloader *download.Downloader
	gov        *governor.Governor
	warm       *warmup.Cache
	models     *ModelTracker
	runtime    Runtime
	logger     *logging.Logger
	binDir     string
	health     HealthCheck

	pollInterval   time.Duration
	startArgs      []string
	lookupArtifact func(service string) (Artifact, error)

	mu    sync.Mutex
	state State
	proc  Process
}

// New creates a supervisor for one service. stateDir hosts installed
// binaries and the per-service model usage file.
func New(name string, cfg config.ServiceConfig, govCfg config.GovernorConfig, warmCooldown time.Duration, downloader *download.Downloader, rt Runtime, stateDir string, logger *logging.Logger) *Supervisor {
	s := &Supervisor{
		name:       name,
		cfg:        cfg,
		downloader: downloader,
		runtime:    rt,
		logger:     logger,
		binDir:     filepath.Join(stateDir, "bin"),
		health:     DefaultHealthCheck(cfg.BaseURL + "/api/tags"),
		gov: governor.NewGovernor(name, govCfg.FailureThreshold,
			time.Duration(govCfg.CooldownSeconds)*time.Second,
			time.Duration(govCfg.TimeoutSeconds)*time.Second, logger),
		models:         NewModelTracker(stateDir, name, logger),
		pollInterval:   500 * time.Millisecond,
		startArgs:      daemonArgs[name],
		lookupArtifact: lookupArtifact,
		state:          StateNotInstalled,
	}
	s.warm = warmup.NewCache(s.primeModel, warmCooldown, logger)
	if s.IsInstalled() {
		s.state = StateStopped
	}
	return s
}

// Name returns the service name.
func (s *Supervisor) Name() string { return s.name }

// Governor exposes the service's request governor for callers routing
// their own operations (inference) through the breaker.
func (s *Supervisor) Governor() *governor.Governor { return s.gov }

// Models exposes the per-service model usage tracker.
func (s *Supervisor) Models() *ModelTracker { return s.models }

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	prev := s.state
	s.state = state
	s.mu.Unlock()

	if prev != state {
		s.logger.Info("supervisor.state", "Service state changed", map[string]interface{}{
			"service": s.name,
			"from":    string(prev),
			"to":      string(state),
		})
	}
}

// installedBinaryPath is where unattended installs place the binary.
func (s *Supervisor) installedBinaryPath() string {
	return filepath.Join(s.binDir, s.cfg.BinaryName)
}

// IsInstalled probes for the service binary: on PATH first, then in the
// supervisor's own bin directory.
func (s *Supervisor) IsInstalled() bool {
	if _, err := s.runtime.LookPath(s.cfg.BinaryName); err == nil {
		return true
	}
	info, err := os.Stat(s.installedBinaryPath())
	return err == nil && !info.IsDir() && info.Mode()&0o111 != 0
}

// Install downloads and places the service binary. Re-invoking after a
// partial failure starts clean; temp files are removed on every exit
// path. Platforms without an unattended path fail fast with remediation.
func (s *Supervisor) Install(ctx context.Context, onProgress download.ProgressFunc) error {
	artifact, err := s.lookupArtifact(s.name)
	if err != nil {
		s.logger.Error("supervisor.install_unsupported", "No unattended install path", map[string]interface{}{
			"service": s.name,
			"error":   err.Error(),
		})
		return err
	}

	s.setState(StateInstalling)
	s.logger.Info("supervisor.install_started", "Installing service", map[string]interface{}{
		"service": s.name,
		"url":     artifact.URL,
	})

	tmpDir, err := os.MkdirTemp("", "modelstack-install-*")
	if err != nil {
		s.setState(StateFailed)
		return fmt.Errorf("creating temp dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			s.logger.Warn("supervisor.install_cleanup_failed", "Temp dir not removed", map[string]interface{}{
				"path":  tmpDir,
				"error": err.Error(),
			})
		}
	}()

	tmpBinary := filepath.Join(tmpDir, s.cfg.BinaryName)
	if err := s.downloader.Download(ctx, artifact.URL, tmpBinary, download.Options{
		ExpectedChecksum: artifact.Checksum,
		OnProgress:       onProgress,
	}); err != nil {
		s.setState(StateFailed)
		return fmt.Errorf("downloading %s: %w", s.name, err)
	}

	if err := os.MkdirAll(s.binDir, 0o750); err != nil {
		s.setState(StateFailed)
		return fmt.Errorf("creating bin dir: %w", err)
	}
	if err := os.Chmod(tmpBinary, 0o755); err != nil { // #nosec G302 -- service binary must be executable
		s.setState(StateFailed)
		return fmt.Errorf("marking binary executable: %w", err)
	}
	if err := os.Rename(tmpBinary, s.installedBinaryPath()); err != nil {
		s.setState(StateFailed)
		return fmt.Errorf("placing binary: %w", err)
	}

	if !s.IsInstalled() {
		s.setState(StateFailed)
		return fmt.Errorf("install postcondition failed for %s", s.name)
	}

	s.setState(StateStopped)
	s.logger.Info("supervisor.install_completed", "Service installed", map[string]interface{}{
		"service": s.name,
		"path":    s.installedBinaryPath(),
	})
	return nil
}

// Start launches the service detached, then polls health until ready or
// the startup timeout elapses.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.State() == StateRunning {
		return nil
	}

	binary := s.cfg.BinaryName
	if path, err := s.runtime.LookPath(binary); err == nil {
		binary = path
	} else {
		binary = s.installedBinaryPath()
	}

	s.setState(StateStarting)
	s.logger.Info("supervisor.starting", "Launching service", map[string]interface{}{
		"service": s.name,
		"binary":  binary,
	})

	proc, err := s.runtime.Start(binary, s.startArgs...)
	if err != nil {
		s.setState(StateFailed)
		return fmt.Errorf("launching %s: %w", s.name, err)
	}
	s.mu.Lock()
	s.proc = proc
	s.mu.Unlock()

	timeout := time.Duration(s.cfg.StartupTimeoutSeconds) * time.Second
	if err := s.awaitHealthy(ctx, timeout); err != nil {
		s.setState(StateFailed)
		return err
	}

	s.gov.Reset()
	s.setState(StateRunning)
	s.logger.Info("supervisor.started", "Service is healthy", map[string]interface{}{
		"service": s.name,
		"pid":     proc.Pid(),
	})
	return nil
}

func (s *Supervisor) awaitHealthy(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if status, err := s.health.Check(ctx); err == nil && status == HealthGreen {
			return nil
		}
		if time.Now().After(deadline) {
			return &StartupTimeoutError{Service: s.name, After: timeout}
		}
		select {
		case <-time.After(s.pollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop shuts the service down. Without force it first waits (bounded)
// for pending warm-ups to settle, then tries a graceful signal before
// escalating to a kill. The warm cache and breaker reset afterwards so
// the next start observes a clean slate.
func (s *Supervisor) Stop(ctx context.Context, force bool) error {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()

	if proc == nil {
		s.invalidateRuntimeState()
		s.setState(StateStopped)
		return nil
	}

	s.setState(StateStopping)
	stopWait := time.Duration(s.cfg.StopTimeoutSeconds) * time.Second

	if !force {
		s.awaitWarmupsSettled(ctx, stopWait)
	}

	graceful := !force
	if graceful {
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			s.logger.Warn("supervisor.sigterm_failed", "Graceful signal failed, escalating", map[string]interface{}{
				"service": s.name,
				"error":   err.Error(),
			})
			graceful = false
		}
	}
	if graceful {
		graceful = s.awaitProcessGone(ctx, stopWait)
	}

	if !graceful {
		s.logger.Warn("supervisor.force_kill", "Forcing service termination", map[string]interface{}{
			"service": s.name,
			"pid":     proc.Pid(),
		})
		if err := proc.Kill(); err != nil {
			s.setState(StateFailed)
			return fmt.Errorf("killing %s: %w", s.name, err)
		}
	}

	s.mu.Lock()
	s.proc = nil
	s.mu.Unlock()

	s.invalidateRuntimeState()
	s.setState(StateStopped)
	s.logger.Info("supervisor.stopped", "Service stopped", map[string]interface{}{
		"service": s.name,
		"forced":  !graceful,
	})
	return nil
}

// invalidateRuntimeState clears every mark that assumed a live daemon.
func (s *Supervisor) invalidateRuntimeState() {
	s.warm.InvalidateAll()
	s.gov.Reset()
}

func (s *Supervisor) awaitWarmupsSettled(ctx context.Context, bound time.Duration) {
	deadline := time.Now().Add(bound)
	for s.warm.InFlight() > 0 {
		if time.Now().After(deadline) {
			s.logger.Warn("supervisor.warmups_abandoned", "Pending warm-ups did not settle before stop", map[string]interface{}{
				"service":   s.name,
				"in_flight": s.warm.InFlight(),
			})
			return
		}
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return
		}
	}
}

// awaitProcessGone reports whether the daemon went away (probe turns
// red) within bound.
func (s *Supervisor) awaitProcessGone(ctx context.Context, bound time.Duration) bool {
	deadline := time.Now().Add(bound)
	for {
		if _, err := s.health.Check(ctx); err != nil {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-time.After(s.pollInterval):
		case <-ctx.Done():
			return false
		}
	}
}

// Status reports the service's current state, probe result and breaker
// snapshot.
func (s *Supervisor) Status(ctx context.Context) ServiceStatus {
	status := ServiceStatus{
		Name:    s.name,
		State:   s.State(),
		Health:  HealthRed,
		Breaker: s.gov.HealthSnapshot(),
	}

	if !s.IsInstalled() {
		status.Message = "service not installed"
		return status
	}

	health, err := s.health.Check(ctx)
	status.Health = health
	if err != nil {
		status.Message = err.Error()
	}
	return status
}

// Repair brings an unhealthy service back: healthy services are left
// alone, otherwise stop (forced) and start again, then recheck.
type RepairResult struct {
	Service       string       `json:"service"`
	Success       bool         `json:"success"`
	HealthBefore  HealthStatus `json:"health_before"`
	HealthAfter   HealthStatus `json:"health_after"`
	SkippedReason string       `json:"skipped_reason,omitempty"`
	ErrorMessage  string       `json:"error_message,omitempty"`
}

func (s *Supervisor) Repair(ctx context.Context) (RepairResult, error) {
	result := RepairResult{Service: s.name, HealthBefore: HealthRed, HealthAfter: HealthRed}

	s.logger.Info("supervisor.repair_started", "Repairing service", map[string]interface{}{
		"service": s.name,
	})

	if health, err := s.health.Check(ctx); err == nil {
		result.HealthBefore = health
	}
	if result.HealthBefore == HealthGreen {
		result.Success = true
		result.HealthAfter = HealthGreen
		result.SkippedReason = "service already healthy"
		return result, nil
	}

	if err := s.Stop(ctx, true); err != nil {
		s.logger.Warn("supervisor.repair_stop_error", "Stop during repair failed, continuing", map[string]interface{}{
			"service": s.name,
			"error":   err.Error(),
		})
	}

	if err := s.Start(ctx); err != nil {
		result.ErrorMessage = err.Error()
		return result, fmt.Errorf("restarting %s during repair: %w", s.name, err)
	}

	if health, err := s.health.Check(ctx); err == nil {
		result.HealthAfter = health
	}
	result.Success = result.HealthAfter == HealthGreen
	if !result.Success {
		result.ErrorMessage = fmt.Sprintf("service health is still %s after repair", result.HealthAfter)
	}

	s.logger.Info("supervisor.repair_completed", "Service repair finished", map[string]interface{}{
		"service":       s.name,
		"success":       result.Success,
		"health_before": string(result.HealthBefore),
		"health_after":  string(result.HealthAfter),
	})
	return result, nil
}
