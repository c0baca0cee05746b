package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"modelstack/internal/backoff"
	"modelstack/internal/config"
	"modelstack/internal/download"
	"modelstack/internal/logging"
)

// fakeDaemon simulates the local inference service's HTTP surface.
type fakeDaemon struct {
	mu        sync.Mutex
	healthy   bool
	models    []string
	chatCalls int
	pullLines []map[string]interface{}
}

func (d *fakeDaemon) setHealthy(v bool) {
	d.mu.Lock()
	d.healthy = v
	d.mu.Unlock()
}

func (d *fakeDaemon) addModel(name string) {
	d.mu.Lock()
	d.models = append(d.models, name)
	d.mu.Unlock()
}

func (d *fakeDaemon) chatCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.chatCalls
}

func (d *fakeDaemon) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		defer d.mu.Unlock()
		if !d.healthy {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		models := make([]map[string]interface{}, 0, len(d.models))
		for _, name := range d.models {
			models = append(models, map[string]interface{}{
				"name": name, "size": int64(1 << 30), "modified_at": time.Now().UTC(),
			})
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"models": models})
	})
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		defer d.mu.Unlock()
		if !d.healthy {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		d.chatCalls++
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"done": true})
	})
	mux.HandleFunc("/api/delete", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		if !d.healthy {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		models := d.models[:0]
		for _, name := range d.models {
			if name != body.Name {
				models = append(models, name)
			}
		}
		d.models = models
	})
	mux.HandleFunc("/api/pull", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name string `json:"name"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		d.mu.Lock()
		lines := d.pullLines
		d.mu.Unlock()
		enc := json.NewEncoder(w)
		sawSuccess := false
		for _, line := range lines {
			_ = enc.Encode(line)
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
			if line["status"] == "success" {
				sawSuccess = true
			}
		}
		if sawSuccess {
			d.addModel(req.Name)
		}
	})
	return mux
}

// fakeRuntime flips the daemon healthy on start instead of spawning a
// real process.
type fakeRuntime struct {
	daemon       *fakeDaemon
	startHealthy bool

	mu       sync.Mutex
	launches int
}

type fakeProcess struct {
	daemon *fakeDaemon
}

func (p *fakeProcess) Pid() int { return 4242 }

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.daemon.setHealthy(false)
	return nil
}

func (p *fakeProcess) Kill() error {
	p.daemon.setHealthy(false)
	return nil
}

func (r *fakeRuntime) LookPath(binary string) (string, error) {
	return "", errors.New("not on PATH")
}

func (r *fakeRuntime) Start(binary string, args ...string) (Process, error) {
	r.mu.Lock()
	r.launches++
	r.mu.Unlock()
	if r.startHealthy {
		r.daemon.setHealthy(true)
	}
	return &fakeProcess{daemon: r.daemon}, nil
}

func newTestSupervisor(t *testing.T, daemon *fakeDaemon, rt Runtime) (*Supervisor, string) {
	t.Helper()

	server := httptest.NewServer(daemon.handler())
	t.Cleanup(server.Close)

	stateDir := t.TempDir()
	logger := logging.NewLogger(logging.LevelError)
	dl := download.NewDownloader(backoff.Policy{Base: time.Millisecond, Cap: time.Millisecond, MaxAttempts: 3}, logger)

	cfg := config.ServiceConfig{
		BaseURL:               server.URL,
		BinaryName:            "fake-daemon",
		StartupTimeoutSeconds: 2,
		StopTimeoutSeconds:    1,
	}
	govCfg := config.GovernorConfig{FailureThreshold: 3, CooldownSeconds: 30, TimeoutSeconds: 5}

	s := New("ollama", cfg, govCfg, time.Hour, dl, rt, stateDir, logger)
	s.pollInterval = 10 * time.Millisecond
	return s, stateDir
}

func TestInstall_UnsupportedPlatformFailsFast(t *testing.T) {
	daemon := &fakeDaemon{}
	s, _ := newTestSupervisor(t, daemon, &fakeRuntime{daemon: daemon})
	s.lookupArtifact = func(service string) (Artifact, error) {
		return Artifact{}, &UnsupportedPlatformError{Service: service, Platform: "plan9/386", Hint: "install manually"}
	}

	err := s.Install(context.Background(), nil)
	var unsupported *UnsupportedPlatformError
	if !errors.As(err, &unsupported) {
		t.Fatalf("Expected UnsupportedPlatformError, got: %v", err)
	}
}

func TestInstall_PlacesExecutableBinary(t *testing.T) {
	artifactServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("#!/bin/sh\nexit 0\n"))
	}))
	defer artifactServer.Close()

	daemon := &fakeDaemon{}
	s, _ := newTestSupervisor(t, daemon, &fakeRuntime{daemon: daemon})
	s.lookupArtifact = func(service string) (Artifact, error) {
		return Artifact{URL: artifactServer.URL}, nil
	}

	if s.IsInstalled() {
		t.Fatal("Expected service not installed before install")
	}
	if err := s.Install(context.Background(), nil); err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	if !s.IsInstalled() {
		t.Error("Expected IsInstalled after install")
	}
	if s.State() != StateStopped {
		t.Errorf("Expected stopped state after install, got %s", s.State())
	}

	info, err := os.Stat(s.installedBinaryPath())
	if err != nil {
		t.Fatalf("Expected binary on disk: %v", err)
	}
	if info.Mode()&0o111 == 0 {
		t.Error("Expected binary to be executable")
	}
}

func TestStart_PollsUntilHealthy(t *testing.T) {
	daemon := &fakeDaemon{}
	rt := &fakeRuntime{daemon: daemon, startHealthy: true}
	s, _ := newTestSupervisor(t, daemon, rt)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if s.State() != StateRunning {
		t.Errorf("Expected running state, got %s", s.State())
	}
}

func TestStart_TimesOutWhenNeverHealthy(t *testing.T) {
	daemon := &fakeDaemon{}
	rt := &fakeRuntime{daemon: daemon, startHealthy: false}
	s, _ := newTestSupervisor(t, daemon, rt)
	s.cfg.StartupTimeoutSeconds = 1

	err := s.Start(context.Background())
	var timeoutErr *StartupTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("Expected StartupTimeoutError, got: %v", err)
	}
	if s.State() != StateFailed {
		t.Errorf("Expected failed state, got %s", s.State())
	}
}

func TestStop_ClearsWarmCacheAndFreshWarmupHitsTransport(t *testing.T) {
	daemon := &fakeDaemon{}
	rt := &fakeRuntime{daemon: daemon, startHealthy: true}
	s, _ := newTestSupervisor(t, daemon, rt)

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if !s.WarmUp(ctx, "llama3", false) {
		t.Fatal("Expected warm-up to succeed against healthy daemon")
	}
	if !s.IsWarm("llama3") {
		t.Fatal("Expected model marked warm")
	}
	if daemon.chatCount() != 1 {
		t.Fatalf("Expected 1 warm-up transport call, got %d", daemon.chatCount())
	}

	if err := s.Stop(ctx, false); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if s.IsWarm("llama3") {
		t.Fatal("Expected warm cache cleared on stop")
	}

	// Fresh warm-up must go back to the transport.
	daemon.setHealthy(true)
	if !s.WarmUp(ctx, "llama3", false) {
		t.Fatal("Expected fresh warm-up to succeed")
	}
	if daemon.chatCount() != 2 {
		t.Errorf("Expected a second transport call after invalidation, got %d", daemon.chatCount())
	}
}

func TestPullModel_NormalizesProgressAndRequiresSuccessMarker(t *testing.T) {
	daemon := &fakeDaemon{healthy: true}
	daemon.pullLines = []map[string]interface{}{
		{"status": "pulling manifest"},
		{"status": "downloading", "completed": 5, "total": 100},
		{"status": "downloading", "completed": 10, "total": 100},
		{"status": "downloading", "completed": 50, "total": 100},
		{"status": "downloading", "completed": 90, "total": 100},
		{"status": "success"},
	}
	s, _ := newTestSupervisor(t, daemon, &fakeRuntime{daemon: daemon})

	var mu sync.Mutex
	var percents []float64
	err := s.PullModel(context.Background(), "modelA", func(stage string, percent float64) {
		mu.Lock()
		percents = append(percents, percent)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("PullModel failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(percents) == 0 {
		t.Fatal("Expected progress reports")
	}
	if final := percents[len(percents)-1]; final != 100 {
		t.Errorf("Expected final progress 100, got %v", final)
	}
	for i := 1; i < len(percents); i++ {
		if percents[i] < percents[i-1] {
			t.Errorf("Progress went backwards: %v", percents)
			break
		}
	}

	// The daemon now reports the model installed.
	found := false
	for _, m := range s.InstalledModels(context.Background()) {
		if m.ID == "modelA" && m.Installed {
			found = true
		}
	}
	if !found {
		t.Error("Expected modelA in installed models after pull")
	}
}

func TestLifecycle_InstallStartPullAndList(t *testing.T) {
	artifactServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("#!/bin/sh\nexit 0\n"))
	}))
	defer artifactServer.Close()

	daemon := &fakeDaemon{}
	daemon.pullLines = []map[string]interface{}{
		{"status": "downloading", "completed": 5, "total": 100},
		{"status": "downloading", "completed": 10, "total": 100},
		{"status": "downloading", "completed": 50, "total": 100},
		{"status": "downloading", "completed": 90, "total": 100},
		{"status": "success"},
	}
	rt := &fakeRuntime{daemon: daemon, startHealthy: true}
	s, _ := newTestSupervisor(t, daemon, rt)
	s.lookupArtifact = func(service string) (Artifact, error) {
		return Artifact{URL: artifactServer.URL}, nil
	}

	ctx := context.Background()
	if s.IsInstalled() {
		t.Fatal("Expected service not installed initially")
	}

	if err := s.Install(ctx, nil); err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	if !s.IsInstalled() {
		t.Fatal("Expected IsInstalled after install")
	}

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if s.State() != StateRunning {
		t.Fatalf("Expected running state, got %s", s.State())
	}

	var mu sync.Mutex
	var percents []float64
	if err := s.PullModel(ctx, "llama3:8b", func(stage string, percent float64) {
		mu.Lock()
		percents = append(percents, percent)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("PullModel failed: %v", err)
	}

	mu.Lock()
	if len(percents) == 0 || percents[len(percents)-1] != 100 {
		t.Errorf("Expected progress ending at 100, got %v", percents)
	}
	mu.Unlock()

	found := false
	for _, m := range s.InstalledModels(ctx) {
		if m.ID == "llama3:8b" && m.Installed {
			found = true
		}
	}
	if !found {
		t.Error("Expected pulled model in installed listing")
	}
}

func TestPullModel_StreamEndWithoutSuccessFails(t *testing.T) {
	daemon := &fakeDaemon{healthy: true}
	daemon.pullLines = []map[string]interface{}{
		{"status": "downloading", "completed": 50, "total": 100},
	}
	s, _ := newTestSupervisor(t, daemon, &fakeRuntime{daemon: daemon})

	if err := s.PullModel(context.Background(), "modelA", nil); err == nil {
		t.Fatal("Expected failure when stream ends without success marker")
	}

	// Partial progress state is cleared for a clean retry.
	models, err := s.Models().OldestFirst()
	if err != nil {
		t.Fatalf("OldestFirst failed: %v", err)
	}
	for _, m := range models {
		if m.ID == "modelA" {
			t.Error("Expected partial pull record removed")
		}
	}
}

func TestPullModel_ErrorEventFails(t *testing.T) {
	daemon := &fakeDaemon{healthy: true}
	daemon.pullLines = []map[string]interface{}{
		{"status": "downloading", "completed": 10, "total": 100},
		{"error": "manifest not found"},
	}
	s, _ := newTestSupervisor(t, daemon, &fakeRuntime{daemon: daemon})

	err := s.PullModel(context.Background(), "ghost", nil)
	if err == nil {
		t.Fatal("Expected pull error to propagate")
	}
}

func TestInstalledModels_EmptyListOnFailure(t *testing.T) {
	daemon := &fakeDaemon{healthy: false}
	s, _ := newTestSupervisor(t, daemon, &fakeRuntime{daemon: daemon})

	models := s.InstalledModels(context.Background())
	if models == nil {
		t.Fatal("Expected empty list, not nil")
	}
	if len(models) != 0 {
		t.Errorf("Expected no models from unreachable daemon, got %d", len(models))
	}
}

func TestModelTracker_EvictionOrderAndStats(t *testing.T) {
	tracker := NewModelTracker(t.TempDir(), "ollama", logging.NewLogger(logging.LevelError))

	tracker.Sync([]ModelDescriptor{
		{ID: "old", SizeBytes: 100},
		{ID: "fresh", SizeBytes: 200},
	})
	time.Sleep(5 * time.Millisecond)
	tracker.Touch("fresh")

	models, err := tracker.OldestFirst()
	if err != nil {
		t.Fatalf("OldestFirst failed: %v", err)
	}
	if len(models) != 2 || models[0].ID != "old" {
		t.Errorf("Expected 'old' first in eviction order, got %+v", models)
	}

	stats, err := tracker.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.ModelCount != 2 || stats.TotalSize != 300 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
	if stats.Oldest == nil || stats.Oldest.ID != "old" {
		t.Errorf("Expected oldest=old, got %+v", stats.Oldest)
	}
}

func TestEvictOldest_DeletesLeastRecentlyUsedModel(t *testing.T) {
	daemon := &fakeDaemon{healthy: true}
	daemon.addModel("old")
	daemon.addModel("fresh")
	s, _ := newTestSupervisor(t, daemon, &fakeRuntime{daemon: daemon})

	// Seed the tracker from the daemon, then make "fresh" more recent.
	if got := s.InstalledModels(context.Background()); len(got) != 2 {
		t.Fatalf("Expected 2 models from daemon, got %d", len(got))
	}
	time.Sleep(5 * time.Millisecond)
	s.Models().Touch("fresh")

	evicted, err := s.EvictOldest(context.Background())
	if err != nil {
		t.Fatalf("EvictOldest failed: %v", err)
	}
	if evicted.ID != "old" {
		t.Errorf("Expected 'old' evicted, got %s", evicted.ID)
	}

	remaining := s.InstalledModels(context.Background())
	if len(remaining) != 1 || remaining[0].ID != "fresh" {
		t.Errorf("Expected only 'fresh' to remain, got %+v", remaining)
	}
}

func TestEvictOldest_SkipsModelsMidInstall(t *testing.T) {
	daemon := &fakeDaemon{healthy: true}
	daemon.addModel("settled")
	s, _ := newTestSupervisor(t, daemon, &fakeRuntime{daemon: daemon})

	// The mid-pull record is older than the settled one but must never
	// be the eviction pick.
	s.Models().MarkInstalling("incoming")
	time.Sleep(5 * time.Millisecond)
	s.Models().MarkInstalled("settled")

	evicted, err := s.EvictOldest(context.Background())
	if err != nil {
		t.Fatalf("EvictOldest failed: %v", err)
	}
	if evicted.ID != "settled" {
		t.Errorf("Expected 'settled' evicted (installing model skipped), got %s", evicted.ID)
	}

	remaining, err := s.Models().OldestFirst()
	if err != nil {
		t.Fatalf("OldestFirst failed: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != "incoming" {
		t.Errorf("Expected only 'incoming' to remain tracked, got %+v", remaining)
	}
}

func TestStatus_ReportsNotInstalled(t *testing.T) {
	daemon := &fakeDaemon{}
	s, _ := newTestSupervisor(t, daemon, &fakeRuntime{daemon: daemon})

	status := s.Status(context.Background())
	if status.Health != HealthRed {
		t.Errorf("Expected red health for missing service, got %s", status.Health)
	}
	if status.Message == "" {
		t.Error("Expected an explanatory message")
	}
}
