package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"modelstack/internal/backoff"
	"modelstack/internal/config"
	"modelstack/internal/download"
	"modelstack/internal/fsutil"
	"modelstack/internal/gpu"
	"modelstack/internal/logging"
	"modelstack/internal/progress"
	"modelstack/internal/provider"
	"modelstack/internal/secrets"
	"modelstack/internal/state"
	"modelstack/internal/supervisor"
	"modelstack/internal/tui"
)

const version = "0.1.0-dev"

func main() {
	if len(os.Args) <= 1 {
		runTUI()
		return
	}

	command := strings.ToLower(os.Args[1])
	if handler, ok := commandHandlers()[command]; ok {
		handler()
		return
	}

	fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
	printUsage()
	os.Exit(1)
}

func commandHandlers() map[string]func() {
	return map[string]func(){
		"install":   runInstall,
		"start":     runStart,
		"stop":      runStop,
		"status":    runStatus,
		"repair":    runRepair,
		"models":    runModels,
		"pull":      runPull,
		"warmup":    runWarmup,
		"keys":      runKeys,
		"select":    runSelect,
		"current":   runCurrent,
		"login":     runLogin,
		"logout":    runLogout,
		"migrate":   runMigrate,
		"gpu-check": runGPUCheck,
		"config":    runConfig,
		"version":   runVersion,
		"help":      printUsage,
		"--help":    printUsage,
		"-h":        printUsage,
	}
}

// app bundles the components shared by every command.
type app struct {
	cfg         config.Config
	logger      *logging.Logger
	stateDir    string
	downloader  *download.Downloader
	supervisors map[string]*supervisor.Supervisor
	order       []string
	tracker     *progress.Tracker
}

func newApp() *app {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.Logging.Level))
	stateDir := fsutil.GetStateDir(fsutil.DefaultStateDir)

	policy := backoff.Policy{
		Base:        time.Duration(cfg.Download.BackoffBaseSeconds) * time.Second,
		Cap:         time.Duration(cfg.Download.BackoffCapSeconds) * time.Second,
		MaxAttempts: cfg.Download.MaxRetries,
	}
	downloader := download.NewDownloader(policy, logger)

	warmCooldown := time.Duration(cfg.Warmup.CooldownSeconds) * time.Second
	rt := supervisor.ExecRuntime{}

	supervisors := map[string]*supervisor.Supervisor{
		"ollama":  supervisor.New("ollama", cfg.Services.Ollama, cfg.Governor, warmCooldown, downloader, rt, stateDir, logger),
		"whisper": supervisor.New("whisper", cfg.Services.Whisper, cfg.Governor, warmCooldown, downloader, rt, stateDir, logger),
	}

	return &app{
		cfg:         cfg,
		logger:      logger,
		stateDir:    stateDir,
		downloader:  downloader,
		supervisors: supervisors,
		order:       []string{"ollama", "whisper"},
		tracker:     progress.NewTracker(logger),
	}
}

func (a *app) supervisor(name string) *supervisor.Supervisor {
	sup, ok := a.supervisors[strings.ToLower(name)]
	if !ok {
		fmt.Fprintf(os.Stderr, "❌ Unknown service: %s\n", name)
		fmt.Println("Valid services: ollama, whisper")
		os.Exit(1)
	}
	return sup
}

// openStore opens the provider/model state store with local model
// listings backed by the running supervisors.
func (a *app) openStore() (*state.Store, error) {
	keychain, err := secrets.OpenKeychain(a.cfg.Store.PassphraseFile)
	if err != nil {
		return nil, fmt.Errorf("opening keychain: %w", err)
	}

	validator := provider.NewValidator(a.logger)

	lister := state.WithLocalModelLister(func(ctx context.Context, providerID string) ([]string, error) {
		sup, ok := a.supervisors[providerID]
		if !ok {
			return nil, nil
		}
		models := sup.InstalledModels(ctx)
		ids := make([]string, 0, len(models))
		for _, m := range models {
			ids = append(ids, m.ID)
		}
		return ids, nil
	})

	userID := os.Getenv("MODELSTACK_USER")
	if userID == "" {
		userID = "default"
	}

	return state.Open(a.cfg.Store.DataDir, userID, keychain, validator, a.logger, lister)
}

func (a *app) mustOpenStore() *state.Store {
	store, err := a.openStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Failed to open state store: %v\n", err)
		os.Exit(1)
	}
	return store
}

func closeStore(store *state.Store) {
	if err := store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to close state store: %v\n", err)
	}
}

// signalContext returns a context cancelled by Ctrl+C.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

func runVersion() {
	fmt.Printf("modelstack version %s\n", version)
}

// runTUI starts the interactive TUI mode
func runTUI() {
	a := newApp()

	startTime := time.Now()
	a.logger.Info("app.started", "Application started", map[string]interface{}{
		"version": version,
		"ts":      startTime.UTC().Format(time.RFC3339),
	})

	store, err := a.openStore()
	if err != nil {
		a.logger.Warn("app.store_unavailable", "Provider store not available", map[string]interface{}{
			"error": err.Error(),
		})
	} else {
		defer closeStore(store)
	}

	sups := make([]*supervisor.Supervisor, 0, len(a.order))
	for _, name := range a.order {
		sups = append(sups, a.supervisors[name])
	}

	p := tea.NewProgram(tui.NewModel(a.logger, a.stateDir, sups, store, a.tracker))

	exitReason := "normal"
	if _, err := p.Run(); err != nil {
		exitReason = "error"
		a.logger.Error("app.error", "Application error", map[string]interface{}{
			"error": err.Error(),
		})
		fmt.Fprintf(os.Stderr, "Error running TUI: %v\n", err)
		os.Exit(1)
	}

	a.logger.Info("app.exited", "Application exited", map[string]interface{}{
		"ts":     time.Now().UTC().Format(time.RFC3339),
		"reason": exitReason,
	})
}

// runInstall downloads and installs a service binary
func runInstall() {
	if len(os.Args) < 3 {
		fmt.Fprintf(os.Stderr, "Usage: modelstack install <service>\n")
		fmt.Fprintf(os.Stderr, "Example: modelstack install ollama\n")
		os.Exit(1)
	}

	a := newApp()
	sup := a.supervisor(os.Args[2])

	ctx, cancel := signalContext()
	defer cancel()

	fmt.Printf("Installing service: %s\n", sup.Name())

	lastPercent := -1.0
	success, err := a.tracker.Track(ctx, "install_"+sup.Name(), sup.Name(), "", func(opCtx context.Context, report progress.ReportFunc) error {
		return sup.Install(opCtx, func(percent float64) {
			report("download", percent)
			if percent != lastPercent {
				fmt.Printf("\rDownloading: %.1f%%", percent)
				lastPercent = percent
			}
		})
	})
	fmt.Println()

	if err != nil {
		var unsupported *supervisor.UnsupportedPlatformError
		if errors.As(err, &unsupported) {
			fmt.Fprintf(os.Stderr, "❌ %v\n", err)
			if unsupported.Hint != "" {
				fmt.Fprintf(os.Stderr, "💡 Hint: %s\n", unsupported.Hint)
			}
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "❌ Install failed: %v\n", err)
		os.Exit(1)
	}

	if !success {
		fmt.Println("Install cancelled")
		os.Exit(1)
	}

	fmt.Printf("✓ Service %s installed successfully\n", sup.Name())
}

// runStart launches a service and waits for it to turn healthy
func runStart() {
	if len(os.Args) < 3 {
		fmt.Fprintf(os.Stderr, "Usage: modelstack start <service>\n")
		os.Exit(1)
	}

	a := newApp()
	sup := a.supervisor(os.Args[2])

	ctx, cancel := signalContext()
	defer cancel()

	fmt.Printf("Starting service: %s\n", sup.Name())
	if err := sup.Start(ctx); err != nil {
		var timeout *supervisor.StartupTimeoutError
		if errors.As(err, &timeout) {
			fmt.Fprintf(os.Stderr, "❌ %v\n", err)
			fmt.Fprintln(os.Stderr, "   The process was started but never answered its health probe.")
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "❌ Error starting service: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Service %s started successfully\n", sup.Name())
}

// runStop stops a service, escalating to SIGKILL with --force
func runStop() {
	if len(os.Args) < 3 {
		fmt.Fprintf(os.Stderr, "Usage: modelstack stop <service> [--force]\n")
		os.Exit(1)
	}

	a := newApp()
	sup := a.supervisor(os.Args[2])

	force := len(os.Args) >= 4 && os.Args[3] == "--force"

	ctx, cancel := signalContext()
	defer cancel()

	fmt.Printf("Stopping service: %s\n", sup.Name())
	if err := sup.Stop(ctx, force); err != nil {
		fmt.Fprintf(os.Stderr, "❌ Error stopping service: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Service %s stopped successfully\n", sup.Name())
}

// runStatus displays status of all services
func runStatus() {
	a := newApp()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	fmt.Println("Service Status:")
	fmt.Println("---------------")
	for _, name := range a.order {
		status := a.supervisors[name].Status(ctx)
		breaker := "closed"
		if status.Breaker.CircuitOpen {
			breaker = "open"
		}
		fmt.Printf("%-10s  State: %-13s  Health: %-7s  Breaker: %s\n",
			status.Name, status.State, status.Health, breaker)
		if status.Message != "" {
			fmt.Printf("            %s\n", status.Message)
		}
	}
}

// runRepair force-restarts an unhealthy service
func runRepair() {
	if len(os.Args) < 3 {
		fmt.Fprintf(os.Stderr, "Usage: modelstack repair <service>\n")
		os.Exit(1)
	}

	a := newApp()
	sup := a.supervisor(os.Args[2])

	ctx, cancel := signalContext()
	defer cancel()

	fmt.Printf("Repairing service: %s\n", sup.Name())
	fmt.Println("This will stop and restart the service if it is unhealthy.")
	fmt.Println()

	result, err := sup.Repair(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "\n❌ Repair failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("=== Repair Result ===")
	fmt.Printf("Service: %s\n", result.Service)
	fmt.Printf("Health Before: %s\n", result.HealthBefore)
	fmt.Printf("Health After:  %s\n", result.HealthAfter)

	if result.SkippedReason != "" {
		fmt.Printf("\nℹ  Skipped: %s\n", result.SkippedReason)
	}

	if result.Success {
		fmt.Printf("\n✓ Service %s repaired successfully\n", sup.Name())
		return
	}

	message := "\n❌ Repair completed but service is not healthy"
	if result.ErrorMessage != "" {
		message += "\n   Error: " + result.ErrorMessage
	}
	fmt.Fprintln(os.Stderr, message)
	os.Exit(1)
}

// runModels handles model management commands
func runModels() {
	if len(os.Args) < 3 {
		printModelsUsage()
		os.Exit(1)
	}

	subcommand := strings.ToLower(os.Args[2])

	switch subcommand {
	case "list":
		runModelsList()
	case "pull":
		runModelsPull()
	case "stats":
		runModelsStats()
	case "evict-oldest":
		runModelsEvictOldest()
	default:
		fmt.Fprintf(os.Stderr, "Unknown models subcommand: %s\n\n", subcommand)
		printModelsUsage()
		os.Exit(1)
	}
}

func printModelsUsage() {
	fmt.Println("Model Management Commands:")
	fmt.Println()
	fmt.Println("  modelstack models list <service>         List installed models (ollama, whisper)")
	fmt.Println("  modelstack models pull <service> <name>  Download a model into the daemon")
	fmt.Println("  modelstack models stats <service>        Show cache statistics")
	fmt.Println("  modelstack models evict-oldest <service> Delete the least recently used model")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  modelstack models list ollama")
	fmt.Println("  modelstack models pull ollama llama3:8b")
	fmt.Println("  modelstack models stats ollama")
	fmt.Println("  modelstack models evict-oldest ollama")
}

// runPull is shorthand for "models pull"
func runPull() {
	if len(os.Args) < 4 {
		fmt.Fprintf(os.Stderr, "Usage: modelstack pull <service> <model-name>\n")
		os.Exit(1)
	}
	os.Args = append([]string{os.Args[0], "models", "pull"}, os.Args[2:]...)
	runModelsPull()
}

// runModelsList lists installed models for a service
func runModelsList() {
	if len(os.Args) < 4 {
		fmt.Fprintf(os.Stderr, "Usage: modelstack models list <service>\n")
		os.Exit(1)
	}

	a := newApp()
	sup := a.supervisor(os.Args[3])

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	models := sup.InstalledModels(ctx)
	if len(models) == 0 {
		fmt.Printf("No models reported by %s (the daemon may be stopped)\n", sup.Name())
		return
	}

	fmt.Printf("Models for %s (%d total):\n\n", sup.Name(), len(models))
	fmt.Printf("%-40s %12s\n", "NAME", "SIZE")
	fmt.Println(strings.Repeat("-", 55))

	for _, model := range models {
		fmt.Printf("%-40s %12s\n", model.ID, formatBytes(model.SizeBytes))
	}
}

// runModelsPull downloads a model through the daemon
func runModelsPull() {
	if len(os.Args) < 5 {
		fmt.Fprintf(os.Stderr, "Usage: modelstack models pull <service> <model-name>\n")
		fmt.Fprintf(os.Stderr, "Example: modelstack models pull ollama llama3:8b\n")
		os.Exit(1)
	}

	a := newApp()
	sup := a.supervisor(os.Args[3])
	modelID := os.Args[4]

	ctx, cancel := signalContext()
	defer cancel()

	fmt.Printf("Pulling model: %s\n", modelID)
	fmt.Printf("Service: %s\n\n", sup.Name())

	lastPercent := -1.0
	success, err := a.tracker.Track(ctx, "pull_"+sup.Name()+"_"+modelID, sup.Name(), modelID, func(opCtx context.Context, report progress.ReportFunc) error {
		return sup.PullModel(opCtx, modelID, func(stage string, percent float64) {
			report(stage, percent)
			if percent != lastPercent {
				fmt.Printf("\r%s: %.1f%%", stage, percent)
				lastPercent = percent
			}
		})
	})
	fmt.Println()

	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Pull failed: %v\n", err)
		os.Exit(1)
	}

	if !success {
		fmt.Println("Pull cancelled")
		os.Exit(1)
	}

	fmt.Printf("✓ Model %s is now available for use\n", modelID)
}

// runModelsStats shows cache statistics
func runModelsStats() {
	if len(os.Args) < 4 {
		fmt.Fprintf(os.Stderr, "Usage: modelstack models stats <service>\n")
		os.Exit(1)
	}

	a := newApp()
	sup := a.supervisor(os.Args[3])

	stats, err := sup.Models().Stats()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Failed to get stats: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Cache Statistics for %s:\n\n", sup.Name())
	fmt.Printf("  Total Models: %d\n", stats.ModelCount)
	fmt.Printf("  Total Size:   %s\n", formatBytes(stats.TotalSize))

	if stats.Oldest != nil {
		fmt.Printf("\nOldest Model:\n")
		fmt.Printf("  Name:       %s\n", stats.Oldest.ID)
		fmt.Printf("  Size:       %s\n", formatBytes(stats.Oldest.SizeBytes))
		fmt.Printf("  Last Used:  %s\n", stats.Oldest.LastUsed.Format("2006-01-02 15:04:05"))
		fmt.Printf("  Age:        %s\n", time.Since(stats.Oldest.LastUsed).Round(time.Second))
	}
}

// runModelsEvictOldest frees disk space by deleting the least recently
// used model
func runModelsEvictOldest() {
	if len(os.Args) < 4 {
		fmt.Fprintf(os.Stderr, "Usage: modelstack models evict-oldest <service>\n")
		os.Exit(1)
	}

	a := newApp()
	sup := a.supervisor(os.Args[3])

	ctx, cancel := signalContext()
	defer cancel()

	evicted, err := sup.EvictOldest(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Eviction failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✓ Evicted model %s\n", evicted.ID)
	fmt.Printf("  Size:      %s\n", formatBytes(evicted.SizeBytes))
	fmt.Printf("  Last Used: %s\n", evicted.LastUsed.Format("2006-01-02 15:04:05"))
}

// runWarmup primes a model so the first real request is fast
func runWarmup() {
	if len(os.Args) < 4 {
		fmt.Fprintf(os.Stderr, "Usage: modelstack warmup <service> <model-name> [--force]\n")
		os.Exit(1)
	}

	a := newApp()
	sup := a.supervisor(os.Args[2])
	modelID := os.Args[3]
	force := len(os.Args) >= 5 && os.Args[4] == "--force"

	ctx, cancel := signalContext()
	defer cancel()

	fmt.Printf("Warming up %s on %s...\n", modelID, sup.Name())

	if sup.WarmUp(ctx, modelID, force) {
		fmt.Printf("✓ Model %s is warm\n", modelID)
		return
	}

	fmt.Printf("⚠ Model %s could not be warmed up (the daemon may be stopped or cooling down)\n", modelID)
	os.Exit(1)
}

// runKeys manages provider API keys
func runKeys() {
	if len(os.Args) < 3 {
		printKeysUsage()
		os.Exit(1)
	}

	subcommand := strings.ToLower(os.Args[2])

	switch subcommand {
	case "set":
		runKeysSet()
	case "remove":
		runKeysRemove()
	case "list":
		runKeysList()
	default:
		fmt.Fprintf(os.Stderr, "Unknown keys subcommand: %s\n\n", subcommand)
		printKeysUsage()
		os.Exit(1)
	}
}

func printKeysUsage() {
	fmt.Println("API Key Commands:")
	fmt.Println()
	fmt.Println("  modelstack keys set <provider> <key>  Validate and store a provider API key")
	fmt.Println("  modelstack keys remove <provider>     Remove a stored key")
	fmt.Println("  modelstack keys list                  Show which providers have keys")
	fmt.Println()
	fmt.Println("Providers: openai, gemini, deepgram, ollama, whisper")
	fmt.Println("Local providers (ollama, whisper) take the key 'local'.")
}

func runKeysSet() {
	if len(os.Args) < 5 {
		fmt.Fprintf(os.Stderr, "Usage: modelstack keys set <provider> <key>\n")
		os.Exit(1)
	}

	a := newApp()
	store := a.mustOpenStore()
	defer closeStore(store)

	providerID := strings.ToLower(os.Args[3])
	key := os.Args[4]

	ctx, cancel := signalContext()
	defer cancel()

	if err := store.SetAPIKey(ctx, providerID, key); err != nil {
		var invalid *provider.InvalidKeyError
		if errors.As(err, &invalid) {
			fmt.Fprintf(os.Stderr, "❌ Key rejected for %s: %s\n", invalid.Provider, invalid.Reason)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "❌ Failed to store key: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✓ Key stored for %s\n", providerID)
	printSelections(store)
}

func runKeysRemove() {
	if len(os.Args) < 4 {
		fmt.Fprintf(os.Stderr, "Usage: modelstack keys remove <provider>\n")
		os.Exit(1)
	}

	a := newApp()
	store := a.mustOpenStore()
	defer closeStore(store)

	providerID := strings.ToLower(os.Args[3])

	ctx, cancel := signalContext()
	defer cancel()

	if err := store.RemoveAPIKey(ctx, providerID); err != nil {
		fmt.Fprintf(os.Stderr, "❌ Failed to remove key: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✓ Key removed for %s\n", providerID)
	printSelections(store)
}

func runKeysList() {
	a := newApp()
	store := a.mustOpenStore()
	defer closeStore(store)

	fmt.Println("Provider Keys:")
	for _, d := range provider.All() {
		if _, err := store.APIKey(d.ID); err == nil {
			fmt.Printf("  ✓ %s\n", d.ID)
		} else {
			fmt.Printf("    %s\n", d.ID)
		}
	}
}

// runSelect explicitly selects the active model for a task
func runSelect() {
	if len(os.Args) < 5 {
		fmt.Fprintf(os.Stderr, "Usage: modelstack select <llm|stt> <provider> <model>\n")
		fmt.Fprintf(os.Stderr, "Example: modelstack select llm openai gpt-4o\n")
		os.Exit(1)
	}

	task, ok := parseTask(os.Args[2])
	if !ok {
		fmt.Fprintf(os.Stderr, "❌ Invalid task: %s (must be llm or stt)\n", os.Args[2])
		os.Exit(1)
	}

	a := newApp()
	store := a.mustOpenStore()
	defer closeStore(store)

	providerID := strings.ToLower(os.Args[3])
	modelID := os.Args[4]

	ctx, cancel := signalContext()
	defer cancel()

	if err := store.SetSelectedModel(ctx, task, providerID, modelID); err != nil {
		fmt.Fprintf(os.Stderr, "❌ Selection failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✓ Selected %s / %s for %s\n", providerID, modelID, task)
}

// runCurrent shows the active model selections
func runCurrent() {
	a := newApp()
	store := a.mustOpenStore()
	defer closeStore(store)

	printSelections(store)
}

func printSelections(store *state.Store) {
	fmt.Println()
	fmt.Println("Current Selections:")
	for _, task := range []provider.TaskType{provider.TaskLLM, provider.TaskSTT} {
		if sel := store.GetCurrentModelInfo(task); sel != nil {
			fmt.Printf("  %-4s %s / %s\n", strings.ToUpper(string(task)), sel.Provider, sel.ModelID)
		} else {
			fmt.Printf("  %-4s (no model selected)\n", strings.ToUpper(string(task)))
		}
	}
}

// runMigrate opens the state store, which applies any pending schema
// migrations and carries a legacy unencrypted record forward
func runMigrate() {
	a := newApp()

	fmt.Println("Running state store migrations...")
	store := a.mustOpenStore()
	defer closeStore(store)

	fmt.Println("✓ State store is up to date")
	printSelections(store)
}

// runLogin stores a hosted virtual key
func runLogin() {
	if len(os.Args) < 3 {
		fmt.Fprintf(os.Stderr, "Usage: modelstack login <virtual-key>\n")
		os.Exit(1)
	}

	a := newApp()
	store := a.mustOpenStore()
	defer closeStore(store)

	ctx, cancel := signalContext()
	defer cancel()

	if err := store.Login(ctx, os.Args[2]); err != nil {
		fmt.Fprintf(os.Stderr, "❌ Login failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("✓ Logged in; hosted models are now preferred")
	printSelections(store)
}

// runLogout removes the hosted virtual key
func runLogout() {
	a := newApp()
	store := a.mustOpenStore()
	defer closeStore(store)

	ctx, cancel := signalContext()
	defer cancel()

	if err := store.Logout(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "❌ Logout failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("✓ Logged out")
	printSelections(store)
}

func parseTask(s string) (provider.TaskType, bool) {
	switch strings.ToLower(s) {
	case "llm":
		return provider.TaskLLM, true
	case "stt":
		return provider.TaskSTT, true
	default:
		return "", false
	}
}

// runGPUCheck performs GPU detection and displays results
func runGPUCheck() {
	logger := logging.NewLogger(logging.LevelInfo)

	fmt.Println("Checking GPU availability...")
	fmt.Println()

	detector := gpu.NewDetector(logger)
	report := detector.DetectGPUs()

	fmt.Println("=== GPU Detection Report ===")
	if !report.NVMLOk {
		fmt.Printf("❌ NVML Status: FAILED\n")
		fmt.Printf("   Error: %s\n", report.ErrorMessage)
		fmt.Println()
		fmt.Println("💡 Hint: Install NVIDIA drivers to enable GPU support")
	} else {
		fmt.Printf("✓ NVML Status: OK\n")
		fmt.Printf("  Driver Version: %s\n", report.DriverVersion)
		fmt.Printf("  CUDA Version: %d\n", report.CUDAVersion)
		fmt.Printf("  GPU Count: %d\n", len(report.GPUs))
		fmt.Println()

		for _, info := range report.GPUs {
			fmt.Printf("  GPU %d:\n", info.Index)
			fmt.Printf("    Name: %s\n", info.Name)
			fmt.Printf("    UUID: %s\n", info.UUID)
			fmt.Printf("    Memory: %d MB\n", info.MemoryMB)
		}

		capability := report.Capability()
		fmt.Println()
		fmt.Printf("  Accelerated: %t (total %d MB)\n", capability.Accelerated, capability.TotalMemoryMB)
	}

	if len(os.Args) > 2 && os.Args[2] == "--save" {
		reportPath := "/tmp/gpu_report.json"
		if err := detector.SaveReport(report, reportPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to save report: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("\nDetailed report saved to: %s\n", reportPath)
	}
}

// runConfig performs configuration file validation
func runConfig() {
	logger := logging.NewLogger(logging.LevelInfo)

	if len(os.Args) < 3 {
		fmt.Fprintf(os.Stderr, "Usage: modelstack config <subcommand>\n")
		fmt.Fprintf(os.Stderr, "Subcommands:\n")
		fmt.Fprintf(os.Stderr, "  test [path]  Test configuration file for validity\n")
		os.Exit(1)
	}

	subcommand := strings.ToLower(os.Args[2])

	switch subcommand {
	case "test":
		runConfigTest(logger)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config subcommand: %s\n", subcommand)
		fmt.Fprintf(os.Stderr, "Valid subcommands: test\n")
		os.Exit(1)
	}
}

func runConfigTest(logger *logging.Logger) {
	var cfg config.Config
	var configErr error

	if len(os.Args) > 3 {
		path := os.Args[3]
		fmt.Printf("Testing configuration file: %s\n", path)
		cfg, configErr = config.LoadFrom(path)
	} else {
		fmt.Println("Testing configuration (system + user merge):")
		systemPath := config.SystemConfigPath()
		userPath := config.UserConfigPath()
		fmt.Printf("  System config: %s\n", systemPath)
		if userPath != "" {
			fmt.Printf("  User config:   %s\n", userPath)
		}
		fmt.Println()

		cfg, configErr = config.Load()
	}

	if configErr != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation FAILED:\n")
		fmt.Fprintf(os.Stderr, "   %v\n", configErr)

		logger.Error("config.validation.error", "Configuration validation failed", map[string]interface{}{
			"error": configErr.Error(),
		})
		os.Exit(1)
	}

	fmt.Println("✓ Configuration is VALID")
	fmt.Println()
	fmt.Println("Configuration Summary:")
	fmt.Printf("  Ollama URL:           %s\n", cfg.Services.Ollama.BaseURL)
	fmt.Printf("  Whisper URL:          %s\n", cfg.Services.Whisper.BaseURL)
	fmt.Printf("  Failure Threshold:    %d\n", cfg.Governor.FailureThreshold)
	fmt.Printf("  Breaker Cooldown:     %ds\n", cfg.Governor.CooldownSeconds)
	fmt.Printf("  Warm-up Cooldown:     %ds\n", cfg.Warmup.CooldownSeconds)
	fmt.Printf("  Download Retries:     %d\n", cfg.Download.MaxRetries)
	fmt.Printf("  Log Level:            %s\n", cfg.Logging.Level)
	fmt.Printf("  Log Format:           %s\n", cfg.Logging.Format)

	logger.Info("config.validation.ok", "Configuration validation passed", map[string]interface{}{
		"ollama_url":  cfg.Services.Ollama.BaseURL,
		"whisper_url": cfg.Services.Whisper.BaseURL,
	})
}

// formatBytes formats bytes to human-readable format
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// printUsage displays usage information
func printUsage() {
	fmt.Printf(`modelstack - Local Model Lifecycle Manager (version %s)

Usage:
  modelstack                          Start the interactive TUI (default)
  modelstack install <service>        Download and install a service binary (ollama, whisper)
  modelstack start <service>          Start a service and wait for it to turn healthy
  modelstack stop <service> [--force] Stop a service (--force escalates to SIGKILL)
  modelstack status                   Show status of all services
  modelstack repair <service>         Force-restart an unhealthy service
  modelstack models <subcommand>      Model management (list, pull, stats, evict-oldest)
  modelstack pull <service> <name>    Shorthand for "models pull"
  modelstack warmup <service> <model> [--force]  Prime a model for fast first response
  modelstack keys <subcommand>        API key management (set, remove, list)
  modelstack select <llm|stt> <provider> <model>  Select the active model for a task
  modelstack current                  Show the active model selections
  modelstack login <virtual-key>      Store a hosted virtual key (hosted models win)
  modelstack logout                   Remove the hosted virtual key
  modelstack migrate                  Apply pending state store migrations
  modelstack gpu-check [--save]       Check GPU and NVIDIA stack availability
  modelstack config test [path]       Test configuration file for validity
  modelstack version                  Print version information
  modelstack help                     Show this help message

Model Management:
  modelstack models list <service>          List installed models (ollama, whisper)
  modelstack models pull <service> <name>   Download a model into the daemon
  modelstack models stats <service>         Show cache statistics
  modelstack models evict-oldest <service>  Delete the least recently used model

Key Management:
  modelstack keys set <provider> <key>      Validate and store a provider API key
  modelstack keys remove <provider>         Remove a stored key
  modelstack keys list                      Show which providers have keys
`, version)
}
