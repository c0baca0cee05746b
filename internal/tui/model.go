package tui

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"modelstack/internal/gpu"
	"modelstack/internal/logging"
	"modelstack/internal/progress"
	"modelstack/internal/provider"
	"modelstack/internal/state"
	"modelstack/internal/supervisor"
)

const down = "down"

// progressFeed captures the latest tracked operation event so screens
// can render it without a message pump.
type progressFeed struct {
	mu   sync.Mutex
	last progress.Event
	has  bool
}

func (f *progressFeed) record(e progress.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = e
	f.has = true
}

func (f *progressFeed) snapshot() (progress.Event, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last, f.has
}

// Model represents the TUI application state
type Model struct {
	startTime time.Time
	quitting  bool

	logger   *logging.Logger
	stateDir string

	supervisors []*supervisor.Supervisor
	store       *state.Store
	tracker     *progress.Tracker
	feed        *progressFeed

	// UI State
	currentScreen Screen
	selection     int
	lastError     string
	stateManager  *UIStateManager

	// Status Screen State
	statuses      []supervisor.ServiceStatus
	gpuReport     gpu.GPUReport
	hasGPUReport  bool
	gpuError      string
	statusMessage string

	// Models Screen State
	modelsSelection int    // Selected service index
	modelsList      string // Cached models list display
	modelsStats     string // Cached stats display
	modelsMessage   string // Status message

	// Providers Screen State
	providersInfo    string // Cached selections display
	providersMessage string // Status message
}

// NewModel creates a new TUI model with preloaded system insights
func NewModel(logger *logging.Logger, stateDir string, supervisors []*supervisor.Supervisor, store *state.Store, tracker *progress.Tracker) Model {
	m := Model{
		startTime:     time.Now(),
		logger:        logger,
		stateDir:      stateDir,
		supervisors:   supervisors,
		store:         store,
		tracker:       tracker,
		feed:          &progressFeed{},
		currentScreen: ScreenMenu,
		selection:     0,
		stateManager:  NewUIStateManager(stateDir, logger),
	}

	// Load persisted UI state
	if st, err := m.stateManager.Load(); err == nil {
		m.currentScreen = st.CurrentScreen
		m.selection = st.Selection
		m.lastError = st.LastError
	}

	if tracker != nil {
		feed := m.feed
		tracker.Subscribe(progress.Listener{
			OnProgress: feed.record,
		})
	}

	m.loadStatuses()
	m.loadGPU()

	return m
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return nil
}

// Update handles messages and updates the model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	keyMsg, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}

	if next, handled, cmd := m.handleQuitKeys(keyMsg.String()); handled {
		return next, cmd
	}

	if next, handled := m.handleEscapeKey(keyMsg.String()); handled {
		return next, nil
	}

	if next, handled := m.handleMenuNavigationKeys(keyMsg.String()); handled {
		return next, nil
	}

	if next, handled := m.handleMenuSelectionKey(keyMsg.String()); handled {
		return next, nil
	}

	if next, handled := m.handleShortcutKeys(keyMsg.String()); handled {
		return next, nil
	}

	if next, handled := m.handleStatusScreenKeys(keyMsg.String()); handled {
		return next, nil
	}

	if next, handled := m.handleModelsScreenKeys(keyMsg.String()); handled {
		return next, nil
	}

	if next, handled := m.handleProvidersScreenKeys(keyMsg.String()); handled {
		return next, nil
	}

	return m, nil
}

func (m Model) handleQuitKeys(key string) (tea.Model, bool, tea.Cmd) {
	switch key {
	case "ctrl+c", "q":
		m.quitting = true
		m.saveState()
		return m, true, tea.Quit
	}
	return m, false, nil
}

func (m Model) handleEscapeKey(key string) (tea.Model, bool) {
	if key == "esc" && m.currentScreen != ScreenMenu {
		m = m.returnToMenu()
		m.saveState()
		return m, true
	}
	return m, false
}

func (m Model) handleMenuNavigationKeys(key string) (tea.Model, bool) {
	if m.currentScreen != ScreenMenu {
		return m, false
	}

	switch key {
	case "up", "k":
		return m.navigateUp(), true
	case down, "j":
		return m.navigateDown(), true
	}
	return m, false
}

func (m Model) handleMenuSelectionKey(key string) (tea.Model, bool) {
	if m.currentScreen != ScreenMenu {
		return m, false
	}

	if key == "enter" || key == " " {
		updated := m.selectMenuItem()
		updated.saveState()
		return updated, true
	}
	return m, false
}

func (m Model) handleShortcutKeys(key string) (tea.Model, bool) {
	switch key {
	case "1", "2", "3", "?":
		updated := m.selectMenuByKey(key)
		updated.saveState()
		return updated, true
	}
	return m, false
}

func (m Model) handleStatusScreenKeys(key string) (tea.Model, bool) {
	if m.currentScreen != ScreenStatus {
		return m, false
	}

	if key == "r" {
		return m.refresh(), true
	}
	return m, false
}

func (m Model) handleModelsScreenKeys(key string) (tea.Model, bool) {
	if m.currentScreen != ScreenModels {
		return m, false
	}

	maxIndex := len(m.supervisors) - 1
	if maxIndex < 0 {
		maxIndex = 0
	}

	switch key {
	case "up", "k":
		if m.modelsSelection > 0 {
			m.modelsSelection--
		} else {
			m.modelsSelection = maxIndex
		}
		return m, true
	case down, "j":
		if m.modelsSelection < maxIndex {
			m.modelsSelection++
		} else {
			m.modelsSelection = 0
		}
		return m, true
	case "l":
		return m.listModels(), true
	case "s":
		return m.showModelStats(), true
	case "r":
		return m.refreshModelsScreen(), true
	}
	return m, false
}

func (m Model) handleProvidersScreenKeys(key string) (tea.Model, bool) {
	if m.currentScreen != ScreenProviders {
		return m, false
	}

	if key == "r" {
		return m.loadProviders(), true
	}
	return m, false
}

// View renders the TUI
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	switch m.currentScreen {
	case ScreenMenu:
		return m.renderMenu()
	case ScreenStatus:
		return m.renderStatusScreen()
	case ScreenModels:
		return m.renderModelsScreen()
	case ScreenProviders:
		return m.renderProvidersScreen()
	case ScreenHelp:
		return m.renderHelpScreen()
	default:
		return m.renderMenu()
	}
}

// saveState persists the current UI state
func (m *Model) saveState() {
	st := &UIState{
		CurrentScreen: m.currentScreen,
		Selection:     m.selection,
		LastError:     m.lastError,
		Updated:       time.Now().UTC(),
	}

	if err := m.stateManager.Save(st); err != nil {
		m.logger.Warn("tui.state.save_failed", "Failed to save UI state", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// loadStatuses probes every supervised service.
func (m *Model) loadStatuses() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	statuses := make([]supervisor.ServiceStatus, 0, len(m.supervisors))
	for _, sup := range m.supervisors {
		statuses = append(statuses, sup.Status(ctx))
	}
	m.statuses = statuses
}

// loadGPU loads GPU information
func (m *Model) loadGPU() {
	if os.Getenv("MODELSTACK_DISABLE_GPU_SCAN") == "1" {
		m.hasGPUReport = false
		m.gpuError = "GPU scan disabled"
		return
	}

	detector := gpu.NewDetector(m.logger)
	report := detector.DetectGPUs()
	m.gpuReport = report
	m.hasGPUReport = true

	if report.ErrorMessage != "" {
		m.gpuError = report.ErrorMessage
		return
	}

	if !report.NVMLOk {
		m.gpuError = "NVML unavailable or failed to initialize"
		return
	}

	m.gpuError = ""
}

// refresh refreshes all system state
func (m Model) refresh() Model {
	m.loadStatuses()
	m.loadGPU()
	m.statusMessage = "Refreshed system state"
	m.lastError = ""
	return m
}

// renderServicesSection renders one line per supervised service
func (m Model) renderServicesSection(labelStyle, valueStyle, errorStyle lipgloss.Style) string {
	if len(m.statuses) == 0 {
		return valueStyle.Render("No services configured") + "\n"
	}

	var b strings.Builder
	for _, st := range m.statuses {
		b.WriteString(labelStyle.Render(fmt.Sprintf("%-10s", st.Name)))
		b.WriteString(valueStyle.Render(fmt.Sprintf("state: %-13s health: %s", st.State, st.Health)))
		if st.Breaker.CircuitOpen {
			b.WriteString("  ")
			b.WriteString(errorStyle.Render("breaker open"))
		}
		if st.Message != "" {
			b.WriteString("  ")
			b.WriteString(errorStyle.Render(st.Message))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// renderGPUSection renders the GPU section
func (m Model) renderGPUSection(labelStyle, valueStyle, errorStyle lipgloss.Style) string {
	if m.gpuError != "" {
		return errorStyle.Render(m.gpuError) + "\n"
	}

	if !m.hasGPUReport || len(m.gpuReport.GPUs) == 0 {
		return valueStyle.Render("No GPUs detected") + "\n"
	}

	var b strings.Builder
	b.WriteString(labelStyle.Render("Driver: "))
	b.WriteString(valueStyle.Render(m.gpuReport.DriverVersion))
	b.WriteString("  ")
	b.WriteString(labelStyle.Render("CUDA: "))
	b.WriteString(valueStyle.Render(fmt.Sprintf("%d", m.gpuReport.CUDAVersion)))
	b.WriteString("\n")

	for _, gpuInfo := range m.gpuReport.GPUs {
		b.WriteString(fmt.Sprintf("  • %s (%d MB)\n", valueStyle.Render(gpuInfo.Name), gpuInfo.MemoryMB))
	}

	return b.String()
}

// renderOperationsSection renders tracked operation activity
func (m Model) renderOperationsSection(labelStyle, valueStyle lipgloss.Style) string {
	var b strings.Builder

	active := 0
	if m.tracker != nil {
		active = m.tracker.ActiveCount()
	}
	b.WriteString(labelStyle.Render("Active operations: "))
	b.WriteString(valueStyle.Render(fmt.Sprintf("%d", active)))
	b.WriteString("\n")

	if event, ok := m.feed.snapshot(); ok {
		b.WriteString(labelStyle.Render("Last progress: "))
		b.WriteString(valueStyle.Render(fmt.Sprintf("%s/%s %s %.0f%%", event.Service, event.Model, event.Stage, event.Progress)))
		b.WriteString("\n")
	}

	return b.String()
}

// listModels lists installed models for the selected service
func (m Model) listModels() Model {
	sup, ok := m.selectedSupervisor()
	if !ok {
		m.modelsMessage = "No services configured"
		return m
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	models := sup.InstalledModels(ctx)

	var b strings.Builder
	if len(models) == 0 {
		b.WriteString(fmt.Sprintf("No models reported by %s (daemon may be stopped)\n", sup.Name()))
	} else {
		for _, model := range models {
			sizeMB := model.SizeBytes / (1024 * 1024)
			b.WriteString(fmt.Sprintf("  • %s (%d MB)\n", model.ID, sizeMB))
		}
	}

	m.modelsList = b.String()
	m.modelsMessage = fmt.Sprintf("Listed %d models for %s", len(models), sup.Name())
	return m
}

// showModelStats shows cache statistics for the selected service
func (m Model) showModelStats() Model {
	sup, ok := m.selectedSupervisor()
	if !ok {
		m.modelsMessage = "No services configured"
		return m
	}

	stats, err := sup.Models().Stats()
	if err != nil {
		m.modelsStats = fmt.Sprintf("Error loading stats: %v", err)
		m.modelsMessage = fmt.Sprintf("Failed to load stats for %s", sup.Name())
		return m
	}

	var b strings.Builder
	totalGB := float64(stats.TotalSize) / (1024 * 1024 * 1024)
	b.WriteString(fmt.Sprintf("Service: %s\n", stats.Service))
	b.WriteString(fmt.Sprintf("Total Size: %.2f GB\n", totalGB))
	b.WriteString(fmt.Sprintf("Model Count: %d\n", stats.ModelCount))
	if stats.Oldest != nil {
		b.WriteString(fmt.Sprintf("Oldest Model: %s (last used: %s)\n",
			stats.Oldest.ID, stats.Oldest.LastUsed.Format("2006-01-02 15:04")))
	}

	m.modelsStats = b.String()
	m.modelsMessage = fmt.Sprintf("Stats loaded for %s", sup.Name())
	return m
}

// refreshModelsScreen refreshes the models screen
func (m Model) refreshModelsScreen() Model {
	m.modelsList = ""
	m.modelsStats = ""
	m.modelsMessage = "Screen refreshed"
	return m
}

func (m Model) selectedSupervisor() (*supervisor.Supervisor, bool) {
	if m.modelsSelection < 0 || m.modelsSelection >= len(m.supervisors) {
		return nil, false
	}
	return m.supervisors[m.modelsSelection], true
}

// loadProviders reloads the provider/selection summary
func (m Model) loadProviders() Model {
	if m.store == nil {
		m.providersInfo = "Provider store unavailable\n"
		m.providersMessage = ""
		return m
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var b strings.Builder
	for _, task := range []provider.TaskType{provider.TaskLLM, provider.TaskSTT} {
		b.WriteString(fmt.Sprintf("%-6s", strings.ToUpper(string(task))))
		if sel := m.store.GetCurrentModelInfo(task); sel != nil {
			b.WriteString(fmt.Sprintf("%s / %s", sel.Provider, sel.ModelID))
		} else {
			b.WriteString("no model selected")
		}
		available := len(m.store.GetAvailableModels(ctx, task))
		b.WriteString(fmt.Sprintf("  (%d available)\n", available))
	}

	m.providersInfo = b.String()
	m.providersMessage = "Provider state refreshed"
	return m
}

// returnToMenu returns to the main menu
func (m Model) returnToMenu() Model {
	m.currentScreen = ScreenMenu
	m.lastError = ""
	return m
}
