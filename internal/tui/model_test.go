package tui

import (
	"strings"
	"testing"

	"modelstack/internal/logging"
	"modelstack/internal/progress"
)

func newTestModel(t *testing.T) Model {
	t.Helper()
	t.Setenv("MODELSTACK_DISABLE_GPU_SCAN", "1")
	logger := logging.NewLogger(logging.LevelError)
	return NewModel(logger, t.TempDir(), nil, nil, nil)
}

func TestModel_NavigateUp(t *testing.T) {
	m := newTestModel(t)
	m.selection = 3

	m = m.navigateUp()

	if m.selection != 2 {
		t.Errorf("Expected selection 2, got %d", m.selection)
	}
}

func TestModel_NavigateUp_WrapAround(t *testing.T) {
	m := newTestModel(t)
	m.selection = 0

	m = m.navigateUp()

	expectedIndex := len(DefaultMenuItems()) - 1
	if m.selection != expectedIndex {
		t.Errorf("Expected selection %d (wrap to bottom), got %d", expectedIndex, m.selection)
	}
}

func TestModel_NavigateDown_WrapAround(t *testing.T) {
	m := newTestModel(t)
	maxIndex := len(DefaultMenuItems()) - 1
	m.selection = maxIndex

	m = m.navigateDown()

	if m.selection != 0 {
		t.Errorf("Expected selection 0 (wrap to top), got %d", m.selection)
	}
}

func TestModel_SelectMenuItem(t *testing.T) {
	m := newTestModel(t)
	m.currentScreen = ScreenMenu
	m.selection = 0 // First item (Status)

	m = m.selectMenuItem()

	if m.currentScreen != ScreenStatus {
		t.Errorf("Expected screen status, got %s", m.currentScreen)
	}

	if m.lastError != "" {
		t.Errorf("Expected empty error after selection, got %s", m.lastError)
	}
}

func TestModel_SelectMenuByKey(t *testing.T) {
	tests := []struct {
		key            string
		expectedScreen Screen
	}{
		{"1", ScreenStatus},
		{"2", ScreenModels},
		{"3", ScreenProviders},
		{"?", ScreenHelp},
	}

	for _, tt := range tests {
		t.Run("key_"+tt.key, func(t *testing.T) {
			m := newTestModel(t)
			m.currentScreen = ScreenMenu

			m = m.selectMenuByKey(tt.key)

			if m.currentScreen != tt.expectedScreen {
				t.Errorf("Key %s: expected screen %s, got %s", tt.key, tt.expectedScreen, m.currentScreen)
			}
		})
	}
}

func TestModel_ReturnToMenu(t *testing.T) {
	m := newTestModel(t)
	m.currentScreen = ScreenStatus
	m.lastError = "stale error"

	m = m.returnToMenu()

	if m.currentScreen != ScreenMenu {
		t.Errorf("Expected screen menu, got %s", m.currentScreen)
	}

	if m.lastError != "" {
		t.Errorf("Expected cleared error, got %s", m.lastError)
	}
}

func TestModel_RenderMenu_ContainsAllItems(t *testing.T) {
	m := newTestModel(t)
	m.currentScreen = ScreenMenu

	view := m.View()

	for _, item := range DefaultMenuItems() {
		if !strings.Contains(view, item.Label) {
			t.Errorf("Menu should contain item %q", item.Label)
		}
	}
}

func TestModel_RenderStatusScreen_NoServices(t *testing.T) {
	m := newTestModel(t)
	m.currentScreen = ScreenStatus

	view := m.View()

	if !strings.Contains(view, "No services configured") {
		t.Errorf("Expected placeholder for empty service list, got:\n%s", view)
	}
}

func TestModel_StatusScreen_ShowsLastProgressEvent(t *testing.T) {
	m := newTestModel(t)
	m.currentScreen = ScreenStatus
	m.feed.record(progress.Event{
		Service:  "ollama",
		Model:    "llama3:8b",
		Stage:    "pull",
		Progress: 42,
	})

	view := m.View()

	if !strings.Contains(view, "llama3:8b") {
		t.Errorf("Expected progress event in view, got:\n%s", view)
	}
}
