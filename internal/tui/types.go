package tui

import "time"

// Screen represents different TUI screens
type Screen string

const (
	// ScreenMenu is the main menu screen
	ScreenMenu Screen = "menu"
	// ScreenStatus shows service status
	ScreenStatus Screen = "status"
	// ScreenModels shows model management
	ScreenModels Screen = "models"
	// ScreenProviders shows provider and model selection state
	ScreenProviders Screen = "providers"
	// ScreenHelp shows help overlay
	ScreenHelp Screen = "help"
)

// MenuItem represents a menu item
type MenuItem struct {
	Key         string // Number key or letter
	Label       string // Display label
	Description string // Short description
	Screen      Screen // Target screen
}

// UIState represents the persisted UI state (ui_state.json)
type UIState struct {
	CurrentScreen Screen    `json:"menu"`       // Current screen
	Selection     int       `json:"selection"`  // Current menu selection index
	LastError     string    `json:"last_error"` // Last error message
	Updated       time.Time `json:"updated"`    // Last update timestamp
}

// DefaultMenuItems returns the default main menu items
func DefaultMenuItems() []MenuItem {
	return []MenuItem{
		{Key: "1", Label: "Status", Description: "View service and GPU status", Screen: ScreenStatus},
		{Key: "2", Label: "Models", Description: "Installed models and cache stats", Screen: ScreenModels},
		{Key: "3", Label: "Providers", Description: "Provider credentials and selections", Screen: ScreenProviders},
		{Key: "?", Label: "Help", Description: "Show help", Screen: ScreenHelp},
	}
}
