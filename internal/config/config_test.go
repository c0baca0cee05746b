package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name     string
		got      interface{}
		expected interface{}
	}{
		{"OllamaBaseURL", cfg.Services.Ollama.BaseURL, "http://localhost:11434"},
		{"OllamaBinary", cfg.Services.Ollama.BinaryName, "ollama"},
		{"WhisperBaseURL", cfg.Services.Whisper.BaseURL, "http://localhost:9090"},
		{"WhisperBinary", cfg.Services.Whisper.BinaryName, "whisper-server"},
		{"FailureThreshold", cfg.Governor.FailureThreshold, 3},
		{"GovernorCooldown", cfg.Governor.CooldownSeconds, 30},
		{"GovernorTimeout", cfg.Governor.TimeoutSeconds, 8},
		{"WarmupCooldown", cfg.Warmup.CooldownSeconds, 5},
		{"DownloadRetries", cfg.Download.MaxRetries, 3},
		{"LogLevel", cfg.Logging.Level, "info"},
		{"LogFormat", cfg.Logging.Format, "json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("DefaultConfig().%s = %v, want %v", tt.name, tt.got, tt.expected)
			}
		})
	}
}

func TestValidation_ValidConfig(t *testing.T) {
	cfg := DefaultConfig()
	errors := cfg.Validate()

	if len(errors) != 0 {
		t.Errorf("Validate() on default config returned errors: %v", errors)
	}
}

func TestValidation_InvalidBaseURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Services.Ollama.BaseURL = "not a url"

	errors := cfg.Validate()
	if len(errors) == 0 {
		t.Fatal("Validate() should return error for invalid base_url")
	}

	found := false
	for _, err := range errors {
		if err.Path == "services.ollama.base_url" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected error on services.ollama.base_url, got %v", errors)
	}
}

func TestValidation_CollectsAllViolations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Governor.FailureThreshold = 0
	cfg.Download.MaxRetries = 0
	cfg.Logging.Level = "verbose"

	errors := cfg.Validate()
	if len(errors) != 3 {
		t.Errorf("Expected 3 validation errors, got %d: %v", len(errors), errors)
	}
}

func TestValidation_BackoffCapBelowBase(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Download.BackoffBaseSeconds = 10
	cfg.Download.BackoffCapSeconds = 5

	errors := cfg.Validate()
	if len(errors) != 1 {
		t.Fatalf("Expected 1 validation error, got %d: %v", len(errors), errors)
	}
	if errors[0].Path != "download.backoff_cap_seconds" {
		t.Errorf("Expected error on download.backoff_cap_seconds, got %s", errors[0].Path)
	}
}

func TestLoadFrom_OverridesDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")

	content := `
services:
  ollama:
    base_url: http://localhost:21434
governor:
  failure_threshold: 5
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}

	if cfg.Services.Ollama.BaseURL != "http://localhost:21434" {
		t.Errorf("Expected overridden base_url, got %s", cfg.Services.Ollama.BaseURL)
	}
	if cfg.Governor.FailureThreshold != 5 {
		t.Errorf("Expected failure_threshold 5, got %d", cfg.Governor.FailureThreshold)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected log level debug, got %s", cfg.Logging.Level)
	}

	// Untouched values keep their defaults
	if cfg.Services.Ollama.BinaryName != "ollama" {
		t.Errorf("Expected default binary_name, got %s", cfg.Services.Ollama.BinaryName)
	}
	if cfg.Governor.CooldownSeconds != 30 {
		t.Errorf("Expected default cooldown 30, got %d", cfg.Governor.CooldownSeconds)
	}
}

func TestLoadFrom_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")

	if err := os.WriteFile(path, []byte("services: [not: valid"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadFrom(path); err == nil {
		t.Error("Expected error for invalid YAML")
	}
}

func TestLoadFrom_ValidationFailureNamesField(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")

	content := `
logging:
  level: loud
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := LoadFrom(path)
	if err == nil {
		t.Fatal("Expected validation error")
	}
	if !strings.Contains(err.Error(), "logging.level") {
		t.Errorf("Expected error to name logging.level, got: %v", err)
	}
}

func TestLoadFrom_MissingFile(t *testing.T) {
	if _, err := LoadFrom("/nonexistent/config.yaml"); err == nil {
		t.Error("Expected error for missing file")
	}
}
