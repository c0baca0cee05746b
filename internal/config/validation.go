package config

import (
	"fmt"
	"net/url"
)

// Validate checks the configuration and returns all violations found
func (c Config) Validate() []ValidationError {
	var errs []ValidationError

	errs = append(errs, validateService("services.ollama", c.Services.Ollama)...)
	errs = append(errs, validateService("services.whisper", c.Services.Whisper)...)

	if c.Governor.FailureThreshold < 1 {
		errs = append(errs, ValidationError{"governor.failure_threshold", "must be at least 1"})
	}
	if c.Governor.CooldownSeconds < 1 {
		errs = append(errs, ValidationError{"governor.cooldown_seconds", "must be at least 1"})
	}
	if c.Governor.TimeoutSeconds < 1 {
		errs = append(errs, ValidationError{"governor.timeout_seconds", "must be at least 1"})
	}

	if c.Warmup.CooldownSeconds < 0 {
		errs = append(errs, ValidationError{"warmup.cooldown_seconds", "must not be negative"})
	}

	if c.Download.MaxRetries < 1 {
		errs = append(errs, ValidationError{"download.max_retries", "must be at least 1"})
	}
	if c.Download.BackoffBaseSeconds < 1 {
		errs = append(errs, ValidationError{"download.backoff_base_seconds", "must be at least 1"})
	}
	if c.Download.BackoffCapSeconds < c.Download.BackoffBaseSeconds {
		errs = append(errs, ValidationError{"download.backoff_cap_seconds", "must not be below backoff_base_seconds"})
	}

	if c.Store.DataDir == "" {
		errs = append(errs, ValidationError{"store.data_dir", "must not be empty"})
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{"logging.level", fmt.Sprintf("unknown level %q", c.Logging.Level)})
	}

	return errs
}

func validateService(path string, sc ServiceConfig) []ValidationError {
	var errs []ValidationError

	if sc.BaseURL == "" {
		errs = append(errs, ValidationError{path + ".base_url", "must not be empty"})
	} else if _, err := url.ParseRequestURI(sc.BaseURL); err != nil {
		errs = append(errs, ValidationError{path + ".base_url", "must be a valid URL"})
	}
	if sc.BinaryName == "" {
		errs = append(errs, ValidationError{path + ".binary_name", "must not be empty"})
	}
	if sc.StartupTimeoutSeconds < 1 {
		errs = append(errs, ValidationError{path + ".startup_timeout_seconds", "must be at least 1"})
	}
	if sc.StopTimeoutSeconds < 1 {
		errs = append(errs, ValidationError{path + ".stop_timeout_seconds", "must be at least 1"})
	}

	return errs
}
