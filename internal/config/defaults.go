package config

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		Services: ServicesConfig{
			Ollama: ServiceConfig{
				BaseURL:               "http://localhost:11434",
				BinaryName:            "ollama",
				StartupTimeoutSeconds: 30,
				StopTimeoutSeconds:    10,
			},
			Whisper: ServiceConfig{
				BaseURL:               "http://localhost:9090",
				BinaryName:            "whisper-server",
				StartupTimeoutSeconds: 20,
				StopTimeoutSeconds:    10,
			},
		},
		Governor: GovernorConfig{
			FailureThreshold: 3,
			CooldownSeconds:  30,
			TimeoutSeconds:   8,
		},
		Warmup: WarmupConfig{
			CooldownSeconds: 5,
		},
		Download: DownloadConfig{
			MaxRetries:         3,
			BackoffBaseSeconds: 1,
			BackoffCapSeconds:  16,
		},
		Store: StoreConfig{
			DataDir:        "/var/lib/modelstack",
			PassphraseFile: "/var/lib/modelstack/.passphrase",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
