package config

// Config represents the complete modelstack configuration
type Config struct {
	Services ServicesConfig `yaml:"services"`
	Governor GovernorConfig `yaml:"governor"`
	Warmup   WarmupConfig   `yaml:"warmup"`
	Download DownloadConfig `yaml:"download"`
	Store    StoreConfig    `yaml:"store"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServicesConfig holds per-service endpoints and timings
type ServicesConfig struct {
	Ollama  ServiceConfig `yaml:"ollama"`
	Whisper ServiceConfig `yaml:"whisper"`
}

// ServiceConfig represents one supervised local service
type ServiceConfig struct {
	BaseURL               string `yaml:"base_url"`
	BinaryName            string `yaml:"binary_name"`
	StartupTimeoutSeconds int    `yaml:"startup_timeout_seconds"`
	StopTimeoutSeconds    int    `yaml:"stop_timeout_seconds"`
}

// GovernorConfig represents circuit breaker and call timeout settings
type GovernorConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	CooldownSeconds  int `yaml:"cooldown_seconds"`
	TimeoutSeconds   int `yaml:"timeout_seconds"`
}

// WarmupConfig represents model warm-up settings
type WarmupConfig struct {
	CooldownSeconds int `yaml:"cooldown_seconds"`
}

// DownloadConfig represents artifact download retry settings
type DownloadConfig struct {
	MaxRetries         int `yaml:"max_retries"`
	BackoffBaseSeconds int `yaml:"backoff_base_seconds"`
	BackoffCapSeconds  int `yaml:"backoff_cap_seconds"`
}

// StoreConfig represents provider/model state store settings
type StoreConfig struct {
	DataDir        string `yaml:"data_dir"`
	PassphraseFile string `yaml:"passphrase_file"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Path    string
	Message string
}

func (e ValidationError) Error() string {
	return e.Path + ": " + e.Message
}
