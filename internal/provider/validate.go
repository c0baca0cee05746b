package provider

import (
	"context"
	"fmt"
	"regexp"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"modelstack/internal/logging"
)

// InvalidKeyError rejects a credential before it is persisted.
type InvalidKeyError struct {
	Provider string
	Reason   string
}

func (e *InvalidKeyError) Error() string {
	return fmt.Sprintf("invalid API key for %s: %s", e.Provider, e.Reason)
}

var (
	geminiKeyPattern   = regexp.MustCompile(`^AIza[0-9A-Za-z_-]{30,}$`)
	deepgramKeyPattern = regexp.MustCompile(`^[0-9a-f]{32,}$`)
)

// Validator checks API keys before the state store accepts them.
// OpenAI-compatible keys are verified with a live model listing; the
// remaining remote providers get a format check only, since their
// cheapest verification endpoints are billable.
type Validator struct {
	logger  *logging.Logger
	timeout time.Duration

	// openAIBaseURL overrides the OpenAI endpoint. Tests and the hosted
	// provider point it at an alternate OpenAI-compatible server.
	openAIBaseURL string
	hostedBaseURL string
}

// NewValidator creates a key validator.
func NewValidator(logger *logging.Logger) *Validator {
	return &Validator{logger: logger, timeout: 10 * time.Second}
}

// SetOpenAIBaseURL points OpenAI validation at an alternate endpoint.
func (v *Validator) SetOpenAIBaseURL(baseURL string) { v.openAIBaseURL = baseURL }

// SetHostedBaseURL points hosted (virtual key) validation at an endpoint.
func (v *Validator) SetHostedBaseURL(baseURL string) { v.hostedBaseURL = baseURL }

// ValidateKey checks key for the given provider. A nil return means the
// credential may be persisted.
func (v *Validator) ValidateKey(ctx context.Context, providerID, key string) error {
	desc, ok := Lookup(providerID)
	if !ok {
		return &InvalidKeyError{Provider: providerID, Reason: "unknown provider"}
	}

	if desc.Kind == KindLocal {
		if key != LocalSentinel {
			return &InvalidKeyError{Provider: providerID, Reason: "local providers take no API key"}
		}
		return nil
	}

	if key == "" {
		return &InvalidKeyError{Provider: providerID, Reason: "empty key"}
	}

	switch providerID {
	case "openai":
		return v.probeOpenAICompatible(ctx, providerID, key, v.openAIBaseURL)
	case HostedID:
		return v.probeOpenAICompatible(ctx, providerID, key, v.hostedBaseURL)
	case "gemini":
		if !geminiKeyPattern.MatchString(key) {
			return &InvalidKeyError{Provider: providerID, Reason: "malformed key"}
		}
	case "deepgram":
		if !deepgramKeyPattern.MatchString(key) {
			return &InvalidKeyError{Provider: providerID, Reason: "malformed key"}
		}
	}
	return nil
}

// probeOpenAICompatible lists models, the cheapest authenticated call on
// OpenAI-style APIs.
func (v *Validator) probeOpenAICompatible(ctx context.Context, providerID, key, baseURL string) error {
	cfg := openai.DefaultConfig(key)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	client := openai.NewClientWithConfig(cfg)

	probeCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	if _, err := client.ListModels(probeCtx); err != nil {
		v.logger.Warn("provider.key_rejected", "API key probe failed", map[string]interface{}{
			"provider": providerID,
			"error":    err.Error(),
		})
		return &InvalidKeyError{Provider: providerID, Reason: "key rejected by provider"}
	}
	return nil
}
