// Package llm holds the language-model providers used by the note extractor.
// Each provider sends one request per call, never retries, and reports
// failures as NOTE_002 provider errors.
package llm

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/timmyxieat/tcm-intake/internal/infrastructure/monitoring/logging"
	"github.com/timmyxieat/tcm-intake/pkg/errors"
	"github.com/timmyxieat/tcm-intake/pkg/types/note"
)

// Provider names accepted in configuration.
const (
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"
	ProviderAnthropic = "anthropic"
)

const (
	DefaultTimeout     = 60 * time.Second
	DefaultTemperature = 0.3
	DefaultMaxTokens   = 4000
)

// Config selects and tunes a provider.
type Config struct {
	Provider    string        `mapstructure:"provider"`
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
	LogBodies   bool          `mapstructure:"log_bodies"`

	// HTTPClient overrides the transport for the OpenAI and Anthropic
	// providers.  Not loaded from configuration.
	HTTPClient *http.Client `mapstructure:"-"`
}

// Provider is a named chat completion backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, systemPrompt, userPrompt string, schema note.ResponseSchema) (string, error)
}

// SupportedProviders lists the names NewProvider accepts.
func SupportedProviders() []string {
	return []string{ProviderOpenAI, ProviderGemini, ProviderAnthropic}
}

// NewProvider builds the provider named by cfg.Provider.  An empty name
// selects OpenAI.
func NewProvider(ctx context.Context, cfg Config, logger logging.Logger) (Provider, error) {
	if logger == nil {
		logger = logging.Default()
	}
	name := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if name == "" {
		name = ProviderOpenAI
	}
	logger.Info("initializing llm provider",
		logging.String(logging.FieldProvider, name),
		logging.String("model", cfg.Model),
	)
	var (
		p   Provider
		err error
	)
	switch name {
	case ProviderOpenAI:
		p, err = NewOpenAIProvider(cfg, logger)
	case ProviderGemini:
		p, err = NewGeminiProvider(ctx, cfg, logger)
	case ProviderAnthropic:
		p, err = NewAnthropicProvider(cfg, logger)
	default:
		return nil, errors.Newf(errors.ErrCodeLLMProviderUnsupported, "unsupported llm provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// schemaInstruction renders the schema into prompt text for providers that
// do not accept a response schema natively.
func schemaInstruction(schema note.ResponseSchema) string {
	if len(schema.Schema) == 0 {
		return ""
	}
	return "Respond with a single JSON object that validates against this JSON Schema (" +
		schema.Name + "). Do not wrap it in markdown.\n" + string(schema.Schema)
}
