package llm

import (
	"context"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
	lcschema "github.com/tmc/langchaingo/schema"

	"github.com/timmyxieat/tcm-intake/internal/infrastructure/monitoring/logging"
	"github.com/timmyxieat/tcm-intake/pkg/errors"
	"github.com/timmyxieat/tcm-intake/pkg/types/note"
)

// DefaultGeminiModel is used when no model is configured.
const DefaultGeminiModel = "gemini-1.5-flash"

// GeminiProvider drives a langchaingo model in JSON mode.  System prompt,
// schema and notes are sent as a single prompt.
type GeminiProvider struct {
	model       llms.Model
	modelName   string
	temperature float64
	maxTokens   int
	logger      logging.Logger
}

// NewGeminiProvider builds a Google AI backed provider.
func NewGeminiProvider(ctx context.Context, cfg Config, logger logging.Logger) (*GeminiProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New(errors.ErrCodeLLMNotConfigured, "gemini api key is required")
	}
	modelName := cfg.Model
	if modelName == "" {
		modelName = DefaultGeminiModel
	}
	m, err := googleai.New(ctx,
		googleai.WithAPIKey(cfg.APIKey),
		googleai.WithDefaultModel(modelName),
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeLLMNotConfigured, "create gemini client")
	}
	cfg.Model = modelName
	return NewGeminiProviderWithModel(m, cfg, logger), nil
}

// NewGeminiProviderWithModel wraps an existing langchaingo model.
func NewGeminiProviderWithModel(m llms.Model, cfg Config, logger logging.Logger) *GeminiProvider {
	if logger == nil {
		logger = logging.Default()
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &GeminiProvider{
		model:       m,
		modelName:   cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   maxTokens,
		logger:      logger.Named("llm.gemini"),
	}
}

// Name identifies the provider in logs and metrics.
func (p *GeminiProvider) Name() string { return ProviderGemini }

// Complete returns the first candidate's text, or "" when there is none.
func (p *GeminiProvider) Complete(ctx context.Context, systemPrompt, userPrompt string, schema note.ResponseSchema) (string, error) {
	var sb strings.Builder
	sb.WriteString(systemPrompt)
	if instr := schemaInstruction(schema); instr != "" {
		sb.WriteString("\n\n")
		sb.WriteString(instr)
	}
	sb.WriteString("\n\n")
	sb.WriteString(userPrompt)

	content := []llms.MessageContent{llms.TextParts(lcschema.ChatMessageTypeHuman, sb.String())}
	resp, err := p.model.GenerateContent(ctx, content,
		llms.WithJSONMode(),
		llms.WithTemperature(p.temperature),
		llms.WithMaxTokens(p.maxTokens),
	)
	if err != nil {
		return "", errors.Provider(err, "generate content failed").WithDetail("provider=" + ProviderGemini)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", nil
	}
	out := resp.Choices[0].Content
	p.logger.Debug("generation finished",
		logging.String("model", p.modelName),
		logging.Int("response_bytes", len(out)),
	)
	return out, nil
}
