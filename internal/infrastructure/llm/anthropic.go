package llm

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/timmyxieat/tcm-intake/internal/infrastructure/monitoring/logging"
	"github.com/timmyxieat/tcm-intake/pkg/errors"
	"github.com/timmyxieat/tcm-intake/pkg/types/note"
)

// DefaultAnthropicModel is used when no model is configured.
const DefaultAnthropicModel = "claude-sonnet-4-5-20250929"

// AnthropicProvider calls the Messages API.  The response schema travels in
// the system prompt since the API has no json_schema response format.
type AnthropicProvider struct {
	client      anthropic.Client
	model       string
	temperature float64
	maxTokens   int64
	logger      logging.Logger
}

// NewAnthropicProvider builds a provider with SDK retries disabled.
func NewAnthropicProvider(cfg Config, logger logging.Logger) (*AnthropicProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New(errors.ErrCodeLLMNotConfigured, "anthropic api key is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
		option.WithHTTPClient(newHTTPClient(cfg, logger)),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = DefaultAnthropicModel
	}
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &AnthropicProvider{
		client:      anthropic.NewClient(opts...),
		model:       model,
		temperature: cfg.Temperature,
		maxTokens:   maxTokens,
		logger:      logger.Named("llm.anthropic"),
	}, nil
}

// Name identifies the provider in logs and metrics.
func (p *AnthropicProvider) Name() string { return ProviderAnthropic }

// Complete returns the first text block of the reply, or "" when there is none.
func (p *AnthropicProvider) Complete(ctx context.Context, systemPrompt, userPrompt string, schema note.ResponseSchema) (string, error) {
	system := systemPrompt
	if instr := schemaInstruction(schema); instr != "" {
		system += "\n\n" + instr
	}
	message, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(p.model),
		MaxTokens:   p.maxTokens,
		Temperature: anthropic.Float(p.temperature),
		System:      []anthropic.TextBlockParam{{Text: system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		detail := "provider=" + ProviderAnthropic
		var apiErr *anthropic.Error
		if stderrors.As(err, &apiErr) {
			detail = fmt.Sprintf("provider=%s status=%d", ProviderAnthropic, apiErr.StatusCode)
		}
		return "", errors.Provider(err, "messages request failed").WithDetail(detail)
	}

	p.logger.Debug("message finished",
		logging.String("model", p.model),
		logging.Int64("input_tokens", message.Usage.InputTokens),
		logging.Int64("output_tokens", message.Usage.OutputTokens),
		logging.String("stop_reason", string(message.StopReason)),
	)
	for _, block := range message.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", nil
}
