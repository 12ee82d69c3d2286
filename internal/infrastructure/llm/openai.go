package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/timmyxieat/tcm-intake/internal/infrastructure/monitoring/logging"
	"github.com/timmyxieat/tcm-intake/pkg/errors"
	"github.com/timmyxieat/tcm-intake/pkg/types/note"
)

const (
	// DefaultOpenAIBaseURL is the public OpenAI API root.
	DefaultOpenAIBaseURL = "https://api.openai.com/v1"
	// DefaultOpenAIModel supports json_schema response formats.
	DefaultOpenAIModel = "gpt-4o"

	maxErrorBody = 2048
)

// OpenAIProvider calls an OpenAI-compatible /chat/completions endpoint with a
// json_schema response format.
type OpenAIProvider struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	maxTokens   int
	httpClient  *http.Client
	logger      logging.Logger
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type jsonSchemaFormat struct {
	Name   string          `json:"name"`
	Strict bool            `json:"strict"`
	Schema json.RawMessage `json:"schema"`
}

type responseFormat struct {
	Type       string           `json:"type"`
	JSONSchema jsonSchemaFormat `json:"json_schema"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	MaxTokens      int            `json:"max_tokens,omitempty"`
	ResponseFormat responseFormat `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content *string `json:"content"`
			Refusal *string `json:"refusal"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type apiErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// NewOpenAIProvider validates cfg and builds a provider.  A nil logger falls
// back to logging.Default().
func NewOpenAIProvider(cfg Config, logger logging.Logger) (*OpenAIProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New(errors.ErrCodeLLMNotConfigured, "openai api key is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultOpenAIBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = DefaultOpenAIModel
	}
	return &OpenAIProvider{
		baseURL:     baseURL,
		apiKey:      cfg.APIKey,
		model:       model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		httpClient:  newHTTPClient(cfg, logger),
		logger:      logger.Named("llm.openai"),
	}, nil
}

// Name identifies the provider in logs and metrics.
func (p *OpenAIProvider) Name() string { return ProviderOpenAI }

// Complete sends one chat completion request and returns the message content.
// A response without content yields "" so the caller reports it as malformed.
func (p *OpenAIProvider) Complete(ctx context.Context, systemPrompt, userPrompt string, schema note.ResponseSchema) (string, error) {
	payload, err := json.Marshal(chatRequest{
		Model: p.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: p.temperature,
		MaxTokens:   p.maxTokens,
		ResponseFormat: responseFormat{
			Type:       "json_schema",
			JSONSchema: jsonSchemaFormat{Name: schema.Name, Strict: schema.Strict, Schema: schema.Schema},
		},
	})
	if err != nil {
		return "", errors.Provider(err, "encode chat completion request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", errors.Provider(err, "build chat completion request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", errors.Provider(err, "chat completion request failed").
			WithDetail("provider=" + ProviderOpenAI)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Provider(err, "read chat completion response")
	}
	if resp.StatusCode/100 != 2 {
		return "", statusError(resp.StatusCode, body)
	}

	var out chatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", errors.Provider(err, "decode chat completion envelope").
			WithDetail(fmt.Sprintf("provider=%s status=%d", ProviderOpenAI, resp.StatusCode))
	}

	p.logger.Debug("chat completion finished",
		logging.String("model", p.model),
		logging.Int("prompt_tokens", out.Usage.PromptTokens),
		logging.Int("completion_tokens", out.Usage.CompletionTokens),
		logging.Duration("elapsed", time.Since(start)),
	)

	if len(out.Choices) == 0 {
		return "", nil
	}
	msg := out.Choices[0].Message
	if msg.Refusal != nil && *msg.Refusal != "" {
		return "", errors.Provider(fmt.Errorf("model refused: %s", *msg.Refusal), "language model refused the request").
			WithDetail("provider=" + ProviderOpenAI)
	}
	if msg.Content == nil {
		return "", nil
	}
	return *msg.Content, nil
}

func statusError(status int, body []byte) error {
	var apiErr apiErrorBody
	msg := ""
	if json.Unmarshal(body, &apiErr) == nil {
		msg = apiErr.Error.Message
	}
	if msg == "" {
		msg = string(body)
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
	}
	return errors.Provider(fmt.Errorf("http %d: %s", status, msg), "chat completion request rejected").
		WithDetail(fmt.Sprintf("provider=%s status=%d", ProviderOpenAI, status))
}
