package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmyxieat/tcm-intake/internal/testutil"
	"github.com/timmyxieat/tcm-intake/pkg/errors"
	"github.com/timmyxieat/tcm-intake/pkg/types/note"
)

var testSchema = note.ResponseSchema{
	Name:   "tcm_clinical_notes",
	Schema: json.RawMessage(`{"type":"object"}`),
}

func newOpenAITestServer(t *testing.T, status int, body string, inspect func(*http.Request, []byte)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		if inspect != nil {
			inspect(r, b)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestOpenAI(t *testing.T, baseURL string) *OpenAIProvider {
	t.Helper()
	p, err := NewOpenAIProvider(Config{
		BaseURL:     baseURL,
		APIKey:      "sk-test",
		Model:       "gpt-4o",
		Temperature: 0.3,
		MaxTokens:   4000,
		Timeout:     5 * time.Second,
	}, testutil.NewMockLogger())
	require.NoError(t, err)
	return p
}

func TestOpenAIProvider_Complete_SendsSchemaAndReturnsContent(t *testing.T) {
	var got chatRequest
	var auth, path string
	srv := newOpenAITestServer(t, http.StatusOK,
		`{"choices":[{"message":{"content":"{\"hpi\":\"x\"}"},"finish_reason":"stop"}],"usage":{"prompt_tokens":12,"completion_tokens":3}}`,
		func(r *http.Request, b []byte) {
			auth = r.Header.Get("Authorization")
			path = r.URL.Path
			require.NoError(t, json.Unmarshal(b, &got))
		})

	out, err := newTestOpenAI(t, srv.URL+"/").Complete(context.Background(), "sys", "user", testSchema)
	require.NoError(t, err)
	assert.Equal(t, `{"hpi":"x"}`, out)

	assert.Equal(t, "Bearer sk-test", auth)
	assert.Equal(t, "/chat/completions", path)
	assert.Equal(t, "gpt-4o", got.Model)
	assert.InDelta(t, 0.3, got.Temperature, 1e-9)
	assert.Equal(t, 4000, got.MaxTokens)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, chatMessage{Role: "system", Content: "sys"}, got.Messages[0])
	assert.Equal(t, chatMessage{Role: "user", Content: "user"}, got.Messages[1])
	assert.Equal(t, "json_schema", got.ResponseFormat.Type)
	assert.Equal(t, "tcm_clinical_notes", got.ResponseFormat.JSONSchema.Name)
	assert.JSONEq(t, `{"type":"object"}`, string(got.ResponseFormat.JSONSchema.Schema))
}

func TestOpenAIProvider_Complete_MissingContentIsEmpty(t *testing.T) {
	for name, body := range map[string]string{
		"no choices":   `{"choices":[]}`,
		"null content": `{"choices":[{"message":{"content":null}}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			srv := newOpenAITestServer(t, http.StatusOK, body, nil)
			out, err := newTestOpenAI(t, srv.URL).Complete(context.Background(), "s", "u", testSchema)
			require.NoError(t, err)
			assert.Empty(t, out)
		})
	}
}

func TestOpenAIProvider_Complete_HTTPErrorIsProviderError(t *testing.T) {
	srv := newOpenAITestServer(t, http.StatusTooManyRequests,
		`{"error":{"message":"Rate limit reached","type":"requests"}}`, nil)

	_, err := newTestOpenAI(t, srv.URL).Complete(context.Background(), "s", "u", testSchema)
	require.Error(t, err)
	assert.True(t, errors.IsProviderError(err))
	assert.Contains(t, err.Error(), "Rate limit reached")

	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "provider=openai status=429", appErr.Detail)
}

func TestOpenAIProvider_Complete_Refusal(t *testing.T) {
	srv := newOpenAITestServer(t, http.StatusOK,
		`{"choices":[{"message":{"content":null,"refusal":"cannot help"}}]}`, nil)

	_, err := newTestOpenAI(t, srv.URL).Complete(context.Background(), "s", "u", testSchema)
	require.Error(t, err)
	assert.True(t, errors.IsProviderError(err))
	assert.Contains(t, err.Error(), "cannot help")
}

func TestOpenAIProvider_Complete_BadEnvelope(t *testing.T) {
	srv := newOpenAITestServer(t, http.StatusOK, `<html>gateway</html>`, nil)

	_, err := newTestOpenAI(t, srv.URL).Complete(context.Background(), "s", "u", testSchema)
	require.Error(t, err)
	assert.True(t, errors.IsProviderError(err))
}

func TestOpenAIProvider_Complete_CanceledContext(t *testing.T) {
	srv := newOpenAITestServer(t, http.StatusOK, `{"choices":[]}`, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestOpenAI(t, srv.URL).Complete(ctx, "s", "u", testSchema)
	require.Error(t, err)
	assert.True(t, errors.IsProviderError(err))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpenAIProvider_SingleRequestPerCall(t *testing.T) {
	calls := 0
	srv := newOpenAITestServer(t, http.StatusInternalServerError, `{"error":{"message":"boom"}}`,
		func(*http.Request, []byte) { calls++ })

	_, err := newTestOpenAI(t, srv.URL).Complete(context.Background(), "s", "u", testSchema)
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestNewOpenAIProvider_Defaults(t *testing.T) {
	p, err := NewOpenAIProvider(Config{APIKey: "k"}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultOpenAIBaseURL, p.baseURL)
	assert.Equal(t, DefaultOpenAIModel, p.model)
	assert.Equal(t, ProviderOpenAI, p.Name())

	_, err = NewOpenAIProvider(Config{}, nil)
	assert.True(t, errors.IsCode(err, errors.ErrCodeLLMNotConfigured))
}
