package llm

import (
	"bytes"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/timmyxieat/tcm-intake/internal/infrastructure/monitoring/logging"
)

const maxLoggedBody = 4096

var secretRe = regexp.MustCompile(`(?i)("?(?:api[_-]?key|x-api-key|key)"?\s*[:=]\s*"?)[A-Za-z0-9\-\._~+/=]{8,}`)

// loggingTransport logs every outbound provider call.  Headers are never
// logged.  Bodies are logged only when logBodies is set, truncated and with
// key-looking values masked.
type loggingTransport struct {
	base      http.RoundTripper
	logger    logging.Logger
	logBodies bool
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	fields := []logging.Field{
		logging.String("method", req.Method),
		logging.String("host", req.URL.Host),
		logging.String("path", req.URL.Path),
	}
	if id := logging.RequestIDFromContext(req.Context()); id != "" {
		fields = append(fields, logging.String(logging.FieldRequestID, id))
	}

	if t.logBodies && req.Body != nil {
		b, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
		req.Body = io.NopCloser(bytes.NewReader(b))
		req.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(b)), nil }
		fields = append(fields, logging.String("request_body", redactBody(b)))
	}

	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	fields = append(fields, logging.Duration("elapsed", time.Since(start)))
	if err != nil {
		t.logger.Warn("llm request failed", append(fields, logging.Err(err))...)
		return resp, err
	}
	fields = append(fields, logging.Int("status", resp.StatusCode))

	if t.logBodies && resp.Body != nil {
		b, rerr := io.ReadAll(resp.Body)
		resp.Body.Close()
		resp.Body = io.NopCloser(bytes.NewReader(b))
		if rerr == nil {
			fields = append(fields, logging.String("response_body", redactBody(b)))
		}
	}
	t.logger.Debug("llm request", fields...)
	return resp, nil
}

func redactBody(b []byte) string {
	if len(b) > maxLoggedBody {
		b = append(append([]byte(nil), b[:maxLoggedBody]...), "...(truncated)"...)
	}
	return string(secretRe.ReplaceAll(b, []byte("${1}***REDACTED***")))
}

func newHTTPClient(cfg Config, logger logging.Logger) *http.Client {
	if cfg.HTTPClient != nil {
		return cfg.HTTPClient
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &loggingTransport{
			base:      http.DefaultTransport,
			logger:    logger.Named("llm.http"),
			logBodies: cfg.LogBodies,
		},
	}
}
