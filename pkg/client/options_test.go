package client

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptions(t *testing.T) {
	custom := &http.Client{}
	logger := &testLogger{}
	c, err := NewClient("https://intake.example",
		WithHTTPClient(custom),
		WithTimeout(7*time.Second),
		WithAPIKey("k"),
		WithLogger(logger),
		WithRetryMax(1),
		WithUserAgent("ehr-bridge/2"),
	)
	require.NoError(t, err)
	assert.Same(t, custom, c.httpClient)
	assert.Equal(t, 7*time.Second, c.httpClient.Timeout)
	assert.Equal(t, "k", c.apiKey)
	assert.Same(t, logger, c.logger)
	assert.Equal(t, 1, c.retryMax)
	assert.Equal(t, "ehr-bridge/2", c.userAgent)
}

func TestOptions_IgnoreInvalidValues(t *testing.T) {
	c, err := NewClient("http://localhost",
		WithHTTPClient(nil),
		WithTimeout(0),
		WithLogger(nil),
		WithRetryMax(-1),
		WithUserAgent(""),
	)
	require.NoError(t, err)
	assert.NotNil(t, c.httpClient)
	assert.Equal(t, 120*time.Second, c.httpClient.Timeout)
	assert.NotNil(t, c.logger)
	assert.Equal(t, 3, c.retryMax)
	assert.Contains(t, c.userAgent, "tcmintake-go-sdk/")
}

func TestWithRetryWait(t *testing.T) {
	tests := []struct {
		name             string
		min, max         time.Duration
		wantMin, wantMax time.Duration
	}{
		{"valid", time.Second, 2 * time.Second, time.Second, 2 * time.Second},
		{"max below min keeps default max", time.Second, time.Millisecond, time.Second, 5 * time.Second},
		{"zero min ignored", 0, time.Second, 500 * time.Millisecond, 5 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewClient("http://localhost", WithRetryWait(tt.min, tt.max))
			require.NoError(t, err)
			assert.Equal(t, tt.wantMin, c.retryWaitMin)
			assert.Equal(t, tt.wantMax, c.retryWaitMax)
		})
	}
}
