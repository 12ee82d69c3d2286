package prometheus

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmyxieat/tcm-intake/internal/infrastructure/monitoring/logging"
	"github.com/timmyxieat/tcm-intake/pkg/errors"
)

func newTestCollector(t *testing.T) MetricsCollector {
	t.Helper()
	c, err := NewMetricsCollector(CollectorConfig{Namespace: "test"}, logging.NewNopLogger())
	require.NoError(t, err)
	return c
}

func scrape(t *testing.T, c MetricsCollector) string {
	t.Helper()
	w := httptest.NewRecorder()
	c.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	return w.Body.String()
}

func TestNewMetricsCollector_RequiresNamespace(t *testing.T) {
	_, err := NewMetricsCollector(CollectorConfig{}, nil)
	assert.True(t, errors.IsValidation(err))
}

func TestNewMetricsCollector_ProcessMetrics(t *testing.T) {
	c, err := NewMetricsCollector(CollectorConfig{Namespace: "test", EnableProcessMetrics: true, EnableGoMetrics: true}, nil)
	require.NoError(t, err)
	out := scrape(t, c)
	assert.Contains(t, out, "go_goroutines")
}

func TestRegisterCounter_Idempotent(t *testing.T) {
	c := newTestCollector(t)
	a := c.RegisterCounter("points_total", "help", "region")
	b := c.RegisterCounter("points_total", "help", "region")
	a.WithLabelValues("Back").Inc()
	b.WithLabelValues("Back").Add(2)

	assert.Contains(t, scrape(t, c), `test_points_total{region="Back"} 3`)
}

func TestRegister_TypeMismatchIsNoop(t *testing.T) {
	c := newTestCollector(t)
	c.RegisterCounter("dup", "help")
	g := c.RegisterGauge("dup", "help")
	assert.NotPanics(t, func() { g.WithLabelValues().Set(5) })
	assert.IsType(t, noopGaugeVec{}, g)
}

func TestRegisterHistogram_Idempotent(t *testing.T) {
	c := newTestCollector(t)
	c.RegisterHistogram("latency_seconds", "help", nil, "op")
	h := c.RegisterHistogram("latency_seconds", "help", nil, "op")
	h.WithLabelValues("save").Observe(0.2)
	out := scrape(t, c)
	assert.Contains(t, out, `test_latency_seconds_count{op="save"} 1`)
}

func TestCollector_ConcurrentRegistration(t *testing.T) {
	c := newTestCollector(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.RegisterCounter("concurrent_total", "help").WithLabelValues().Inc()
		}()
	}
	wg.Wait()
	assert.Contains(t, scrape(t, c), "test_concurrent_total 20")
}

func TestTimer(t *testing.T) {
	c := newTestCollector(t)
	h := c.RegisterHistogram("op_seconds", "help", []float64{1}, "op")
	timer := NewTimer(h.WithLabelValues("x"))
	time.Sleep(time.Millisecond)
	assert.Greater(t, timer.ObserveDuration(), time.Duration(0))
	assert.Contains(t, scrape(t, c), `test_op_seconds_count{op="x"} 1`)

	assert.NotPanics(t, func() { NewTimer(nil).ObserveDuration() })
}
