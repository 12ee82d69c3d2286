package prometheus

import (
	"context"
	"strconv"
	"time"
)

// AppMetrics holds every metric family the service exports.  It implements
// the extractor's Metrics interface.
type AppMetrics struct {
	HTTPRequestsTotal   CounterVec
	HTTPRequestDuration HistogramVec
	HTTPActiveRequests  GaugeVec

	ExtractionsTotal     CounterVec
	ExtractionDuration   HistogramVec
	ClassificationMisses CounterVec
	ICDMisses            CounterVec
	MissingDuration      CounterVec

	LLMRequestsTotal   CounterVec
	LLMRequestDuration HistogramVec

	DBQueryDuration  HistogramVec
	CacheHitsTotal   CounterVec
	CacheMissesTotal CounterVec
	EventsPublished  CounterVec
	ArchiveWrites    CounterVec

	HealthCheckStatus GaugeVec
	ErrorsTotal       CounterVec
}

var (
	DefaultHTTPDurationBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}
	DefaultLLMDurationBuckets  = []float64{.5, 1, 2, 5, 10, 20, 30, 60, 120}
	DefaultDBDurationBuckets   = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5}
)

// NewAppMetrics registers all families on collector.
func NewAppMetrics(collector MetricsCollector) *AppMetrics {
	m := &AppMetrics{}

	m.HTTPRequestsTotal = collector.RegisterCounter("http_requests_total", "Total HTTP requests", "method", "path", "status_code")
	m.HTTPRequestDuration = collector.RegisterHistogram("http_request_duration_seconds", "HTTP request duration", DefaultHTTPDurationBuckets, "method", "path")
	m.HTTPActiveRequests = collector.RegisterGauge("http_active_requests", "In-flight HTTP requests", "method")

	m.ExtractionsTotal = collector.RegisterCounter("note_extractions_total", "Note extractions by outcome", "outcome")
	m.ExtractionDuration = collector.RegisterHistogram("note_extraction_duration_seconds", "End-to-end extraction duration", DefaultLLMDurationBuckets, "outcome")
	m.ClassificationMisses = collector.RegisterCounter("point_classification_misses_total", "Points that fell back to the Other region", "reason")
	m.ICDMisses = collector.RegisterCounter("icd_whitelist_misses_total", "Chief complaints with no whitelist code")
	m.MissingDuration = collector.RegisterCounter("complaint_missing_duration_total", "Chief complaints without a duration phrase")

	m.LLMRequestsTotal = collector.RegisterCounter("llm_requests_total", "LLM requests", "provider", "status")
	m.LLMRequestDuration = collector.RegisterHistogram("llm_request_duration_seconds", "LLM request duration", DefaultLLMDurationBuckets, "provider")

	m.DBQueryDuration = collector.RegisterHistogram("db_query_duration_seconds", "Database query duration", DefaultDBDurationBuckets, "operation")
	m.CacheHitsTotal = collector.RegisterCounter("cache_hits_total", "Cache hits", "cache")
	m.CacheMissesTotal = collector.RegisterCounter("cache_misses_total", "Cache misses", "cache")
	m.EventsPublished = collector.RegisterCounter("events_published_total", "Domain events published", "topic", "status")
	m.ArchiveWrites = collector.RegisterCounter("response_archive_writes_total", "Raw provider responses archived", "status")

	m.HealthCheckStatus = collector.RegisterGauge("health_check_status", "Health check status (1=up, 0=down)", "component")
	m.ErrorsTotal = collector.RegisterCounter("errors_total", "Errors by component and code", "component", "code")

	return m
}

// RecordExtraction counts one extraction and its duration.
func (m *AppMetrics) RecordExtraction(_ context.Context, outcome string, durationMs float64) {
	m.ExtractionsTotal.WithLabelValues(outcome).Inc()
	m.ExtractionDuration.WithLabelValues(outcome).Observe(durationMs / 1000)
}

func (m *AppMetrics) RecordClassificationMiss(_ context.Context, reason string) {
	m.ClassificationMisses.WithLabelValues(reason).Inc()
}

func (m *AppMetrics) RecordICDMiss(context.Context) {
	m.ICDMisses.WithLabelValues().Inc()
}

func (m *AppMetrics) RecordMissingDuration(context.Context) {
	m.MissingDuration.WithLabelValues().Inc()
}

func (m *AppMetrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(statusCode)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func (m *AppMetrics) RecordLLMCall(provider string, success bool, duration time.Duration) {
	m.LLMRequestsTotal.WithLabelValues(provider, statusLabel(success)).Inc()
	m.LLMRequestDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func (m *AppMetrics) RecordDBQuery(operation string, duration time.Duration) {
	m.DBQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *AppMetrics) RecordCacheAccess(cache string, hit bool) {
	if hit {
		m.CacheHitsTotal.WithLabelValues(cache).Inc()
		return
	}
	m.CacheMissesTotal.WithLabelValues(cache).Inc()
}

func (m *AppMetrics) RecordEvent(topic string, success bool) {
	m.EventsPublished.WithLabelValues(topic, statusLabel(success)).Inc()
}

func (m *AppMetrics) RecordArchive(success bool) {
	m.ArchiveWrites.WithLabelValues(statusLabel(success)).Inc()
}

func (m *AppMetrics) SetHealth(component string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	m.HealthCheckStatus.WithLabelValues(component).Set(v)
}

func (m *AppMetrics) RecordError(component, code string) {
	m.ErrorsTotal.WithLabelValues(component, code).Inc()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
