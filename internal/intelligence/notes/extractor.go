// Package notes turns free-text clinical notes into a StructuredNote with a
// single schema-constrained LLM call followed by deterministic
// post-processing: point normalization, ICD backfill and regionization.
package notes

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/timmyxieat/tcm-intake/internal/infrastructure/monitoring/logging"
	"github.com/timmyxieat/tcm-intake/internal/intelligence/acupuncture"
	"github.com/timmyxieat/tcm-intake/internal/intelligence/icd"
	"github.com/timmyxieat/tcm-intake/pkg/errors"
	"github.com/timmyxieat/tcm-intake/pkg/types/note"
)

// Provider is an LLM chat completion capability that honors a JSON Schema
// response format.  It returns the raw message content.
type Provider interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string, schema note.ResponseSchema) (string, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, systemPrompt, userPrompt string, schema note.ResponseSchema) (string, error)

// Complete calls f.
func (f ProviderFunc) Complete(ctx context.Context, systemPrompt, userPrompt string, schema note.ResponseSchema) (string, error) {
	return f(ctx, systemPrompt, userPrompt, schema)
}

// Extraction outcomes recorded by Metrics.
const (
	OutcomeSuccess         = "success"
	OutcomeEmptyInput      = "empty_input"
	OutcomeProviderError   = "provider_error"
	OutcomeSchemaViolation = "schema_violation"
	OutcomeMalformed       = "malformed_response"
)

// Metrics records extraction telemetry.
type Metrics interface {
	RecordExtraction(ctx context.Context, outcome string, durationMs float64)
	RecordClassificationMiss(ctx context.Context, reason string)
	RecordICDMiss(ctx context.Context)
	RecordMissingDuration(ctx context.Context)
}

type noopMetrics struct{}

func (noopMetrics) RecordExtraction(context.Context, string, float64) {}
func (noopMetrics) RecordClassificationMiss(context.Context, string) {}
func (noopMetrics) RecordICDMiss(context.Context) {}
func (noopMetrics) RecordMissingDuration(context.Context) {}

// Report describes the non-fatal findings of one extraction.
type Report struct {
	ClassificationMisses []acupuncture.Classification `json:"classificationMisses,omitempty"`
	ICDMisses            []icd.Miss                   `json:"icdMisses,omitempty"`
	MissingDuration      []string                     `json:"missingDuration,omitempty"`
	PromptVersion        string                       `json:"promptVersion"`
	Duration             time.Duration                `json:"duration"`
}

// Extractor runs the extraction pipeline.  It holds no mutable state and is
// safe for concurrent use.
type Extractor struct {
	provider Provider
	metrics  Metrics
	logger   logging.Logger
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(e *Extractor) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(e *Extractor) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewExtractor builds an Extractor around provider.
func NewExtractor(provider Provider, opts ...Option) (*Extractor, error) {
	if provider == nil {
		return nil, errors.InvalidParam("provider is required")
	}
	e := &Extractor{
		provider: provider,
		metrics:  noopMetrics{},
		logger:   logging.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Extract converts clinical notes into a StructuredNote.  It fails with
// EmptyInput, Provider, SchemaViolation or MalformedResponse errors and
// never returns a partial note.
func (e *Extractor) Extract(ctx context.Context, clinicalNotes string) (*note.StructuredNote, error) {
	n, _, err := e.ExtractWithReport(ctx, clinicalNotes)
	return n, err
}

// ExtractWithReport is Extract plus the non-fatal findings.
func (e *Extractor) ExtractWithReport(ctx context.Context, clinicalNotes string) (*note.StructuredNote, *Report, error) {
	start := time.Now()
	log := e.logger.WithContext(ctx)

	n, report, err := e.extract(ctx, log, clinicalNotes)
	elapsed := time.Since(start)
	e.metrics.RecordExtraction(ctx, outcomeOf(err), float64(elapsed.Microseconds())/1000.0)
	if err != nil {
		log.WithError(err).Warn("extraction failed")
		return nil, nil, err
	}
	report.Duration = elapsed
	logging.LogOperationDuration(log, "extract", start,
		logging.Int("points", len(n.AcupuncturePoints)),
		logging.Int("regions", len(n.Acupuncture)),
		logging.String("prompt_version", PromptVersion),
	)
	return n, report, nil
}

func (e *Extractor) extract(ctx context.Context, log logging.Logger, clinicalNotes string) (*note.StructuredNote, *Report, error) {
	if strings.TrimSpace(clinicalNotes) == "" {
		return nil, nil, errors.EmptyInput("clinical notes are empty")
	}

	prompt, err := BuildPrompt(clinicalNotes)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "build prompt")
	}

	content, err := e.provider.Complete(ctx, prompt.System, prompt.User, ProviderSchema())
	if err != nil {
		if errors.IsProviderError(err) {
			return nil, nil, err
		}
		return nil, nil, errors.Provider(err, "language model request failed")
	}

	doc, err := parseContent(content)
	if err != nil {
		return nil, nil, err
	}

	violations, err := ValidateDocument(doc)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "validate response")
	}
	if len(violations) > 0 {
		return nil, nil, errors.SchemaViolation("response does not match the note schema", violations)
	}

	n, violations, err := decodeResponse(doc)
	if err != nil {
		return nil, nil, errors.MalformedResponse(err, "response could not be decoded")
	}
	if len(violations) > 0 {
		return nil, nil, errors.SchemaViolation("response does not match the note schema", violations)
	}

	normalizeNote(n, clinicalNotes)
	report := e.postProcess(ctx, log, n)
	return n, report, nil
}

// parseContent rejects empty or non-JSON content.  A single markdown code
// fence around the object is tolerated.
func parseContent(content string) ([]byte, error) {
	trimmed := stripCodeFence(strings.TrimSpace(content))
	if trimmed == "" {
		return nil, errors.MalformedResponse(nil, "response content is empty")
	}
	doc := []byte(trimmed)
	if !json.Valid(doc) {
		return nil, errors.MalformedResponse(fmt.Errorf("invalid JSON (%d bytes)", len(doc)), "response is not valid JSON")
	}
	return doc, nil
}

func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") || !strings.HasSuffix(s, "```") || len(s) < 6 {
		return s
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "```"), "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 && !strings.HasPrefix(strings.TrimSpace(s[:nl]), "{") {
		s = s[nl+1:]
	}
	return strings.TrimSpace(s)
}

func (e *Extractor) postProcess(ctx context.Context, log logging.Logger, n *note.StructuredNote) *Report {
	report := &Report{PromptVersion: PromptVersion}

	for _, miss := range icd.Backfill(n.ChiefComplaints) {
		report.ICDMisses = append(report.ICDMisses, miss)
		e.metrics.RecordICDMiss(ctx)
		log.Info("no whitelisted ICD-10 code for complaint", logging.String("symptom", miss.Symptom))
	}

	organizer := acupuncture.NewOrganizer(acupuncture.NewClassifier(acupuncture.WithMissObserver(
		acupuncture.MissObserverFunc(func(c acupuncture.Classification) {
			report.ClassificationMisses = append(report.ClassificationMisses, c)
			e.metrics.RecordClassificationMiss(ctx, string(c.Miss))
			log.Warn("point classified as Other",
				logging.String(logging.FieldPoint, c.Name),
				logging.String("reason", string(c.Miss)))
		}),
	)))
	n.Acupuncture = organizer.Organize(n.AcupuncturePoints)

	for _, c := range n.ChiefComplaints {
		if !c.HasDuration() {
			report.MissingDuration = append(report.MissingDuration, c.Text)
			e.metrics.RecordMissingDuration(ctx)
			log.Warn("chief complaint has no duration", logging.String("complaint", c.Text))
		}
	}
	return report
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.IsEmptyInput(err):
		return OutcomeEmptyInput
	case errors.IsProviderError(err):
		return OutcomeProviderError
	case errors.IsSchemaViolation(err):
		return OutcomeSchemaViolation
	case errors.IsMalformedResponse(err):
		return OutcomeMalformed
	}
	return "error"
}
