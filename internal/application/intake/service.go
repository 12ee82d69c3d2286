// Package intake provides the application service behind the HTTP API and
// the CLI.  It wraps the extraction pipeline with per-patient locking,
// persistence, caching, response archiving and event publishing.
package intake

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/timmyxieat/tcm-intake/internal/infrastructure/database/postgres/repositories"
	cache "github.com/timmyxieat/tcm-intake/internal/infrastructure/database/redis"
	"github.com/timmyxieat/tcm-intake/internal/infrastructure/monitoring/logging"
	"github.com/timmyxieat/tcm-intake/internal/infrastructure/storage/minio"
	"github.com/timmyxieat/tcm-intake/internal/intelligence/acupuncture"
	"github.com/timmyxieat/tcm-intake/internal/intelligence/notes"
	"github.com/timmyxieat/tcm-intake/pkg/errors"
	"github.com/timmyxieat/tcm-intake/pkg/types/common"
	"github.com/timmyxieat/tcm-intake/pkg/types/note"
)

// ErrStorageDisabled is returned by persistence operations when no note
// store is configured.
var ErrStorageDisabled = errors.New(errors.ErrCodeServiceUnavailable, "note storage is not configured")

// NoteStore persists the latest note per patient.
type NoteStore interface {
	Save(ctx context.Context, s *note.StoredNote) error
	Get(ctx context.Context, patientID string) (*note.StoredNote, error)
	Delete(ctx context.Context, patientID string) error
	List(ctx context.Context, page common.Pagination) ([]*note.StoredNote, int64, error)
	History(ctx context.Context, patientID string, limit int) ([]repositories.GenerationRecord, error)
}

// NoteCache is a read-through cache in front of NoteStore.
type NoteCache interface {
	GetOrLoad(ctx context.Context, patientID string, load cache.NoteLoader) (*note.StoredNote, error)
	Invalidate(ctx context.Context, patientID string) error
}

// Lock is a held per-patient lock.
type Lock interface {
	Release(ctx context.Context) error
}

// Locker serializes generations for one patient.
type Locker interface {
	TryAcquire(ctx context.Context, patientID string) (Lock, error)
}

// ResponseArchive keeps the raw provider output of every generation.
type ResponseArchive interface {
	Put(ctx context.Context, rec minio.ArchiveRecord) (string, error)
	List(ctx context.Context, patientID string) ([]minio.ObjectInfo, error)
	Delete(ctx context.Context, patientID string) (int, error)
}

// EventPublisher announces stored notes.
type EventPublisher interface {
	PublishNoteExtracted(ctx context.Context, ev note.ExtractedEvent) error
	Topic() string
}

// Metrics records service-level telemetry.  The extraction counters are
// passed through to the extractor.
type Metrics interface {
	notes.Metrics
	RecordLLMCall(provider string, success bool, duration time.Duration)
	RecordEvent(topic string, success bool)
	RecordArchive(success bool)
	RecordCacheAccess(cache string, hit bool)
}

// Provider is the LLM backend.
type Provider interface {
	notes.Provider
	Name() string
}

// Options holds the optional collaborators.  A nil field disables the
// corresponding step.
type Options struct {
	Store     NoteStore
	Cache     NoteCache
	Locker    Locker
	Archive   ResponseArchive
	Publisher EventPublisher
	Metrics   Metrics
	Logger    logging.Logger

	// Timeout bounds one extraction.  Zero means no bound.
	Timeout time.Duration
}

// Service orchestrates note generation and retrieval.
type Service struct {
	provider  Provider
	store     NoteStore
	cache     NoteCache
	locker    Locker
	archive   ResponseArchive
	publisher EventPublisher
	metrics   Metrics
	logger    logging.Logger
	timeout   time.Duration
	now       func() time.Time
}

// NewService builds a Service around provider.
func NewService(provider Provider, opts Options) (*Service, error) {
	if provider == nil {
		return nil, errors.InvalidParam("provider is required")
	}
	log := opts.Logger
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &Service{
		provider:  provider,
		store:     opts.Store,
		cache:     opts.Cache,
		locker:    opts.Locker,
		archive:   opts.Archive,
		publisher: opts.Publisher,
		metrics:   opts.Metrics,
		logger:    log.Named("intake"),
		timeout:   opts.Timeout,
		now:       time.Now,
	}, nil
}

// ProviderName returns the configured LLM backend name.
func (s *Service) ProviderName() string { return s.provider.Name() }

// StorageEnabled reports whether generated notes are persisted.
func (s *Service) StorageEnabled() bool { return s.store != nil }

// recordingProvider keeps the last raw response so it can be archived.
type recordingProvider struct {
	inner   Provider
	metrics Metrics

	mu  sync.Mutex
	raw string
}

func (r *recordingProvider) Complete(ctx context.Context, systemPrompt, userPrompt string, schema note.ResponseSchema) (string, error) {
	start := time.Now()
	content, err := r.inner.Complete(ctx, systemPrompt, userPrompt, schema)
	if r.metrics != nil {
		r.metrics.RecordLLMCall(r.inner.Name(), err == nil, time.Since(start))
	}
	if err == nil {
		r.mu.Lock()
		r.raw = content
		r.mu.Unlock()
	}
	return content, err
}

func (r *recordingProvider) Raw() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.raw
}

func (s *Service) extract(ctx context.Context, clinicalNotes string) (*note.StructuredNote, *notes.Report, string, error) {
	rec := &recordingProvider{inner: s.provider, metrics: s.metrics}
	opts := []notes.Option{notes.WithLogger(s.logger)}
	if s.metrics != nil {
		opts = append(opts, notes.WithMetrics(s.metrics))
	}
	extractor, err := notes.NewExtractor(rec, opts...)
	if err != nil {
		return nil, nil, "", err
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	n, report, err := extractor.ExtractWithReport(ctx, clinicalNotes)
	if err != nil {
		return nil, nil, "", err
	}
	return n, report, rec.Raw(), nil
}

// Extract runs the pipeline without storing anything.
func (s *Service) Extract(ctx context.Context, clinicalNotes string) (*note.StructuredNote, *notes.Report, error) {
	n, report, _, err := s.extract(ctx, clinicalNotes)
	return n, report, err
}

// Generate extracts a note for patientID and replaces the stored one.  Only
// one generation per patient runs at a time; a concurrent call fails with
// ErrCodeExtractionInProgress.  Archiving and publishing are best effort.
func (s *Service) Generate(ctx context.Context, patientID, clinicalNotes string) (*note.StoredNote, *notes.Report, error) {
	if !note.ValidatePatientID(patientID) {
		return nil, nil, errors.InvalidParam("invalid patient id").WithDetail(patientID)
	}
	if strings.TrimSpace(clinicalNotes) == "" {
		return nil, nil, errors.EmptyInput("clinical notes are empty")
	}
	log := s.logger.WithContext(ctx).With(logging.String("patient_id", patientID))

	if s.locker != nil {
		lock, err := s.locker.TryAcquire(ctx, patientID)
		if err != nil {
			return nil, nil, err
		}
		defer func() {
			// The request context may already be cancelled here.
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				log.Warn("failed to release extraction lock", logging.Err(err))
			}
		}()
	}

	n, report, raw, err := s.extract(ctx, clinicalNotes)
	if err != nil {
		return nil, nil, err
	}

	stored := &note.StoredNote{
		ID:            common.NewID(),
		PatientID:     patientID,
		Note:          *n,
		PromptVersion: report.PromptVersion,
		Provider:      s.provider.Name(),
		CreatedAt:     s.now().UTC(),
	}

	if s.archive != nil {
		key, err := s.archive.Put(ctx, minio.ArchiveRecord{
			PatientID:     patientID,
			NoteID:        stored.ID.String(),
			Provider:      stored.Provider,
			PromptVersion: stored.PromptVersion,
			Raw:           []byte(raw),
			ArchivedAt:    stored.CreatedAt,
		})
		s.recordArchive(err == nil)
		if err != nil {
			log.Warn("failed to archive provider response", logging.Err(err))
		} else {
			stored.ArchiveKey = key
		}
	}

	if s.store != nil {
		if err := s.store.Save(ctx, stored); err != nil {
			return nil, nil, err
		}
		s.invalidate(ctx, log, patientID)
	}

	if s.publisher != nil {
		ev := note.NewExtractedEvent(stored)
		ev.ICDMisses = len(report.ICDMisses)
		ev.ClassifierMiss = len(report.ClassificationMisses)
		ev.MissingDuration = len(report.MissingDuration)
		err := s.publisher.PublishNoteExtracted(ctx, ev)
		if s.metrics != nil {
			s.metrics.RecordEvent(s.publisher.Topic(), err == nil)
		}
		if err != nil {
			log.Warn("failed to publish note event", logging.Err(err))
		}
	}

	log.Info("note generated",
		logging.String("note_id", stored.ID.String()),
		logging.Int("points", len(n.AcupuncturePoints)),
		logging.Duration("duration", report.Duration))
	return stored, report, nil
}

// Get returns the stored note for patientID.
func (s *Service) Get(ctx context.Context, patientID string) (*note.StoredNote, error) {
	if !note.ValidatePatientID(patientID) {
		return nil, errors.InvalidParam("invalid patient id").WithDetail(patientID)
	}
	if s.store == nil {
		return nil, ErrStorageDisabled
	}
	load := func(ctx context.Context) (*note.StoredNote, error) {
		return s.store.Get(ctx, patientID)
	}
	if s.cache == nil {
		return load(ctx)
	}
	return s.cache.GetOrLoad(ctx, patientID, load)
}

// Delete removes the stored note and archived responses for patientID.
func (s *Service) Delete(ctx context.Context, patientID string) error {
	if !note.ValidatePatientID(patientID) {
		return errors.InvalidParam("invalid patient id").WithDetail(patientID)
	}
	if s.store == nil {
		return ErrStorageDisabled
	}
	log := s.logger.WithContext(ctx).With(logging.String("patient_id", patientID))
	if err := s.store.Delete(ctx, patientID); err != nil {
		return err
	}
	s.invalidate(ctx, log, patientID)
	if s.archive != nil {
		n, err := s.archive.Delete(ctx, patientID)
		if err != nil {
			log.Warn("failed to delete archived responses", logging.Int("removed", n), logging.Err(err))
		}
	}
	return nil
}

// List pages through stored notes, newest first.
func (s *Service) List(ctx context.Context, page common.Pagination) (*common.PageResponse[*note.StoredNote], error) {
	if s.store == nil {
		return nil, ErrStorageDisabled
	}
	page = page.Normalize()
	if err := page.Validate(); err != nil {
		return nil, errors.InvalidParam(err.Error())
	}
	items, total, err := s.store.List(ctx, page)
	if err != nil {
		return nil, err
	}
	return &common.PageResponse[*note.StoredNote]{Items: items, Total: total, Page: page.Page, PageSize: page.PageSize}, nil
}

// History lists past generations for patientID, newest first.
func (s *Service) History(ctx context.Context, patientID string, limit int) ([]repositories.GenerationRecord, error) {
	if !note.ValidatePatientID(patientID) {
		return nil, errors.InvalidParam("invalid patient id").WithDetail(patientID)
	}
	if s.store == nil {
		return nil, ErrStorageDisabled
	}
	return s.store.History(ctx, patientID, limit)
}

// Archives lists archived provider responses for patientID.
func (s *Service) Archives(ctx context.Context, patientID string) ([]minio.ObjectInfo, error) {
	if s.archive == nil {
		return nil, errors.New(errors.ErrCodeServiceUnavailable, "response archive is not configured")
	}
	return s.archive.List(ctx, patientID)
}

func (s *Service) invalidate(ctx context.Context, log logging.Logger, patientID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, patientID); err != nil {
		log.Warn("failed to invalidate cached note", logging.Err(err))
	}
}

func (s *Service) recordArchive(ok bool) {
	if s.metrics != nil {
		s.metrics.RecordArchive(ok)
	}
}

// AnnotatedPoint is a point with its display annotation.
type AnnotatedPoint struct {
	note.FlatPoint
	Annotation string `json:"annotation,omitempty"`
	Display    string `json:"display"`
}

// AnnotatedRegion is one region of annotated points.
type AnnotatedRegion struct {
	Region note.RegionName   `json:"region"`
	Points []AnnotatedPoint `json:"points"`
}

// classifier reports misses to the classification-miss counter.
func (s *Service) classifier(ctx context.Context) *acupuncture.Classifier {
	var observer acupuncture.MissObserverFunc = func(c acupuncture.Classification) {
		if s.metrics != nil {
			s.metrics.RecordClassificationMiss(ctx, string(c.Miss))
		}
	}
	return acupuncture.NewClassifier(acupuncture.WithMissObserver(observer))
}

// Classify classifies a single point name.
func (s *Service) Classify(ctx context.Context, name string) acupuncture.Classification {
	return s.classifier(ctx).Classify(name)
}

// Regionize groups an edited flat point list without calling the LLM.
func (s *Service) Regionize(ctx context.Context, points []note.FlatPoint, defaultSide note.Side) ([]AnnotatedRegion, error) {
	for i, p := range points {
		if strings.TrimSpace(p.Name) == "" {
			return nil, errors.InvalidParam("point name is required").WithDetail("index " + strconv.Itoa(i))
		}
	}
	if defaultSide == note.SideNone {
		defaultSide = note.SideBoth
	}

	organizer := acupuncture.NewOrganizer(s.classifier(ctx))

	regions := organizer.Organize(points)
	out := make([]AnnotatedRegion, 0, len(regions))
	for _, r := range regions {
		ar := AnnotatedRegion{Region: r.Region, Points: make([]AnnotatedPoint, 0, len(r.Points))}
		for _, p := range r.Points {
			ann, _ := acupuncture.FormatAnnotation(p, defaultSide)
			ar.Points = append(ar.Points, AnnotatedPoint{
				FlatPoint:  p,
				Annotation: ann,
				Display:    acupuncture.FormatPoint(p, defaultSide),
			})
		}
		out = append(out, ar)
	}
	return out, nil
}
