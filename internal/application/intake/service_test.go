package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/timmyxieat/tcm-intake/internal/infrastructure/database/postgres/repositories"
	cache "github.com/timmyxieat/tcm-intake/internal/infrastructure/database/redis"
	"github.com/timmyxieat/tcm-intake/internal/infrastructure/storage/minio"
	"github.com/timmyxieat/tcm-intake/internal/testutil"
	"github.com/timmyxieat/tcm-intake/pkg/errors"
	"github.com/timmyxieat/tcm-intake/pkg/types/common"
	"github.com/timmyxieat/tcm-intake/pkg/types/note"
)

const validResponse = `{
  "note_summary": "Low back pain with kidney deficiency signs",
  "chiefComplaints": [{"text": "Lower back pain for 2 weeks", "icdCode": null, "icdLabel": null}],
  "hpi": "Worse in the morning.",
  "subjective": {"pmh": "", "fh": "", "sh": "", "es": "Work stress 7/10."},
  "tcmReview": {"sleep": "Wakes at 3am"},
  "tongue": {"body": "Pale", "coating": "Thin white"},
  "pulse": {"text": "Deep and weak"},
  "diagnosis": {"tcmDiagnosis": "Kidney Yang Deficiency", "icdCodes": []},
  "treatment": "Tonify Kidney Yang",
  "acupunctureTreatmentSide": "Both",
  "acupuncturePoints": [
    {"name": "BL-23", "side": null, "method": null},
    {"name": "BL-25", "side": null, "method": "T"},
    {"name": "GB-30", "side": "Right", "method": null}
  ]
}`

const clinicalNotes = "CC\nLower back pain for 2 weeks\nPoints\nBL-23, BL-25 (T), GB-30 (Right)"

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) Name() string { return "stub" }

func (m *mockProvider) Complete(ctx context.Context, systemPrompt, userPrompt string, schema note.ResponseSchema) (string, error) {
	args := m.Called(ctx, systemPrompt, userPrompt, schema)
	return args.String(0), args.Error(1)
}

func stubProvider(content string, err error) *mockProvider {
	p := &mockProvider{}
	p.On("Complete", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(content, err)
	return p
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Save(ctx context.Context, s *note.StoredNote) error {
	return m.Called(ctx, s).Error(0)
}

func (m *mockStore) Get(ctx context.Context, patientID string) (*note.StoredNote, error) {
	args := m.Called(ctx, patientID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*note.StoredNote), args.Error(1)
}

func (m *mockStore) Delete(ctx context.Context, patientID string) error {
	return m.Called(ctx, patientID).Error(0)
}

func (m *mockStore) List(ctx context.Context, page common.Pagination) ([]*note.StoredNote, int64, error) {
	args := m.Called(ctx, page)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).([]*note.StoredNote), args.Get(1).(int64), args.Error(2)
}

func (m *mockStore) History(ctx context.Context, patientID string, limit int) ([]repositories.GenerationRecord, error) {
	args := m.Called(ctx, patientID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]repositories.GenerationRecord), args.Error(1)
}

type mockCache struct {
	mock.Mock
}

func (m *mockCache) GetOrLoad(ctx context.Context, patientID string, load cache.NoteLoader) (*note.StoredNote, error) {
	args := m.Called(ctx, patientID)
	if args.Bool(0) {
		return load(ctx)
	}
	return args.Get(1).(*note.StoredNote), nil
}

func (m *mockCache) Invalidate(ctx context.Context, patientID string) error {
	return m.Called(ctx, patientID).Error(0)
}

type fakeLock struct {
	released bool
	err      error
}

func (l *fakeLock) Release(context.Context) error {
	l.released = true
	return l.err
}

type fakeLocker struct {
	mu   sync.Mutex
	held map[string]bool
	last *fakeLock
}

func newFakeLocker() *fakeLocker { return &fakeLocker{held: map[string]bool{}} }

func (f *fakeLocker) TryAcquire(_ context.Context, patientID string) (Lock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[patientID] {
		return nil, cache.ErrLockNotAcquired
	}
	f.last = &fakeLock{}
	return f.last, nil
}

type mockArchive struct {
	mock.Mock
}

func (m *mockArchive) Put(ctx context.Context, rec minio.ArchiveRecord) (string, error) {
	args := m.Called(ctx, rec)
	return args.String(0), args.Error(1)
}

func (m *mockArchive) List(ctx context.Context, patientID string) ([]minio.ObjectInfo, error) {
	args := m.Called(ctx, patientID)
	return args.Get(0).([]minio.ObjectInfo), args.Error(1)
}

func (m *mockArchive) Delete(ctx context.Context, patientID string) (int, error) {
	args := m.Called(ctx, patientID)
	return args.Int(0), args.Error(1)
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) PublishNoteExtracted(ctx context.Context, ev note.ExtractedEvent) error {
	return m.Called(ctx, ev).Error(0)
}

func (m *mockPublisher) Topic() string { return "notes.extracted" }

type recordingMetrics struct {
	mu        sync.Mutex
	outcomes  []string
	llmCalls  []bool
	events    []bool
	archives  []bool
	misses    []string
	icdMisses int
}

func (r *recordingMetrics) RecordExtraction(_ context.Context, outcome string, _ float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *recordingMetrics) RecordClassificationMiss(_ context.Context, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.misses = append(r.misses, reason)
}

func (r *recordingMetrics) RecordICDMiss(context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.icdMisses++
}

func (r *recordingMetrics) RecordMissingDuration(context.Context) {}

func (r *recordingMetrics) RecordLLMCall(_ string, success bool, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llmCalls = append(r.llmCalls, success)
}

func (r *recordingMetrics) RecordEvent(_ string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, success)
}

func (r *recordingMetrics) RecordArchive(success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.archives = append(r.archives, success)
}

func (r *recordingMetrics) RecordCacheAccess(string, bool) {}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestNewService_RequiresProvider(t *testing.T) {
	_, err := NewService(nil, Options{})
	assert.True(t, errors.IsValidation(err))
}

func TestExtract_Stateless(t *testing.T) {
	p := stubProvider(validResponse, nil)
	svc, err := NewService(p, Options{Logger: testutil.NewMockLogger()})
	require.NoError(t, err)

	n, report, err := svc.Extract(context.Background(), clinicalNotes)
	require.NoError(t, err)
	assert.Len(t, n.AcupuncturePoints, 3)
	assert.NotEmpty(t, n.Acupuncture)
	assert.NotEmpty(t, report.PromptVersion)
	assert.False(t, svc.StorageEnabled())
	assert.Equal(t, "stub", svc.ProviderName())
}

func TestGenerate_FullWorkflow(t *testing.T) {
	p := stubProvider(validResponse, nil)
	store := &mockStore{}
	c := &mockCache{}
	archive := &mockArchive{}
	pub := &mockPublisher{}
	locker := newFakeLocker()
	metrics := &recordingMetrics{}

	var archived minio.ArchiveRecord
	archive.On("Put", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		archived = args.Get(1).(minio.ArchiveRecord)
	}).Return("responses/p-1/x.json", nil)
	var saved *note.StoredNote
	store.On("Save", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		saved = args.Get(1).(*note.StoredNote)
	}).Return(nil)
	c.On("Invalidate", mock.Anything, "p-1").Return(nil)
	var published note.ExtractedEvent
	pub.On("PublishNoteExtracted", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		published = args.Get(1).(note.ExtractedEvent)
	}).Return(nil)

	svc, err := NewService(p, Options{
		Store: store, Cache: c, Locker: locker, Archive: archive,
		Publisher: pub, Metrics: metrics, Logger: testutil.NewMockLogger(),
		Timeout: time.Minute,
	})
	require.NoError(t, err)

	stored, report, err := svc.Generate(context.Background(), "p-1", clinicalNotes)
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.Equal(t, "p-1", stored.PatientID)
	assert.NoError(t, stored.ID.Validate())
	assert.Equal(t, "stub", stored.Provider)
	assert.Equal(t, "responses/p-1/x.json", stored.ArchiveKey)
	assert.Same(t, stored, saved)

	assert.Equal(t, stored.ID.String(), archived.NoteID)
	assert.JSONEq(t, validResponse, string(archived.Raw))

	assert.Equal(t, stored.ID, published.NoteID)
	assert.Equal(t, 3, published.PointCount)
	assert.Equal(t, note.EventTypeNoteExtracted, published.EventType())

	require.NotNil(t, locker.last)
	assert.True(t, locker.last.released)
	assert.Equal(t, []bool{true}, metrics.llmCalls)
	assert.Equal(t, []bool{true}, metrics.events)
	assert.Equal(t, []bool{true}, metrics.archives)
	assert.Equal(t, []string{"success"}, metrics.outcomes)

	store.AssertExpectations(t)
	c.AssertExpectations(t)
	pub.AssertExpectations(t)
}

func TestGenerate_RejectsBadInput(t *testing.T) {
	p := &mockProvider{}
	svc, err := NewService(p, Options{})
	require.NoError(t, err)

	_, _, err = svc.Generate(context.Background(), "bad id", clinicalNotes)
	assert.True(t, errors.IsValidation(err))

	_, _, err = svc.Generate(context.Background(), "p-1", "  \n ")
	assert.True(t, errors.IsEmptyInput(err))

	p.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestGenerate_LockConflict(t *testing.T) {
	p := &mockProvider{}
	locker := newFakeLocker()
	locker.held["p-1"] = true
	svc, err := NewService(p, Options{Locker: locker})
	require.NoError(t, err)

	_, _, err = svc.Generate(context.Background(), "p-1", clinicalNotes)
	assert.True(t, errors.IsCode(err, errors.ErrCodeExtractionInProgress))
	p.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestGenerate_ExtractionFailureReleasesLockAndSkipsStore(t *testing.T) {
	p := stubProvider("", fmt.Errorf("upstream 503"))
	store := &mockStore{}
	locker := newFakeLocker()
	metrics := &recordingMetrics{}
	svc, err := NewService(p, Options{Store: store, Locker: locker, Metrics: metrics})
	require.NoError(t, err)

	_, _, err = svc.Generate(context.Background(), "p-1", clinicalNotes)
	assert.True(t, errors.IsProviderError(err))
	assert.True(t, locker.last.released)
	assert.Equal(t, []bool{false}, metrics.llmCalls)
	store.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
}

func TestGenerate_BestEffortSteps(t *testing.T) {
	p := stubProvider(validResponse, nil)
	store := &mockStore{}
	archive := &mockArchive{}
	pub := &mockPublisher{}
	metrics := &recordingMetrics{}
	log := testutil.NewMockLogger()

	archive.On("Put", mock.Anything, mock.Anything).Return("", fmt.Errorf("minio down"))
	store.On("Save", mock.Anything, mock.Anything).Return(nil)
	pub.On("PublishNoteExtracted", mock.Anything, mock.Anything).Return(fmt.Errorf("kafka down"))

	svc, err := NewService(p, Options{Store: store, Archive: archive, Publisher: pub, Metrics: metrics, Logger: log})
	require.NoError(t, err)

	stored, _, err := svc.Generate(context.Background(), "p-1", clinicalNotes)
	require.NoError(t, err)
	assert.Empty(t, stored.ArchiveKey)
	assert.Equal(t, []bool{false}, metrics.archives)
	assert.Equal(t, []bool{false}, metrics.events)
	assert.True(t, log.HasMessage("warn", "failed to archive provider response"))
	assert.True(t, log.HasMessage("warn", "failed to publish note event"))
}

func TestGenerate_SaveFailureIsFatal(t *testing.T) {
	p := stubProvider(validResponse, nil)
	store := &mockStore{}
	pub := &mockPublisher{}
	store.On("Save", mock.Anything, mock.Anything).Return(errors.New(errors.ErrCodeDatabaseError, "boom"))

	svc, err := NewService(p, Options{Store: store, Publisher: pub})
	require.NoError(t, err)

	_, _, err = svc.Generate(context.Background(), "p-1", clinicalNotes)
	assert.True(t, errors.IsCode(err, errors.ErrCodeDatabaseError))
	pub.AssertNotCalled(t, "PublishNoteExtracted", mock.Anything, mock.Anything)
}

func TestGenerate_TimeoutAppliesToProvider(t *testing.T) {
	p := &mockProvider{}
	p.On("Complete", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		ctx := args.Get(0).(context.Context)
		_, ok := ctx.Deadline()
		assert.True(t, ok)
	}).Return(validResponse, nil)

	svc, err := NewService(p, Options{Timeout: time.Second})
	require.NoError(t, err)
	_, _, err = svc.Generate(context.Background(), "p-1", clinicalNotes)
	require.NoError(t, err)
}

func TestGet_ReadsThroughCache(t *testing.T) {
	want := &note.StoredNote{ID: common.NewID(), PatientID: "p-1"}
	store := &mockStore{}
	store.On("Get", mock.Anything, "p-1").Return(want, nil)
	c := &mockCache{}
	c.On("GetOrLoad", mock.Anything, "p-1").Return(true, nil)

	svc, err := NewService(&mockProvider{}, Options{Store: store, Cache: c})
	require.NoError(t, err)

	got, err := svc.Get(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Same(t, want, got)
	store.AssertExpectations(t)
}

func TestGet_CacheHitSkipsStore(t *testing.T) {
	cached := &note.StoredNote{PatientID: "p-1"}
	store := &mockStore{}
	c := &mockCache{}
	c.On("GetOrLoad", mock.Anything, "p-1").Return(false, cached)

	svc, err := NewService(&mockProvider{}, Options{Store: store, Cache: c})
	require.NoError(t, err)

	got, err := svc.Get(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Same(t, cached, got)
	store.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
}

func TestGet_NotFoundAndDisabled(t *testing.T) {
	store := &mockStore{}
	store.On("Get", mock.Anything, "p-2").Return(nil, errors.New(errors.ErrCodeNoteNotFound, "no note"))
	svc, err := NewService(&mockProvider{}, Options{Store: store})
	require.NoError(t, err)

	_, err = svc.Get(context.Background(), "p-2")
	assert.True(t, errors.IsNotFound(err))

	bare, err := NewService(&mockProvider{}, Options{})
	require.NoError(t, err)
	_, err = bare.Get(context.Background(), "p-2")
	assert.ErrorIs(t, err, ErrStorageDisabled)
}

func TestDelete(t *testing.T) {
	store := &mockStore{}
	c := &mockCache{}
	archive := &mockArchive{}
	store.On("Delete", mock.Anything, "p-1").Return(nil)
	c.On("Invalidate", mock.Anything, "p-1").Return(fmt.Errorf("redis down"))
	archive.On("Delete", mock.Anything, "p-1").Return(2, nil)
	log := testutil.NewMockLogger()

	svc, err := NewService(&mockProvider{}, Options{Store: store, Cache: c, Archive: archive, Logger: log})
	require.NoError(t, err)

	require.NoError(t, svc.Delete(context.Background(), "p-1"))
	assert.True(t, log.HasMessage("warn", "failed to invalidate cached note"))
	archive.AssertExpectations(t)
}

func TestDelete_NotFound(t *testing.T) {
	store := &mockStore{}
	store.On("Delete", mock.Anything, "p-1").Return(errors.New(errors.ErrCodeNoteNotFound, "no note"))
	c := &mockCache{}
	svc, err := NewService(&mockProvider{}, Options{Store: store, Cache: c})
	require.NoError(t, err)

	assert.True(t, errors.IsNotFound(svc.Delete(context.Background(), "p-1")))
	c.AssertNotCalled(t, "Invalidate", mock.Anything, mock.Anything)
}

func TestList(t *testing.T) {
	store := &mockStore{}
	items := []*note.StoredNote{{PatientID: "a"}, {PatientID: "b"}}
	store.On("List", mock.Anything, common.Pagination{Page: 2, PageSize: 2}).Return(items, int64(5), nil)
	svc, err := NewService(&mockProvider{}, Options{Store: store})
	require.NoError(t, err)

	page, err := svc.List(context.Background(), common.Pagination{Page: 2, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(5), page.Total)
	assert.Len(t, page.Items, 2)
	assert.Equal(t, 2, page.Page)

	_, err = svc.List(context.Background(), common.Pagination{Page: 1, PageSize: common.MaxPageSize + 1})
	assert.True(t, errors.IsValidation(err))
}

func TestHistory(t *testing.T) {
	store := &mockStore{}
	recs := []repositories.GenerationRecord{{PatientID: "p-1", PromptVersion: "v1"}}
	store.On("History", mock.Anything, "p-1", 5).Return(recs, nil)
	svc, err := NewService(&mockProvider{}, Options{Store: store})
	require.NoError(t, err)

	got, err := svc.History(context.Background(), "p-1", 5)
	require.NoError(t, err)
	assert.Equal(t, recs, got)
}

func TestArchives(t *testing.T) {
	svc, err := NewService(&mockProvider{}, Options{})
	require.NoError(t, err)
	_, err = svc.Archives(context.Background(), "p-1")
	assert.True(t, errors.IsCode(err, errors.ErrCodeServiceUnavailable))

	archive := &mockArchive{}
	archive.On("List", mock.Anything, "p-1").Return([]minio.ObjectInfo{{Key: "responses/p-1/a.json"}}, nil)
	svc, err = NewService(&mockProvider{}, Options{Archive: archive})
	require.NoError(t, err)
	objs, err := svc.Archives(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Len(t, objs, 1)
}

func TestRegionize(t *testing.T) {
	metrics := &recordingMetrics{}
	svc, err := NewService(&mockProvider{}, Options{Metrics: metrics})
	require.NoError(t, err)

	regions, err := svc.Regionize(context.Background(), []note.FlatPoint{
		{Name: "BL-25", Method: note.MethodTonify},
		{Name: "GB-30", Side: note.SideRight},
		{Name: "BL-23", Side: note.SideBoth},
		{Name: "XX-1"},
	}, note.SideNone)
	require.NoError(t, err)

	byRegion := map[note.RegionName][]AnnotatedPoint{}
	for _, r := range regions {
		byRegion[r.Region] = r.Points
	}
	require.Len(t, byRegion[note.RegionBack], 2)
	assert.Equal(t, "BL-25 (T)", byRegion[note.RegionBack][0].Display)
	assert.Equal(t, "BL-23", byRegion[note.RegionBack][1].Display)
	assert.Equal(t, "Right", byRegion[note.RegionHip][0].Annotation)
	assert.Len(t, byRegion[note.RegionOther], 1)
	assert.Equal(t, []string{"unknown_channel"}, metrics.misses)

	raw, err := json.Marshal(regions[0].Points[0])
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"display"`)

	_, err = svc.Regionize(context.Background(), []note.FlatPoint{{Name: " "}}, note.SideBoth)
	assert.True(t, errors.IsValidation(err))
}

func TestClassify_RecordsMisses(t *testing.T) {
	metrics := &recordingMetrics{}
	svc, err := NewService(&mockProvider{}, Options{Metrics: metrics})
	require.NoError(t, err)
	ctx := context.Background()

	c := svc.Classify(ctx, "BL-23")
	assert.Equal(t, note.RegionBack, c.Region)
	assert.Empty(t, metrics.misses)

	c = svc.Classify(ctx, "XYZ-99")
	assert.Equal(t, note.RegionOther, c.Region)
	assert.Equal(t, []string{"unknown_channel"}, metrics.misses)
}
