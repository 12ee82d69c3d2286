package cli

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmyxieat/tcm-intake/internal/config"
	"github.com/timmyxieat/tcm-intake/internal/infrastructure/messaging/kafka"
	"github.com/timmyxieat/tcm-intake/internal/infrastructure/monitoring/logging"
	"github.com/timmyxieat/tcm-intake/internal/infrastructure/storage/minio"
	"github.com/timmyxieat/tcm-intake/pkg/errors"
	"github.com/timmyxieat/tcm-intake/pkg/types/common"
	"github.com/timmyxieat/tcm-intake/pkg/types/note"
)

// ---------------------------------------------------------------------------
// Doubles
// ---------------------------------------------------------------------------

type fakeMigrator struct {
	version uint
	dirty   bool
	calls   []string
	closed  bool
	upErr   error
}

func (m *fakeMigrator) Up() error {
	m.calls = append(m.calls, "up")
	if m.upErr != nil {
		return m.upErr
	}
	m.version = 3
	return nil
}

func (m *fakeMigrator) Down(steps int) error {
	m.calls = append(m.calls, "down")
	m.version -= uint(steps)
	return nil
}

func (m *fakeMigrator) Status() (uint, bool, error) { return m.version, m.dirty, nil }

func (m *fakeMigrator) Force(v int) error {
	m.calls = append(m.calls, "force")
	m.version, m.dirty = uint(v), false
	return nil
}

func (m *fakeMigrator) Close() error {
	m.closed = true
	return nil
}

func migratorDeps(m *fakeMigrator, gotDSN *string) Dependencies {
	return Dependencies{
		NewMigrator: func(dsn string, _ logging.Logger) (Migrator, error) {
			if gotDSN != nil {
				*gotDSN = dsn
			}
			return m, nil
		},
	}
}

type fakeConsumer struct {
	envelopes []*kafka.EventEnvelope
	delivered int
	closed    bool
	group     string
	fromStart bool
}

func (c *fakeConsumer) Consume(ctx context.Context, handler kafka.EventHandler) error {
	for _, env := range c.envelopes {
		if ctx.Err() != nil {
			return nil
		}
		if err := handler(ctx, env); err != nil {
			return err
		}
		c.delivered++
	}
	return nil
}

func (c *fakeConsumer) Stats() (int64, int64) { return int64(c.delivered), 0 }

func (c *fakeConsumer) Close() error {
	c.closed = true
	return nil
}

func consumerDeps(c *fakeConsumer) Dependencies {
	return Dependencies{
		NewConsumer: func(_ config.KafkaConfig, groupID string, fromStart bool, _ logging.Logger) (EventConsumer, error) {
			c.group, c.fromStart = groupID, fromStart
			return c, nil
		},
	}
}

type fakeArchive struct {
	objects  []minio.ObjectInfo
	record   *minio.ArchiveRecord
	lastKey  string
	lastTTL  time.Duration
	notFound bool
}

func (a *fakeArchive) List(_ context.Context, patientID string) ([]minio.ObjectInfo, error) {
	a.lastKey = patientID
	return a.objects, nil
}

func (a *fakeArchive) Get(_ context.Context, key string) (*minio.ArchiveRecord, error) {
	a.lastKey = key
	if a.notFound {
		return nil, errors.NotFound("archived response not found")
	}
	return a.record, nil
}

func (a *fakeArchive) PresignedURL(_ context.Context, key string, expiry time.Duration) (string, error) {
	a.lastKey, a.lastTTL = key, expiry
	return "http://minio.local/" + key + "?sig=abc", nil
}

func archiveDeps(a *fakeArchive) Dependencies {
	return Dependencies{
		NewArchive: func(context.Context, config.MinIOConfig, logging.Logger) (ArchiveReader, error) {
			return a, nil
		},
	}
}

// runWithConfig is runCLI with extra YAML appended to the test config.
func runWithConfig(t *testing.T, deps Dependencies, yaml string, args ...string) cliResult {
	t.Helper()
	res, _ := runCLI(t, deps, "", append([]string{"--config", writeConfig(t, yaml)}, args...)...)
	return res
}

const minioYAML = `minio:
  enabled: true
  endpoint: localhost:9000
  bucket: responses
`

func extractedEnvelope(t *testing.T, patientID string, points int) *kafka.EventEnvelope {
	t.Helper()
	ev := note.ExtractedEvent{
		BaseEvent:  common.NewBaseEvent("note.extracted", patientID),
		NoteID:     common.ID("n-" + patientID),
		PatientID:  patientID,
		PointCount: points,
	}
	env, err := kafka.NewEventEnvelope(ev)
	require.NoError(t, err)
	return env
}

// ---------------------------------------------------------------------------
// migrate
// ---------------------------------------------------------------------------

func TestMigrateUp(t *testing.T) {
	m := &fakeMigrator{}
	var dsn string
	res, _ := runCLI(t, migratorDeps(m, &dsn), "", "migrate", "up")
	require.NoError(t, res.err)
	assert.Equal(t, []string{"up"}, m.calls)
	assert.True(t, m.closed)
	assert.Equal(t, "version 3\n", res.stdout)
	assert.True(t, strings.HasPrefix(dsn, "postgres://"), dsn)
}

func TestMigrateDown_Steps(t *testing.T) {
	m := &fakeMigrator{version: 3}
	res, _ := runCLI(t, migratorDeps(m, nil), "", "migrate", "down", "--steps", "2")
	require.NoError(t, res.err)
	assert.Equal(t, uint(1), m.version)
	assert.Equal(t, "version 1\n", res.stdout)
}

func TestMigrateStatus_JSON(t *testing.T) {
	m := &fakeMigrator{version: 2, dirty: true}
	res, _ := runCLI(t, migratorDeps(m, nil), "", "-o", "json", "migrate", "status")
	require.NoError(t, res.err)
	assert.JSONEq(t, `{"version":2,"dirty":true}`, res.stdout)
	assert.Empty(t, m.calls)
}

func TestMigrateForce(t *testing.T) {
	m := &fakeMigrator{version: 2, dirty: true}
	res, _ := runCLI(t, migratorDeps(m, nil), "", "migrate", "force", "1")
	require.NoError(t, res.err)
	assert.Equal(t, "version 1\n", res.stdout)

	res, _ = runCLI(t, migratorDeps(m, nil), "", "migrate", "force", "-3")
	require.Error(t, res.err)

	res, _ = runCLI(t, migratorDeps(m, nil), "", "migrate", "force", "x")
	assert.True(t, errors.IsCode(res.err, errors.ErrCodeBadRequest))
}

func TestMigrate_Failures(t *testing.T) {
	m := &fakeMigrator{upErr: errors.New(errors.ErrCodeDatabaseError, "migration failed")}
	res, _ := runCLI(t, migratorDeps(m, nil), "", "migrate", "up")
	assert.True(t, errors.IsCode(res.err, errors.ErrCodeDatabaseError))
	assert.True(t, m.closed)

	res, _ = runCLI(t, Dependencies{}, "", "migrate", "status")
	assert.True(t, errors.IsCode(res.err, errors.ErrCodeServiceUnavailable))

	failing := Dependencies{NewMigrator: func(string, logging.Logger) (Migrator, error) {
		return nil, assert.AnError
	}}
	res, _ = runCLI(t, failing, "", "migrate", "status")
	assert.True(t, errors.IsCode(res.err, errors.ErrCodeDatabaseError))
}

// ---------------------------------------------------------------------------
// events
// ---------------------------------------------------------------------------

func TestEventsTail_Text(t *testing.T) {
	c := &fakeConsumer{envelopes: []*kafka.EventEnvelope{
		extractedEnvelope(t, "p-1", 3),
		extractedEnvelope(t, "p-2", 5),
	}}
	res, _ := runCLI(t, consumerDeps(c), "", "events", "tail", "--from-beginning")
	require.NoError(t, res.err)
	assert.True(t, c.closed)
	assert.True(t, c.fromStart)
	assert.Equal(t, "tcmintake-cli", c.group)

	lines := strings.Split(strings.TrimSpace(res.stdout), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "patient=p-1 note=n-p-1 points=3")
	assert.Contains(t, lines[1], "patient=p-2")
}

func TestEventsTail_MaxStopsEarly(t *testing.T) {
	c := &fakeConsumer{envelopes: []*kafka.EventEnvelope{
		extractedEnvelope(t, "p-1", 1),
		extractedEnvelope(t, "p-2", 1),
		extractedEnvelope(t, "p-3", 1),
	}}
	res, _ := runCLI(t, consumerDeps(c), "", "events", "tail", "--max", "1", "--group", "audit")
	require.NoError(t, res.err)
	assert.Equal(t, "audit", c.group)
	assert.Equal(t, 1, c.delivered)
	assert.Equal(t, 1, strings.Count(res.stdout, "\n"))
}

func TestEventsTail_JSONAndUndecodable(t *testing.T) {
	bad := &kafka.EventEnvelope{EventID: "e-bad", EventType: "note.extracted", Payload: json.RawMessage(`"text"`)}
	c := &fakeConsumer{envelopes: []*kafka.EventEnvelope{bad}}
	res, _ := runCLI(t, consumerDeps(c), "", "events", "tail")
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "e-bad  (undecodable payload)")

	c = &fakeConsumer{envelopes: []*kafka.EventEnvelope{extractedEnvelope(t, "p-1", 2)}}
	res, _ = runCLI(t, consumerDeps(c), "", "-o", "json", "events", "tail")
	require.NoError(t, res.err)
	var env kafka.EventEnvelope
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &env))
	var ev note.ExtractedEvent
	require.NoError(t, env.DecodePayload(&ev))
	assert.Equal(t, "p-1", ev.PatientID)
}

func TestEventsTail_NoConsumer(t *testing.T) {
	res, _ := runCLI(t, Dependencies{}, "", "events", "tail")
	assert.True(t, errors.IsCode(res.err, errors.ErrCodeServiceUnavailable))
}

// ---------------------------------------------------------------------------
// archive
// ---------------------------------------------------------------------------

func TestArchive_DisabledByConfig(t *testing.T) {
	res, _ := runCLI(t, archiveDeps(&fakeArchive{}), "", "archive", "list", "p-1")
	assert.True(t, errors.IsCode(res.err, errors.ErrCodeServiceUnavailable))
}

func TestArchiveList(t *testing.T) {
	modified := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	a := &fakeArchive{objects: []minio.ObjectInfo{
		{Key: "responses/p-1/n-2.json", Size: 2048, LastModified: modified},
	}}
	res := runWithConfig(t, archiveDeps(a), minioYAML, "archive", "list", "p-1")
	require.NoError(t, res.err)
	assert.Equal(t, "p-1", a.lastKey)
	assert.Contains(t, res.stdout, "KEY")
	assert.Contains(t, res.stdout, "responses/p-1/n-2.json  2048  2024-05-01T10:00:00Z")
}

func TestArchiveGet(t *testing.T) {
	a := &fakeArchive{record: &minio.ArchiveRecord{
		PatientID:     "p-1",
		NoteID:        "n-2",
		Provider:      "openai",
		PromptVersion: "v1",
		Raw:           json.RawMessage(`{"note_summary":"x"}`),
		ArchivedAt:    time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}}
	res := runWithConfig(t, archiveDeps(a), minioYAML, "archive", "get", "responses/p-1/n-2.json")
	require.NoError(t, res.err)
	assert.Equal(t, "responses/p-1/n-2.json", a.lastKey)
	assert.Contains(t, res.stdout, "provider: openai\n")
	assert.Contains(t, res.stdout, "\"note_summary\": \"x\"")

	a.notFound = true
	res = runWithConfig(t, archiveDeps(a), minioYAML, "archive", "get", "missing")
	assert.True(t, errors.IsNotFound(res.err))
}

func TestArchiveURL(t *testing.T) {
	a := &fakeArchive{}
	res := runWithConfig(t, archiveDeps(a), minioYAML, "archive", "url", "k1", "--expiry", "1h")
	require.NoError(t, res.err)
	assert.Equal(t, "http://minio.local/k1?sig=abc\n", res.stdout)
	assert.Equal(t, time.Hour, a.lastTTL)
}
