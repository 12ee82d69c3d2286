package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/timmyxieat/tcm-intake/pkg/errors"
	"github.com/timmyxieat/tcm-intake/pkg/types/common"
	"github.com/timmyxieat/tcm-intake/pkg/types/note"
)

// ─────────────────────────────────────────────────────────────────────────────
// Fakes
// ─────────────────────────────────────────────────────────────────────────────

type execCall struct {
	sql  string
	args []any
}

// fakeRow scans a fixed set of values.
type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assign(dest, r.values)
}

func assign(dest, values []any) error {
	if len(dest) != len(values) {
		return fmt.Errorf("scan: %d destinations for %d values", len(dest), len(values))
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = values[i].(string)
		case *[]byte:
			*p = values[i].([]byte)
		case *time.Time:
			*p = values[i].(time.Time)
		case *int64:
			*p = values[i].(int64)
		default:
			return fmt.Errorf("scan: unsupported destination %T", d)
		}
	}
	return nil
}

// fakeRows iterates over a slice of rows.
type fakeRows struct {
	pgx.Rows
	rows   [][]any
	idx    int
	closed bool
}

func (r *fakeRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Scan(dest ...any) error { return assign(dest, r.rows[r.idx-1]) }
func (r *fakeRows) Err() error             { return nil }
func (r *fakeRows) Close()                 { r.closed = true }

type fakeTx struct {
	pgx.Tx
	db         *fakeDB
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.db.Exec(ctx, sql, args...)
}
func (t *fakeTx) Commit(context.Context) error   { t.committed = true; return nil }
func (t *fakeTx) Rollback(context.Context) error { t.rolledBack = true; return nil }

type fakeDB struct {
	execs     []execCall
	execErr   error
	execTag   string
	row       fakeRow
	countRow  fakeRow
	rows      *fakeRows
	queryArgs []any
	tx        *fakeTx
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	if f.execErr != nil {
		return pgconn.CommandTag{}, f.execErr
	}
	return pgconn.NewCommandTag(f.execTag), nil
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	if strings.Contains(sql, "COUNT(*)") {
		return f.countRow
	}
	return f.row
}

func (f *fakeDB) Query(_ context.Context, _ string, args ...any) (pgx.Rows, error) {
	f.queryArgs = args
	return f.rows, nil
}

func (f *fakeDB) Begin(context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{db: f}
	return f.tx, nil
}

func sampleStored(t *testing.T) *note.StoredNote {
	t.Helper()
	return &note.StoredNote{
		ID:            common.NewID(),
		PatientID:     "patient-1",
		PromptVersion: "v3",
		Provider:      "openai",
		CreatedAt:     time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		Note: note.StructuredNote{
			ChiefComplaints: []note.ChiefComplaint{{Text: "Low back pain for 2 weeks"}},
		},
	}
}

func noteRowValues(t *testing.T, s *note.StoredNote) []any {
	t.Helper()
	body, err := json.Marshal(s.Note)
	require.NoError(t, err)
	return []any{s.PatientID, s.ID.String(), body, s.PromptVersion, s.Provider, s.ArchiveKey, s.CreatedAt}
}

// ─────────────────────────────────────────────────────────────────────────────
// Tests
// ─────────────────────────────────────────────────────────────────────────────

func TestNoteRepository_Save_UpsertsAndRecordsHistory(t *testing.T) {
	db := &fakeDB{execTag: "INSERT 0 1"}
	var ops []string
	repo := NewNoteRepository(db, nil, WithQueryObserver(func(op string, _ time.Duration) {
		ops = append(ops, op)
	}))

	s := sampleStored(t)
	require.NoError(t, repo.Save(context.Background(), s))

	require.Len(t, db.execs, 2)
	assert.Contains(t, db.execs[0].sql, "ON CONFLICT (patient_id) DO UPDATE")
	assert.Equal(t, "patient-1", db.execs[0].args[0])
	assert.JSONEq(t, mustJSON(t, s.Note), string(db.execs[0].args[2].([]byte)))
	assert.Contains(t, db.execs[1].sql, "note_generations")
	assert.True(t, db.tx.committed)
	assert.Equal(t, []string{"save"}, ops)
}

func TestNoteRepository_Save_RollsBackOnError(t *testing.T) {
	db := &fakeDB{execErr: errors.New("relation does not exist")}
	repo := NewNoteRepository(db, nil)

	err := repo.Save(context.Background(), sampleStored(t))
	require.Error(t, err)
	assert.True(t, appErrors.IsCode(err, appErrors.ErrCodeDatabaseError))
	assert.True(t, db.tx.rolledBack)
	assert.False(t, db.tx.committed)
}

func TestNoteRepository_Save_Validation(t *testing.T) {
	repo := NewNoteRepository(&fakeDB{}, nil)

	assert.True(t, appErrors.IsValidation(repo.Save(context.Background(), nil)))

	s := sampleStored(t)
	s.PatientID = "has space"
	assert.True(t, appErrors.IsValidation(repo.Save(context.Background(), s)))

	s = sampleStored(t)
	s.ID = "not-a-uuid"
	assert.True(t, appErrors.IsValidation(repo.Save(context.Background(), s)))
}

func TestNoteRepository_Get(t *testing.T) {
	s := sampleStored(t)
	db := &fakeDB{row: fakeRow{values: noteRowValues(t, s)}}
	repo := NewNoteRepository(db, nil)

	got, err := repo.Get(context.Background(), "patient-1")
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, s.PromptVersion, got.PromptVersion)
	assert.Equal(t, s.CreatedAt, got.CreatedAt)
	require.Len(t, got.Note.ChiefComplaints, 1)
	assert.Equal(t, "Low back pain for 2 weeks", got.Note.ChiefComplaints[0].Text)
}

func TestNoteRepository_Get_NotFound(t *testing.T) {
	repo := NewNoteRepository(&fakeDB{row: fakeRow{err: pgx.ErrNoRows}}, nil)

	_, err := repo.Get(context.Background(), "missing")
	assert.True(t, appErrors.IsCode(err, appErrors.ErrCodeNoteNotFound))
}

func TestNoteRepository_Get_CorruptBody(t *testing.T) {
	s := sampleStored(t)
	values := noteRowValues(t, s)
	values[2] = []byte("{not json")
	repo := NewNoteRepository(&fakeDB{row: fakeRow{values: values}}, nil)

	_, err := repo.Get(context.Background(), "patient-1")
	assert.True(t, appErrors.IsCode(err, appErrors.ErrCodeSerialization))
}

func TestNoteRepository_Delete(t *testing.T) {
	db := &fakeDB{execTag: "DELETE 1"}
	repo := NewNoteRepository(db, nil)
	require.NoError(t, repo.Delete(context.Background(), "patient-1"))

	db.execTag = "DELETE 0"
	err := repo.Delete(context.Background(), "patient-1")
	assert.True(t, appErrors.IsCode(err, appErrors.ErrCodeNoteNotFound))
}

func TestNoteRepository_List(t *testing.T) {
	a, b := sampleStored(t), sampleStored(t)
	b.PatientID = "patient-2"
	rows := &fakeRows{rows: [][]any{noteRowValues(t, a), noteRowValues(t, b)}}
	db := &fakeDB{countRow: fakeRow{values: []any{int64(7)}}, rows: rows}
	repo := NewNoteRepository(db, nil)

	items, total, err := repo.List(context.Background(), common.Pagination{Page: 2, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(7), total)
	require.Len(t, items, 2)
	assert.Equal(t, "patient-2", items[1].PatientID)
	assert.Equal(t, []any{2, 2}, db.queryArgs)
	assert.True(t, rows.closed)
}

func TestNoteRepository_List_InvalidPage(t *testing.T) {
	repo := NewNoteRepository(&fakeDB{}, nil)
	_, _, err := repo.List(context.Background(), common.Pagination{Page: 1, PageSize: common.MaxPageSize + 1})
	assert.True(t, appErrors.IsValidation(err))
}

func TestNoteRepository_History(t *testing.T) {
	id := common.NewID()
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	rows := &fakeRows{rows: [][]any{{id.String(), "patient-1", "v3", "gemini", at}}}
	db := &fakeDB{rows: rows}
	repo := NewNoteRepository(db, nil)

	recs, err := repo.History(context.Background(), "patient-1", 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, id, recs[0].NoteID)
	assert.Equal(t, "gemini", recs[0].Provider)
	assert.Equal(t, []any{"patient-1", common.DefaultPageSize}, db.queryArgs)
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}
