// Package repositories provides the PostgreSQL-backed note store.
package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/timmyxieat/tcm-intake/internal/infrastructure/database/postgres"
	"github.com/timmyxieat/tcm-intake/internal/infrastructure/monitoring/logging"
	appErrors "github.com/timmyxieat/tcm-intake/pkg/errors"
	"github.com/timmyxieat/tcm-intake/pkg/types/common"
	"github.com/timmyxieat/tcm-intake/pkg/types/note"
)

// DB is the subset of *pgxpool.Pool the repository needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// QueryObserver receives the duration of every repository operation.
type QueryObserver func(operation string, d time.Duration)

// GenerationRecord is one entry of a patient's generation history.
type GenerationRecord struct {
	NoteID        common.ID `json:"noteId"`
	PatientID     string    `json:"patientId"`
	PromptVersion string    `json:"promptVersion"`
	Provider      string    `json:"provider,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// NoteRepository stores the latest structured note per patient.  Saving a
// note for a patient replaces the previous one and appends a history row.
type NoteRepository struct {
	db       DB
	logger   logging.Logger
	observer QueryObserver
}

// Option customises a NoteRepository.
type Option func(*NoteRepository)

// WithQueryObserver reports operation latencies to fn.
func WithQueryObserver(fn QueryObserver) Option {
	return func(r *NoteRepository) { r.observer = fn }
}

// NewNoteRepository constructs a NoteRepository over db.
func NewNoteRepository(db DB, logger logging.Logger, opts ...Option) *NoteRepository {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	r := &NoteRepository{db: db, logger: logger.Named("note_repository")}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *NoteRepository) observe(op string, start time.Time) {
	if r.observer != nil {
		r.observer(op, time.Since(start))
	}
}

const upsertNoteSQL = `
	INSERT INTO structured_notes (patient_id, id, note, prompt_version, provider, archive_key, created_at)
	VALUES ($1, $2::uuid, $3, $4, $5, $6, $7)
	ON CONFLICT (patient_id) DO UPDATE SET
		id             = EXCLUDED.id,
		note           = EXCLUDED.note,
		prompt_version = EXCLUDED.prompt_version,
		provider       = EXCLUDED.provider,
		archive_key    = EXCLUDED.archive_key,
		created_at     = EXCLUDED.created_at`

const insertGenerationSQL = `
	INSERT INTO note_generations (note_id, patient_id, prompt_version, provider, created_at)
	VALUES ($1::uuid, $2, $3, $4, $5)`

// Save replaces the stored note for s.PatientID.
func (r *NoteRepository) Save(ctx context.Context, s *note.StoredNote) error {
	if s == nil {
		return appErrors.InvalidParam("stored note is nil")
	}
	if !note.ValidatePatientID(s.PatientID) {
		return appErrors.InvalidParam("invalid patient id")
	}
	if err := s.ID.Validate(); err != nil {
		return appErrors.InvalidParam(err.Error())
	}
	defer r.observe("save", time.Now())

	body, err := json.Marshal(s.Note)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrCodeSerialization, "failed to encode structured note")
	}

	err = postgres.WithTransaction(ctx, r.db, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsertNoteSQL,
			s.PatientID, s.ID.String(), body, s.PromptVersion, s.Provider, s.ArchiveKey, s.CreatedAt,
		); err != nil {
			return appErrors.Wrap(err, appErrors.ErrCodeDatabaseError, "failed to upsert structured note")
		}
		if _, err := tx.Exec(ctx, insertGenerationSQL,
			s.ID.String(), s.PatientID, s.PromptVersion, s.Provider, s.CreatedAt,
		); err != nil {
			return appErrors.Wrap(err, appErrors.ErrCodeDatabaseError, "failed to record generation")
		}
		return nil
	})
	if err != nil {
		r.logger.Error("save structured note", logging.String("patient_id", s.PatientID), logging.Err(err))
		return err
	}
	r.logger.Debug("structured note saved",
		logging.String("patient_id", s.PatientID),
		logging.String("note_id", s.ID.String()),
	)
	return nil
}

const selectNoteColumns = `patient_id, id::text, note, prompt_version, provider, archive_key, created_at`

// Get returns the stored note for patientID, or NOTE_005 when none exists.
func (r *NoteRepository) Get(ctx context.Context, patientID string) (*note.StoredNote, error) {
	defer r.observe("get", time.Now())

	row := r.db.QueryRow(ctx, `SELECT `+selectNoteColumns+` FROM structured_notes WHERE patient_id = $1`, patientID)
	s, err := scanStoredNote(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, appErrors.New(appErrors.ErrCodeNoteNotFound, "structured note not found").
				WithDetail("patient_id=" + patientID)
		}
		return nil, err
	}
	return s, nil
}

// Delete removes the stored note for patientID.  History rows are kept.
func (r *NoteRepository) Delete(ctx context.Context, patientID string) error {
	defer r.observe("delete", time.Now())

	tag, err := r.db.Exec(ctx, `DELETE FROM structured_notes WHERE patient_id = $1`, patientID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrCodeDatabaseError, "failed to delete structured note")
	}
	if tag.RowsAffected() == 0 {
		return appErrors.New(appErrors.ErrCodeNoteNotFound, "structured note not found").
			WithDetail("patient_id=" + patientID)
	}
	return nil
}

// List returns one page of stored notes, newest first, and the total count.
func (r *NoteRepository) List(ctx context.Context, page common.Pagination) ([]*note.StoredNote, int64, error) {
	page = page.Normalize()
	if err := page.Validate(); err != nil {
		return nil, 0, appErrors.InvalidParam(err.Error())
	}
	defer r.observe("list", time.Now())

	var total int64
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM structured_notes`).Scan(&total); err != nil {
		return nil, 0, appErrors.Wrap(err, appErrors.ErrCodeDatabaseError, "failed to count structured notes")
	}

	rows, err := r.db.Query(ctx,
		`SELECT `+selectNoteColumns+` FROM structured_notes ORDER BY created_at DESC, patient_id LIMIT $1 OFFSET $2`,
		page.PageSize, page.Offset())
	if err != nil {
		return nil, 0, appErrors.Wrap(err, appErrors.ErrCodeDatabaseError, "failed to list structured notes")
	}
	defer rows.Close()

	items := make([]*note.StoredNote, 0, page.PageSize)
	for rows.Next() {
		s, err := scanStoredNote(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, s)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, appErrors.Wrap(err, appErrors.ErrCodeDatabaseError, "failed to iterate structured notes")
	}
	return items, total, nil
}

// History returns up to limit generation records for patientID, newest first.
func (r *NoteRepository) History(ctx context.Context, patientID string, limit int) ([]GenerationRecord, error) {
	if limit <= 0 || limit > common.MaxPageSize {
		limit = common.DefaultPageSize
	}
	defer r.observe("history", time.Now())

	rows, err := r.db.Query(ctx, `
		SELECT note_id::text, patient_id, prompt_version, provider, created_at
		FROM note_generations WHERE patient_id = $1
		ORDER BY created_at DESC, id DESC LIMIT $2`, patientID, limit)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrCodeDatabaseError, "failed to query generation history")
	}
	defer rows.Close()

	var out []GenerationRecord
	for rows.Next() {
		var rec GenerationRecord
		var id string
		if err := rows.Scan(&id, &rec.PatientID, &rec.PromptVersion, &rec.Provider, &rec.CreatedAt); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrCodeDatabaseError, "failed to scan generation record")
		}
		rec.NoteID = common.ID(id)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrCodeDatabaseError, "failed to iterate generation history")
	}
	return out, nil
}

func scanStoredNote(row pgx.Row) (*note.StoredNote, error) {
	var (
		s    note.StoredNote
		id   string
		body []byte
	)
	if err := row.Scan(&s.PatientID, &id, &body, &s.PromptVersion, &s.Provider, &s.ArchiveKey, &s.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, appErrors.Wrap(err, appErrors.ErrCodeDatabaseError, "failed to scan structured note")
	}
	if err := json.Unmarshal(body, &s.Note); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrCodeSerialization, "stored note is not valid JSON")
	}
	s.ID = common.ID(id)
	return &s, nil
}
