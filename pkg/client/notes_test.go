package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmyxieat/tcm-intake/pkg/types/note"
)

const structuredNoteJSON = `{
  "note_summary": "Low back pain treated with acupuncture.",
  "chiefComplaints": [{"text": "Lower back pain for 2 weeks", "icdCode": "M54.50", "icdLabel": "Low back pain, unspecified"}],
  "acupunctureTreatmentSide": "Both",
  "acupuncturePoints": [{"name": "BL-25", "side": null, "method": "T"}],
  "acupuncture": [{"region": "Back", "points": [{"name": "BL-25", "side": null, "method": "T"}]}]
}`

func TestNotesClient_Extract(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/notes/extract", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"notes":"CC\nLower back pain for 2 weeks"}`, string(body))

		w.Header().Set("X-Prompt-Version", "v3")
		w.Header().Set("X-ICD-Misses", "1")
		w.Header().Set("X-Point-Misses", "2")
		_, _ = w.Write([]byte(structuredNoteJSON))
	})

	n, meta, err := c.Notes().Extract(context.Background(), "CC\nLower back pain for 2 weeks")
	require.NoError(t, err)
	require.Len(t, n.ChiefComplaints, 1)
	assert.Equal(t, "Lower back pain for 2 weeks", n.ChiefComplaints[0].Text)
	assert.Equal(t, note.MethodTonify, n.AcupuncturePoints[0].Method)
	assert.Equal(t, "v3", meta.PromptVersion)
	assert.Equal(t, 1, meta.ICDMisses)
	assert.Equal(t, 2, meta.PointMisses)
}

func TestNotesClient_Extract_EmptyInputError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"NOTE_001","message":"clinical notes are empty"}`))
	})
	_, _, err := c.Notes().Extract(context.Background(), " ")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "NOTE_001", apiErr.Code)
}

func TestNotesClient_Prompt(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/notes/prompt", r.URL.Path)
		_, _ = w.Write([]byte(`{"version":"v3","system":"You are","userTemplate":"{{.Notes}}","schemaName":"tcm_clinical_notes","schema":{"type":"object"}}`))
	})
	p, err := c.Notes().Prompt(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v3", p.Version)
	assert.Equal(t, "tcm_clinical_notes", p.SchemaName)
	assert.JSONEq(t, `{"type":"object"}`, string(p.Schema))
}

func TestNotesClient_GenerateGetDelete(t *testing.T) {
	stored := `{"id":"n-1","patientId":"p 1","promptVersion":"v3","note":` + structuredNoteJSON + `,"createdAt":"2026-01-02T03:04:05Z"}`
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/patients/p%201/notes", r.URL.EscapedPath())
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(stored))
		case http.MethodGet:
			_, _ = w.Write([]byte(stored))
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		}
	})
	ctx := context.Background()

	s, _, err := c.Notes().Generate(ctx, "p 1", "notes")
	require.NoError(t, err)
	assert.Equal(t, "v3", s.PromptVersion)

	s, err = c.Notes().Get(ctx, "p 1")
	require.NoError(t, err)
	assert.Equal(t, "p 1", s.PatientID)

	require.NoError(t, c.Notes().Delete(ctx, "p 1"))
}

func TestNotesClient_Generate_RequiresPatient(t *testing.T) {
	c, err := NewClient("http://localhost")
	require.NoError(t, err)
	_, _, err = c.Notes().Generate(context.Background(), "", "notes")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNotesClient_Generate_Conflict(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"code":"NOTE_006","message":"an extraction is already running for this patient"}`))
	})
	_, _, err := c.Notes().Generate(context.Background(), "p-1", "notes")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.IsConflict())
}

func TestNotesClient_List(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		assert.Equal(t, "10", r.URL.Query().Get("page_size"))
		_, _ = w.Write([]byte(`{"items":[{"id":"n-1","patientId":"p-1"}],"total":11,"page":2,"page_size":10}`))
	})
	page, err := c.Notes().List(context.Background(), 2, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(11), page.Total)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "p-1", page.Items[0].PatientID)
}

func TestNotesClient_HistoryAndArchives(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/patients/p-1/notes/history":
			assert.Equal(t, "5", r.URL.Query().Get("limit"))
			_ = json.NewEncoder(w).Encode(map[string]any{"items": []map[string]any{
				{"noteId": "n-2", "patientId": "p-1", "promptVersion": "v3", "createdAt": "2026-01-02T00:00:00Z"},
			}})
		case "/api/v1/patients/p-1/archives":
			_, _ = w.Write([]byte(`{"items":[{"key":"responses/p-1/n-2.json","size":42,"lastModified":"2026-01-02T00:00:00Z"}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()

	hist, err := c.Notes().History(ctx, "p-1", 5)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "n-2", hist[0].NoteID)

	arch, err := c.Notes().Archives(ctx, "p-1")
	require.NoError(t, err)
	require.Len(t, arch, 1)
	assert.Equal(t, int64(42), arch[0].Size)
}
