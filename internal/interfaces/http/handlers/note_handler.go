package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/timmyxieat/tcm-intake/internal/application/intake"
	"github.com/timmyxieat/tcm-intake/internal/infrastructure/database/postgres/repositories"
	"github.com/timmyxieat/tcm-intake/internal/infrastructure/monitoring/logging"
	"github.com/timmyxieat/tcm-intake/internal/infrastructure/storage/minio"
	"github.com/timmyxieat/tcm-intake/internal/intelligence/notes"
	"github.com/timmyxieat/tcm-intake/pkg/types/common"
	"github.com/timmyxieat/tcm-intake/pkg/types/note"
)

// NoteService is the application surface used by NoteHandler.
type NoteService interface {
	Extract(ctx context.Context, clinicalNotes string) (*note.StructuredNote, *notes.Report, error)
	Generate(ctx context.Context, patientID, clinicalNotes string) (*note.StoredNote, *notes.Report, error)
	Get(ctx context.Context, patientID string) (*note.StoredNote, error)
	Delete(ctx context.Context, patientID string) error
	List(ctx context.Context, page common.Pagination) (*common.PageResponse[*note.StoredNote], error)
	History(ctx context.Context, patientID string, limit int) ([]repositories.GenerationRecord, error)
	Archives(ctx context.Context, patientID string) ([]minio.ObjectInfo, error)
}

var _ NoteService = (*intake.Service)(nil)

// Response headers carrying extraction metadata.
const (
	HeaderPromptVersion = "X-Prompt-Version"
	HeaderICDMisses     = "X-ICD-Misses"
	HeaderPointMisses   = "X-Point-Misses"
)

// ExtractRequest is the body of the extract and generate endpoints.
type ExtractRequest struct {
	Notes string `json:"notes"`
}

// PromptResponse previews what is sent to the provider.
type PromptResponse struct {
	Version      string          `json:"version"`
	System       string          `json:"system"`
	UserTemplate string          `json:"userTemplate"`
	SchemaName   string          `json:"schemaName"`
	Schema       json.RawMessage `json:"schema"`
}

// NoteHandler serves the extraction and patient note endpoints.
type NoteHandler struct {
	svc      NoteService
	logger   logging.Logger
	recorder ErrorRecorder
}

func NewNoteHandler(svc NoteService, logger logging.Logger, recorder ErrorRecorder) *NoteHandler {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &NoteHandler{svc: svc, logger: logger, recorder: recorder}
}

func (h *NoteHandler) fail(c *gin.Context, err error) {
	respondError(c, h.logger, h.recorder, "notes", err)
}

func (h *NoteHandler) bindNotes(c *gin.Context) (string, bool) {
	var req ExtractRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, badRequest("request body must be JSON with a notes field"))
		return "", false
	}
	return req.Notes, true
}

func setReportHeaders(c *gin.Context, r *notes.Report) {
	if r == nil {
		return
	}
	c.Header(HeaderPromptVersion, r.PromptVersion)
	c.Header(HeaderICDMisses, strconv.Itoa(len(r.ICDMisses)))
	c.Header(HeaderPointMisses, strconv.Itoa(len(r.ClassificationMisses)))
}

// Extract handles POST /api/v1/notes/extract.  Nothing is stored.
func (h *NoteHandler) Extract(c *gin.Context) {
	text, ok := h.bindNotes(c)
	if !ok {
		return
	}
	n, report, err := h.svc.Extract(c.Request.Context(), text)
	if err != nil {
		h.fail(c, err)
		return
	}
	setReportHeaders(c, report)
	c.JSON(http.StatusOK, n)
}

// Prompt handles GET /api/v1/notes/prompt.
func (h *NoteHandler) Prompt(c *gin.Context) {
	schema := notes.ProviderSchema()
	c.JSON(http.StatusOK, PromptResponse{
		Version:      notes.PromptVersion,
		System:       notes.SystemPrompt(),
		UserTemplate: notes.UserPromptTemplate(),
		SchemaName:   schema.Name,
		Schema:       schema.Schema,
	})
}

// List handles GET /api/v1/notes.
func (h *NoteHandler) List(c *gin.Context) {
	page, err := parsePagination(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	out, err := h.svc.List(c.Request.Context(), page)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// Generate handles POST /api/v1/patients/:patientID/notes and replaces the
// patient's stored note.
func (h *NoteHandler) Generate(c *gin.Context) {
	text, ok := h.bindNotes(c)
	if !ok {
		return
	}
	stored, report, err := h.svc.Generate(c.Request.Context(), c.Param("patientID"), text)
	if err != nil {
		h.fail(c, err)
		return
	}
	setReportHeaders(c, report)
	c.JSON(http.StatusCreated, stored)
}

// Get handles GET /api/v1/patients/:patientID/notes.
func (h *NoteHandler) Get(c *gin.Context) {
	stored, err := h.svc.Get(c.Request.Context(), c.Param("patientID"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stored)
}

// Delete handles DELETE /api/v1/patients/:patientID/notes.
func (h *NoteHandler) Delete(c *gin.Context) {
	if err := h.svc.Delete(c.Request.Context(), c.Param("patientID")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// History handles GET /api/v1/patients/:patientID/notes/history.
func (h *NoteHandler) History(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			h.fail(c, badRequest("limit must be a positive integer"))
			return
		}
		limit = n
	}
	recs, err := h.svc.History(c.Request.Context(), c.Param("patientID"), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": recs})
}

// Archives handles GET /api/v1/patients/:patientID/archives.
func (h *NoteHandler) Archives(c *gin.Context) {
	objs, err := h.svc.Archives(c.Request.Context(), c.Param("patientID"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": objs})
}
