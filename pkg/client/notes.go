package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/timmyxieat/tcm-intake/pkg/types/common"
	"github.com/timmyxieat/tcm-intake/pkg/types/note"
)

// NotesClient covers extraction and per-patient notes.
type NotesClient struct {
	client *Client
}

type extractRequest struct {
	Notes string `json:"notes"`
}

// Prompt is the prompt preview served by GET /api/v1/notes/prompt.
type Prompt struct {
	Version      string          `json:"version"`
	System       string          `json:"system"`
	UserTemplate string          `json:"userTemplate"`
	SchemaName   string          `json:"schemaName"`
	Schema       json.RawMessage `json:"schema"`
}

// HistoryEntry is one past generation for a patient.
type HistoryEntry struct {
	NoteID        string    `json:"noteId"`
	PatientID     string    `json:"patientId"`
	PromptVersion string    `json:"promptVersion"`
	Provider      string    `json:"provider,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// ArchivedResponse describes one archived raw provider response.
type ArchivedResponse struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
}

func patientPath(patientID, suffix string) string {
	return "/api/v1/patients/" + url.PathEscape(patientID) + suffix
}

// Extract structures notes without storing anything.
func (n *NotesClient) Extract(ctx context.Context, notes string) (*note.StructuredNote, ResponseMeta, error) {
	var out note.StructuredNote
	h, err := n.client.post(ctx, "/api/v1/notes/extract", extractRequest{Notes: notes}, &out)
	if err != nil {
		return nil, ResponseMeta{}, err
	}
	return &out, metaFromHeader(h), nil
}

// Prompt fetches the prompt and schema the server sends to the provider.
func (n *NotesClient) Prompt(ctx context.Context) (*Prompt, error) {
	var out Prompt
	if err := n.client.get(ctx, "/api/v1/notes/prompt", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Generate extracts notes for patientID and replaces the stored note.
func (n *NotesClient) Generate(ctx context.Context, patientID, notes string) (*note.StoredNote, ResponseMeta, error) {
	if patientID == "" {
		return nil, ResponseMeta{}, fmt.Errorf("%w: patientID is required", ErrInvalidConfig)
	}
	var out note.StoredNote
	h, err := n.client.post(ctx, patientPath(patientID, "/notes"), extractRequest{Notes: notes}, &out)
	if err != nil {
		return nil, ResponseMeta{}, err
	}
	return &out, metaFromHeader(h), nil
}

func (n *NotesClient) Get(ctx context.Context, patientID string) (*note.StoredNote, error) {
	var out note.StoredNote
	if err := n.client.get(ctx, patientPath(patientID, "/notes"), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (n *NotesClient) Delete(ctx context.Context, patientID string) error {
	return n.client.delete(ctx, patientPath(patientID, "/notes"))
}

// List pages through the latest note of every patient.
func (n *NotesClient) List(ctx context.Context, page, pageSize int) (*common.PageResponse[*note.StoredNote], error) {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if pageSize > 0 {
		q.Set("page_size", strconv.Itoa(pageSize))
	}
	path := "/api/v1/notes"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out common.PageResponse[*note.StoredNote]
	if err := n.client.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// History lists past generations, newest first.  limit <= 0 uses the server
// default.
func (n *NotesClient) History(ctx context.Context, patientID string, limit int) ([]HistoryEntry, error) {
	path := patientPath(patientID, "/notes/history")
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Items []HistoryEntry `json:"items"`
	}
	if err := n.client.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// Archives lists archived provider responses for patientID.
func (n *NotesClient) Archives(ctx context.Context, patientID string) ([]ArchivedResponse, error) {
	var out struct {
		Items []ArchivedResponse `json:"items"`
	}
	if err := n.client.get(ctx, patientPath(patientID, "/archives"), &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}
