package note

import (
	"strings"
	"time"

	"github.com/timmyxieat/tcm-intake/pkg/types/common"
)

// StoredNote is the latest structured note generated for a patient.  A new
// generation replaces the previous one.
type StoredNote struct {
	ID            common.ID      `json:"id"`
	PatientID     string         `json:"patientId"`
	Note          StructuredNote `json:"note"`
	PromptVersion string         `json:"promptVersion"`
	Provider      string         `json:"provider,omitempty"`
	ArchiveKey    string         `json:"archiveKey,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// MaxPatientIDLength bounds patient identifiers accepted by the API.
const MaxPatientIDLength = 128

// ValidatePatientID reports whether id is usable as a storage key: non-blank,
// bounded and free of whitespace and path separators.
func ValidatePatientID(id string) bool {
	if id == "" || len(id) > MaxPatientIDLength {
		return false
	}
	return !strings.ContainsAny(id, " \t\r\n/\\")
}

// EventTypeNoteExtracted names the event published after a note is stored.
const EventTypeNoteExtracted = "note.extracted"

// ExtractedEvent is published after a StoredNote replaces the previous one.
// It carries identifiers and counts, not clinical content.
type ExtractedEvent struct {
	common.BaseEvent
	NoteID          common.ID `json:"note_id"`
	PatientID       string    `json:"patient_id"`
	PromptVersion   string    `json:"prompt_version"`
	Provider        string    `json:"provider,omitempty"`
	ComplaintCount  int       `json:"complaint_count"`
	PointCount      int       `json:"point_count"`
	RegionCount     int       `json:"region_count"`
	ICDMisses       int       `json:"icd_misses"`
	ClassifierMiss  int       `json:"classifier_misses"`
	MissingDuration int       `json:"missing_duration"`
}

// NewExtractedEvent builds the event for s.
func NewExtractedEvent(s *StoredNote) ExtractedEvent {
	return ExtractedEvent{
		BaseEvent:      common.NewBaseEvent(EventTypeNoteExtracted, s.PatientID),
		NoteID:         s.ID,
		PatientID:      s.PatientID,
		PromptVersion:  s.PromptVersion,
		Provider:       s.Provider,
		ComplaintCount: len(s.Note.ChiefComplaints),
		PointCount:     len(s.Note.AcupuncturePoints),
		RegionCount:    len(s.Note.Acupuncture),
	}
}
