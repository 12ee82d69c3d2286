package notes

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/timmyxieat/tcm-intake/pkg/types/note"
)

// rawResponse is the provider document before normalization.  Points may be
// bare strings or objects.
type rawResponse struct {
	note.StructuredNote
	AcupuncturePoints []json.RawMessage `json:"acupuncturePoints"`
}

// decodeResponse parses a schema-valid document into a StructuredNote.
// Errors are point-level decoding failures and are reported as violations.
func decodeResponse(doc []byte) (*note.StructuredNote, []string, error) {
	var raw rawResponse
	if err := json.Unmarshal(doc, &raw); err != nil {
		return nil, nil, err
	}
	n := raw.StructuredNote

	points, violations := normalizePoints(raw.AcupuncturePoints)
	if len(violations) > 0 {
		return nil, violations, nil
	}
	n.AcupuncturePoints = points
	return &n, nil, nil
}

// normalizePoints turns each entry into a FlatPoint.  A bare string is a
// point name with no side or method.
func normalizePoints(items []json.RawMessage) ([]note.FlatPoint, []string) {
	points := make([]note.FlatPoint, 0, len(items))
	var violations []string
	for i, item := range items {
		item = bytes.TrimSpace(item)
		if len(item) > 0 && item[0] == '"' {
			var name string
			if err := json.Unmarshal(item, &name); err != nil {
				violations = append(violations, fmt.Sprintf("acupuncturePoints.%d: %v", i, err))
				continue
			}
			if name = strings.TrimSpace(name); name != "" {
				points = append(points, note.FlatPoint{Name: name})
			}
			continue
		}
		var p note.FlatPoint
		if err := json.Unmarshal(item, &p); err != nil {
			violations = append(violations, fmt.Sprintf("acupuncturePoints.%d: %v", i, err))
			continue
		}
		p.Name = strings.TrimSpace(p.Name)
		if p.Name == "" {
			continue
		}
		points = append(points, p)
	}
	return points, violations
}

// normalizeNote applies the defaults every stored note carries.
func normalizeNote(n *note.StructuredNote, clinicalNotes string) {
	if n.AcupunctureTreatmentSide == note.SideNone {
		n.AcupunctureTreatmentSide = note.SideBoth
	}

	review := make(map[string]note.Findings, len(n.TCMReview))
	for k, v := range n.TCMReview {
		cleaned := make(note.Findings, 0, len(v))
		for _, f := range v {
			if f = strings.TrimSpace(f); f != "" {
				cleaned = append(cleaned, f)
			}
		}
		if len(cleaned) > 0 {
			review[k] = cleaned
		}
	}
	n.TCMReview = review

	for i := range n.ChiefComplaints {
		n.ChiefComplaints[i].Text = strings.TrimSpace(n.ChiefComplaints[i].Text)
	}
	if n.ChiefComplaints == nil {
		n.ChiefComplaints = []note.ChiefComplaint{}
	}
	if n.Diagnosis.ICDCodes == nil {
		n.Diagnosis.ICDCodes = []note.ICDCode{}
	}

	if n.Subjective.StressLevel == "" {
		if level := ExtractStressLevel(n.Subjective.ES); level != "" {
			n.Subjective.StressLevel = level
		} else {
			n.Subjective.StressLevel = StressLevelFromNotes(clinicalNotes)
		}
	}
}
