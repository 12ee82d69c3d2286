package acupuncture

import (
	"strings"

	"github.com/timmyxieat/tcm-intake/pkg/types/note"
)

// FormatAnnotation returns the display annotation of p.  The side is shown
// only when set and different from defaultSide; the method whenever set.
// It returns false when there is nothing to show.
func FormatAnnotation(p note.FlatPoint, defaultSide note.Side) (string, bool) {
	tokens := make([]string, 0, 2)
	if p.Side != note.SideNone && p.Side != defaultSide {
		tokens = append(tokens, string(p.Side))
	}
	if p.Method != note.MethodNone {
		tokens = append(tokens, string(p.Method))
	}
	if len(tokens) == 0 {
		return "", false
	}
	return strings.Join(tokens, " "), true
}

// FormatPoint renders a point for display, e.g. "BL-25 (T)" or "GB-30".
func FormatPoint(p note.FlatPoint, defaultSide note.Side) string {
	if ann, ok := FormatAnnotation(p, defaultSide); ok {
		return p.Name + " (" + ann + ")"
	}
	return p.Name
}

// FormatRegions renders every region as "Region: P1, P2 (T)".
func FormatRegions(regions []note.Region, defaultSide note.Side) []string {
	lines := make([]string, 0, len(regions))
	for _, r := range regions {
		names := make([]string, 0, len(r.Points))
		for _, p := range r.Points {
			names = append(names, FormatPoint(p, defaultSide))
		}
		lines = append(lines, string(r.Region)+": "+strings.Join(names, ", "))
	}
	return lines
}
