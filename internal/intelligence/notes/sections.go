package notes

import (
	"regexp"
	"strings"
)

// SectionLabels are the headings recognized by ParseSections, in the order
// practitioners usually write them.
var SectionLabels = []string{
	"CC", "HPI", "PMH", "FH", "SH", "ES",
	"Appetite", "Taste", "Stool", "Thirst", "Urine",
	"Sleep", "Energy", "Temp", "Sweat",
	"Head", "Ear", "Eye", "Nose", "Throat", "Pain", "Libido",
	"Tongue", "Pulse", "Diagnosis", "Points", "Plan",
}

var sectionIndex = func() map[string]string {
	m := make(map[string]string, len(SectionLabels))
	for _, l := range SectionLabels {
		m[strings.ToUpper(l)] = l
	}
	return m
}()

// reviewKeys maps section labels to tcmReview keys where they differ from
// the lowercased label.
var reviewKeys = map[string]string{"Temp": "temperature"}

// Section is one labelled block of a clinical note.
type Section struct {
	Label string `json:"label"`
	Body  string `json:"body"`
}

// ReviewKey returns the tcmReview key of a review section, or "" when the
// section is not part of the review of systems.
func (s Section) ReviewKey() string {
	switch s.Label {
	case "CC", "HPI", "PMH", "FH", "SH", "ES", "Tongue", "Pulse", "Diagnosis", "Points", "Plan":
		return ""
	}
	if k, ok := reviewKeys[s.Label]; ok {
		return k
	}
	return strings.ToLower(s.Label)
}

// Sections is the ordered result of ParseSections.
type Sections []Section

// Get returns the body of the first section with label, case-insensitive.
func (ss Sections) Get(label string) (string, bool) {
	for _, s := range ss {
		if strings.EqualFold(s.Label, label) {
			return s.Body, true
		}
	}
	return "", false
}

// ParseSections splits notes on lines consisting only of a known label,
// optionally followed by a colon.  Text before the first label is dropped,
// blank lines are skipped and sections with no content are omitted.
func ParseSections(text string) Sections {
	var (
		out     Sections
		current string
		body    []string
	)
	flush := func() {
		if current != "" && len(body) > 0 {
			out = append(out, Section{Label: current, Body: strings.Join(body, "\n")})
		}
		body = body[:0]
	}

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if label, ok := sectionLabel(trimmed); ok {
			flush()
			current = label
			continue
		}
		if trimmed != "" && current != "" {
			body = append(body, trimmed)
		}
	}
	flush()
	return out
}

func sectionLabel(line string) (string, bool) {
	key := strings.ToUpper(strings.TrimSpace(strings.TrimSuffix(line, ":")))
	label, ok := sectionIndex[key]
	return label, ok
}

// The score must follow the stress phrase directly; other N/10 scores on the
// same line (pain, PSS out of 100) are not stress levels.
var stressPattern = regexp.MustCompile(`(?i)\bstress(?:\s+level)?\s*[:=(-]?\s*(\d{1,2})\s*/\s*10\b`)

// ExtractStressLevel returns "N/10" for the first "stress N/10" or
// "stress level: N/10" phrase in text, or "".
func ExtractStressLevel(text string) string {
	m := stressPattern.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return m[1] + "/10"
}

// StressLevelFromNotes looks in the ES section first, then anywhere in the
// notes.
func StressLevelFromNotes(clinicalNotes string) string {
	if es, ok := ParseSections(clinicalNotes).Get("ES"); ok {
		if level := ExtractStressLevel(es); level != "" {
			return level
		}
	}
	return ExtractStressLevel(clinicalNotes)
}
