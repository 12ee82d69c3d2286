package icd

import (
	"regexp"
	"sort"
	"strings"

	"github.com/timmyxieat/tcm-intake/pkg/types/note"
)

var (
	spaceRun    = regexp.MustCompile(`\s+`)
	forBoundary = regexp.MustCompile(`(?i)\sfor\s`)
)

func normalize(phrase string) string {
	return spaceRun.ReplaceAllString(strings.ToLower(strings.TrimSpace(phrase)), " ")
}

// ResolveICD10 looks up a symptom phrase.  Matching is case-insensitive and
// ignores surrounding and repeated whitespace.
func ResolveICD10(phrase string) (note.ICDCode, bool) {
	code, ok := index[normalize(phrase)]
	return code, ok
}

// LeadingSymptom returns the part of a complaint before the first "for" word,
// e.g. "Lower back pain" for "Lower back pain for 2 weeks".
func LeadingSymptom(text string) string {
	if loc := forBoundary.FindStringIndex(text); loc != nil {
		return strings.TrimSpace(text[:loc[0]])
	}
	return strings.TrimSpace(text)
}

// Miss records a complaint whose leading symptom is not whitelisted.
type Miss struct {
	Index   int    `json:"index"`
	Text    string `json:"text"`
	Symptom string `json:"symptom"`
}

// Backfill fills the code and label of every complaint without a code whose
// leading symptom is whitelisted.  Complaints that already carry a code are
// left untouched.  It returns the complaints it could not resolve.
func Backfill(complaints []note.ChiefComplaint) []Miss {
	var misses []Miss
	for i := range complaints {
		c := &complaints[i]
		if c.HasCode() {
			continue
		}
		symptom := LeadingSymptom(c.Text)
		code, ok := ResolveICD10(symptom)
		if !ok {
			c.ICDCode, c.ICDLabel = nil, nil
			misses = append(misses, Miss{Index: i, Text: c.Text, Symptom: symptom})
			continue
		}
		codeStr, label := code.Code, code.Label
		c.ICDCode, c.ICDLabel = &codeStr, &label
	}
	return misses
}

// Whitelist returns a copy of the whitelist sorted by phrase.
func Whitelist() []Entry {
	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[i] = e
		out[i].Synonyms = append([]string(nil), e.Synonyms...)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Phrase < out[b].Phrase })
	return out
}
