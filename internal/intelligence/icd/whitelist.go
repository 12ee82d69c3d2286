// Package icd resolves symptom phrases to symptom-level ICD-10 codes from a
// fixed whitelist.  It never invents a code: a phrase outside the whitelist
// resolves to nothing.
package icd

import "github.com/timmyxieat/tcm-intake/pkg/types/note"

// Entry is one whitelist row.  Synonyms resolve to the same code.
type Entry struct {
	Phrase   string   `json:"phrase"`
	Code     string   `json:"code"`
	Label    string   `json:"label"`
	Synonyms []string `json:"synonyms,omitempty"`
}

// entries holds billable "unspecified" codes only.  Disease-level codes
// (G43.9 migraine, M51.26 disc displacement) are intentionally absent.
var entries = []Entry{
	{"low back pain", "M54.50", "Low back pain, unspecified", []string{"lower back pain", "back pain", "lumbago", "lbp"}},
	{"headache", "R51.9", "Headache, unspecified", []string{"headaches", "head pain"}},
	{"insomnia", "G47.00", "Insomnia, unspecified", []string{"difficulty sleeping", "poor sleep", "trouble sleeping"}},
	{"fatigue", "R53.83", "Other fatigue", []string{"tiredness", "low energy", "exhaustion"}},
	{"neck pain", "M54.2", "Cervicalgia", []string{"neck stiffness", "stiff neck"}},
	{"constipation", "K59.00", "Constipation, unspecified", nil},
	{"abdominal pain", "R10.9", "Unspecified abdominal pain", []string{"stomach pain", "stomach ache"}},
	{"anxiety", "F41.9", "Anxiety disorder, unspecified", nil},
	{"dizziness", "R42", "Dizziness and giddiness", []string{"vertigo", "lightheadedness"}},
	{"dysmenorrhea", "N94.6", "Dysmenorrhea, unspecified", []string{"menstrual cramps", "painful periods", "period pain"}},
	{"diarrhea", "R19.7", "Diarrhea, unspecified", []string{"loose stools"}},
	{"nausea", "R11.0", "Nausea", nil},
	{"shoulder pain", "M25.519", "Pain in unspecified shoulder", nil},
	{"knee pain", "M25.569", "Pain in unspecified knee", nil},
	{"hip pain", "M25.559", "Pain in unspecified hip", nil},
	{"tinnitus", "H93.19", "Tinnitus, unspecified ear", []string{"ringing in ears"}},
	{"excessive sweating", "R61", "Generalized hyperhidrosis", []string{"night sweats", "sweating"}},
	{"loss of appetite", "R63.0", "Anorexia", []string{"poor appetite", "decreased appetite"}},
	{"bloating", "R14.0", "Abdominal distension (gaseous)", []string{"abdominal bloating", "abdominal distension"}},
	{"irregular menstruation", "N92.6", "Irregular menstruation, unspecified", []string{"irregular periods", "irregular cycle"}},
	{"cough", "R05.9", "Cough, unspecified", nil},
	{"myalgia", "M79.10", "Myalgia, unspecified site", []string{"muscle pain", "muscle aches"}},
	{"chest pain", "R07.9", "Chest pain, unspecified", nil},
	{"upper back pain", "M54.6", "Pain in thoracic spine", []string{"thoracic pain", "mid back pain"}},
	{"tingling", "R20.2", "Paresthesia of skin", []string{"numbness and tingling", "pins and needles"}},
	{"frequent urination", "R35.0", "Frequency of micturition", nil},
	{"irritability", "R45.4", "Irritability and anger", nil},
	{"palpitations", "R00.2", "Palpitations", nil},
	{"sciatica", "M54.30", "Sciatica, unspecified side", nil},
	{"heartburn", "R12", "Heartburn", nil},
	{"stress", "Z73.3", "Stress, not elsewhere classified", []string{"chronic stress"}},
	{"hot flashes", "R23.2", "Flushing", []string{"hot flushes"}},
}

// index maps every normalized phrase and synonym to its code.
var index = buildIndex(entries)

func buildIndex(list []Entry) map[string]note.ICDCode {
	m := make(map[string]note.ICDCode, len(list)*2)
	for _, e := range list {
		code := note.ICDCode{Code: e.Code, Label: e.Label}
		m[normalize(e.Phrase)] = code
		for _, s := range e.Synonyms {
			m[normalize(s)] = code
		}
	}
	return m
}
