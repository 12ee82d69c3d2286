package notes

import (
	"bytes"
	"fmt"
	"text/template"
)

// PromptVersion identifies the prompt wording.  It is logged with every
// extraction and stored with archived responses.
const PromptVersion = "v3"

const systemPrompt = `You are an expert TCM clinician who organizes unstructured clinical notes into structured intake documentation. You know TCM pattern diagnosis, ICD-10 symptom coding and medical documentation standards. Return only valid JSON that follows the provided schema.`

const userPromptText = `Organize the clinical notes below into a structured intake note that follows the schema.

CHIEF COMPLAINTS
- Write every complaint as "[Problem] for [Duration]", e.g. "Lower back pain for 2 weeks".
- Give at least one and at most two complaints.
- Give each complaint the closest ICD-10 symptom code, never a disease diagnosis.

ICD-10 CODES
- Codes are symptom-level "unspecified" codes: "R51.9" (Headache, unspecified), not "G43.9" (Migraine).
- Write codes as strings, using the full billable sub-code where one exists, e.g. "M54.50" rather than "M54.5".
- Always give both the code and its label.
- Code the presentation of the symptom, not its cause.

ACUPUNCTURE
- List every point in acupuncturePoints as a flat list. Do not group points by region.
- Each point has "name" (e.g. "BL-20", "LV-3", "Yin Tang", "ST-36"), "side" and "method".
- method is "T" (tonify), "R" (reduce) or "E" (even). Use null unless a method is stated for that exact point.
- A method or side word applies ONLY to the point it immediately modifies, never to the rest of a list:
  "tonifying on BL-20, BL-23" -> BL-20 method "T", BL-23 method null
  "BL-20 (T), BL-23 (R)" -> BL-20 method "T", BL-23 method "R"
  "reducing on LV-3, tonifying on KI-3" -> LV-3 method "R", KI-3 method "T"
  "BL-20, BL-23" -> both methods null
- acupunctureTreatmentSide is the session default side: "Left", "Right" or "Both". Use "Both" when not stated.
- A point's side is null unless the notes give it a side that differs from acupunctureTreatmentSide.

DATA INTEGRITY
- Never invent information. Use only what the notes state or clearly imply.
- Put each detail under its schema field: subjective.pmh for past history, hpi for the present illness, tcmReview.<category> for review findings, tongue, pulse, diagnosis.tcmDiagnosis, treatment.
- Omit review categories with no findings.
- When the notes state a stress level such as "stress 7/10", copy it to subjective.stressLevel as "7/10".
- If the treatment principle is not stated, give the principle that balances the TCM diagnosis, e.g. "Soothe the Liver and regulate Qi" for Liver Qi Stagnation.

OUTPUT
- Return one JSON object and nothing else: no markdown, no commentary.

CLINICAL NOTES:
{{.Notes}}

EXPECTED JSON STRUCTURE:
{{.Example}}`

const exampleStructure = `{
  "note_summary": "Brief summary",
  "chiefComplaints": [
    {"text": "[Problem] for [Duration]", "icdCode": "M54.50", "icdLabel": "Low back pain, unspecified"}
  ],
  "hpi": "History of the chief complaint",
  "subjective": {
    "pmh": "Other ongoing issues, chronic conditions, surgeries, allergies, medications, supplements, herbs",
    "fh": "Conditions of blood relatives",
    "sh": "Relationship status, children, occupation, smoking, alcohol, caffeine, exercise, diet",
    "es": "Predominant emotional states and stress level",
    "stressLevel": "7/10"
  },
  "tcmReview": {
    "appetite": "Eating habits or appetite changes",
    "sleep": "Sleep quality or patterns",
    "menstruation": "Cycle length, regularity, flow, color, cramps, PMS"
  },
  "tongue": {"body": "Color, shape, texture, moisture, cracks", "coating": "Color, thickness, distribution, quality"},
  "pulse": {"text": "Speed, depth, strength, rhythm and qualities"},
  "diagnosis": {
    "tcmDiagnosis": "TCM pattern, e.g. Kidney Yang Deficiency",
    "icdCodes": [{"code": "M54.50", "label": "Low back pain, unspecified"}]
  },
  "treatment": "Principle balancing the diagnosis",
  "acupunctureTreatmentSide": "Both",
  "acupuncturePoints": [
    {"name": "BL-20", "side": null, "method": "T"},
    {"name": "BL-23", "side": null, "method": null},
    {"name": "LV-3", "side": "Left", "method": "R"}
  ]
}`

var userPromptTemplate = template.Must(template.New("user").Parse(userPromptText))

// Prompt is the message pair sent to the provider.
type Prompt struct {
	System  string `json:"system"`
	User    string `json:"user"`
	Version string `json:"version"`
}

// BuildPrompt embeds the clinical notes verbatim in the user prompt.
func BuildPrompt(clinicalNotes string) (Prompt, error) {
	var buf bytes.Buffer
	err := userPromptTemplate.Execute(&buf, struct{ Notes, Example string }{clinicalNotes, exampleStructure})
	if err != nil {
		return Prompt{}, fmt.Errorf("render user prompt: %w", err)
	}
	return Prompt{System: systemPrompt, User: buf.String(), Version: PromptVersion}, nil
}

// SystemPrompt returns the system instruction.
func SystemPrompt() string { return systemPrompt }

// UserPromptTemplate returns the unrendered user prompt.
func UserPromptTemplate() string { return userPromptText }
