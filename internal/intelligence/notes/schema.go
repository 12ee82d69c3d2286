package notes

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/timmyxieat/tcm-intake/pkg/types/note"
)

// SchemaName is the name under which the response schema is registered with
// the provider.
const SchemaName = "tcm_clinical_notes"

type obj = map[string]interface{}

func str(desc string) obj {
	return obj{"type": "string", "description": desc}
}

func nullableStr(desc string) obj {
	return obj{"type": []interface{}{"string", "null"}, "description": desc}
}

func strList(desc string) obj {
	return obj{"type": "array", "items": obj{"type": "string"}, "description": desc}
}

func object(props obj, required ...string) obj {
	o := obj{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		o["required"] = required
	}
	return o
}

func sideEnum(nullable bool) obj {
	if !nullable {
		return obj{"type": "string", "enum": []interface{}{"Left", "Right", "Both"}}
	}
	return obj{"type": []interface{}{"string", "null"}, "enum": []interface{}{"Left", "Right", "Both", nil}}
}

func methodEnum() obj {
	return obj{
		"type":        []interface{}{"string", "null"},
		"enum":        []interface{}{"T", "R", "E", nil},
		"description": "Needling method: T=Tonify, R=Reduce, E=Even",
	}
}

// buildSchema assembles the StructuredNote JSON Schema.  The lenient variant
// is what responses are checked against locally: it also accepts bare-string
// points, list-valued review findings, review categories outside the fixed
// list, missing codes and a missing session side.
func buildSchema(lenient bool) obj {
	complaintCode := str("ICD-10 symptom code as a string, e.g. 'M54.50'")
	complaintLabel := str("ICD-10 label, e.g. 'Low back pain, unspecified'")
	if lenient {
		complaintCode = nullableStr("ICD-10 symptom code")
		complaintLabel = nullableStr("ICD-10 label")
	}

	lenientFinding := obj{"anyOf": []interface{}{
		obj{"type": []interface{}{"string", "null"}},
		obj{"type": "array", "items": obj{"type": "string"}},
	}}
	review := obj{}
	for _, key := range note.ReviewCategories {
		if lenient {
			review[key] = lenientFinding
			continue
		}
		review[key] = obj{"type": []interface{}{"string", "null"}}
	}
	tcmReview := object(review)
	if lenient {
		// Categories outside the fixed list are kept as extra findings.
		tcmReview["additionalProperties"] = lenientFinding
	}

	pointObject := object(obj{
		"name":   str("Point code or name, e.g. 'BL-20', 'LV-3', 'Yin Tang'"),
		"side":   sideEnum(true),
		"method": methodEnum(),
	}, "name", "side", "method")
	var pointItem obj = pointObject
	if lenient {
		pointObject["required"] = []string{"name"}
		pointItem = obj{"anyOf": []interface{}{
			obj{"type": "string", "minLength": 1},
			pointObject,
		}}
	}

	treatmentSide := sideEnum(false)
	treatmentSide["description"] = "Default side for the session; 'Both' when not stated"
	required := []string{
		"note_summary", "chiefComplaints", "hpi", "subjective", "tcmReview",
		"tongue", "pulse", "diagnosis", "treatment", "acupunctureTreatmentSide",
		"acupuncturePoints",
	}
	if lenient {
		treatmentSide = sideEnum(true)
		required = []string{
			"chiefComplaints", "hpi", "subjective", "tcmReview", "tongue",
			"pulse", "diagnosis", "treatment", "acupuncturePoints",
		}
	}

	return object(obj{
		"note_summary": nullableStr("Brief summary of the clinical note"),
		"chiefComplaints": obj{
			"type":        "array",
			"description": "One or two chief complaints, each with a duration",
			"minItems":    1,
			"maxItems":    2,
			"items": object(obj{
				"text":     str("Complaint with duration, e.g. 'Lower back pain for 10 months'"),
				"icdCode":  complaintCode,
				"icdLabel": complaintLabel,
			}, "text", "icdCode", "icdLabel"),
		},
		"hpi": str("History of present illness"),
		"subjective": object(obj{
			"pmh":           str("Past medical history, medications, supplements, herbs, allergies, surgeries"),
			"pmhHighlights": strList("Key terms in pmh"),
			"fh":            str("Family history of blood relatives"),
			"fhHighlights":  strList("Key terms in fh"),
			"sh":            str("Social history: relationships, occupation, smoking, alcohol, caffeine, exercise, diet"),
			"shHighlights":  strList("Key terms in sh"),
			"es":            str("Emotional status and stress level"),
			"esHighlights":  strList("Key terms in es"),
			"stressLevel":   str("Stress level as 'N/10' when stated"),
		}, "pmh", "fh", "sh", "es"),
		"tcmReview": tcmReview,
		"tongue": object(obj{
			"body":              str("Tongue body color, shape, texture, moisture, cracks"),
			"bodyHighlights":    strList("Key terms in body"),
			"coating":           str("Tongue coating color, thickness, distribution, quality"),
			"coatingHighlights": strList("Key terms in coating"),
		}, "body", "coating"),
		"pulse": object(obj{
			"text":       str("Pulse speed, depth, strength, rhythm and qualities"),
			"highlights": strList("Key terms in text"),
		}, "text"),
		"diagnosis": object(obj{
			"tcmDiagnosis": str("TCM pattern, e.g. 'Liver Qi Stagnation'"),
			"icdCodes": obj{
				"type": "array",
				"items": object(obj{
					"code":  str("ICD-10 code as a string"),
					"label": str("ICD-10 label"),
				}, "code", "label"),
			},
		}, "tcmDiagnosis", "icdCodes"),
		"treatment":                str("Treatment principle balancing the TCM diagnosis"),
		"acupunctureTreatmentSide": treatmentSide,
		"acupuncturePoints": obj{
			"type":        "array",
			"description": "Flat list of points; not grouped by region",
			"items":       pointItem,
		},
	}, required...)
}

var (
	schemaOnce       sync.Once
	providerSchema   note.ResponseSchema
	compiledSchema   *gojsonschema.Schema
	schemaCompileErr error
)

func loadSchemas() {
	schemaOnce.Do(func() {
		raw, err := json.Marshal(buildSchema(false))
		if err != nil {
			schemaCompileErr = fmt.Errorf("marshal provider schema: %w", err)
			return
		}
		providerSchema = note.ResponseSchema{Name: SchemaName, Strict: false, Schema: raw}

		lenient, err := json.Marshal(buildSchema(true))
		if err != nil {
			schemaCompileErr = fmt.Errorf("marshal validation schema: %w", err)
			return
		}
		compiledSchema, schemaCompileErr = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(lenient))
		if schemaCompileErr != nil {
			schemaCompileErr = fmt.Errorf("compile validation schema: %w", schemaCompileErr)
		}
	})
}

// ProviderSchema returns the response schema sent to the provider.
func ProviderSchema() note.ResponseSchema {
	loadSchemas()
	out := providerSchema
	out.Schema = append(json.RawMessage(nil), providerSchema.Schema...)
	return out
}

// ValidateDocument checks a provider response against the validation schema
// and returns one message per violation.
func ValidateDocument(doc []byte) ([]string, error) {
	loadSchemas()
	if schemaCompileErr != nil {
		return nil, schemaCompileErr
	}
	result, err := compiledSchema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("validate document: %w", err)
	}
	if result.Valid() {
		return nil, nil
	}
	violations := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		violations = append(violations, e.String())
	}
	return violations, nil
}
