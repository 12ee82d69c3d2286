// Package note defines the StructuredNote produced by the extraction pipeline
// and the value types it is built from.  The JSON shape is the one returned to
// API clients and stored per patient.
package note

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// ─────────────────────────────────────────────────────────────────────────────
// Side / Method
// ─────────────────────────────────────────────────────────────────────────────

// Side is the needling side of a point.  The zero value means "not stated"
// and is encoded as JSON null.
type Side string

const (
	SideNone  Side = ""
	SideLeft  Side = "Left"
	SideRight Side = "Right"
	SideBoth  Side = "Both"
)

// Valid reports whether s is one of the closed set of values, including none.
func (s Side) Valid() bool {
	switch s {
	case SideNone, SideLeft, SideRight, SideBoth:
		return true
	}
	return false
}

// ParseSide parses a case-insensitive side name.  Empty input yields SideNone.
func ParseSide(v string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "":
		return SideNone, nil
	case "left", "l":
		return SideLeft, nil
	case "right", "r":
		return SideRight, nil
	case "both", "b", "bilateral":
		return SideBoth, nil
	}
	return SideNone, fmt.Errorf("note: invalid side %q", v)
}

func (s Side) MarshalJSON() ([]byte, error) {
	if s == SideNone {
		return []byte("null"), nil
	}
	if !s.Valid() {
		return nil, fmt.Errorf("note: invalid side %q", string(s))
	}
	return json.Marshal(string(s))
}

func (s *Side) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*s = SideNone
		return nil
	}
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("note: side must be a string or null: %w", err)
	}
	side := Side(v)
	if side == SideNone || !side.Valid() {
		return fmt.Errorf("note: invalid side %q", v)
	}
	*s = side
	return nil
}

// Method is the needling technique applied to one point.  The zero value
// means "not stated" and is encoded as JSON null.
type Method string

const (
	MethodNone   Method = ""
	MethodTonify Method = "T"
	MethodReduce Method = "R"
	MethodEven   Method = "E"
)

// Valid reports whether m is one of the closed set of values, including none.
func (m Method) Valid() bool {
	switch m {
	case MethodNone, MethodTonify, MethodReduce, MethodEven:
		return true
	}
	return false
}

// Description returns the long name of the technique.
func (m Method) Description() string {
	switch m {
	case MethodTonify:
		return "Tonify"
	case MethodReduce:
		return "Reduce"
	case MethodEven:
		return "Even"
	}
	return ""
}

// ParseMethod accepts the letter codes and the long names, case-insensitive.
func ParseMethod(v string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "":
		return MethodNone, nil
	case "t", "tonify", "tonifying":
		return MethodTonify, nil
	case "r", "reduce", "reducing", "sedate":
		return MethodReduce, nil
	case "e", "even", "balance":
		return MethodEven, nil
	}
	return MethodNone, fmt.Errorf("note: invalid method %q", v)
}

func (m Method) MarshalJSON() ([]byte, error) {
	if m == MethodNone {
		return []byte("null"), nil
	}
	if !m.Valid() {
		return nil, fmt.Errorf("note: invalid method %q", string(m))
	}
	return json.Marshal(string(m))
}

func (m *Method) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*m = MethodNone
		return nil
	}
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("note: method must be a string or null: %w", err)
	}
	method := Method(v)
	if method == MethodNone || !method.Valid() {
		return fmt.Errorf("note: invalid method %q", v)
	}
	*m = method
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Points and regions
// ─────────────────────────────────────────────────────────────────────────────

// FlatPoint is one acupuncture point as extracted, before regionization.
type FlatPoint struct {
	Name   string `json:"name"`
	Side   Side   `json:"side"`
	Method Method `json:"method"`
}

// RegionName is an anatomical grouping for display.
type RegionName string

const (
	RegionHead     RegionName = "Head"
	RegionNeck     RegionName = "Neck"
	RegionFace     RegionName = "Face"
	RegionChest    RegionName = "Chest"
	RegionAbdomen  RegionName = "Abdomen"
	RegionBack     RegionName = "Back"
	RegionHip      RegionName = "Hip"
	RegionShoulder RegionName = "Shoulder"
	RegionUpperArm RegionName = "Upper Arm"
	RegionForearm  RegionName = "Forearm"
	RegionHand     RegionName = "Hand"
	RegionThigh    RegionName = "Thigh"
	RegionLowerLeg RegionName = "Lower Leg"
	RegionFoot     RegionName = "Foot"
	RegionOther    RegionName = "Other"
)

// RegionNames lists the full region vocabulary.
var RegionNames = []RegionName{
	RegionHead, RegionNeck, RegionFace, RegionChest, RegionAbdomen, RegionBack,
	RegionHip, RegionShoulder, RegionUpperArm, RegionForearm, RegionHand,
	RegionThigh, RegionLowerLeg, RegionFoot, RegionOther,
}

// Valid reports whether r belongs to the region vocabulary.
func (r RegionName) Valid() bool {
	for _, n := range RegionNames {
		if r == n {
			return true
		}
	}
	return false
}

// Region is a group of points sharing an anatomical region.
type Region struct {
	Region RegionName  `json:"region"`
	Points []FlatPoint `json:"points"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Clinical sections
// ─────────────────────────────────────────────────────────────────────────────

// ICDCode is an ICD-10 code and its label.
type ICDCode struct {
	Code  string `json:"code"`
	Label string `json:"label"`
}

// ChiefComplaint is one presenting problem.  ICDCode and ICDLabel are nil
// when unresolved.
type ChiefComplaint struct {
	Text     string  `json:"text"`
	ICDCode  *string `json:"icdCode"`
	ICDLabel *string `json:"icdLabel"`
}

var durationPattern = regexp.MustCompile(`(?i)\bfor\s+` +
	`(?:about\s+|around\s+|approximately\s+|almost\s+|nearly\s+|over\s+|the\s+(?:past|last)\s+)?` +
	`(?:\d+(?:\.\d+)?(?:\s*(?:-|to)\s*\d+)?\+?|a\s+few|a\s+couple\s+of|couple\s+of|an?|one|two|three|four|five|six|seven|eight|nine|ten|eleven|twelve|several|few|many)?` +
	`\s*(?:hours?|days?|weeks?|wks?|months?|mos?|years?|yrs?|decades?)\b`)

// HasDuration reports whether the complaint text carries an "X for Y"
// duration phrase such as "Lower back pain for 2 weeks".
func (c ChiefComplaint) HasDuration() bool {
	return durationPattern.MatchString(c.Text)
}

// HasCode reports whether a non-blank ICD code is present.
func (c ChiefComplaint) HasCode() bool {
	return c.ICDCode != nil && strings.TrimSpace(*c.ICDCode) != ""
}

// Subjective holds the narrative history sections.  Highlight lists are
// keyword hints for display emphasis only.
type Subjective struct {
	PMH           string   `json:"pmh"`
	PMHHighlights []string `json:"pmhHighlights,omitempty"`
	FH            string   `json:"fh"`
	FHHighlights  []string `json:"fhHighlights,omitempty"`
	SH            string   `json:"sh"`
	SHHighlights  []string `json:"shHighlights,omitempty"`
	ES            string   `json:"es"`
	ESHighlights  []string `json:"esHighlights,omitempty"`
	StressLevel   string   `json:"stressLevel,omitempty"`
}

// Findings is the value of one TCM review category.  It decodes from a
// string, an array of strings or null.
type Findings []string

func (f Findings) MarshalJSON() ([]byte, error) {
	if len(f) == 1 {
		return json.Marshal(f[0])
	}
	return json.Marshal([]string(f))
}

func (f *Findings) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = nil
		return nil
	}
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		if strings.TrimSpace(one) == "" {
			*f = nil
			return nil
		}
		*f = Findings{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("note: review findings must be a string, an array of strings or null")
	}
	*f = Findings(many)
	return nil
}

// ReviewCategories lists the TCM review-of-systems keys in display order.
var ReviewCategories = []string{
	"appetite", "taste", "stool", "thirst", "urine", "sleep", "energy",
	"temperature", "sweat", "head", "ear", "eye", "nose", "throat", "pain",
	"libido", "pregnancies", "menstruation", "discharge",
}

// Tongue holds the tongue examination.
type Tongue struct {
	Body              string   `json:"body"`
	BodyHighlights    []string `json:"bodyHighlights,omitempty"`
	Coating           string   `json:"coating"`
	CoatingHighlights []string `json:"coatingHighlights,omitempty"`
}

// Pulse holds the pulse examination.
type Pulse struct {
	Text       string   `json:"text"`
	Highlights []string `json:"highlights,omitempty"`
}

// Diagnosis holds the TCM pattern and its ICD-10 codes.
type Diagnosis struct {
	TCMDiagnosis string    `json:"tcmDiagnosis"`
	ICDCodes     []ICDCode `json:"icdCodes"`
}

// ─────────────────────────────────────────────────────────────────────────────
// StructuredNote
// ─────────────────────────────────────────────────────────────────────────────

// StructuredNote is the output of one extraction.  Acupuncture is derived
// from AcupuncturePoints and is never edited on its own.
type StructuredNote struct {
	Summary                  string              `json:"note_summary,omitempty"`
	ChiefComplaints          []ChiefComplaint    `json:"chiefComplaints"`
	HPI                      string              `json:"hpi"`
	Subjective               Subjective          `json:"subjective"`
	TCMReview                map[string]Findings `json:"tcmReview"`
	Tongue                   Tongue              `json:"tongue"`
	Pulse                    Pulse               `json:"pulse"`
	Diagnosis                Diagnosis           `json:"diagnosis"`
	Treatment                string              `json:"treatment"`
	AcupunctureTreatmentSide Side                `json:"acupunctureTreatmentSide"`
	AcupuncturePoints        []FlatPoint         `json:"acupuncturePoints"`
	Acupuncture              []Region            `json:"acupuncture"`
}

// DefaultSide returns the session-wide side, Both when unset.
func (n *StructuredNote) DefaultSide() Side {
	if n == nil || n.AcupunctureTreatmentSide == SideNone {
		return SideBoth
	}
	return n.AcupunctureTreatmentSide
}

// ResponseSchema is the JSON Schema handed to a provider for
// schema-constrained generation.
type ResponseSchema struct {
	Name   string          `json:"name"`
	Strict bool            `json:"strict"`
	Schema json.RawMessage `json:"schema"`
}
