package structured

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/clinical-extractor/internal/model"
	"github.com/sells-group/clinical-extractor/internal/pattern"
	"github.com/sells-group/clinical-extractor/internal/vocab"
)

// Response is the JSON document the model is asked to produce.
type Response struct {
	Medications []Medication `json:"medications"`
	Conditions  []Finding    `json:"conditions"`
	Procedures  []Finding    `json:"procedures"`
	LabTests    []Finding    `json:"lab_tests"`
	PatientName Field        `json:"patient_name"`
}

// Medication is a drug order with its attributes nested inside it.
type Medication struct {
	Name       Field    `json:"name"`
	Dosage     Field    `json:"dosage"`
	Frequency  Field    `json:"frequency"`
	Route      Field    `json:"route"`
	Confidence *float64 `json:"confidence"`
}

// UnmarshalJSON accepts a bare string as the medication name.
func (m *Medication) UnmarshalJSON(b []byte) error {
	if s, ok := asString(b); ok {
		*m = Medication{Name: Field{Value: s}}
		return nil
	}
	type plain Medication
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*m = Medication(p)
	return nil
}

// Finding is a condition, procedure or lab test.
type Finding struct {
	Name       Field    `json:"name"`
	Status     string   `json:"status"`
	Confidence *float64 `json:"confidence"`
}

// UnmarshalJSON accepts a bare string as the finding name.
func (f *Finding) UnmarshalJSON(b []byte) error {
	if s, ok := asString(b); ok {
		*f = Finding{Name: Field{Value: s}}
		return nil
	}
	type plain Finding
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*f = Finding(p)
	return nil
}

// Field is a leaf value. Models return these as strings, numbers or small
// objects such as {"value": "daily"} or {"amount": 10, "unit": "mg"}.
type Field struct {
	Value      string
	Confidence *float64
}

// UnmarshalJSON implements the flexible leaf decoding.
func (f *Field) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	*f = Field{}
	if len(b) == 0 || string(b) == "null" {
		return nil
	}

	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		f.Value = strings.TrimSpace(s)
		return nil
	case '{':
		var o struct {
			Value      json.RawMessage `json:"value"`
			Text       json.RawMessage `json:"text"`
			Name       json.RawMessage `json:"name"`
			Amount     json.RawMessage `json:"amount"`
			Unit       string          `json:"unit"`
			Confidence *float64        `json:"confidence"`
		}
		if err := json.Unmarshal(b, &o); err != nil {
			return err
		}
		f.Confidence = o.Confidence
		amount := firstScalar(o.Amount, o.Value, o.Text, o.Name)
		f.Value = strings.TrimSpace(amount + " " + strings.TrimSpace(o.Unit))
		return nil
	case '[':
		return eris.New("structured: field is an array")
	default:
		// Numbers and booleans.
		f.Value = string(b)
		return nil
	}
}

func firstScalar(raws ...json.RawMessage) string {
	for _, r := range raws {
		if s := scalar(r); s != "" {
			return s
		}
	}
	return ""
}

func scalar(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	if s, ok := asString(raw); ok {
		return s
	}
	if _, err := strconv.ParseFloat(string(raw), 64); err == nil {
		return string(raw)
	}
	return ""
}

func asString(b []byte) (string, bool) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return "", false
	}
	return strings.TrimSpace(s), true
}

// Parse decodes the model output after stripping code fences and any prose
// around the JSON object.
func Parse(raw string) (*Response, error) {
	cleaned := cleanJSON(raw)
	if cleaned == "" || cleaned[0] != '{' {
		return nil, eris.Wrap(ErrMalformed, "no JSON object in response")
	}
	var r Response
	if err := json.Unmarshal([]byte(cleaned), &r); err != nil {
		return nil, eris.Wrapf(ErrMalformed, "decode response: %v", err)
	}
	return &r, nil
}

// cleanJSON strips markdown code fences and surrounding text.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}

// Unpack flattens r into standalone entities. The dosage, frequency and route
// nested in each medication become entities of their own category. Every
// entity gets confidence max(reported, baseline).
func Unpack(r *Response, text string, baseline float64, v *vocab.Vocabulary) []model.MedicalEntity {
	if r == nil {
		return nil
	}
	u := unpacker{text: text, lower: strings.ToLower(text), baseline: baseline, vocab: v}

	for _, m := range r.Medications {
		u.add(model.CategoryMedication, m.Name, m.Confidence, "")
		u.add(model.CategoryDosage, m.Dosage, m.Confidence, "")
		u.add(model.CategoryFrequency, m.Frequency, m.Confidence, "")
		u.add(model.CategoryRoute, m.Route, m.Confidence, "")
	}
	for _, f := range r.Conditions {
		u.add(model.CategoryCondition, f.Name, f.Confidence, f.Status)
	}
	for _, f := range r.Procedures {
		u.add(model.CategoryProcedure, f.Name, f.Confidence, f.Status)
	}
	for _, f := range r.LabTests {
		u.add(model.CategoryLabTest, f.Name, f.Confidence, f.Status)
	}
	u.add(model.CategoryPatientName, r.PatientName, nil, "")
	return u.out
}

type unpacker struct {
	text     string
	lower    string
	baseline float64
	vocab    *vocab.Vocabulary
	out      []model.MedicalEntity
}

func (u *unpacker) add(cat model.Category, f Field, parent *float64, status string) {
	surface := strings.TrimSpace(f.Value)
	if surface == "" {
		return
	}
	reported := 0.0
	switch {
	case f.Confidence != nil:
		reported = *f.Confidence
	case parent != nil:
		reported = *parent
	}
	ent := model.MedicalEntity{
		Category:        cat,
		Text:            surface,
		NormalizedValue: u.normalize(cat, surface),
		Confidence:      model.ClampConfidence(max(reported, u.baseline)),
		SourceTier:      model.TierD,
		Assertion:       assertion(status),
	}
	if sp, ok := u.locate(surface); ok {
		ent.Span = &sp
		ent.Text = u.text[sp.Start:sp.End]
	}
	u.out = append(u.out, ent)
}

// locate finds surface in the note, ignoring case when lower-casing keeps
// byte offsets stable.
func (u *unpacker) locate(surface string) (model.Span, bool) {
	if i := strings.Index(u.text, surface); i >= 0 {
		return model.Span{Start: i, End: i + len(surface)}, true
	}
	if len(u.lower) != len(u.text) {
		return model.Span{}, false
	}
	ls := strings.ToLower(surface)
	if i := strings.Index(u.lower, ls); i >= 0 {
		return model.Span{Start: i, End: i + len(ls)}, true
	}
	return model.Span{}, false
}

func (u *unpacker) normalize(cat model.Category, surface string) string {
	switch cat {
	case model.CategoryDosage:
		return pattern.NormalizeDosage(surface)
	case model.CategoryPatientName:
		return ""
	}
	norm := vocab.Normalize(surface)
	if u.vocab != nil {
		if e, ok := u.vocab.Lookup(norm); ok && e.Category == cat {
			return e.Canonical
		}
	}
	return norm
}

func assertion(status string) model.Assertion {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "negated", "absent", "denied", "ruled_out", "ruled out":
		return model.AssertionNegated
	case "uncertain", "possible", "suspected", "probable":
		return model.AssertionUncertain
	case "family_history", "family history", "family":
		return model.AssertionFamilyHistory
	default:
		return model.AssertionPresent
	}
}
