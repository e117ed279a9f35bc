package model

import "strings"

// Category classifies a clinical entity.
type Category string

const (
	CategoryMedication  Category = "medication"
	CategoryDosage      Category = "dosage"
	CategoryFrequency   Category = "frequency"
	CategoryRoute       Category = "route"
	CategoryCondition   Category = "condition"
	CategoryProcedure   Category = "procedure"
	CategoryLabTest     Category = "lab_test"
	CategoryPatientName Category = "patient_name"
)

// Categories lists every category in canonical order.
var Categories = []Category{
	CategoryMedication,
	CategoryDosage,
	CategoryFrequency,
	CategoryRoute,
	CategoryCondition,
	CategoryProcedure,
	CategoryLabTest,
	CategoryPatientName,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, k := range Categories {
		if c == k {
			return true
		}
	}
	return false
}

// ParseCategory maps a loose label ("Lab Test", "lab-test") to a Category.
func ParseCategory(s string) (Category, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer(" ", "_", "-", "_").Replace(s)
	c := Category(s)
	return c, c.Valid()
}

// Tier identifies the extractor that produced an entity.
type Tier string

const (
	TierNone Tier = ""
	TierA    Tier = "A" // pattern
	TierB    Tier = "B" // clinical rules
	TierC    Tier = "C" // statistical NER
	TierD    Tier = "D" // structured LLM
)

// Rank orders tiers by precedence when duplicates are merged (D > C > B > A).
func (t Tier) Rank() int {
	switch t {
	case TierA:
		return 1
	case TierB:
		return 2
	case TierC:
		return 3
	case TierD:
		return 4
	default:
		return 0
	}
}

// Assertion records the contextual status of a finding.
type Assertion string

const (
	AssertionPresent       Assertion = ""
	AssertionNegated       Assertion = "negated"
	AssertionUncertain     Assertion = "uncertain"
	AssertionFamilyHistory Assertion = "family_history"
)

// Span is a half-open [Start, End) byte range into the clinical text.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Overlaps reports whether two spans share at least one byte.
func (s Span) Overlaps(o Span) bool {
	return s.Start < o.End && o.Start < s.End
}

// MedicalEntity is a single extracted entity. Values are treated as
// immutable once a tier returns them; copies are made when fields change.
type MedicalEntity struct {
	Category        Category  `json:"category"`
	Text            string    `json:"text"`
	NormalizedValue string    `json:"normalized_value,omitempty"`
	Confidence      float64   `json:"confidence"`
	SourceTier      Tier      `json:"source_tier"`
	Span            *Span     `json:"span,omitempty"`
	Assertion       Assertion `json:"assertion,omitempty"`
	Superseded      bool      `json:"superseded,omitempty"`
}

// WithConfidence returns a copy of e carrying confidence c.
func (e MedicalEntity) WithConfidence(c float64) MedicalEntity {
	e.Confidence = ClampConfidence(c)
	if e.Span != nil {
		sp := *e.Span
		e.Span = &sp
	}
	return e
}

// MarkSuperseded returns a copy of e flagged as a discarded duplicate.
func (e MedicalEntity) MarkSuperseded() MedicalEntity {
	e.Superseded = true
	if e.Span != nil {
		sp := *e.Span
		e.Span = &sp
	}
	return e
}

// ClampConfidence bounds c to [0, 1].
func ClampConfidence(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}

// Partial is the output of a single tier.
type Partial struct {
	Tier     Tier            `json:"tier"`
	Entities []MedicalEntity `json:"entities"`
	// CostUSD is the external spend incurred producing this output.
	CostUSD float64 `json:"cost_usd,omitempty"`
	Tokens  int64   `json:"tokens,omitempty"`
}
