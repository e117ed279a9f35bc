// Package ner implements the Tier C statistical named-entity extractor.
package ner

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/clinical-extractor/internal/model"
	"github.com/sells-group/clinical-extractor/internal/pattern"
	"github.com/sells-group/clinical-extractor/internal/vocab"
)

// Prediction is one labelled span from a model. Start and End are byte
// offsets into the input, or -1 when the model gave none.
type Prediction struct {
	Label string
	Text  string
	Start int
	End   int
	Score float64
}

// Model produces entity predictions for a text.
type Model interface {
	Predict(ctx context.Context, text string) ([]Prediction, error)
}

// DefaultLabels maps common clinical NER label sets onto categories. Keys are
// lower case.
func DefaultLabels() map[string]model.Category {
	return map[string]model.Category{
		"drug":                  model.CategoryMedication,
		"medication":            model.CategoryMedication,
		"chemical":              model.CategoryMedication,
		"dosage":                model.CategoryDosage,
		"dose":                  model.CategoryDosage,
		"strength":              model.CategoryDosage,
		"frequency":             model.CategoryFrequency,
		"route":                 model.CategoryRoute,
		"disease":               model.CategoryCondition,
		"disease_disorder":      model.CategoryCondition,
		"problem":               model.CategoryCondition,
		"condition":             model.CategoryCondition,
		"sign_symptom":          model.CategoryCondition,
		"procedure":             model.CategoryProcedure,
		"treatment":             model.CategoryProcedure,
		"therapeutic_procedure": model.CategoryProcedure,
		"diagnostic_procedure":  model.CategoryProcedure,
		"test":                  model.CategoryLabTest,
		"lab_value":             model.CategoryLabTest,
		"lab_test":              model.CategoryLabTest,
		"person":                model.CategoryPatientName,
		"patient":               model.CategoryPatientName,
		"name":                  model.CategoryPatientName,
	}
}

// Extractor adapts a Model to the pipeline extractor contract.
type Extractor struct {
	model    Model
	vocab    *vocab.Vocabulary
	labels   map[string]model.Category
	minScore float64
}

// New creates an Extractor. Entries in labels override DefaultLabels; label
// values that are not categories are rejected.
func New(m Model, v *vocab.Vocabulary, labels map[string]string, minScore float64) (*Extractor, error) {
	merged := DefaultLabels()
	for k, val := range labels {
		c, ok := model.ParseCategory(val)
		if !ok {
			return nil, eris.Errorf("ner: label %q maps to unknown category %q", k, val)
		}
		merged[strings.ToLower(k)] = c
	}
	return &Extractor{model: m, vocab: v, labels: merged, minScore: minScore}, nil
}

// Tier implements the pipeline extractor contract.
func (x *Extractor) Tier() model.Tier { return model.TierC }

// Extract runs the model over text. Predictions below the minimum score or
// with unmapped labels are dropped.
func (x *Extractor) Extract(ctx context.Context, text string, _ []model.MedicalEntity) (*model.Partial, error) {
	preds, err := x.model.Predict(ctx, text)
	if err != nil {
		return nil, eris.Wrap(err, "ner: predict")
	}

	p := &model.Partial{Tier: model.TierC}
	for _, pr := range preds {
		if pr.Score < x.minScore {
			continue
		}
		cat, ok := x.labels[strings.ToLower(pr.Label)]
		if !ok {
			continue
		}
		surface := strings.TrimSpace(pr.Text)
		if surface == "" {
			continue
		}
		ent := model.MedicalEntity{
			Category:        cat,
			Text:            surface,
			NormalizedValue: x.normalize(cat, surface),
			Confidence:      model.ClampConfidence(pr.Score),
			SourceTier:      model.TierC,
		}
		if pr.Start >= 0 && pr.End > pr.Start && pr.End <= len(text) {
			ent.Span = &model.Span{Start: pr.Start, End: pr.End}
		}
		p.Entities = append(p.Entities, ent)
	}
	return p, nil
}

func (x *Extractor) normalize(cat model.Category, surface string) string {
	switch cat {
	case model.CategoryDosage:
		return pattern.NormalizeDosage(surface)
	case model.CategoryPatientName:
		return ""
	}
	norm := vocab.Normalize(surface)
	if x.vocab != nil {
		if e, ok := x.vocab.Lookup(norm); ok && e.Category == cat {
			return e.Canonical
		}
	}
	return norm
}
