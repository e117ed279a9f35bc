package scorer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/clinical-extractor/internal/config"
	"github.com/sells-group/clinical-extractor/internal/model"
	"github.com/sells-group/clinical-extractor/internal/vocab"
)

func ent(c model.Category, text string, conf float64, start int) model.MedicalEntity {
	return model.MedicalEntity{
		Category:   c,
		Text:       text,
		Confidence: conf,
		SourceTier: model.TierB,
		Span:       &model.Span{Start: start, End: start + len(text)},
	}
}

func newScorer() *Scorer {
	return New(DefaultConfig(), vocab.Default())
}

func TestWeight(t *testing.T) {
	assert.Equal(t, 3.0, Weight(model.CategoryMedication))
	assert.Equal(t, 3.0, Weight(model.CategoryCondition))
	assert.Equal(t, 2.0, Weight(model.CategoryDosage))
	assert.Equal(t, 2.0, Weight(model.CategoryFrequency))
	assert.Equal(t, 1.0, Weight(model.CategoryRoute))
	assert.Equal(t, 1.0, Weight(model.CategoryPatientName))
}

func TestEvaluate_SufficientOrder(t *testing.T) {
	s := newScorer()
	text := "Start patient on Lisinopril 10mg daily"
	v := s.Evaluate(text, []model.MedicalEntity{
		ent(model.CategoryMedication, "Lisinopril", 0.95, 17),
		ent(model.CategoryDosage, "10mg", 0.93, 28),
		ent(model.CategoryFrequency, "daily", 0.92, 33),
	})

	assert.False(t, v.Escalate)
	assert.Empty(t, v.TriggeredRule)
	assert.InDelta(t, 6.55/7, v.WeightedConfidence, 1e-9)
	assert.GreaterOrEqual(t, v.WeightedConfidence, 0.85)
}

func TestEvaluate_Rules(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		entities []model.MedicalEntity
		want     string
	}{
		{
			name: "action verb without clinical entities",
			text: "Give patient medication for their symptoms",
			want: RuleActionWithoutEntities,
		},
		{
			name:     "action verb with only a dosage",
			text:     "Start 10 mg",
			entities: []model.MedicalEntity{ent(model.CategoryDosage, "10 mg", 0.72, 6)},
			want:     RuleActionWithoutEntities,
		},
		{
			name: "zero entities",
			text: "Follow up in two weeks",
			want: RuleZeroEntities,
		},
		{
			name:     "noise only",
			text:     "patient symptoms",
			entities: []model.MedicalEntity{ent(model.CategoryPatientName, "patient", 0.5, 0)},
			want:     RuleNoiseOnly,
		},
		{
			name:     "dosage without medication",
			text:     "10 mg at bedtime",
			entities: []model.MedicalEntity{ent(model.CategoryDosage, "10 mg", 0.72, 0)},
			want:     RuleDosageWithoutMed,
		},
		{
			name: "difficult terminology left unmatched",
			text: "Continue ustekinumab and metformin",
			entities: []model.MedicalEntity{
				ent(model.CategoryMedication, "metformin", 0.95, 25),
			},
			want: RuleDifficultUnmatched,
		},
		{
			name: "low density",
			text: "Patient seen today in clinic and we discussed a number of topics at length including diet exercise sleep and overall lifestyle with metformin",
			entities: []model.MedicalEntity{
				ent(model.CategoryMedication, "metformin", 0.95, 128),
			},
			want: RuleLowDensity,
		},
		{
			name: "below threshold",
			text: "lisinipril",
			entities: []model.MedicalEntity{
				ent(model.CategoryMedication, "lisinipril", 0.72, 0),
			},
			want: RuleBelowThreshold,
		},
	}

	s := newScorer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := s.Evaluate(tt.text, tt.entities)
			assert.True(t, v.Escalate)
			assert.Equal(t, tt.want, v.TriggeredRule)
			assert.GreaterOrEqual(t, v.WeightedConfidence, 0.0)
			assert.LessOrEqual(t, v.WeightedConfidence, 1.0)
		})
	}
}

func TestEvaluate_DifficultTermCovered(t *testing.T) {
	s := newScorer()
	v := s.Evaluate("Continue ustekinumab", []model.MedicalEntity{
		ent(model.CategoryMedication, "ustekinumab", 0.9, 9),
	})
	assert.NotEqual(t, RuleDifficultUnmatched, v.TriggeredRule)
	assert.False(t, v.Escalate)
}

func TestEvaluate_FirstRuleWins(t *testing.T) {
	calls := 0
	s := New(DefaultConfig(), vocab.Default(), WithRules([]Rule{
		{Name: "first", Predicate: func(*Evaluation) bool { calls++; return true }},
		{Name: "second", Predicate: func(*Evaluation) bool { calls++; return true }},
	}))
	v := s.Evaluate("anything", nil)
	assert.Equal(t, "first", v.TriggeredRule)
	assert.Equal(t, 1, calls)
}

func TestEvaluate_MinEntityCount(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinEntityCount = 3
	s := New(cfg, vocab.Default())
	v := s.Evaluate("metformin daily", []model.MedicalEntity{
		ent(model.CategoryMedication, "metformin", 0.95, 0),
		ent(model.CategoryFrequency, "daily", 0.92, 10),
	})
	assert.Equal(t, RuleLowDensity, v.TriggeredRule)
}

func TestWeighted_Empty(t *testing.T) {
	s := newScorer()
	assert.Equal(t, 0.0, s.Weighted("", nil))
}

func TestWeighted_SpecialtyMultiplier(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SpecialtyMultipliers = map[string]float64{"pediatric": 0.9, "oncology": 2}
	s := New(cfg, vocab.Default())
	ents := []model.MedicalEntity{ent(model.CategoryMedication, "amoxicillin", 0.9, 0)}

	assert.InDelta(t, 0.9, s.Weighted("amoxicillin", ents), 1e-9)
	assert.InDelta(t, 0.81, s.Weighted("Pediatric dose: amoxicillin", ents), 1e-9)
	// Clamped per entity.
	assert.InDelta(t, 1.0, s.Weighted("oncology amoxicillin", ents), 1e-9)
}

func TestWeighted_Bounds(t *testing.T) {
	s := newScorer()
	ents := []model.MedicalEntity{
		ent(model.CategoryMedication, "a", 1.7, 0),
		ent(model.CategoryDosage, "b", -3, 2),
	}
	w := s.Weighted("a b", ents)
	assert.GreaterOrEqual(t, w, 0.0)
	assert.LessOrEqual(t, w, 1.0)
}

func TestNew_FallsBackToDefaults(t *testing.T) {
	s := New(config.ScorerConfig{}, vocab.Default())
	assert.InDelta(t, 0.85, s.Threshold(), 1e-9)
}

func TestValidateConfig(t *testing.T) {
	require.NoError(t, ValidateConfig(DefaultConfig()))

	bad := DefaultConfig()
	bad.SufficiencyThreshold = 0
	bad.WordsPerEntity = 0
	bad.SpecialtyMultipliers = map[string]float64{"cardiology": -1}
	err := ValidateConfig(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sufficiency_threshold")
	assert.Contains(t, err.Error(), "words_per_entity")
	assert.Contains(t, err.Error(), "cardiology")
}
