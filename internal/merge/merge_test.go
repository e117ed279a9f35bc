package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/clinical-extractor/internal/model"
)

func e(cat model.Category, text, norm string, conf float64, tier model.Tier, start int) model.MedicalEntity {
	ent := model.MedicalEntity{
		Category:        cat,
		Text:            text,
		NormalizedValue: norm,
		Confidence:      conf,
		SourceTier:      tier,
	}
	if start >= 0 {
		ent.Span = &model.Span{Start: start, End: start + len(text)}
	}
	return ent
}

func TestMerge_HigherTierKeptWithMaxConfidence(t *testing.T) {
	b := []model.MedicalEntity{e(model.CategoryMedication, "Lisinopril", "lisinopril", 0.95, model.TierB, 17)}
	d := []model.MedicalEntity{e(model.CategoryMedication, "lisinopril", "", 0.90, model.TierD, -1)}

	res := Merge(b, d)
	require.Len(t, res.Entities, 1)
	got := res.Entities[0]
	assert.Equal(t, model.TierD, got.SourceTier)
	assert.InDelta(t, 0.95, got.Confidence, 1e-9)
	// Span inherited from the lower tier.
	require.NotNil(t, got.Span)
	assert.Equal(t, 17, got.Span.Start)

	require.Len(t, res.Superseded, 1)
	assert.True(t, res.Superseded[0].Superseded)
	assert.Equal(t, model.TierB, res.Superseded[0].SourceTier)
}

func TestMerge_TieKeepsFirstSeen(t *testing.T) {
	first := e(model.CategoryCondition, "HTN", "hypertension", 0.88, model.TierB, 0)
	second := e(model.CategoryCondition, "hypertension", "hypertension", 0.92, model.TierB, 20)

	res := Merge([]model.MedicalEntity{first, second})
	require.Len(t, res.Entities, 1)
	assert.Equal(t, "HTN", res.Entities[0].Text)
	assert.InDelta(t, 0.92, res.Entities[0].Confidence, 1e-9)
	assert.Equal(t, "hypertension", res.Superseded[0].Text)
}

func TestMerge_LowerTierNeverOverrides(t *testing.T) {
	c := []model.MedicalEntity{e(model.CategoryMedication, "metformin", "metformin", 0.70, model.TierC, 0)}
	a := []model.MedicalEntity{e(model.CategoryMedication, "Metformin", "metformin", 0.80, model.TierA, 0)}

	res := Merge(c, a)
	require.Len(t, res.Entities, 1)
	assert.Equal(t, model.TierC, res.Entities[0].SourceTier)
	assert.InDelta(t, 0.80, res.Entities[0].Confidence, 1e-9)
}

func TestMerge_CaseFoldedKey(t *testing.T) {
	res := Merge(
		[]model.MedicalEntity{e(model.CategoryLabTest, "CBC", "", 0.6, model.TierA, 0)},
		[]model.MedicalEntity{e(model.CategoryLabTest, "cbc", "", 0.7, model.TierB, 0)},
	)
	assert.Len(t, res.Entities, 1)

	// Same text, different category: not duplicates.
	res = Merge([]model.MedicalEntity{
		e(model.CategoryDosage, "10", "", 0.7, model.TierA, 0),
		e(model.CategoryFrequency, "10", "", 0.7, model.TierA, 0),
	})
	assert.Len(t, res.Entities, 2)
}

func TestMerge_AssertionCarriesOver(t *testing.T) {
	b := e(model.CategoryCondition, "chest pain", "chest pain", 0.276, model.TierB, 7)
	b.Assertion = model.AssertionNegated
	d := e(model.CategoryCondition, "chest pain", "", 0.9, model.TierD, -1)

	res := Merge([]model.MedicalEntity{b}, []model.MedicalEntity{d})
	require.Len(t, res.Entities, 1)
	assert.Equal(t, model.TierD, res.Entities[0].SourceTier)
	assert.Equal(t, model.AssertionNegated, res.Entities[0].Assertion)
}

func TestMerge_DoesNotMutateInputs(t *testing.T) {
	b := []model.MedicalEntity{e(model.CategoryMedication, "aspirin", "aspirin", 0.5, model.TierB, 4)}
	d := []model.MedicalEntity{e(model.CategoryMedication, "aspirin", "aspirin", 0.9, model.TierD, -1)}

	res := Merge(b, d)
	res.Entities[0].Span.Start = 99

	assert.InDelta(t, 0.5, b[0].Confidence, 1e-9)
	assert.False(t, b[0].Superseded)
	assert.Equal(t, 4, b[0].Span.Start)
	assert.Nil(t, d[0].Span)
}

func TestMerge_Ordering(t *testing.T) {
	res := Merge([]model.MedicalEntity{
		e(model.CategoryFrequency, "daily", "daily", 0.9, model.TierB, 30),
		e(model.CategoryMedication, "metformin", "metformin", 0.9, model.TierD, -1),
		e(model.CategoryMedication, "lisinopril", "lisinopril", 0.9, model.TierB, 20),
		e(model.CategoryMedication, "aspirin", "aspirin", 0.9, model.TierB, 5),
		e(model.CategoryMedication, "insulin", "insulin", 0.9, model.TierD, -1),
	})

	var texts []string
	for _, ent := range res.Entities {
		texts = append(texts, ent.Text)
	}
	assert.Equal(t, []string{"aspirin", "lisinopril", "metformin", "insulin", "daily"}, texts)

	byCat := res.ByCategory()
	assert.Len(t, byCat[model.CategoryMedication], 4)
	assert.Len(t, byCat[model.CategoryFrequency], 1)
}

func TestMerge_Empty(t *testing.T) {
	res := Merge()
	assert.Empty(t, res.Entities)
	assert.Empty(t, res.Superseded)
	assert.Equal(t, model.TierNone, res.HighestTier())
}

func TestHighestTier(t *testing.T) {
	res := Merge(
		[]model.MedicalEntity{e(model.CategoryMedication, "aspirin", "", 0.9, model.TierB, 0)},
		[]model.MedicalEntity{e(model.CategoryRoute, "po", "", 0.7, model.TierA, 10)},
	)
	assert.Equal(t, model.TierB, res.HighestTier())
}
