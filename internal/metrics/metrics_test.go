package metrics

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/clinical-extractor/internal/model"
	"github.com/sells-group/clinical-extractor/internal/pipeline"
	"github.com/sells-group/clinical-extractor/internal/resilience"
)

func TestNewMetrics_Registers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.NotNil(t, m)

	// Registering twice on the same registry panics.
	assert.Panics(t, func() { NewMetrics(reg) })
}

func TestHooks_Tier(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	h := m.Hooks()

	h.OnTier(model.TierB, 0.002, false)
	h.OnTier(model.TierB, 0.003, false)
	h.OnTier(model.TierC, 1.5, true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.TierRunsTotal.WithLabelValues("B", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TierRunsTotal.WithLabelValues("C", "error")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.TierDuration))
}

func TestHooks_BudgetAndUsage(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	h := m.Hooks()

	h.OnBudgetDenied()
	h.OnBudgetDenied()
	h.OnTierDUsage(1200, 0.006)
	h.OnRule(model.TierB, "zero_entities")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.BudgetDeniedTotal))
	assert.Equal(t, 1200.0, testutil.ToFloat64(m.TierDTokensTotal))
	assert.InDelta(t, 0.006, testutil.ToFloat64(m.TierDCostUSDTotal), 1e-12)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RulesTriggered.WithLabelValues("B", "zero_entities")))
}

func TestHooks_Complete(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	h := m.Hooks()

	res := model.NewExtractionResult(model.Request{RequestID: "r1"})
	res.HighestTierUsed = model.TierB
	res.OverallConfidence = 0.93
	res.Entities[model.CategoryMedication] = []model.MedicalEntity{
		{Category: model.CategoryMedication, Text: "Lisinopril", SourceTier: model.TierB, Confidence: 0.95},
	}
	res.EscalationTrace = []model.TraceStep{{Tier: model.TierB, Decision: model.DecisionAccept}}
	h.OnComplete(res, 0.004)

	h.OnComplete(model.NewExtractionResult(model.Request{}), 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("B")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("none")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EntitiesExtracted.WithLabelValues("medication", "B")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("B", "accept")))

	assert.Equal(t, 1, testutil.CollectAndCount(m.RequestConfidence))
}

func TestHooks_WiredIntoPipeline(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	p := pipeline.New(pipeline.Config{EscalationEnabled: true}, pipeline.WithHooks(m.Hooks()))

	p.Run(context.Background(), model.Request{ClinicalText: "Start patient on Lisinopril 10mg daily"})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("B")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TierRunsTotal.WithLabelValues("B", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EntitiesExtracted.WithLabelValues("medication", "B")))

	n, err := testutil.GatherAndCount(reg, "clinical_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP clinical_tier_d_budget_denied_total Tier D escalations refused by the budget.
# TYPE clinical_tier_d_budget_denied_total counter
clinical_tier_d_budget_denied_total 0
`), "clinical_tier_d_budget_denied_total"))
}

func TestBreakerChanged(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	b := resilience.NewBreaker(resilience.BackendNER, resilience.BreakerConfig{
		Threshold:     1,
		OnStateChange: m.BreakerChanged,
	})
	_, err := resilience.Guard(context.Background(), b, func(context.Context) (int, error) {
		return 0, assert.AnError
	})
	require.Error(t, err)

	assert.Equal(t, float64(resilience.Open), testutil.ToFloat64(m.BreakerState.WithLabelValues("ner")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerTrips.WithLabelValues("ner")))
}
