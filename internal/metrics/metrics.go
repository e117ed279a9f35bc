// Package metrics exposes pipeline events as Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sells-group/clinical-extractor/internal/model"
	"github.com/sells-group/clinical-extractor/internal/pipeline"
	"github.com/sells-group/clinical-extractor/internal/resilience"
)

// Metrics holds Prometheus metrics for the extraction pipeline.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   prometheus.Histogram
	RequestConfidence prometheus.Histogram
	EntitiesExtracted *prometheus.CounterVec
	TierRunsTotal     *prometheus.CounterVec
	TierDuration      *prometheus.HistogramVec
	RulesTriggered    *prometheus.CounterVec
	BudgetDeniedTotal prometheus.Counter
	TierDTokensTotal  prometheus.Counter
	TierDCostUSDTotal prometheus.Counter
	DecisionsTotal    *prometheus.CounterVec
	BreakerState      *prometheus.GaugeVec
	BreakerTrips      *prometheus.CounterVec
}

// NewMetrics registers and returns pipeline metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinical_requests_total",
			Help: "Extraction requests by highest tier used.",
		}, []string{"tier"}),
		RequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "clinical_request_duration_seconds",
			Help:    "End-to-end extraction latency in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms .. ~33s
		}),
		RequestConfidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "clinical_request_confidence",
			Help:    "Overall confidence of extraction results.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11), // 0 .. 1
		}),
		EntitiesExtracted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinical_entities_extracted_total",
			Help: "Entities in final results by category and source tier.",
		}, []string{"category", "tier"}),
		TierRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinical_tier_runs_total",
			Help: "Tier executions by tier and status.",
		}, []string{"tier", "status"}),
		TierDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clinical_tier_duration_seconds",
			Help:    "Duration of a single tier execution in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16), // 0.5ms .. ~16s
		}, []string{"tier"}),
		RulesTriggered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinical_escalation_rules_total",
			Help: "Escalation rules that fired, by tier and rule.",
		}, []string{"tier", "rule"}),
		BudgetDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clinical_tier_d_budget_denied_total",
			Help: "Tier D escalations refused by the budget.",
		}),
		TierDTokensTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clinical_tier_d_tokens_total",
			Help: "Tokens consumed by Tier D calls.",
		}),
		TierDCostUSDTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clinical_tier_d_cost_usd_total",
			Help: "Estimated Tier D spend in USD.",
		}),
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinical_escalation_decisions_total",
			Help: "Escalation trace decisions by tier.",
		}, []string{"tier", "decision"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clinical_breaker_state",
			Help: "Backend circuit breaker state (0 closed, 1 open, 2 half-open).",
		}, []string{"backend"}),
		BreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinical_breaker_opened_total",
			Help: "Times a backend circuit breaker opened.",
		}, []string{"backend"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestConfidence,
		m.EntitiesExtracted,
		m.TierRunsTotal,
		m.TierDuration,
		m.RulesTriggered,
		m.BudgetDeniedTotal,
		m.TierDTokensTotal,
		m.TierDCostUSDTotal,
		m.DecisionsTotal,
		m.BreakerState,
		m.BreakerTrips,
	)

	return m
}

// Hooks returns pipeline hooks that update the corresponding metrics.
func (m *Metrics) Hooks() pipeline.Hooks {
	return pipeline.Hooks{
		OnTier: func(tier model.Tier, seconds float64, failed bool) {
			status := "success"
			if failed {
				status = "error"
			}
			m.TierRunsTotal.WithLabelValues(string(tier), status).Inc()
			m.TierDuration.WithLabelValues(string(tier)).Observe(seconds)
		},
		OnRule: func(tier model.Tier, rule string) {
			m.RulesTriggered.WithLabelValues(string(tier), rule).Inc()
		},
		OnBudgetDenied: func() {
			m.BudgetDeniedTotal.Inc()
		},
		OnTierDUsage: func(tokens int64, costUSD float64) {
			m.TierDTokensTotal.Add(float64(tokens))
			m.TierDCostUSDTotal.Add(costUSD)
		},
		OnComplete: func(res *model.ExtractionResult, seconds float64) {
			tier := string(res.HighestTierUsed)
			if tier == "" {
				tier = "none"
			}
			m.RequestsTotal.WithLabelValues(tier).Inc()
			m.RequestDuration.Observe(seconds)
			m.RequestConfidence.Observe(res.OverallConfidence)
			for _, e := range res.All() {
				m.EntitiesExtracted.WithLabelValues(string(e.Category), string(e.SourceTier)).Inc()
			}
			for _, s := range res.EscalationTrace {
				m.DecisionsTotal.WithLabelValues(string(s.Tier), string(s.Decision)).Inc()
			}
		},
	}
}

// BreakerChanged records a breaker transition. It matches
// resilience.BreakerConfig.OnStateChange.
func (m *Metrics) BreakerChanged(backend string, _, to resilience.State) {
	m.BreakerState.WithLabelValues(backend).Set(float64(to))
	if to == resilience.Open {
		m.BreakerTrips.WithLabelValues(backend).Inc()
	}
}
