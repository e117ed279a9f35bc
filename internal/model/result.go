package model

import "time"

// Request is a single extraction request.
type Request struct {
	RequestID        string `json:"request_id"`
	ClinicalText     string `json:"clinical_text"`
	PatientReference string `json:"patient_reference,omitempty"`
}

// Decision is the outcome recorded for a tier in the escalation trace.
type Decision string

const (
	DecisionAccept       Decision = "accept"
	DecisionEscalate     Decision = "escalate"
	DecisionFallback     Decision = "fallback"
	DecisionBudgetDenied Decision = "budget_denied"
)

// TraceStep records why the pipeline moved on from (or stopped at) a tier.
// It carries no timings so that identical input yields an identical trace.
type TraceStep struct {
	Tier          Tier     `json:"tier"`
	TriggeredRule string   `json:"triggered_rule"`
	Score         float64  `json:"score"`
	Decision      Decision `json:"decision"`
	Failed        bool     `json:"failed,omitempty"`
}

// ExtractionResult is the canonical output of one pipeline invocation.
type ExtractionResult struct {
	RequestID         string                       `json:"request_id"`
	PatientReference  string                       `json:"patient_reference,omitempty"`
	Entities          map[Category][]MedicalEntity `json:"entities"`
	OverallConfidence float64                      `json:"overall_confidence"`
	HighestTierUsed   Tier                         `json:"highest_tier_used"`
	ProcessingTimeMS  int64                        `json:"processing_time_ms"`
	EscalationTrace   []TraceStep                  `json:"escalation_trace"`
	// EscalationDenied is set when Tier D was wanted but the budget refused it.
	EscalationDenied bool            `json:"escalation_denied"`
	Cancelled        bool            `json:"cancelled,omitempty"`
	TierDCostUSD     float64         `json:"tier_d_cost_usd,omitempty"`
	Superseded       []MedicalEntity `json:"superseded,omitempty"`
}

// NewExtractionResult returns an empty result for req.
func NewExtractionResult(req Request) *ExtractionResult {
	return &ExtractionResult{
		RequestID:        req.RequestID,
		PatientReference: req.PatientReference,
		Entities:         make(map[Category][]MedicalEntity),
		EscalationTrace:  []TraceStep{},
	}
}

// All returns every entity in canonical category order.
func (r *ExtractionResult) All() []MedicalEntity {
	var out []MedicalEntity
	for _, c := range Categories {
		out = append(out, r.Entities[c]...)
	}
	return out
}

// Count returns the number of entities across all categories.
func (r *ExtractionResult) Count() int {
	n := 0
	for _, ents := range r.Entities {
		n += len(ents)
	}
	return n
}

// First returns the first entity of category c, if any.
func (r *ExtractionResult) First(c Category) (MedicalEntity, bool) {
	if ents := r.Entities[c]; len(ents) > 0 {
		return ents[0], true
	}
	return MedicalEntity{}, false
}

// TiersRun lists the tiers recorded in the trace, in order.
func (r *ExtractionResult) TiersRun() []Tier {
	out := make([]Tier, 0, len(r.EscalationTrace))
	for _, s := range r.EscalationTrace {
		out = append(out, s.Tier)
	}
	return out
}

// RunRecord is an audit row persisted by the outer surfaces.
type RunRecord struct {
	ID                string            `json:"id"`
	RequestID         string            `json:"request_id"`
	HighestTierUsed   Tier              `json:"highest_tier_used"`
	OverallConfidence float64           `json:"overall_confidence"`
	EscalationDenied  bool              `json:"escalation_denied"`
	EntityCount       int               `json:"entity_count"`
	Result            *ExtractionResult `json:"result"`
	CreatedAt         time.Time         `json:"created_at"`
}

// NewRunRecord summarizes res for storage.
func NewRunRecord(res *ExtractionResult) *RunRecord {
	return &RunRecord{
		RequestID:         res.RequestID,
		HighestTierUsed:   res.HighestTierUsed,
		OverallConfidence: res.OverallConfidence,
		EscalationDenied:  res.EscalationDenied,
		EntityCount:       res.Count(),
		Result:            res,
	}
}
