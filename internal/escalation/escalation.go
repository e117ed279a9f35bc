// Package escalation decides which extraction tier runs next.
//
// The cascade is B -> C -> A -> D. Tier A is the deterministic baseline that
// always runs before the paid tier, and Tier D is only entered when a rule
// still fires and the budget allows. Decide is a pure function of its input.
package escalation

import (
	"github.com/sells-group/clinical-extractor/internal/model"
	"github.com/sells-group/clinical-extractor/internal/scorer"
)

// Reasons attached to decisions that did not follow the verdict directly.
const (
	ReasonTierCUnavailable = "tier_c_unavailable"
	ReasonTierDUnavailable = "tier_d_unavailable"
	ReasonBudgetExhausted  = "budget_exhausted"
	ReasonCancelled        = "cancelled"
	ReasonDisabled         = "escalation_disabled"
	ReasonTierFailed       = "tier_failed"
	ReasonAlreadyRun       = "already_run"
)

// Input is everything Decide looks at after a tier ran.
type Input struct {
	Tier        model.Tier
	Verdict     scorer.Verdict
	Failed      bool
	EntityCount int
	Ran         []model.Tier

	Enabled         bool
	BudgetAvailable bool
	TierCAvailable  bool
	TierDAvailable  bool
	Cancelled       bool
}

// Decision is the outcome for one tier. Next is TierNone when the pipeline
// should stop.
type Decision struct {
	Action model.Decision
	Next   model.Tier
	Reason string
}

// Done reports whether the cascade ends here.
func (d Decision) Done() bool { return d.Next == model.TierNone }

func accept(reason string) Decision {
	return Decision{Action: model.DecisionAccept, Reason: reason}
}

// Decide returns the next step for in.
func Decide(in Input) Decision {
	var d Decision
	switch in.Tier {
	case model.TierB:
		d = decideB(in)
	case model.TierC:
		d = decideC(in)
	case model.TierA:
		d = decideA(in)
	default:
		d = accept("")
	}

	// No tier is ever revisited.
	if !d.Done() && in.hasRun(d.Next) {
		return accept(ReasonAlreadyRun)
	}
	return d
}

func decideB(in Input) Decision {
	if !in.Enabled {
		if in.EntityCount == 0 || in.Failed {
			return Decision{Action: model.DecisionFallback, Next: model.TierA, Reason: ReasonDisabled}
		}
		return accept(ReasonDisabled)
	}
	if !in.Failed && !in.Verdict.Escalate {
		return accept("")
	}
	if in.Cancelled {
		return Decision{Action: model.DecisionFallback, Next: model.TierA, Reason: ReasonCancelled}
	}
	if !in.TierCAvailable {
		return Decision{Action: model.DecisionFallback, Next: model.TierA, Reason: ReasonTierCUnavailable}
	}
	return Decision{Action: model.DecisionEscalate, Next: model.TierC}
}

func decideC(in Input) Decision {
	if in.Failed {
		return Decision{Action: model.DecisionFallback, Next: model.TierA, Reason: ReasonTierFailed}
	}
	if !in.Verdict.Escalate {
		return accept("")
	}
	return Decision{Action: model.DecisionEscalate, Next: model.TierA}
}

func decideA(in Input) Decision {
	if !in.Enabled || !in.Verdict.Escalate {
		return accept("")
	}
	if in.Cancelled {
		return accept(ReasonCancelled)
	}
	if !in.TierDAvailable {
		return accept(ReasonTierDUnavailable)
	}
	if !in.BudgetAvailable {
		return Decision{Action: model.DecisionBudgetDenied, Reason: ReasonBudgetExhausted}
	}
	return Decision{Action: model.DecisionEscalate, Next: model.TierD}
}

func (in Input) hasRun(t model.Tier) bool {
	for _, r := range in.Ran {
		if r == t {
			return true
		}
	}
	return false
}
