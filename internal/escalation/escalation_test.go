package escalation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/clinical-extractor/internal/model"
	"github.com/sells-group/clinical-extractor/internal/scorer"
)

var (
	sufficient   = scorer.Verdict{WeightedConfidence: 0.93}
	insufficient = scorer.Verdict{WeightedConfidence: 0.4, Escalate: true, TriggeredRule: scorer.RuleZeroEntities}
)

func base(tier model.Tier, v scorer.Verdict) Input {
	return Input{
		Tier:            tier,
		Verdict:         v,
		EntityCount:     3,
		Enabled:         true,
		BudgetAvailable: true,
		TierCAvailable:  true,
		TierDAvailable:  true,
	}
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name   string
		in     func() Input
		action model.Decision
		next   model.Tier
		reason string
	}{
		{
			name:   "B sufficient accepts",
			in:     func() Input { return base(model.TierB, sufficient) },
			action: model.DecisionAccept,
		},
		{
			name:   "B insufficient escalates to C",
			in:     func() Input { return base(model.TierB, insufficient) },
			action: model.DecisionEscalate,
			next:   model.TierC,
		},
		{
			name: "B insufficient without C falls back to A",
			in: func() Input {
				in := base(model.TierB, insufficient)
				in.TierCAvailable = false
				return in
			},
			action: model.DecisionFallback,
			next:   model.TierA,
			reason: ReasonTierCUnavailable,
		},
		{
			name: "B cancelled skips C",
			in: func() Input {
				in := base(model.TierB, insufficient)
				in.Cancelled = true
				return in
			},
			action: model.DecisionFallback,
			next:   model.TierA,
			reason: ReasonCancelled,
		},
		{
			name: "disabled B with entities accepts",
			in: func() Input {
				in := base(model.TierB, insufficient)
				in.Enabled = false
				return in
			},
			action: model.DecisionAccept,
			reason: ReasonDisabled,
		},
		{
			name: "disabled B without entities runs A",
			in: func() Input {
				in := base(model.TierB, insufficient)
				in.Enabled = false
				in.EntityCount = 0
				return in
			},
			action: model.DecisionFallback,
			next:   model.TierA,
			reason: ReasonDisabled,
		},
		{
			name: "C sufficient accepts",
			in: func() Input {
				in := base(model.TierC, sufficient)
				in.Ran = []model.Tier{model.TierB}
				return in
			},
			action: model.DecisionAccept,
		},
		{
			name: "C insufficient escalates to A",
			in: func() Input {
				in := base(model.TierC, insufficient)
				in.Ran = []model.Tier{model.TierB}
				return in
			},
			action: model.DecisionEscalate,
			next:   model.TierA,
		},
		{
			name: "C failure falls back to A",
			in: func() Input {
				in := base(model.TierC, sufficient)
				in.Failed = true
				in.Ran = []model.Tier{model.TierB}
				return in
			},
			action: model.DecisionFallback,
			next:   model.TierA,
			reason: ReasonTierFailed,
		},
		{
			name:   "A sufficient accepts",
			in:     func() Input { return base(model.TierA, sufficient) },
			action: model.DecisionAccept,
		},
		{
			name:   "A insufficient escalates to D",
			in:     func() Input { return base(model.TierA, insufficient) },
			action: model.DecisionEscalate,
			next:   model.TierD,
		},
		{
			name: "A insufficient without budget is denied",
			in: func() Input {
				in := base(model.TierA, insufficient)
				in.BudgetAvailable = false
				return in
			},
			action: model.DecisionBudgetDenied,
			reason: ReasonBudgetExhausted,
		},
		{
			name: "A insufficient without D accepts",
			in: func() Input {
				in := base(model.TierA, insufficient)
				in.TierDAvailable = false
				in.BudgetAvailable = false
				return in
			},
			action: model.DecisionAccept,
			reason: ReasonTierDUnavailable,
		},
		{
			name: "A cancelled never enters D",
			in: func() Input {
				in := base(model.TierA, insufficient)
				in.Cancelled = true
				return in
			},
			action: model.DecisionAccept,
			reason: ReasonCancelled,
		},
		{
			name: "A with escalation disabled accepts",
			in: func() Input {
				in := base(model.TierA, insufficient)
				in.Enabled = false
				return in
			},
			action: model.DecisionAccept,
		},
		{
			name:   "D always accepts",
			in:     func() Input { return base(model.TierD, insufficient) },
			action: model.DecisionAccept,
		},
		{
			name: "D failure accepts",
			in: func() Input {
				in := base(model.TierD, insufficient)
				in.Failed = true
				return in
			},
			action: model.DecisionAccept,
		},
		{
			name: "never revisits a tier",
			in: func() Input {
				in := base(model.TierC, insufficient)
				in.Ran = []model.Tier{model.TierB, model.TierA}
				return in
			},
			action: model.DecisionAccept,
			reason: ReasonAlreadyRun,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(tt.in())
			assert.Equal(t, tt.action, d.Action)
			assert.Equal(t, tt.next, d.Next)
			assert.Equal(t, tt.reason, d.Reason)
			assert.Equal(t, tt.next == model.TierNone, d.Done())
		})
	}
}

func TestDecide_Pure(t *testing.T) {
	in := base(model.TierA, insufficient)
	first := Decide(in)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, Decide(in))
	}
}
