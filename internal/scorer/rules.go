package scorer

import (
	"github.com/sells-group/clinical-extractor/internal/model"
	"github.com/sells-group/clinical-extractor/internal/vocab"
)

// Rule names, reported in the escalation trace.
const (
	RuleActionWithoutEntities = "medical_action_without_entities"
	RuleZeroEntities          = "zero_entities"
	RuleNoiseOnly             = "noise_only"
	RuleDosageWithoutMed      = "dosage_without_medication"
	RuleDifficultUnmatched    = "difficult_terminology_unmatched"
	RuleLowDensity            = "low_entity_density"
)

// Rule is one row of the escalation table. Predicate reports whether the
// rule fires for an evaluation.
type Rule struct {
	Name      string
	Predicate func(*Evaluation) bool
}

// DefaultRules returns the escalation rule table in priority order. The first
// rule that fires wins.
func DefaultRules() []Rule {
	return []Rule{
		{Name: RuleActionWithoutEntities, Predicate: actionWithoutEntities},
		{Name: RuleZeroEntities, Predicate: zeroEntities},
		{Name: RuleNoiseOnly, Predicate: noiseOnly},
		{Name: RuleDosageWithoutMed, Predicate: dosageWithoutMedication},
		{Name: RuleDifficultUnmatched, Predicate: difficultUnmatched},
		{Name: RuleLowDensity, Predicate: lowDensity},
	}
}

// "Give the patient something" names an order with nothing to order.
func actionWithoutEntities(ev *Evaluation) bool {
	return ev.Clinical() == 0 && ev.HasActionVerb()
}

func zeroEntities(ev *Evaluation) bool {
	return len(ev.Entities) == 0
}

func noiseOnly(ev *Evaluation) bool {
	if len(ev.Entities) == 0 {
		return false
	}
	for _, e := range ev.Entities {
		if !ev.vocab.IsNoise(vocab.Normalize(e.Text)) {
			return false
		}
	}
	return true
}

func dosageWithoutMedication(ev *Evaluation) bool {
	return ev.Counts[model.CategoryDosage] > 0 && ev.Counts[model.CategoryMedication] == 0
}

// difficultUnmatched fires when text contains terminology that tends to defeat
// dictionary matching (biologic suffixes, release markers, combination
// regimens) and no entity covers it.
func difficultUnmatched(ev *Evaluation) bool {
	for _, sp := range ev.vocab.DifficultMatches(ev.Text) {
		covered := false
		for _, e := range ev.Entities {
			if e.Span != nil && e.Span.Overlaps(sp) {
				covered = true
				break
			}
		}
		if !covered {
			return true
		}
	}
	return false
}

func lowDensity(ev *Evaluation) bool {
	n := len(ev.Entities)
	if n < ev.cfg.MinEntityCount {
		return true
	}
	wpe := ev.cfg.WordsPerEntity
	return ev.WordCount >= wpe && n*wpe < ev.WordCount
}
