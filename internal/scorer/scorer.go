package scorer

import (
	"sort"

	"github.com/sells-group/clinical-extractor/internal/config"
	"github.com/sells-group/clinical-extractor/internal/model"
	"github.com/sells-group/clinical-extractor/internal/vocab"
)

// RuleBelowThreshold is reported when no table rule fires but the weighted
// confidence is under the sufficiency threshold.
const RuleBelowThreshold = "below_sufficiency_threshold"

// Category weights. Clinically central categories dominate the score.
var weights = map[model.Category]float64{
	model.CategoryMedication: 3,
	model.CategoryCondition:  3,
	model.CategoryDosage:     2,
	model.CategoryFrequency:  2,
}

// Weight returns the scoring weight of a category.
func Weight(c model.Category) float64 {
	if w, ok := weights[c]; ok {
		return w
	}
	return 1
}

// Verdict is the scorer's judgement of one entity set.
type Verdict struct {
	WeightedConfidence float64 `json:"weighted_confidence"`
	Escalate           bool    `json:"escalate"`
	TriggeredRule      string  `json:"triggered_rule,omitempty"`
}

// Scorer computes weighted confidence and runs the escalation rule table.
// It holds no mutable state and is safe for concurrent use.
type Scorer struct {
	cfg   config.ScorerConfig
	vocab *vocab.Vocabulary
	rules []Rule
	specs []specialty
}

type specialty struct {
	words []string
	mul   float64
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithRules replaces the default rule table.
func WithRules(rules []Rule) Option {
	return func(s *Scorer) { s.rules = rules }
}

// New creates a Scorer. Zero-valued thresholds fall back to DefaultConfig.
func New(cfg config.ScorerConfig, v *vocab.Vocabulary, opts ...Option) *Scorer {
	def := DefaultConfig()
	if cfg.SufficiencyThreshold <= 0 {
		cfg.SufficiencyThreshold = def.SufficiencyThreshold
	}
	if cfg.WordsPerEntity <= 0 {
		cfg.WordsPerEntity = def.WordsPerEntity
	}
	if cfg.MinEntityCount < 0 {
		cfg.MinEntityCount = def.MinEntityCount
	}

	s := &Scorer{cfg: cfg, vocab: v, rules: DefaultRules()}

	keys := make([]string, 0, len(cfg.SpecialtyMultipliers))
	for k := range cfg.SpecialtyMultipliers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		ws := vocab.Words(k)
		if len(ws) == 0 {
			continue
		}
		norms := make([]string, len(ws))
		for i, w := range ws {
			norms[i] = w.Norm
		}
		s.specs = append(s.specs, specialty{words: norms, mul: cfg.SpecialtyMultipliers[k]})
	}

	for _, o := range opts {
		o(s)
	}
	return s
}

// Threshold returns the sufficiency threshold in effect.
func (s *Scorer) Threshold() float64 { return s.cfg.SufficiencyThreshold }

// Evaluate scores entities extracted from text. The first rule in the table
// that fires decides escalation; otherwise the score is compared with the
// sufficiency threshold.
func (s *Scorer) Evaluate(text string, entities []model.MedicalEntity) Verdict {
	ev := s.newEvaluation(text, entities)

	v := Verdict{WeightedConfidence: ev.Score}
	for _, r := range s.rules {
		if r.Predicate(ev) {
			v.Escalate = true
			v.TriggeredRule = r.Name
			return v
		}
	}
	if ev.Score < s.cfg.SufficiencyThreshold {
		v.Escalate = true
		v.TriggeredRule = RuleBelowThreshold
	}
	return v
}

// Weighted returns Σ(conf·w)/Σw over entities after specialty adjustment.
// An empty set scores 0.
func (s *Scorer) Weighted(text string, entities []model.MedicalEntity) float64 {
	return weighted(entities, s.multiplier(vocab.Words(text)))
}

func weighted(entities []model.MedicalEntity, mul float64) float64 {
	var num, den float64
	for _, e := range entities {
		w := Weight(e.Category)
		num += model.ClampConfidence(e.Confidence*mul) * w
		den += w
	}
	if den == 0 {
		return 0
	}
	return model.ClampConfidence(num / den)
}

// multiplier is the product of the multipliers of every specialty keyword
// present in the text.
func (s *Scorer) multiplier(words []vocab.Word) float64 {
	mul := 1.0
	for _, sp := range s.specs {
		if containsPhrase(words, sp.words) {
			mul *= sp.mul
		}
	}
	return mul
}

func containsPhrase(words []vocab.Word, phrase []string) bool {
	for i := 0; i+len(phrase) <= len(words); i++ {
		ok := true
		for k, p := range phrase {
			if words[i+k].Norm != p {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

// Evaluation is the input to escalation rule predicates.
type Evaluation struct {
	Text      string
	Entities  []model.MedicalEntity
	Words     []vocab.Word
	WordCount int
	Counts    map[model.Category]int
	Score     float64

	cfg   config.ScorerConfig
	vocab *vocab.Vocabulary
}

func (s *Scorer) newEvaluation(text string, entities []model.MedicalEntity) *Evaluation {
	words := vocab.Words(text)
	ev := &Evaluation{
		Text:      text,
		Entities:  entities,
		Words:     words,
		WordCount: vocab.CountWords(text),
		Counts:    make(map[model.Category]int),
		Score:     weighted(entities, s.multiplier(words)),
		cfg:       s.cfg,
		vocab:     s.vocab,
	}
	for _, e := range entities {
		ev.Counts[e.Category]++
	}
	return ev
}

// Config returns the scorer configuration the evaluation ran under.
func (ev *Evaluation) Config() config.ScorerConfig { return ev.cfg }

// Vocabulary returns the vocabulary the evaluation ran under.
func (ev *Evaluation) Vocabulary() *vocab.Vocabulary { return ev.vocab }

// Clinical reports how many medication, condition, procedure and lab test
// entities were found.
func (ev *Evaluation) Clinical() int {
	return ev.Counts[model.CategoryMedication] + ev.Counts[model.CategoryCondition] +
		ev.Counts[model.CategoryProcedure] + ev.Counts[model.CategoryLabTest]
}

// HasActionVerb reports whether any word in the text is a medical action verb.
func (ev *Evaluation) HasActionVerb() bool {
	for _, w := range ev.Words {
		if ev.vocab.IsActionVerb(w.Norm) {
			return true
		}
	}
	return false
}
