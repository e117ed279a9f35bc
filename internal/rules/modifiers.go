package rules

import (
	"math"
	"sort"

	"github.com/sells-group/clinical-extractor/internal/model"
	"github.com/sells-group/clinical-extractor/internal/vocab"
)

// Confidence multipliers for findings under a context modifier. The entity
// is kept so consumers can see it was mentioned.
var suppression = map[model.Assertion]float64{
	model.AssertionNegated:       0.30,
	model.AssertionUncertain:     0.60,
	model.AssertionFamilyHistory: 0.50,
}

type trigger struct {
	words []string
	mod   vocab.Modifier
}

type occurrence struct {
	first, last int
	mod         vocab.Modifier
}

// compileTriggers splits trigger phrases into normalized words, longest first.
func compileTriggers(mods []vocab.Modifier) []trigger {
	out := make([]trigger, 0, len(mods))
	for _, m := range mods {
		ws := vocab.Words(m.Phrase)
		if len(ws) == 0 {
			continue
		}
		norms := make([]string, len(ws))
		for i, w := range ws {
			norms[i] = w.Norm
		}
		out = append(out, trigger{words: norms, mod: m})
	}
	sort.SliceStable(out, func(i, j int) bool { return len(out[i].words) > len(out[j].words) })
	return out
}

func (e *Engine) findTriggers(words []vocab.Word) []occurrence {
	var occs []occurrence
	for i := 0; i < len(words); {
		matched := 0
		for _, t := range e.triggers {
			if matchAt(words, i, t.words) {
				occs = append(occs, occurrence{first: i, last: i + len(t.words) - 1, mod: t.mod})
				matched = len(t.words)
				break
			}
		}
		if matched == 0 {
			i++
			continue
		}
		i += matched
	}
	return occs
}

func matchAt(words []vocab.Word, i int, phrase []string) bool {
	if i+len(phrase) > len(words) {
		return false
	}
	for k, p := range phrase {
		if words[i+k].Norm != p {
			return false
		}
	}
	return true
}

// applyModifiers assigns each assertable candidate the assertion of the
// nearest in-scope trigger and suppresses its confidence.
func (e *Engine) applyModifiers(words []vocab.Word, cands []candidate) {
	occs := e.findTriggers(words)
	if len(occs) == 0 {
		return
	}
	for ci := range cands {
		c := &cands[ci]
		if !assertable(c.ent.Category) {
			continue
		}
		bestDist := math.MaxInt
		var best *occurrence
		for oi := range occs {
			o := &occs[oi]
			var dist int
			switch o.mod.Direction {
			case "pre":
				if o.last >= c.firstWord {
					continue
				}
				dist = c.firstWord - o.last
				if dist > e.cfg.ModifierScope || e.terminated(words, o.last+1, c.firstWord) {
					continue
				}
			default:
				if o.first <= c.lastWord {
					continue
				}
				dist = o.first - c.lastWord
				if dist > e.cfg.ModifierScope || e.terminated(words, c.lastWord+1, o.first) {
					continue
				}
			}
			if dist < bestDist {
				bestDist = dist
				best = o
			}
		}
		if best == nil {
			continue
		}
		a := best.mod.Assertion()
		c.ent.Assertion = a
		c.ent.Confidence = round3(c.ent.Confidence * suppression[a])
	}
}

// terminated reports whether any word in [from, to) ends a modifier scope.
func (e *Engine) terminated(words []vocab.Word, from, to int) bool {
	for i := from; i < to && i < len(words); i++ {
		if e.vocab.IsTerminator(words[i].Norm) {
			return true
		}
	}
	return false
}

func assertable(c model.Category) bool {
	switch c {
	case model.CategoryCondition, model.CategoryProcedure, model.CategoryLabTest, model.CategoryMedication:
		return true
	default:
		return false
	}
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
