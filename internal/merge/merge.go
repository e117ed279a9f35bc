// Package merge deduplicates entities produced by several tiers.
package merge

import (
	"sort"

	"github.com/sells-group/clinical-extractor/internal/model"
	"github.com/sells-group/clinical-extractor/internal/vocab"
)

// Result is the merged entity set plus the duplicates that lost.
type Result struct {
	Entities   []model.MedicalEntity
	Superseded []model.MedicalEntity
}

// Key identifies duplicates: category plus the case-folded normalized value,
// or the text when no normalized value was assigned.
func Key(e model.MedicalEntity) string {
	v := e.NormalizedValue
	if v == "" {
		v = e.Text
	}
	return string(e.Category) + "\x00" + vocab.Normalize(v)
}

type slot struct {
	ent     model.MedicalEntity
	arrival int
}

// Merge combines groups in the order given. For each key the entity from the
// highest tier is kept (the first seen on a tie) with the maximum confidence
// of all duplicates. A non-present assertion on any duplicate carries over to
// the kept entity, and a kept entity without a span inherits one. Inputs are
// never modified.
//
// Entities are returned in category order, then by span start with spanless
// entities last, then by arrival.
func Merge(groups ...[]model.MedicalEntity) Result {
	var res Result
	slots := make(map[string]*slot)
	var order []*slot

	arrival := 0
	for _, g := range groups {
		for _, e := range g {
			k := Key(e)
			cur, ok := slots[k]
			if !ok {
				s := &slot{ent: e.WithConfidence(e.Confidence), arrival: arrival}
				slots[k] = s
				order = append(order, s)
				arrival++
				continue
			}
			arrival++

			kept, lost := cur.ent, e
			if e.SourceTier.Rank() > cur.ent.SourceTier.Rank() {
				kept, lost = e, cur.ent
			}
			merged := kept.WithConfidence(max(kept.Confidence, lost.Confidence))
			if merged.Assertion == model.AssertionPresent && lost.Assertion != model.AssertionPresent {
				merged.Assertion = lost.Assertion
			}
			if merged.Span == nil && lost.Span != nil {
				sp := *lost.Span
				merged.Span = &sp
			}
			cur.ent = merged
			res.Superseded = append(res.Superseded, lost.MarkSuperseded())
		}
	}

	rank := make(map[model.Category]int, len(model.Categories))
	for i, c := range model.Categories {
		rank[c] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if ra, rb := rankOf(rank, a.ent.Category), rankOf(rank, b.ent.Category); ra != rb {
			return ra < rb
		}
		switch {
		case a.ent.Span != nil && b.ent.Span != nil:
			if a.ent.Span.Start != b.ent.Span.Start {
				return a.ent.Span.Start < b.ent.Span.Start
			}
		case a.ent.Span != nil:
			return true
		case b.ent.Span != nil:
			return false
		}
		return a.arrival < b.arrival
	})

	res.Entities = make([]model.MedicalEntity, len(order))
	for i, s := range order {
		res.Entities[i] = s.ent
	}
	return res
}

func rankOf(rank map[model.Category]int, c model.Category) int {
	if r, ok := rank[c]; ok {
		return r
	}
	return len(rank)
}

// ByCategory groups entities by category, preserving order.
func (r Result) ByCategory() map[model.Category][]model.MedicalEntity {
	out := make(map[model.Category][]model.MedicalEntity)
	for _, e := range r.Entities {
		out[e.Category] = append(out[e.Category], e)
	}
	return out
}

// HighestTier returns the highest tier among the kept entities.
func (r Result) HighestTier() model.Tier {
	best := model.TierNone
	for _, e := range r.Entities {
		if e.SourceTier.Rank() > best.Rank() {
			best = e.SourceTier
		}
	}
	return best
}
