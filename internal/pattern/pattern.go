// Package pattern implements the Tier A extractor: deterministic regular
// expressions over the curated vocabulary. It never fails and performs no I/O.
package pattern

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/sells-group/clinical-extractor/internal/model"
	"github.com/sells-group/clinical-extractor/internal/vocab"
)

// Fixed confidences per category. Pattern hits carry no linguistic context.
var confidence = map[model.Category]float64{
	model.CategoryMedication: 0.70,
	model.CategoryDosage:     0.75,
	model.CategoryFrequency:  0.70,
	model.CategoryRoute:      0.65,
	model.CategoryCondition:  0.60,
	model.CategoryProcedure:  0.60,
	model.CategoryLabTest:    0.60,
}

type matcher struct {
	category model.Category
	re       *regexp.Regexp
	// canonical maps a normalized hit to its normalized value, if any.
	canonical func(hit string) string
}

// Extractor is the Tier A pattern extractor.
type Extractor struct {
	matchers []matcher
}

// New compiles the pattern set from v.
func New(v *vocab.Vocabulary) *Extractor {
	lookup := func(hit string) string {
		if e, ok := v.Lookup(vocab.Normalize(hit)); ok {
			return e.Canonical
		}
		return vocab.Normalize(hit)
	}

	var ms []matcher
	for _, cat := range []model.Category{
		model.CategoryMedication,
		model.CategoryCondition,
		model.CategoryProcedure,
		model.CategoryLabTest,
	} {
		if re := alternation(v.Terms(cat)); re != nil {
			ms = append(ms, matcher{category: cat, re: re, canonical: lookup})
		}
	}
	ms = append(ms,
		matcher{category: model.CategoryDosage, re: DosageRegexp(v.DosageUnits), canonical: NormalizeDosage},
		matcher{category: model.CategoryFrequency, re: FrequencyRegexp(v.Frequencies), canonical: vocab.Normalize},
		matcher{category: model.CategoryRoute, re: RouteRegexp(v.Routes), canonical: vocab.Normalize},
	)
	return &Extractor{matchers: ms}
}

// Tier implements the pipeline extractor contract.
func (e *Extractor) Tier() model.Tier { return model.TierA }

// Extract returns every pattern hit in text. prior is ignored.
func (e *Extractor) Extract(_ context.Context, text string, _ []model.MedicalEntity) (*model.Partial, error) {
	return &model.Partial{Tier: model.TierA, Entities: e.Match(text)}, nil
}

// Match runs all patterns. Overlapping hits of the same category keep the
// longest; hits are returned in span order.
func (e *Extractor) Match(text string) []model.MedicalEntity {
	var out []model.MedicalEntity
	for _, m := range e.matchers {
		if m.re == nil {
			continue
		}
		var claimed []model.Span
		hits := FindAll(m.re, text)
		// Longest first so shorter overlapping hits are dropped.
		sort.SliceStable(hits, func(i, j int) bool {
			return (hits[i].End - hits[i].Start) > (hits[j].End - hits[j].Start)
		})
		for _, sp := range hits {
			if overlapsAny(sp, claimed) {
				continue
			}
			claimed = append(claimed, sp)
			hit := text[sp.Start:sp.End]
			out = append(out, model.MedicalEntity{
				Category:        m.category,
				Text:            hit,
				NormalizedValue: m.canonical(hit),
				Confidence:      confidence[m.category],
				SourceTier:      model.TierA,
				Span:            &model.Span{Start: sp.Start, End: sp.End},
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Span.Start < out[j].Span.Start
	})
	return out
}

func overlapsAny(sp model.Span, claimed []model.Span) bool {
	for _, c := range claimed {
		if sp.Overlaps(c) {
			return true
		}
	}
	return false
}

// alternation builds a case-insensitive whole-word alternation with a single
// capture group. Longer terms are listed first; extra raw patterns go ahead
// of the terms.
func alternation(terms []string, extra ...string) *regexp.Regexp {
	sorted := append([]string(nil), terms...)
	sort.SliceStable(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })
	alts := append([]string(nil), extra...)
	for _, t := range sorted {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		q := regexp.QuoteMeta(t)
		q = strings.ReplaceAll(q, " ", `\s+`)
		alts = append(alts, q)
	}
	if len(alts) == 0 {
		return nil
	}
	return regexp.MustCompile(`(?i)(?:^|[^\p{L}\p{N}])(` + strings.Join(alts, "|") + `)(?:$|[^\p{L}\p{N}])`)
}

// FindAll returns the capture-group spans of every match in source offsets.
// Matching runs on the NFKC view of text, so "１０ｍｇ" matches like "10mg".
// It resumes at the end of the group so a boundary rune can serve two
// adjacent hits.
func FindAll(re *regexp.Regexp, text string) []model.Span {
	view := vocab.NewView(text)
	s := view.Text

	var out []model.Span
	pos := 0
	for pos < len(s) {
		loc := re.FindStringSubmatchIndex(s[pos:])
		if loc == nil || loc[2] < 0 {
			break
		}
		start, end := pos+loc[2], pos+loc[3]
		out = append(out, view.Source(start, end))
		if end <= pos {
			pos++
			continue
		}
		pos = end
	}
	return out
}

// DosageRegexp matches a numeric strength followed by a unit ("10mg",
// "0.5 mL", "1-2 tabs").
func DosageRegexp(units []string) *regexp.Regexp {
	if len(units) == 0 {
		return nil
	}
	sorted := append([]string(nil), units...)
	sort.SliceStable(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })
	quoted := make([]string, len(sorted))
	for i, u := range sorted {
		quoted[i] = regexp.QuoteMeta(u)
	}
	return regexp.MustCompile(`(?i)(?:^|[^\p{L}\p{N}.])(\d+(?:\.\d+)?(?:\s?-\s?\d+(?:\.\d+)?)?\s?(?:` +
		strings.Join(quoted, "|") + `))(?:$|[^\p{L}\p{N}])`)
}

// FrequencyRegexp matches vocabulary frequencies plus interval forms such as
// "q6h", "q 4-6 h" and "every 8 hours".
func FrequencyRegexp(terms []string) *regexp.Regexp {
	return alternation(terms,
		`q\s?\d+(?:\s?-\s?\d+)?\s?(?:hours?|hrs?|h)`,
		`every\s+\d+(?:\s?-\s?\d+)?\s+(?:hours?|days?|weeks?)`,
	)
}

// RouteRegexp matches administration route keywords as whole words.
func RouteRegexp(routes []string) *regexp.Regexp {
	return alternation(routes)
}

var dosageSplit = regexp.MustCompile(`(?i)^(\d+(?:\.\d+)?(?:\s?-\s?\d+(?:\.\d+)?)?)\s*(.+)$`)

// NormalizeDosage renders a dosage as "<amount> <unit>" in lower case so
// "10mg" and "10 MG" share a key.
func NormalizeDosage(s string) string {
	n := vocab.Normalize(s)
	m := dosageSplit.FindStringSubmatch(n)
	if m == nil {
		return n
	}
	amount := strings.ReplaceAll(m[1], " ", "")
	return amount + " " + strings.TrimSpace(m[2])
}
