package rules

import (
	"strings"

	"github.com/agext/levenshtein"

	"github.com/sells-group/clinical-extractor/internal/model"
	"github.com/sells-group/clinical-extractor/internal/vocab"
)

// Phrases shorter than this are too ambiguous to fuzzy match.
const minFuzzyLen = 5

type fuzzyTerm struct {
	norm  string
	entry vocab.Entry
}

// fuzzyTerms lists canonical dictionary terms. Abbreviation synonyms are
// left out; a one-letter edit to "mi" means nothing.
func fuzzyTerms(v *vocab.Vocabulary) []fuzzyTerm {
	var out []fuzzyTerm
	for _, cat := range []model.Category{
		model.CategoryMedication,
		model.CategoryCondition,
		model.CategoryProcedure,
		model.CategoryLabTest,
	} {
		for _, t := range v.Terms(cat) {
			e, _ := v.Lookup(t)
			if e.Canonical != t || len(t) < minFuzzyLen {
				continue
			}
			out = append(out, fuzzyTerm{norm: t, entry: e})
		}
	}
	return out
}

// fuzzyMatches compares unclaimed noun-phrase chunks against the dictionary,
// tolerating misspellings ("lisinipril", "pnuemonia").
func (e *Engine) fuzzyMatches(text string, words []vocab.Word, tags []string, claimed []bool) []candidate {
	var out []candidate
	for _, ch := range nounChunks(words, tags, claimed) {
		out = append(out, e.matchChunk(text, words, ch, claimed)...)
	}
	return out
}

type chunk struct{ first, last int }

// nounChunks returns maximal runs of unclaimed noun-phrase words.
func nounChunks(words []vocab.Word, tags []string, claimed []bool) []chunk {
	var out []chunk
	start := -1
	flush := func(end int) {
		if start >= 0 {
			out = append(out, chunk{first: start, last: end})
			start = -1
		}
	}
	for i := range words {
		if claimed[i] || isPunct(words[i].Norm) || !isNounPhraseTag(tags[i]) {
			flush(i - 1)
			continue
		}
		if start < 0 {
			start = i
		}
	}
	flush(len(words) - 1)
	return out
}

// matchChunk tries the longest sub-phrases first and claims the first one
// that clears the similarity threshold.
func (e *Engine) matchChunk(text string, words []vocab.Word, ch chunk, claimed []bool) []candidate {
	var out []candidate
	maxN := e.vocab.MaxTermWords()
	for i := ch.first; i <= ch.last; {
		matched := 0
		for n := min(maxN, ch.last-i+1); n >= 1 && matched == 0; n-- {
			phrase, ok := joinWords(words[i : i+n])
			if !ok || len(phrase) < minFuzzyLen || hasDigitOnly(phrase) || e.vocab.IsNoise(phrase) {
				continue
			}
			term, sim := e.bestTerm(phrase)
			if term == nil {
				continue
			}
			start, end := words[i].Start, words[i+n-1].End
			out = append(out, candidate{
				ent: model.MedicalEntity{
					Category:        term.entry.Category,
					Text:            text[start:end],
					NormalizedValue: term.entry.Canonical,
					Confidence:      round3(confFuzzyCeiling * sim),
					SourceTier:      model.TierB,
					Span:            &model.Span{Start: start, End: end},
				},
				firstWord: i,
				lastWord:  i + n - 1,
			})
			for k := i; k < i+n; k++ {
				claimed[k] = true
			}
			matched = n
		}
		if matched == 0 {
			i++
			continue
		}
		i += matched
	}
	return out
}

func (e *Engine) bestTerm(phrase string) (*fuzzyTerm, float64) {
	var best *fuzzyTerm
	bestSim := 0.0
	for i := range e.fuzzy {
		t := &e.fuzzy[i]
		if abs(len(t.norm)-len(phrase)) > 3 {
			continue
		}
		sim := levenshtein.Similarity(phrase, t.norm, nil)
		if sim >= e.cfg.FuzzyThreshold && sim > bestSim {
			best, bestSim = t, sim
		}
	}
	return best, bestSim
}

// hasDigitOnly reports whether s is made only of digits and separators.
func hasDigitOnly(s string) bool {
	return strings.IndexFunc(s, func(r rune) bool {
		return !(r >= '0' && r <= '9') && r != '.' && r != ' ' && r != '-'
	}) < 0
}
