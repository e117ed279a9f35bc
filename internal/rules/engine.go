// Package rules implements the Tier B clinical rule engine: dictionary and
// noun-phrase matching over part-of-speech tagged text, adjusted by
// negation, uncertainty and family-history context.
package rules

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/sells-group/clinical-extractor/internal/model"
	"github.com/sells-group/clinical-extractor/internal/pattern"
	"github.com/sells-group/clinical-extractor/internal/vocab"
)

// Match specificity confidences.
const (
	confExactMedication = 0.95
	confExactCondition  = 0.92
	confExactOther      = 0.90
	confSynonym         = 0.88
	confFuzzyCeiling    = 0.80
	confPatientName     = 0.85

	confAttached   = 0.92 // dosage/frequency/route next to a medication
	confUnattached = 0.72
)

// Config tunes the engine.
type Config struct {
	// FuzzyThreshold is the minimum normalized Levenshtein similarity for a
	// noun phrase to match a dictionary term.
	FuzzyThreshold float64
	// AttachWindow is the distance in words within which a dosage,
	// frequency or route is treated as belonging to a medication.
	AttachWindow int
	// ModifierScope is the number of words a context trigger reaches.
	ModifierScope int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{FuzzyThreshold: 0.85, AttachWindow: 6, ModifierScope: 6}
}

// Engine is the Tier B extractor. It is safe for concurrent use.
type Engine struct {
	cfg       Config
	vocab     *vocab.Vocabulary
	tagger    Tagger
	dosage    *regexp.Regexp
	frequency *regexp.Regexp
	route     *regexp.Regexp
	triggers  []trigger
	fuzzy     []fuzzyTerm
}

// Option configures an Engine.
type Option func(*Engine)

// WithTagger replaces the default prose tagger.
func WithTagger(t Tagger) Option {
	return func(e *Engine) { e.tagger = t }
}

// WithConfig overrides the engine defaults.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// New builds an Engine over v.
func New(v *vocab.Vocabulary, opts ...Option) *Engine {
	e := &Engine{
		cfg:       DefaultConfig(),
		vocab:     v,
		tagger:    ProseTagger{},
		dosage:    pattern.DosageRegexp(v.DosageUnits),
		frequency: pattern.FrequencyRegexp(v.Frequencies),
		route:     pattern.RouteRegexp(v.Routes),
		triggers:  compileTriggers(v.Modifiers),
		fuzzy:     fuzzyTerms(v),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Tier implements the pipeline extractor contract.
func (e *Engine) Tier() model.Tier { return model.TierB }

// Extract runs the engine over text. prior is ignored; Tier B runs first.
func (e *Engine) Extract(_ context.Context, text string, _ []model.MedicalEntity) (*model.Partial, error) {
	return &model.Partial{Tier: model.TierB, Entities: e.Analyze(text)}, nil
}

// candidate is an entity under construction with its word range.
type candidate struct {
	ent       model.MedicalEntity
	firstWord int
	lastWord  int
}

// Analyze extracts entities from text.
func (e *Engine) Analyze(text string) []model.MedicalEntity {
	words := vocab.Words(text)
	if len(words) == 0 {
		return nil
	}

	tags := e.tagWords(text, words)

	claimed := make([]bool, len(words))
	var cands []candidate

	cands = append(cands, e.dictionaryMatches(text, words, claimed)...)
	attrs := e.attributeMatches(text, words, cands, claimed)
	cands = append(cands, e.fuzzyMatches(text, words, tags, claimed)...)
	cands = append(cands, e.patientNames(text, words, tags, claimed)...)
	e.attach(attrs, cands)
	cands = append(cands, attrs...)

	e.applyModifiers(words, cands)

	out := make([]model.MedicalEntity, len(cands))
	for i, c := range cands {
		out[i] = c.ent
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Span.Start < out[j].Span.Start })
	return out
}

// tagWords aligns tagger output to words by start offset. Words the tagger
// did not align keep an empty tag.
func (e *Engine) tagWords(text string, words []vocab.Word) []string {
	tags := make([]string, len(words))
	toks, err := e.tagger.Tag(text)
	if err != nil {
		zap.L().Warn("rules: tagging failed, continuing without part-of-speech", zap.Error(err))
		return tags
	}
	byStart := make(map[int]string, len(toks))
	for _, t := range toks {
		if t.Start >= 0 {
			byStart[t.Start] = t.Tag
		}
	}
	for i, w := range words {
		tags[i] = byStart[w.Start]
	}
	return tags
}

// dictionaryMatches does greedy longest-match lookup of word n-grams. Matches
// never cross clause punctuation.
func (e *Engine) dictionaryMatches(text string, words []vocab.Word, claimed []bool) []candidate {
	var out []candidate
	maxN := e.vocab.MaxTermWords()
	for i := 0; i < len(words); {
		matched := 0
		for n := min(maxN, len(words)-i); n >= 1; n-- {
			phrase, ok := joinWords(words[i : i+n])
			if !ok {
				continue
			}
			entry, hit := e.vocab.Lookup(phrase)
			if !hit {
				continue
			}
			start, end := words[i].Start, words[i+n-1].End
			conf := exactConfidence(entry.Category)
			if phrase != entry.Canonical {
				conf = confSynonym
			}
			out = append(out, candidate{
				ent: model.MedicalEntity{
					Category:        entry.Category,
					Text:            text[start:end],
					NormalizedValue: entry.Canonical,
					Confidence:      conf,
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
			break
		}
		if matched == 0 {
			i++
			continue
		}
		i += matched
	}
	return out
}

func exactConfidence(c model.Category) float64 {
	switch c {
	case model.CategoryMedication:
		return confExactMedication
	case model.CategoryCondition:
		return confExactCondition
	default:
		return confExactOther
	}
}

func joinWords(ws []vocab.Word) (string, bool) {
	parts := make([]string, len(ws))
	for i, w := range ws {
		if isPunct(w.Norm) {
			return "", false
		}
		parts[i] = w.Norm
	}
	return strings.Join(parts, " "), true
}

func isPunct(s string) bool {
	return s == "." || s == ";" || s == ":" || s == ","
}

// patientNames finds proper-noun runs that follow a patient cue.
func (e *Engine) patientNames(text string, words []vocab.Word, tags []string, claimed []bool) []candidate {
	var out []candidate
	for i := 0; i < len(words); i++ {
		if !e.vocab.IsPatientCue(words[i].Norm) {
			continue
		}
		j := i + 1
		if j < len(words) && words[j].Norm == "." {
			j++
		}
		k := j
		for k < len(words) && k-j < 3 && !claimed[k] && isNameWord(words[k], tags[k]) {
			k++
		}
		if k == j {
			continue
		}
		start, end := words[j].Start, words[k-1].End
		out = append(out, candidate{
			ent: model.MedicalEntity{
				Category:   model.CategoryPatientName,
				Text:       text[start:end],
				Confidence: confPatientName,
				SourceTier: model.TierB,
				Span:       &model.Span{Start: start, End: end},
			},
			firstWord: j,
			lastWord:  k - 1,
		})
		for n := j; n < k; n++ {
			claimed[n] = true
		}
		i = k - 1
	}
	return out
}

func isNameWord(w vocab.Word, tag string) bool {
	first := []rune(w.Text)[0]
	if !unicode.IsUpper(first) {
		return false
	}
	// Without a tag, fall back to capitalization alone.
	return tag == "" || isProperNoun(tag)
}

// attributeMatches finds dosages, frequencies and routes and claims their
// words. Confidence is assigned later by attach.
func (e *Engine) attributeMatches(text string, words []vocab.Word, found []candidate, claimed []bool) []candidate {
	var occupied []model.Span
	for _, c := range found {
		occupied = append(occupied, *c.ent.Span)
	}

	var out []candidate
	emit := func(cat model.Category, re *regexp.Regexp, normalize func(string) string) {
		if re == nil {
			return
		}
		for _, sp := range pattern.FindAll(re, text) {
			if overlaps(sp, occupied) {
				continue
			}
			occupied = append(occupied, sp)
			first, last := wordIndex(words, sp.Start), wordIndex(words, sp.End-1)
			for k := first; k <= last; k++ {
				claimed[k] = true
			}
			hit := text[sp.Start:sp.End]
			out = append(out, candidate{
				ent: model.MedicalEntity{
					Category:        cat,
					Text:            hit,
					NormalizedValue: normalize(hit),
					SourceTier:      model.TierB,
					Span:            &model.Span{Start: sp.Start, End: sp.End},
				},
				firstWord: first,
				lastWord:  last,
			})
		}
	}
	emit(model.CategoryDosage, e.dosage, pattern.NormalizeDosage)
	emit(model.CategoryFrequency, e.frequency, vocab.Normalize)
	emit(model.CategoryRoute, e.route, vocab.Normalize)
	return out
}

// attach scores attributes by proximity to any medication, exact or fuzzy.
func (e *Engine) attach(attrs, found []candidate) {
	var medWords []int
	for _, c := range found {
		if c.ent.Category == model.CategoryMedication {
			medWords = append(medWords, c.firstWord, c.lastWord)
		}
	}
	for i := range attrs {
		a := &attrs[i]
		a.ent.Confidence = confUnattached
		if near(a.firstWord, a.lastWord, medWords, e.cfg.AttachWindow) {
			a.ent.Confidence = confAttached
			if a.ent.Category == model.CategoryDosage {
				a.ent.Confidence += 0.01
			}
		}
	}
}

func overlaps(sp model.Span, spans []model.Span) bool {
	for _, o := range spans {
		if sp.Overlaps(o) {
			return true
		}
	}
	return false
}

// wordIndex returns the index of the word containing byte offset off, or
// the nearest preceding word.
func wordIndex(words []vocab.Word, off int) int {
	i := sort.Search(len(words), func(i int) bool { return words[i].Start > off })
	if i == 0 {
		return 0
	}
	return i - 1
}

func near(first, last int, medWords []int, window int) bool {
	for _, m := range medWords {
		if abs(first-m) <= window || abs(last-m) <= window {
			return true
		}
	}
	return false
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
