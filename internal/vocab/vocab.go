// Package vocab holds the curated clinical vocabulary shared by the
// deterministic extractors and the quality scorer.
package vocab

import (
	_ "embed"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/clinical-extractor/internal/model"
)

//go:embed default.yaml
var defaultYAML []byte

// ModifierKind is the assertion a context trigger applies.
type ModifierKind string

const (
	ModifierNegation      ModifierKind = "negation"
	ModifierUncertainty   ModifierKind = "uncertainty"
	ModifierFamilyHistory ModifierKind = "family_history"
)

// Modifier is a context trigger phrase. Pre-positional triggers scope over
// the words that follow, post-positional triggers over the words before.
type Modifier struct {
	Phrase    string       `yaml:"phrase"`
	Kind      ModifierKind `yaml:"kind"`
	Direction string       `yaml:"direction"`
}

// Assertion maps the modifier kind to the entity assertion it produces.
func (m Modifier) Assertion() model.Assertion {
	switch m.Kind {
	case ModifierNegation:
		return model.AssertionNegated
	case ModifierUncertainty:
		return model.AssertionUncertain
	case ModifierFamilyHistory:
		return model.AssertionFamilyHistory
	default:
		return model.AssertionPresent
	}
}

// Vocabulary is the parsed vocabulary file.
type Vocabulary struct {
	Medications       []string          `yaml:"medications"`
	Conditions        []string          `yaml:"conditions"`
	Procedures        []string          `yaml:"procedures"`
	LabTests          []string          `yaml:"lab_tests"`
	Synonyms          map[string]string `yaml:"synonyms"`
	DosageUnits       []string          `yaml:"dosage_units"`
	Frequencies       []string          `yaml:"frequencies"`
	Routes            []string          `yaml:"routes"`
	ActionVerbs       []string          `yaml:"action_verbs"`
	NoiseTokens       []string          `yaml:"noise_tokens"`
	PatientCues       []string          `yaml:"patient_cues"`
	DifficultPatterns []string          `yaml:"difficult_patterns"`
	Modifiers         []Modifier        `yaml:"modifiers"`
	Terminators       []string          `yaml:"terminators"`

	lexicon   map[string]Entry
	maxWords  int
	noise     map[string]bool
	actions   map[string]bool
	cues      map[string]bool
	terms     map[string]bool
	difficult []*regexp.Regexp
}

// Entry is a dictionary hit: the category and canonical form of a term.
type Entry struct {
	Category  model.Category
	Canonical string
}

var (
	defaultOnce  sync.Once
	defaultVocab *Vocabulary
)

// Default returns the embedded vocabulary.
func Default() *Vocabulary {
	defaultOnce.Do(func() {
		v, err := Parse(defaultYAML)
		if err != nil {
			panic(eris.Wrap(err, "vocab: embedded default"))
		}
		defaultVocab = v
	})
	return defaultVocab
}

// Load returns the default vocabulary overlaid with the file at path. An
// empty path returns the default.
func Load(path string) (*Vocabulary, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "vocab: read %s", path)
	}
	var override Vocabulary
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, eris.Wrapf(err, "vocab: parse %s", path)
	}
	merged := Default().overlay(&override)
	if err := merged.index(); err != nil {
		return nil, err
	}
	return merged, nil
}

// Parse decodes and indexes a vocabulary document.
func Parse(data []byte) (*Vocabulary, error) {
	var v Vocabulary
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, eris.Wrap(err, "vocab: parse")
	}
	if err := v.index(); err != nil {
		return nil, err
	}
	return &v, nil
}

func (v *Vocabulary) overlay(o *Vocabulary) *Vocabulary {
	out := &Vocabulary{
		Medications:       pick(o.Medications, v.Medications),
		Conditions:        pick(o.Conditions, v.Conditions),
		Procedures:        pick(o.Procedures, v.Procedures),
		LabTests:          pick(o.LabTests, v.LabTests),
		DosageUnits:       pick(o.DosageUnits, v.DosageUnits),
		Frequencies:       pick(o.Frequencies, v.Frequencies),
		Routes:            pick(o.Routes, v.Routes),
		ActionVerbs:       pick(o.ActionVerbs, v.ActionVerbs),
		NoiseTokens:       pick(o.NoiseTokens, v.NoiseTokens),
		PatientCues:       pick(o.PatientCues, v.PatientCues),
		DifficultPatterns: pick(o.DifficultPatterns, v.DifficultPatterns),
		Terminators:       pick(o.Terminators, v.Terminators),
		Modifiers:         v.Modifiers,
		Synonyms:          v.Synonyms,
	}
	if len(o.Modifiers) > 0 {
		out.Modifiers = o.Modifiers
	}
	if len(o.Synonyms) > 0 {
		out.Synonyms = o.Synonyms
	}
	return out
}

func pick(override, base []string) []string {
	if len(override) > 0 {
		return override
	}
	return base
}

func (v *Vocabulary) index() error {
	v.lexicon = make(map[string]Entry)
	v.maxWords = 1
	add := func(cat model.Category, terms []string) {
		for _, t := range terms {
			n := Normalize(t)
			if n == "" {
				continue
			}
			v.lexicon[n] = Entry{Category: cat, Canonical: n}
			if w := len(strings.Fields(n)); w > v.maxWords {
				v.maxWords = w
			}
		}
	}
	add(model.CategoryMedication, v.Medications)
	add(model.CategoryCondition, v.Conditions)
	add(model.CategoryProcedure, v.Procedures)
	add(model.CategoryLabTest, v.LabTests)

	// Synonyms inherit the category of their canonical term.
	keys := make([]string, 0, len(v.Synonyms))
	for k := range v.Synonyms {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, syn := range keys {
		canon := Normalize(v.Synonyms[syn])
		e, ok := v.lexicon[canon]
		if !ok {
			return eris.Errorf("vocab: synonym %q maps to unknown term %q", syn, canon)
		}
		n := Normalize(syn)
		v.lexicon[n] = Entry{Category: e.Category, Canonical: canon}
		if w := len(strings.Fields(n)); w > v.maxWords {
			v.maxWords = w
		}
	}

	v.noise = toSet(v.NoiseTokens)
	v.actions = toSet(v.ActionVerbs)
	v.cues = toSet(v.PatientCues)
	v.terms = toSet(v.Terminators)

	v.difficult = v.difficult[:0]
	for _, p := range v.DifficultPatterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return eris.Wrapf(err, "vocab: difficult pattern %q", p)
		}
		v.difficult = append(v.difficult, re)
	}

	for _, m := range v.Modifiers {
		switch m.Kind {
		case ModifierNegation, ModifierUncertainty, ModifierFamilyHistory:
		default:
			return eris.Errorf("vocab: modifier %q has unknown kind %q", m.Phrase, m.Kind)
		}
		if m.Direction != "pre" && m.Direction != "post" {
			return eris.Errorf("vocab: modifier %q has unknown direction %q", m.Phrase, m.Direction)
		}
	}
	return nil
}

func toSet(items []string) map[string]bool {
	s := make(map[string]bool, len(items))
	for _, it := range items {
		if n := Normalize(it); n != "" {
			s[n] = true
		}
	}
	return s
}

// Lookup returns the dictionary entry for a normalized phrase.
func (v *Vocabulary) Lookup(normalized string) (Entry, bool) {
	e, ok := v.lexicon[normalized]
	return e, ok
}

// Terms returns every lexicon key of category c, sorted.
func (v *Vocabulary) Terms(c model.Category) []string {
	var out []string
	for k, e := range v.lexicon {
		if e.Category == c {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// MaxTermWords is the longest lexicon entry measured in words.
func (v *Vocabulary) MaxTermWords() int { return v.maxWords }

// IsNoise reports whether a normalized token carries no clinical content.
func (v *Vocabulary) IsNoise(s string) bool { return v.noise[Normalize(s)] }

// IsActionVerb reports whether word is a medical action verb.
func (v *Vocabulary) IsActionVerb(word string) bool { return v.actions[Normalize(word)] }

// IsPatientCue reports whether word introduces a patient name.
func (v *Vocabulary) IsPatientCue(word string) bool {
	return v.cues[Normalize(word)]
}

// IsTerminator reports whether token ends a modifier scope.
func (v *Vocabulary) IsTerminator(token string) bool { return v.terms[Normalize(token)] }

// DifficultMatches returns the spans in text that match a difficult pattern.
func (v *Vocabulary) DifficultMatches(text string) []model.Span {
	var out []model.Span
	for _, re := range v.difficult {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			out = append(out, model.Span{Start: loc[0], End: loc[1]})
		}
	}
	return out
}
