package rules

import (
	"strings"

	"github.com/jdkato/prose/v2"
	"github.com/rotisserie/eris"
)

// TaggedToken is a part-of-speech tagged token with its byte offset.
type TaggedToken struct {
	Text  string
	Tag   string
	Start int
}

// Tagger assigns Penn Treebank tags to the tokens of a text.
type Tagger interface {
	Tag(text string) ([]TaggedToken, error)
}

// ProseTagger tags text with the prose averaged perceptron model.
type ProseTagger struct{}

// Tag tokenizes and tags text. Offsets are recovered by scanning forward
// through the source; tokens the tokenizer rewrote are given Start -1.
func (ProseTagger) Tag(text string) ([]TaggedToken, error) {
	doc, err := prose.NewDocument(text,
		prose.WithExtraction(false),
		prose.WithSegmentation(false),
	)
	if err != nil {
		return nil, eris.Wrap(err, "rules: prose document")
	}
	toks := doc.Tokens()
	out := make([]TaggedToken, 0, len(toks))
	cursor := 0
	for _, tok := range toks {
		start := -1
		if idx := strings.Index(text[cursor:], tok.Text); idx >= 0 {
			start = cursor + idx
			cursor = start + len(tok.Text)
		}
		out = append(out, TaggedToken{Text: tok.Text, Tag: tok.Tag, Start: start})
	}
	return out, nil
}

// isNounPhraseTag reports whether tag can sit inside a simple noun phrase.
func isNounPhraseTag(tag string) bool {
	return strings.HasPrefix(tag, "NN") || strings.HasPrefix(tag, "JJ") || tag == "CD" || tag == "VBG"
}

func isProperNoun(tag string) bool {
	return tag == "NNP" || tag == "NNPS"
}
