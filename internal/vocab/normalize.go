package vocab

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/clinical-extractor/internal/model"
)

var (
	spaceRun = regexp.MustCompile(`\s+`)
	wordRe   = regexp.MustCompile(`[\p{L}\p{N}µ%]+(?:[-/'.][\p{L}\p{N}]+)*|[.;:,]`)
)

// Normalize folds case, applies NFKC, collapses whitespace and trims edge
// punctuation so that "  Lisinopril, " and "LISINOPRIL" compare equal. A
// lone punctuation rune is returned unchanged.
func Normalize(s string) string {
	s = norm.NFKC.String(s)
	s = cases.Fold().String(s)
	s = strings.TrimSpace(spaceRun.ReplaceAllString(s, " "))
	if utf8.RuneCountInString(s) <= 1 {
		return s
	}
	return strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || (unicode.IsPunct(r) && r != '%')
	})
}

// Word is a token with its byte offsets in the source text.
type Word struct {
	Text  string
	Norm  string
	Start int
	End   int
}

// Words splits text into words and clause punctuation, keeping offsets.
func Words(text string) []Word {
	locs := wordRe.FindAllStringIndex(text, -1)
	out := make([]Word, 0, len(locs))
	for _, loc := range locs {
		raw := text[loc[0]:loc[1]]
		out = append(out, Word{Text: raw, Norm: Normalize(raw), Start: loc[0], End: loc[1]})
	}
	return out
}

// CountWords counts alphanumeric words, ignoring punctuation tokens.
func CountWords(text string) int {
	n := 0
	for _, w := range Words(text) {
		if !isPunct(w.Text) {
			n++
		}
	}
	return n
}

func isPunct(s string) bool {
	return s == "." || s == ";" || s == ":" || s == ","
}

// View is the NFKC form of a text plus a byte offset map back to the source.
// Patterns run on Text so full-width digits and letters match their ASCII
// forms, and hits are reported against the original text.
type View struct {
	Text string

	// start[i] and end[i] are the source offsets for view offset i. Both are
	// nil when the source was already normalized.
	start []int
	end   []int
}

// NewView normalizes text, recording where each normalized segment came from.
func NewView(text string) View {
	if norm.NFKC.IsNormalString(text) {
		return View{Text: text}
	}

	var (
		it    norm.Iter
		b     strings.Builder
		start = make([]int, 0, len(text)+1)
		end   = make([]int, 1, len(text)+1)
	)
	it.InitString(norm.NFKC, text)
	for !it.Done() {
		from := it.Pos()
		seg := it.Next()
		to := it.Pos()
		b.Write(seg)
		for range seg {
			start = append(start, from)
			end = append(end, to)
		}
	}
	start = append(start, len(text))
	return View{Text: b.String(), start: start, end: end}
}

// Source maps the view range [start, end) to a span of the original text. A
// range that begins or ends inside a normalized segment widens to cover it.
func (v View) Source(start, end int) model.Span {
	if v.start == nil {
		return model.Span{Start: start, End: end}
	}
	return model.Span{Start: v.start[start], End: v.end[end]}
}
