package segment

import (
	"regexp"
	"strings"
	"unicode"
)

// Boundary is the result of classifying accumulated sentence text.
type Boundary int

const (
	// BoundaryNone means the text does not end on a boundary.
	BoundaryNone Boundary = iota

	// BoundarySoft means the text ends on a phrase boundary (, ; :).
	BoundarySoft

	// BoundaryStrong means the text ends on a sentence boundary (. ! ?).
	BoundaryStrong
)

// String returns the name of the boundary.
func (b Boundary) String() string {
	switch b {
	case BoundaryNone:
		return "none"
	case BoundarySoft:
		return "soft"
	case BoundaryStrong:
		return "strong"
	default:
		return "unknown"
	}
}

// Classifier decides whether accumulated text ends on a boundary.
type Classifier interface {
	Classify(text string) Boundary
}

// ClassifierFunc adapts a function to [Classifier].
type ClassifierFunc func(text string) Boundary

// Classify implements [Classifier].
func (f ClassifierFunc) Classify(text string) Boundary { return f(text) }

// PunctuationClassifier classifies by trailing punctuation. Trailing
// whitespace is ignored.
type PunctuationClassifier struct {
	strong *regexp.Regexp
	soft   *regexp.Regexp
}

var _ Classifier = (*PunctuationClassifier)(nil)

var (
	defaultStrong = regexp.MustCompile(`[.!?]\s*$`)
	defaultSoft   = regexp.MustCompile(`[,;:]\s*$`)
)

// NewPunctuationClassifier returns the default classifier: . ! ? are strong
// boundaries and , ; : are soft ones.
func NewPunctuationClassifier() *PunctuationClassifier {
	return &PunctuationClassifier{strong: defaultStrong, soft: defaultSoft}
}

// Classify implements [Classifier].
func (c *PunctuationClassifier) Classify(text string) Boundary {
	switch {
	case c.strong.MatchString(text):
		return BoundaryStrong
	case c.soft.MatchString(text):
		return BoundarySoft
	default:
		return BoundaryNone
	}
}

var sentenceRun = regexp.MustCompile(`[^.!?]*[.!?]+["')\]]*\s*|[^.!?]+$`)

// SplitSentences cuts text after every run of . ! or ? (and any closing
// quotes or brackets). Pieces keep their punctuation; whitespace-only pieces
// are dropped.
func SplitSentences(text string) []string {
	var out []string
	for _, m := range sentenceRun.FindAllString(text, -1) {
		if m = strings.TrimSpace(m); m != "" {
			out = append(out, m)
		}
	}
	return out
}

// terminal returns the last non-space rune of text, or 0.
func terminal(text string) rune {
	text = strings.TrimRightFunc(text, unicode.IsSpace)
	if text == "" {
		return 0
	}
	r := []rune(text)
	return r[len(r)-1]
}
