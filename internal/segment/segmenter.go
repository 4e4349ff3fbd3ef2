package segment

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"book-translator/internal/tokenizer"
)

var closingTag = regexp.MustCompile(`</[A-Za-z][^>]*>`)

// Span is one token-bounded segment of protected content. Seq is 1-based,
// assigned at creation time, and must never be reassigned.
type Span struct {
	Seq    int
	Text   string
	Tokens int
}

// Segmenter splits protected markup into ordered, token-limited spans,
// preferring to split right after a closing tag. Splits operate on runes so
// a hard split can never land inside a UTF-8 sequence.
type Segmenter struct {
	tokenizer tokenizer.Tokenizer
	limit     int
	logger    *logrus.Logger
}

func New(tok tokenizer.Tokenizer, limit int, logger *logrus.Logger) (*Segmenter, error) {
	if tok == nil {
		return nil, fmt.Errorf("tokenizer is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("token limit must be positive, got %d", limit)
	}

	return &Segmenter{
		tokenizer: tok,
		limit:     limit,
		logger:    logger,
	}, nil
}

// Chunk splits content into spans. Concatenating the returned span texts in
// order reproduces the input, except that spans which are blank after
// trimming are dropped while the cursor still advances past them.
func (s *Segmenter) Chunk(content string) []Span {
	runes := []rune(content)

	var spans []Span
	seq := 1
	pos := 0

	for pos < len(runes) {
		end := s.fitWindow(runes, pos)

		split := end
		if tagEnd := lastClosingTagEnd(runes, pos, end); tagEnd > pos {
			split = tagEnd
		}

		if split <= pos {
			// A single indivisible token exceeds the limit. Advance one
			// rune so the loop terminates; the emitted span may exceed
			// the limit.
			split = pos + 1
		}

		text := string(runes[pos:split])
		if strings.TrimSpace(text) != "" {
			spans = append(spans, Span{
				Seq:    seq,
				Text:   text,
				Tokens: s.tokenizer.CountTokens(text),
			})
			seq++
		}

		pos = split
	}

	s.logger.Debugf("Segmented %d runes into %d spans (limit %d tokens)", len(runes), len(spans), s.limit)

	return spans
}

// Limit returns the configured token limit per span.
func (s *Segmenter) Limit() int {
	return s.limit
}

// fitWindow binary-searches the maximal end position such that the window
// starting at pos stays within the token limit. Returns pos when not even a
// single rune fits.
func (s *Segmenter) fitWindow(runes []rune, pos int) int {
	lo, hi := 1, len(runes)-pos
	best := 0

	for lo <= hi {
		mid := (lo + hi) / 2
		if s.tokenizer.CountTokens(string(runes[pos:pos+mid])) <= s.limit {
			best = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}

	return pos + best
}

// lastClosingTagEnd returns the rune offset just past the last closing tag
// that ends within (pos, end], or -1 when the window contains none.
func lastClosingTagEnd(runes []rune, pos, end int) int {
	window := string(runes[pos:end])

	matches := closingTag.FindAllStringIndex(window, -1)
	if len(matches) == 0 {
		return -1
	}

	last := matches[len(matches)-1]
	return pos + utf8.RuneCountInString(window[:last[1]])
}
