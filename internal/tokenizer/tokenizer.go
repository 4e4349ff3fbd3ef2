package tokenizer

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
	"github.com/sirupsen/logrus"
)

const (
	KindTiktoken = "tiktoken"
	KindEstimate = "estimate"

	fallbackEncoding = "cl100k_base"
)

// Tokenizer counts model tokens in a piece of text. Implementations must be
// pure functions of their input; the empty string always counts as zero.
type Tokenizer interface {
	CountTokens(text string) int
}

// New returns the tokenizer selected by kind. The model name is only
// consulted for the tiktoken kind.
func New(kind, model string, logger *logrus.Logger) (Tokenizer, error) {
	switch kind {
	case KindTiktoken:
		return NewTiktoken(model, logger)
	case KindEstimate:
		return NewEstimator(), nil
	default:
		return nil, fmt.Errorf("unknown tokenizer kind: %s", kind)
	}
}

type Tiktoken struct {
	encoding *tiktoken.Tiktoken
}

func NewTiktoken(model string, logger *logrus.Logger) (*Tiktoken, error) {
	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		logger.Debugf("No token encoding for model %s, falling back to %s", model, fallbackEncoding)
		encoding, err = tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			return nil, fmt.Errorf("failed to load token encoding: %w", err)
		}
	}

	return &Tiktoken{encoding: encoding}, nil
}

func (t *Tiktoken) CountTokens(text string) int {
	if text == "" {
		return 0
	}

	return len(t.encoding.Encode(text, nil, nil))
}

// Estimator approximates token counts without a BPE vocabulary, for offline
// runs. Wide scripts (CJK and beyond U+2E80) tokenize near one token per
// rune; everything else near four runes per token.
type Estimator struct{}

func NewEstimator() *Estimator {
	return &Estimator{}
}

func (e *Estimator) CountTokens(text string) int {
	if text == "" {
		return 0
	}

	var narrow, wide int
	for _, r := range text {
		if r >= 0x2E80 {
			wide++
		} else {
			narrow++
		}
	}

	count := wide + (narrow+3)/4
	if count < 1 {
		count = 1
	}

	return count
}
