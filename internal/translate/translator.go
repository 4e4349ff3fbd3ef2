package translate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	KindOpenAI = "openai"
	KindMock   = "mock"
	KindNoop   = "noop"
)

// Translator is the external translation collaborator. Translate receives
// the placeholder tokens that must come back untouched; TranslateBatch is
// order-preserving and returns exactly one translation per input text.
type Translator interface {
	Translate(ctx context.Context, text string, doNotTranslate []string) (string, error)
	TranslateBatch(ctx context.Context, texts []string) ([]string, error)
	Name() string
}

// Options carries the backend selection and its tuning knobs.
type Options struct {
	Kind        string
	APIKey      string
	BaseURL     string
	Model       string
	SourceLang  string
	TargetLang  string
	MaxTokens   int
	Temperature float32
	MaxRetries  int
	RetryDelay  time.Duration
	Timeout     time.Duration
}

// New builds the translator selected by opts.Kind.
func New(opts Options, logger *logrus.Logger) (Translator, error) {
	switch opts.Kind {
	case KindOpenAI:
		return NewOpenAI(opts, logger)
	case KindMock:
		return NewMock(opts.TargetLang), nil
	case KindNoop:
		return NewNoop(), nil
	default:
		return nil, fmt.Errorf("unknown translator kind: %s", opts.Kind)
	}
}

// languageName maps ISO 639-1 codes to the names used in prompts. Unknown
// codes pass through unchanged.
func languageName(code string) string {
	languages := map[string]string{
		"en": "English",
		"es": "Spanish",
		"fr": "French",
		"de": "German",
		"it": "Italian",
		"pt": "Portuguese",
		"ru": "Russian",
		"ja": "Japanese",
		"ko": "Korean",
		"zh": "Chinese",
		"ar": "Arabic",
		"fa": "Persian",
		"he": "Hebrew",
		"hi": "Hindi",
		"tr": "Turkish",
		"pl": "Polish",
		"nl": "Dutch",
		"sv": "Swedish",
		"da": "Danish",
		"no": "Norwegian",
		"fi": "Finnish",
		"cs": "Czech",
		"el": "Greek",
		"th": "Thai",
		"vi": "Vietnamese",
		"id": "Indonesian",
		"uk": "Ukrainian",
	}

	base := strings.ToLower(code)
	if idx := strings.IndexAny(base, "-_"); idx >= 0 {
		base = base[:idx]
	}

	if name, exists := languages[base]; exists {
		return name
	}

	return code
}
