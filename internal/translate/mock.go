package translate

import (
	"context"
	"fmt"
)

// Mock is a deterministic offline backend for dry runs and tests: it wraps
// every text in a visible marker instead of translating, leaving embedded
// placeholder tokens intact.
type Mock struct {
	targetLang string
}

func NewMock(targetLang string) *Mock {
	if targetLang == "" {
		targetLang = "xx"
	}
	return &Mock{targetLang: targetLang}
}

func (m *Mock) Name() string {
	return KindMock
}

func (m *Mock) Translate(ctx context.Context, text string, doNotTranslate []string) (string, error) {
	if text == "" {
		return "", nil
	}
	return fmt.Sprintf("[%s] %s", m.targetLang, text), nil
}

func (m *Mock) TranslateBatch(ctx context.Context, texts []string) ([]string, error) {
	translations := make([]string, len(texts))
	for i, text := range texts {
		translated, err := m.Translate(ctx, text, nil)
		if err != nil {
			return nil, err
		}
		translations[i] = translated
	}
	return translations, nil
}

// Noop returns every text unchanged. Useful for exercising the whole
// pipeline, packaging included, without touching any backend.
type Noop struct{}

func NewNoop() *Noop {
	return &Noop{}
}

func (n *Noop) Name() string {
	return KindNoop
}

func (n *Noop) Translate(ctx context.Context, text string, doNotTranslate []string) (string, error) {
	return text, nil
}

func (n *Noop) TranslateBatch(ctx context.Context, texts []string) ([]string, error) {
	translations := make([]string, len(texts))
	copy(translations, texts)
	return translations, nil
}
