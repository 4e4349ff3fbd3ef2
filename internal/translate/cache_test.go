package translate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingTranslator struct {
	calls      int
	batchCalls int
}

func (c *countingTranslator) Name() string {
	return "counting"
}

func (c *countingTranslator) Translate(ctx context.Context, text string, doNotTranslate []string) (string, error) {
	c.calls++
	return "T:" + text, nil
}

func (c *countingTranslator) TranslateBatch(ctx context.Context, texts []string) ([]string, error) {
	c.batchCalls++
	translations := make([]string, len(texts))
	for i, text := range texts {
		translations[i] = "T:" + text
	}
	return translations, nil
}

func TestCacheGetPut(t *testing.T) {
	cache, err := NewCache(t.TempDir(), testLogger())
	require.NoError(t, err)

	_, ok := cache.Get("openai", "gpt-4o-mini", "zh", "hello")
	assert.False(t, ok)

	require.NoError(t, cache.Put("openai", "gpt-4o-mini", "zh", "hello", "你好"))

	translated, ok := cache.Get("openai", "gpt-4o-mini", "zh", "hello")
	assert.True(t, ok)
	assert.Equal(t, "你好", translated)
}

func TestCacheKeysDistinguishContext(t *testing.T) {
	cache, err := NewCache(t.TempDir(), testLogger())
	require.NoError(t, err)

	require.NoError(t, cache.Put("openai", "gpt-4o-mini", "zh", "hello", "你好"))

	_, ok := cache.Get("openai", "gpt-4o-mini", "de", "hello")
	assert.False(t, ok, "a different target language must miss")

	_, ok = cache.Get("openai", "gpt-4", "zh", "hello")
	assert.False(t, ok, "a different model must miss")
}

func TestWithCacheServesRepeatsFromCache(t *testing.T) {
	cache, err := NewCache(t.TempDir(), testLogger())
	require.NoError(t, err)

	backend := &countingTranslator{}
	translator := WithCache(backend, cache, "gpt-4o-mini", "zh", testLogger())

	first, err := translator.Translate(context.Background(), "hello", nil)
	require.NoError(t, err)
	second, err := translator.Translate(context.Background(), "hello", nil)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, backend.calls, "second call must be served from the cache")
}

func TestWithCacheBatchStitchesHitsAndMisses(t *testing.T) {
	cache, err := NewCache(t.TempDir(), testLogger())
	require.NoError(t, err)

	backend := &countingTranslator{}
	translator := WithCache(backend, cache, "gpt-4o-mini", "zh", testLogger())

	// Warm the cache with one of the three texts.
	_, err = translator.Translate(context.Background(), "two", nil)
	require.NoError(t, err)

	translations, err := translator.TranslateBatch(context.Background(), []string{"one", "two", "three"})
	require.NoError(t, err)

	assert.Equal(t, []string{"T:one", "T:two", "T:three"}, translations)
	assert.Equal(t, 1, backend.batchCalls)
}

func TestWithCacheBatchAllHits(t *testing.T) {
	cache, err := NewCache(t.TempDir(), testLogger())
	require.NoError(t, err)

	backend := &countingTranslator{}
	translator := WithCache(backend, cache, "gpt-4o-mini", "zh", testLogger())

	texts := []string{"one", "two"}
	_, err = translator.TranslateBatch(context.Background(), texts)
	require.NoError(t, err)

	translations, err := translator.TranslateBatch(context.Background(), texts)
	require.NoError(t, err)

	assert.Equal(t, []string{"T:one", "T:two"}, translations)
	assert.Equal(t, 1, backend.batchCalls, "fully cached batch must not reach the backend")
}

func TestWithCacheNilCachePassthrough(t *testing.T) {
	backend := &countingTranslator{}

	translator := WithCache(backend, nil, "gpt-4o-mini", "zh", testLogger())

	assert.Same(t, backend, translator, "nil cache should return the backend itself")
}
