package translate

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
)

// Cache is a file-backed store of finished translations keyed by content
// hash. Entries never expire; removing the directory resets it.
type Cache struct {
	dir    string
	logger *logrus.Logger
	mu     sync.RWMutex
}

func NewCache(dir string, logger *logrus.Logger) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &Cache{dir: dir, logger: logger}, nil
}

type cacheKeyPayload struct {
	Backend    string `json:"backend"`
	Model      string `json:"model"`
	TargetLang string `json:"target_lang"`
	Text       string `json:"text"`
}

func cacheKey(backend, model, targetLang, text string) string {
	payload, _ := json.Marshal(cacheKeyPayload{
		Backend:    backend,
		Model:      model,
		TargetLang: targetLang,
		Text:       text,
	})
	sum := blake3.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func (c *Cache) entryPath(key string) string {
	return filepath.Join(c.dir, key+".txt")
}

func (c *Cache) Get(backend, model, targetLang, text string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := os.ReadFile(c.entryPath(cacheKey(backend, model, targetLang, text)))
	if err != nil {
		return "", false
	}

	return string(data), true
}

func (c *Cache) Put(backend, model, targetLang, text, translated string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	path := c.entryPath(cacheKey(backend, model, targetLang, text))
	if err := os.WriteFile(path, []byte(translated), 0644); err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}

	return nil
}

// WithCache wraps a translator so repeated texts are served from the cache
// instead of the backend. A nil cache returns the translator unchanged.
func WithCache(inner Translator, cache *Cache, model, targetLang string, logger *logrus.Logger) Translator {
	if cache == nil {
		return inner
	}
	return &cached{
		inner:      inner,
		cache:      cache,
		model:      model,
		targetLang: targetLang,
		logger:     logger,
	}
}

type cached struct {
	inner      Translator
	cache      *Cache
	model      string
	targetLang string
	logger     *logrus.Logger
}

func (c *cached) Name() string {
	return c.inner.Name()
}

func (c *cached) Translate(ctx context.Context, text string, doNotTranslate []string) (string, error) {
	if translated, ok := c.cache.Get(c.inner.Name(), c.model, c.targetLang, text); ok {
		c.logger.Debugf("Translation cache hit (%d bytes)", len(text))
		return translated, nil
	}

	translated, err := c.inner.Translate(ctx, text, doNotTranslate)
	if err != nil {
		return "", err
	}

	if err := c.cache.Put(c.inner.Name(), c.model, c.targetLang, text, translated); err != nil {
		c.logger.Warnf("Failed to cache translation: %v", err)
	}

	return translated, nil
}

func (c *cached) TranslateBatch(ctx context.Context, texts []string) ([]string, error) {
	translations := make([]string, len(texts))

	var missing []string
	var missingIdx []int
	for i, text := range texts {
		if translated, ok := c.cache.Get(c.inner.Name(), c.model, c.targetLang, text); ok {
			translations[i] = translated
			continue
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}

	if len(missing) == 0 {
		return translations, nil
	}

	fresh, err := c.inner.TranslateBatch(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(fresh) != len(missing) {
		return nil, fmt.Errorf("batch response length mismatch: got %d, expected %d", len(fresh), len(missing))
	}

	for j, idx := range missingIdx {
		translations[idx] = fresh[j]
		if err := c.cache.Put(c.inner.Name(), c.model, c.targetLang, texts[idx], fresh[j]); err != nil {
			c.logger.Warnf("Failed to cache translation: %v", err)
		}
	}

	return translations, nil
}
