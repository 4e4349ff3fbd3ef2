package translate

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
)

// markdownFence strips the ```json fences some models wrap around structured
// responses.
var markdownFence = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// OpenAI translates through the chat completions API.
type OpenAI struct {
	client      *openai.Client
	logger      *logrus.Logger
	model       string
	sourceLang  string
	targetLang  string
	maxTokens   int
	temperature float32
	maxRetries  int
	retryDelay  time.Duration
	timeout     time.Duration
}

func NewOpenAI(opts Options, logger *logrus.Logger) (*OpenAI, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	if opts.TargetLang == "" {
		return nil, fmt.Errorf("target language is required")
	}

	if opts.Model == "" {
		opts.Model = "gpt-4o-mini"
	}
	if opts.MaxTokens == 0 {
		opts.MaxTokens = 4096
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = 2 * time.Second
	}
	if opts.Timeout == 0 {
		opts.Timeout = 120 * time.Second
	}

	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}

	return &OpenAI{
		client:      openai.NewClientWithConfig(cfg),
		logger:      logger,
		model:       opts.Model,
		sourceLang:  opts.SourceLang,
		targetLang:  opts.TargetLang,
		maxTokens:   opts.MaxTokens,
		temperature: opts.Temperature,
		maxRetries:  opts.MaxRetries,
		retryDelay:  opts.RetryDelay,
		timeout:     opts.Timeout,
	}, nil
}

func (c *OpenAI) Name() string {
	return KindOpenAI
}

func (c *OpenAI) Translate(ctx context.Context, text string, doNotTranslate []string) (string, error) {
	if text == "" {
		return "", nil
	}

	response, err := c.makeRequest(ctx, c.buildPrompt(text, doNotTranslate))
	if err != nil {
		return "", fmt.Errorf("failed to translate text: %w", err)
	}

	return strings.TrimSpace(response), nil
}

func (c *OpenAI) TranslateBatch(ctx context.Context, texts []string) ([]string, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	payload, err := json.Marshal(texts)
	if err != nil {
		return nil, fmt.Errorf("failed to encode batch: %w", err)
	}

	prompt := fmt.Sprintf(`Translate every string in the following JSON array from %s to %s.

IMPORTANT INSTRUCTIONS:
1. Preserve ALL markup tags, attributes, and placeholder strings exactly as they are
2. Only translate human-readable text
3. Respond with a JSON array of the same length, keeping element order
4. Return only the JSON array without any additional comments

JSON array:
%s`, languageName(c.sourceLang), languageName(c.targetLang), string(payload))

	response, err := c.makeRequest(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to translate batch: %w", err)
	}

	return parseBatchResponse(response, len(texts))
}

func (c *OpenAI) buildPrompt(text string, doNotTranslate []string) string {
	var b strings.Builder

	if c.sourceLang == "" {
		fmt.Fprintf(&b, "Translate the following content into %s.\n", languageName(c.targetLang))
	} else {
		fmt.Fprintf(&b, "Translate the following content from %s to %s.\n", languageName(c.sourceLang), languageName(c.targetLang))
	}

	b.WriteString(`
IMPORTANT INSTRUCTIONS:
1. Preserve ALL markup tags, attributes, and structure exactly as they are
2. Only translate the human-readable text between tags
3. Maintain the original formatting, spacing, and line breaks
4. Return only the translated content without any additional comments
`)

	if len(doNotTranslate) > 0 {
		fmt.Fprintf(&b, "5. Keep the following placeholders exactly as written, character for character: %s\n", strings.Join(doNotTranslate, ", "))
	}

	fmt.Fprintf(&b, "\nContent:\n%s", text)

	return b.String()
}

func (c *OpenAI) makeRequest(ctx context.Context, prompt string) (string, error) {
	requestID := uuid.New().String()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Debugf("Retrying OpenAI request %s (attempt %d/%d)", requestID, attempt+1, c.maxRetries+1)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(c.retryDelay):
			}
		}

		resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       c.model,
			MaxTokens:   c.maxTokens,
			Temperature: c.temperature,
			Messages: []openai.ChatCompletionMessage{
				{
					Role:    openai.ChatMessageRoleUser,
					Content: prompt,
				},
			},
		})

		if err != nil {
			lastErr = err
			c.logger.Warnf("OpenAI request %s failed (attempt %d): %v", requestID, attempt+1, err)
			continue
		}

		if len(resp.Choices) == 0 {
			lastErr = fmt.Errorf("no response choices returned")
			continue
		}

		c.logger.WithFields(logrus.Fields{
			"request_id":  requestID,
			"tokens_used": resp.Usage.TotalTokens,
		}).Debug("OpenAI request completed")

		return resp.Choices[0].Message.Content, nil
	}

	return "", fmt.Errorf("max retries exceeded, last error: %w", lastErr)
}

// parseBatchResponse decodes a JSON-array translation response, tolerating
// markdown fences, and enforces the 1:1 length contract.
func parseBatchResponse(response string, expected int) ([]string, error) {
	cleaned := strings.TrimSpace(response)
	if m := markdownFence.FindStringSubmatch(cleaned); m != nil {
		cleaned = m[1]
	}

	var translations []string
	if err := json.Unmarshal([]byte(cleaned), &translations); err != nil {
		return nil, fmt.Errorf("failed to parse batch response: %w", err)
	}

	if len(translations) != expected {
		return nil, fmt.Errorf("batch response length mismatch: got %d, expected %d", len(translations), expected)
	}

	return translations, nil
}
