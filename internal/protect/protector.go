package protect

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/html"
)

const (
	// TokenDelimiter wraps every generated placeholder. The pattern is
	// assumed unlikely in natural text; this is not enforced, leftovers
	// are surfaced as warnings by Restore.
	TokenDelimiter = "##"

	DefaultTokenLength = 6

	tokenAlphabet    = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	maxTokenAttempts = 100
)

// defaultIgnoreTags are elements replaced wholesale, descendants included.
var defaultIgnoreTags = map[string]bool{
	"script": true,
	"style":  true,
	"pre":    true,
	"code":   true,
	"svg":    true,
	"math":   true,
	"head":   true,
}

// defaultIgnorePairs match on (tag, class membership).
var defaultIgnorePairs = map[string][]string{
	"div":    {"math"},
	"span":   {"math"},
	"figure": {"code"},
}

// Protector replaces non-translatable markup subtrees with opaque tokens and
// restores them after translation. One Protector value is one protection
// session: token uniqueness and content deduplication are scoped to it.
type Protector struct {
	logger       *logrus.Logger
	tokenLength  int
	ignoreTags   map[string]bool
	ignorePairs  map[string][]string
	tokenPattern *regexp.Regexp

	used      map[string]bool
	byContent map[string]string
}

type Option func(*Protector)

// WithTokenLength overrides the default placeholder body length.
func WithTokenLength(n int) Option {
	return func(p *Protector) {
		p.tokenLength = n
	}
}

// WithIgnoreTags replaces the default ignored-tag set.
func WithIgnoreTags(tags ...string) Option {
	return func(p *Protector) {
		p.ignoreTags = make(map[string]bool, len(tags))
		for _, tag := range tags {
			p.ignoreTags[strings.ToLower(tag)] = true
		}
	}
}

// WithIgnorePair adds a (tag, class) pair to the ignore set.
func WithIgnorePair(tag, class string) Option {
	return func(p *Protector) {
		tag = strings.ToLower(tag)
		p.ignorePairs[tag] = append(p.ignorePairs[tag], class)
	}
}

func New(logger *logrus.Logger, opts ...Option) (*Protector, error) {
	p := &Protector{
		logger:      logger,
		tokenLength: DefaultTokenLength,
		ignoreTags:  defaultIgnoreTags,
		ignorePairs: make(map[string][]string, len(defaultIgnorePairs)),
		used:        make(map[string]bool),
		byContent:   make(map[string]string),
	}
	for tag, classes := range defaultIgnorePairs {
		p.ignorePairs[tag] = append([]string(nil), classes...)
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.tokenLength <= 0 {
		return nil, fmt.Errorf("token length must be positive, got %d", p.tokenLength)
	}

	p.tokenPattern = regexp.MustCompile(fmt.Sprintf(`%s[0-9A-Za-z]{%d}%s`, TokenDelimiter, p.tokenLength, TokenDelimiter))

	return p, nil
}

// Replace substitutes every ignored subtree in content with a placeholder
// token and returns the protected content plus the token-to-original map for
// the tokens used here. Content outside replaced subtrees is passed through
// byte for byte: the scan works on the raw token stream, never through a
// re-serialized document tree.
func (p *Protector) Replace(content string) (string, map[string]string, error) {
	placeholders := make(map[string]string)
	if content == "" {
		return "", placeholders, nil
	}

	z := html.NewTokenizer(strings.NewReader(content))
	var out strings.Builder
	out.Grow(len(content))

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if errors.Is(z.Err(), io.EOF) {
				out.Write(z.Raw())
				break
			}
			return "", nil, fmt.Errorf("failed to scan markup: %w", z.Err())
		}

		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			out.Write(z.Raw())
			continue
		}

		raw := append([]byte(nil), z.Raw()...)
		name, hasAttr := z.TagName()
		tag := string(name)
		class := ""
		if hasAttr {
			for {
				key, val, more := z.TagAttr()
				if string(key) == "class" {
					class = string(val)
				}
				if !more {
					break
				}
			}
		}

		if !p.ignored(tag, class) {
			out.Write(raw)
			continue
		}

		subtree, err := captureSubtree(z, raw, tag, tt == html.SelfClosingTagToken)
		if err != nil {
			return "", nil, err
		}

		token, err := p.tokenFor(subtree)
		if err != nil {
			return "", nil, err
		}

		placeholders[token] = subtree
		out.WriteString(token)
	}

	return out.String(), placeholders, nil
}

// Restore substitutes every token in placeholders back with its original
// markup using plain substring replacement, then scans for token-shaped
// leftovers and logs them as a warning. Leftovers are never fatal.
func (p *Protector) Restore(content string, placeholders map[string]string) string {
	restored := content
	for token, original := range placeholders {
		restored = strings.ReplaceAll(restored, token, original)
	}

	if leftovers := p.Tokens(restored); len(leftovers) > 0 {
		samples := leftovers
		if len(samples) > 3 {
			samples = samples[:3]
		}
		p.logger.Warnf("Found %d unresolved placeholder tokens after restore (samples: %v)", len(leftovers), samples)
	}

	return restored
}

// Tokens returns the distinct token-shaped substrings of content in order of
// first appearance.
func (p *Protector) Tokens(content string) []string {
	matches := p.tokenPattern.FindAllString(content, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]bool, len(matches))
	var tokens []string
	for _, m := range matches {
		if !seen[m] {
			seen[m] = true
			tokens = append(tokens, m)
		}
	}

	return tokens
}

func (p *Protector) ignored(tag, class string) bool {
	if p.ignoreTags[tag] {
		return true
	}

	classes, ok := p.ignorePairs[tag]
	if !ok || class == "" {
		return false
	}

	for _, member := range strings.Fields(class) {
		for _, ignored := range classes {
			if member == ignored {
				return true
			}
		}
	}

	return false
}

// tokenFor returns the session token for the given original markup,
// generating a fresh unique one for content not seen before.
func (p *Protector) tokenFor(original string) (string, error) {
	if token, ok := p.byContent[original]; ok {
		return token, nil
	}

	for attempt := 0; attempt < maxTokenAttempts; attempt++ {
		body := make([]byte, p.tokenLength)
		if _, err := rand.Read(body); err != nil {
			return "", fmt.Errorf("failed to generate token: %w", err)
		}
		for i := range body {
			body[i] = tokenAlphabet[int(body[i])%len(tokenAlphabet)]
		}

		token := TokenDelimiter + string(body) + TokenDelimiter
		if !p.used[token] {
			p.used[token] = true
			p.byContent[original] = token
			return token, nil
		}
	}

	return "", fmt.Errorf("failed to generate a unique token after %d attempts", maxTokenAttempts)
}

// captureSubtree consumes tokens until the element opened by start closes,
// returning the exact raw bytes of the whole subtree. Nested elements with
// the same name are tracked by depth; raw-text elements (script, style) come
// back from the tokenizer as a single text token, so no special casing is
// needed. An unterminated subtree runs to EOF.
func captureSubtree(z *html.Tokenizer, start []byte, tag string, selfClosing bool) (string, error) {
	var buf bytes.Buffer
	buf.Write(start)
	if selfClosing {
		return buf.String(), nil
	}

	depth := 1
	for depth > 0 {
		tt := z.Next()
		if tt == html.ErrorToken {
			if errors.Is(z.Err(), io.EOF) {
				buf.Write(z.Raw())
				return buf.String(), nil
			}
			return "", fmt.Errorf("failed to scan markup inside <%s>: %w", tag, z.Err())
		}

		buf.Write(z.Raw())

		switch tt {
		case html.StartTagToken, html.EndTagToken:
			name, _ := z.TagName()
			if string(name) == tag {
				if tt == html.StartTagToken {
					depth++
				} else {
					depth--
				}
			}
		}
	}

	return buf.String(), nil
}
