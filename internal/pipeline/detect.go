package pipeline

import (
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
)

var cjkTargets = map[string]bool{
	"zh": true, // Chinese
	"ja": true, // Japanese
	"ko": true, // Korean
}

func baseLangCode(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if idx := strings.IndexAny(lang, "-_"); idx > 0 {
		return lang[:idx]
	}
	return lang
}

func isCJKTarget(lang string) bool {
	return cjkTargets[baseLangCode(lang)]
}

// extractPlainText strips markup from a fragment so the script check below
// sees prose, not tag names or attribute values.
func extractPlainText(fragment string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return fragment
	}
	return doc.Text()
}

// looksTranslated reports whether existing chunk text already appears to be
// in the target language. Only CJK targets are recognized: the check looks
// for Han, Hiragana, Katakana or Hangul code points in the plain text.
// This is a compatibility workaround for resumed jobs, not a general
// language detector; non-CJK targets always return false.
func looksTranslated(text, targetLang string) bool {
	if !isCJKTarget(targetLang) {
		return false
	}

	for _, r := range extractPlainText(text) {
		if unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) ||
			unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r) {
			return true
		}
	}

	return false
}
