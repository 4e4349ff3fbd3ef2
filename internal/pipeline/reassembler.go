package pipeline

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"book-translator/internal/book"
	"book-translator/internal/protect"
)

// localeAttr matches double-quoted lang and xml:lang attributes carrying an
// English locale value. The leading word boundary keeps attributes like
// hreflang out of the match.
var localeAttr = regexp.MustCompile(`\b((?:xml:)?lang=")en[^"]*(")`)

// Reassembler merges translated chunks back into whole documents, rewrites
// locale attributes and restores the protected subtrees.
type Reassembler struct {
	protector *protect.Protector
	logger    *logrus.Logger
}

func NewReassembler(protector *protect.Protector, logger *logrus.Logger) *Reassembler {
	return &Reassembler{
		protector: protector,
		logger:    logger,
	}
}

// Merge concatenates chunk translations in sequence-number order and rewrites
// English locale attributes to the target language. A chunk without a
// translation contributes an empty string, so a partially translated item
// merges to partial content.
func (r *Reassembler) Merge(chunks []*book.Chunk, targetLang string) string {
	ordered := make([]*book.Chunk, len(chunks))
	copy(ordered, chunks)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Seq < ordered[j].Seq
	})

	var merged strings.Builder
	for _, chunk := range ordered {
		merged.WriteString(chunk.Translated)
	}

	return r.rewriteLocale(merged.String(), targetLang)
}

func (r *Reassembler) rewriteLocale(content, targetLang string) string {
	if content == "" || targetLang == "" {
		return content
	}

	if !localeAttr.MatchString(content) {
		r.logger.Info("No English locale attribute found in merged content")
		return content
	}

	return localeAttr.ReplaceAllString(content, "${1}"+targetLang+"${2}")
}

// Reassemble merges an item's chunks, restores its placeholders and writes
// the result over the item's backing file. An empty merge result skips the
// write and leaves item.Translated empty.
func (r *Reassembler) Reassemble(item *book.Item, targetLang string) error {
	merged := r.Merge(item.Chunks, targetLang)
	restored := r.protector.Restore(merged, item.Placeholders)

	if restored == "" {
		r.logger.Debugf("Item %s merged to empty content, skipping write", item.ID)
		return nil
	}

	if err := os.WriteFile(item.Path, []byte(restored), 0644); err != nil {
		return fmt.Errorf("failed to write translated item %s: %w", item.ID, err)
	}

	item.Translated = restored

	return nil
}
