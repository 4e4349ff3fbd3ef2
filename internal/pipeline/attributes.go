package pipeline

import (
	"context"
	"fmt"
	"strings"

	"book-translator/internal/book"
	"book-translator/internal/fragment"
)

// translatableAttrs are the attribute names whose values carry reader-facing
// text. The chunk pass instructs the translator to leave markup alone, so
// these values come back untouched and get their own pass.
var translatableAttrs = []string{"alt", "title", "aria-label"}

// translateChunkAttributes runs the attribute pass over a freshly translated
// chunk: index the attribute values, translate them in one batch and splice
// the results back by node id. The pass degrades instead of failing the
// chunk: a translator error leaves every value as it was, and an update the
// index cannot resolve is logged and dropped while the rest still apply.
func (o *Orchestrator) translateChunkAttributes(ctx context.Context, item *book.Item, chunk *book.Chunk) {
	doc, err := fragment.Index(chunk.Translated, translatableAttrs, o.logger)
	if err != nil {
		o.logger.Warnf("Skipping attribute pass for chunk %s#%d: %v", item.ID, chunk.Seq, err)
		return
	}

	var texts []string
	var updates []fragment.Update
	for _, node := range doc.Nodes() {
		for _, attr := range node.Attrs {
			value := fragment.UnescapeAttr(attr.Value)
			if strings.TrimSpace(value) == "" {
				continue
			}
			texts = append(texts, value)
			updates = append(updates, fragment.Update{NodeID: node.ID, Attr: attr.Name})
		}
	}
	if len(texts) == 0 {
		return
	}

	results, err := o.opts.Translator.TranslateBatch(ctx, texts)
	if err == nil && len(results) != len(texts) {
		err = fmt.Errorf("translator returned %d results for %d attribute values", len(results), len(texts))
	}
	if err != nil {
		o.logger.Warnf("Attribute values in chunk %s#%d stay untranslated: %v", item.ID, chunk.Seq, err)
		return
	}

	kept := updates[:0]
	for i, update := range updates {
		if results[i] == "" || results[i] == texts[i] {
			continue
		}
		update.Value = fragment.EscapeAttr(results[i])
		kept = append(kept, update)
	}
	if len(kept) == 0 {
		return
	}

	chunk.Translated = doc.Apply(kept)
	o.logger.Debugf("Translated %d attribute values in chunk %s#%d", len(kept), item.ID, chunk.Seq)
}
