// Package fragment addresses individual attribute values inside serialized
// markup without re-serializing the document. Index assigns every relevant
// element a stable id at parse time and records the byte range of each
// value, so later updates splice into the original string and leave every
// other byte untouched.
package fragment

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/html"
)

// Attr is one indexed attribute occurrence. Value holds the raw bytes
// between the quotes, entities included.
type Attr struct {
	Name  string
	Value string

	start int
	end   int
}

// Node is one element carrying at least one indexed attribute. ID is the
// arena index, assigned in document order at parse time; it never changes
// for the lifetime of the Doc.
type Node struct {
	ID    int
	Tag   string
	Attrs []Attr
}

// Update names one attribute value to rewrite. Value is inserted verbatim
// between the existing quotes and must already be escaped for attribute
// context (see EscapeAttr).
type Update struct {
	NodeID int
	Attr   string
	Value  string
}

// Doc is an indexed document. The underlying content is immutable; Apply
// returns rewritten copies.
type Doc struct {
	content string
	nodes   []Node
	logger  *logrus.Logger
}

// Index scans content and records every element carrying one of the named
// attributes with a quoted value. Unquoted values are not indexed: they
// cannot safely take an arbitrary replacement. Elements left incomplete by
// a truncated document are ignored.
func Index(content string, names []string, logger *logrus.Logger) (*Doc, error) {
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[strings.ToLower(name)] = true
	}

	d := &Doc{content: content, logger: logger}

	z := html.NewTokenizer(strings.NewReader(content))
	offset := 0

	for {
		tt := z.Next()
		raw := z.Raw()

		if tt == html.ErrorToken {
			if errors.Is(z.Err(), io.EOF) {
				break
			}
			return nil, fmt.Errorf("failed to scan markup: %w", z.Err())
		}

		if tt == html.StartTagToken || tt == html.SelfClosingTagToken {
			name, _ := z.TagName()

			var attrs []Attr
			for _, ra := range scanAttrs(raw) {
				if !wanted[ra.name] {
					continue
				}
				attrs = append(attrs, Attr{
					Name:  ra.name,
					Value: string(raw[ra.valStart:ra.valEnd]),
					start: offset + ra.valStart,
					end:   offset + ra.valEnd,
				})
			}

			if len(attrs) > 0 {
				d.nodes = append(d.nodes, Node{
					ID:    len(d.nodes),
					Tag:   string(name),
					Attrs: attrs,
				})
			}
		}

		offset += len(raw)
	}

	return d, nil
}

// Nodes returns the indexed elements in document order.
func (d *Doc) Nodes() []Node {
	return d.nodes
}

// Apply rewrites the named attribute values and returns the new content.
// An update naming an unknown node or an attribute the node does not carry
// is logged and skipped; the remaining updates still apply, so one bad
// lookup never loses the others. Duplicate updates for the same value keep
// the first.
func (d *Doc) Apply(updates []Update) string {
	type splice struct {
		start, end int
		value      string
	}

	var splices []splice
	claimed := make(map[int]bool, len(updates))

	for _, u := range updates {
		if u.NodeID < 0 || u.NodeID >= len(d.nodes) {
			d.logger.Warnf("Skipping attribute update for unknown node %d", u.NodeID)
			continue
		}

		node := d.nodes[u.NodeID]
		attrName := strings.ToLower(u.Attr)

		found := false
		for _, attr := range node.Attrs {
			if attr.Name != attrName {
				continue
			}
			found = true
			if claimed[attr.start] {
				d.logger.Warnf("Skipping duplicate update for %s on node %d (<%s>)", attrName, u.NodeID, node.Tag)
				break
			}
			claimed[attr.start] = true
			splices = append(splices, splice{start: attr.start, end: attr.end, value: u.Value})
			break
		}
		if !found {
			d.logger.Warnf("Skipping update for missing attribute %s on node %d (<%s>)", attrName, u.NodeID, node.Tag)
		}
	}

	// Back to front, so earlier offsets stay valid while splicing.
	sort.Slice(splices, func(i, j int) bool {
		return splices[i].start > splices[j].start
	})

	content := d.content
	for _, s := range splices {
		content = content[:s.start] + s.value + content[s.end:]
	}

	return content
}

// EscapeAttr escapes a replacement value for insertion between attribute
// quotes.
func EscapeAttr(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	return s
}

// UnescapeAttr reverses the entities EscapeAttr produces, yielding the
// human-readable form of a raw attribute value.
func UnescapeAttr(s string) string {
	s = strings.ReplaceAll(s, "&quot;", "\"")
	s = strings.ReplaceAll(s, "&lt;", "<")
	s = strings.ReplaceAll(s, "&gt;", ">")
	s = strings.ReplaceAll(s, "&amp;", "&")
	return s
}

type rawAttr struct {
	name     string
	valStart int
	valEnd   int
}

// scanAttrs locates quoted attribute values inside the raw bytes of a start
// tag. Offsets are relative to the tag bytes. The scan mirrors how the tag
// was tokenized, so every reported range sits between a matched pair of
// quotes.
func scanAttrs(raw []byte) []rawAttr {
	i := 1
	for i < len(raw) && !isSpace(raw[i]) && raw[i] != '>' {
		i++
	}

	var attrs []rawAttr
	for i < len(raw) {
		for i < len(raw) && isSpace(raw[i]) {
			i++
		}
		if i >= len(raw) || raw[i] == '>' || raw[i] == '/' {
			break
		}

		nameStart := i
		for i < len(raw) && raw[i] != '=' && !isSpace(raw[i]) && raw[i] != '>' && raw[i] != '/' {
			i++
		}
		name := strings.ToLower(string(raw[nameStart:i]))

		for i < len(raw) && isSpace(raw[i]) {
			i++
		}
		if i >= len(raw) || raw[i] != '=' {
			continue // valueless attribute
		}
		i++
		for i < len(raw) && isSpace(raw[i]) {
			i++
		}
		if i >= len(raw) {
			break
		}

		quote := raw[i]
		if quote != '"' && quote != '\'' {
			for i < len(raw) && !isSpace(raw[i]) && raw[i] != '>' {
				i++
			}
			continue // unquoted value
		}
		i++

		valStart := i
		for i < len(raw) && raw[i] != quote {
			i++
		}
		if i >= len(raw) {
			break // unterminated value
		}

		attrs = append(attrs, rawAttr{name: name, valStart: valStart, valEnd: i})
		i++
	}

	return attrs
}

func isSpace(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r', '\f':
		return true
	}
	return false
}
