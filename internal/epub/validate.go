package epub

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"os"

	"github.com/antchfx/xmlquery"
	"github.com/antchfx/xpath"
	"github.com/sirupsen/logrus"
)

// langAttrExpr selects every element carrying a lang or xml:lang attribute.
var langAttrExpr = xpath.MustCompile(`//*[@lang or @xml:lang]`)

type Validator struct {
	logger *logrus.Logger
}

func NewValidator(logger *logrus.Logger) *Validator {
	return &Validator{logger: logger}
}

// CheckWellFormed walks the raw XML token stream of the document at path and
// returns the first structural error. Named HTML entities are accepted since
// XHTML content documents rely on them.
func (v *Validator) CheckWellFormed(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read document: %w", err)
	}

	decoder := xml.NewDecoder(bytes.NewReader(data))
	decoder.Entity = xml.HTMLEntity

	for {
		_, err := decoder.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("document %s is not well-formed: %w", path, err)
		}
	}
}

// LangAttributes returns the values of every lang and xml:lang attribute in
// the document at path, in document order.
func (v *Validator) LangAttributes(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open document: %w", err)
	}
	defer file.Close()

	doc, err := xmlquery.ParseWithOptions(file, xmlquery.ParserOptions{
		Decoder: &xmlquery.DecoderOptions{
			Strict:    false,
			AutoClose: xml.HTMLAutoClose,
			Entity:    xml.HTMLEntity,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse document: %w", err)
	}

	var values []string
	for _, node := range xmlquery.QuerySelectorAll(doc, langAttrExpr) {
		for _, attr := range node.Attr {
			if attr.Name.Local == "lang" {
				values = append(values, attr.Value)
			}
		}
	}

	return values, nil
}
