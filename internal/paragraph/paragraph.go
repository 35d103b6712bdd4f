// Package paragraph assigns the line indices that review comments anchor to.
//
// Only paragraph units are indexed. Indices are 1-based, follow document
// order, and are derived from a version's content on every read.
package paragraph

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

type Paragraph struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
	HTML  string `json:"html,omitempty"`
}

// FromHTML indexes every <p> element of a rendered body.
func FromHTML(html string) ([]Paragraph, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	paragraphs := make([]Paragraph, 0)
	var renderErr error
	doc.Find("p").Each(func(i int, selection *goquery.Selection) {
		if renderErr != nil {
			return
		}
		outer, err := goquery.OuterHtml(selection)
		if err != nil {
			renderErr = fmt.Errorf("render paragraph %d: %w", i+1, err)
			return
		}
		paragraphs = append(paragraphs, Paragraph{
			Index: i + 1,
			Text:  strings.TrimSpace(selection.Text()),
			HTML:  outer,
		})
	})
	if renderErr != nil {
		return nil, renderErr
	}
	return paragraphs, nil
}

// FromText indexes a plain-text body one line per paragraph, so a text
// version's indices match its diff line numbers.
func FromText(text string) []Paragraph {
	lines := strings.Split(text, "\n")
	paragraphs := make([]Paragraph, 0, len(lines))
	for i, line := range lines {
		paragraphs = append(paragraphs, Paragraph{Index: i + 1, Text: line})
	}
	return paragraphs
}

// ForVersion prefers the rendered HTML body and falls back to the text body.
func ForVersion(html, text string) ([]Paragraph, error) {
	if strings.TrimSpace(html) != "" {
		return FromHTML(html)
	}
	return FromText(text), nil
}

func Contains(paragraphs []Paragraph, index int) bool {
	return index >= 1 && index <= len(paragraphs)
}
