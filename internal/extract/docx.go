// Package extract converts uploaded Word documents into HTML and plain text.
package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"html"
	"io"
	"strings"
)

// ErrExtractionFailed marks every conversion failure so callers can tell it apart from I/O errors.
var ErrExtractionFailed = errors.New("extraction failed")

var errPartTooLarge = errors.New("document part exceeds size limit")

const (
	documentPart = "word/document.xml"

	// DefaultMaxPartBytes bounds the decompressed size of the document part.
	DefaultMaxPartBytes = 128 << 20
)

type Content struct {
	HTML string
	Text string
}

type Extractor interface {
	Extract(ctx context.Context, data []byte) (Content, error)
}

type DocxExtractor struct {
	sanitizer    *Sanitizer
	maxPartBytes int64
}

// NewDocxExtractor builds an extractor that refuses documents whose body
// decompresses to more than maxPartBytes. A non-positive limit selects
// DefaultMaxPartBytes.
func NewDocxExtractor(sanitizer *Sanitizer, maxPartBytes int64) *DocxExtractor {
	if sanitizer == nil {
		sanitizer = NewSanitizer()
	}
	if maxPartBytes <= 0 {
		maxPartBytes = DefaultMaxPartBytes
	}
	return &DocxExtractor{sanitizer: sanitizer, maxPartBytes: maxPartBytes}
}

func (e *DocxExtractor) Extract(ctx context.Context, data []byte) (Content, error) {
	if err := ctx.Err(); err != nil {
		return Content{}, err
	}
	if len(data) == 0 {
		return Content{}, fmt.Errorf("%w: empty file", ErrExtractionFailed)
	}

	archive, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Content{}, fmt.Errorf("%w: open docx archive: %v", ErrExtractionFailed, err)
	}

	var part *zip.File
	for _, file := range archive.File {
		if file.Name == documentPart {
			part = file
			break
		}
	}
	if part == nil {
		return Content{}, fmt.Errorf("%w: %s missing", ErrExtractionFailed, documentPart)
	}

	if part.UncompressedSize64 > uint64(e.maxPartBytes) {
		return Content{}, fmt.Errorf("%w: %s expands to %d bytes, limit is %d", ErrExtractionFailed, documentPart, part.UncompressedSize64, e.maxPartBytes)
	}

	reader, err := part.Open()
	if err != nil {
		return Content{}, fmt.Errorf("%w: open %s: %v", ErrExtractionFailed, documentPart, err)
	}
	defer reader.Close()

	// The header size is only a claim; the read itself is bounded too.
	bounded := &boundedReader{r: io.LimitReader(reader, e.maxPartBytes+1), max: e.maxPartBytes}
	body, text, err := convertDocument(bounded)
	if err != nil {
		return Content{}, fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}
	return Content{HTML: e.sanitizer.Sanitize(body), Text: text}, nil
}

type boundedReader struct {
	r    io.Reader
	read int64
	max  int64
}

func (b *boundedReader) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	b.read += int64(n)
	if b.read > b.max {
		return n, errPartTooLarge
	}
	return n, err
}

type paragraphState struct {
	style string
	list  bool
	html  strings.Builder
	text  strings.Builder
}

type converter struct {
	html     strings.Builder
	text     strings.Builder
	para     *paragraphState
	bold     bool
	italic   bool
	inText   bool
	inRunPr  bool
	inParaPr bool
	listOpen bool
}

func convertDocument(r io.Reader) (string, string, error) {
	decoder := xml.NewDecoder(r)
	c := &converter{}
	for {
		token, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", "", fmt.Errorf("decode document xml: %w", err)
		}
		switch t := token.(type) {
		case xml.StartElement:
			c.start(t)
		case xml.EndElement:
			c.end(t)
		case xml.CharData:
			if c.inText && c.para != nil {
				c.writeRun(string(t))
			}
		}
	}
	c.closeList()
	return c.html.String(), c.text.String(), nil
}

func (c *converter) start(el xml.StartElement) {
	switch el.Name.Local {
	case "tbl":
		c.closeList()
		c.html.WriteString("<table>")
	case "tr":
		c.html.WriteString("<tr>")
	case "tc":
		c.html.WriteString("<td>")
	case "p":
		c.para = &paragraphState{}
	case "pStyle":
		if c.para != nil {
			c.para.style = attr(el, "val")
		}
	case "numPr":
		if c.para != nil {
			c.para.list = true
		}
	case "r":
		c.bold, c.italic = false, false
	case "pPr":
		c.inParaPr = true
	case "rPr":
		c.inRunPr = true
	case "b":
		if c.inRunPr {
			c.bold = toggleOn(el)
		}
	case "i":
		if c.inRunPr {
			c.italic = toggleOn(el)
		}
	case "t":
		c.inText = true
	case "tab":
		if c.para != nil && !c.inParaPr {
			c.para.html.WriteString("\t")
			c.para.text.WriteString("\t")
		}
	case "br":
		if c.para != nil {
			c.para.html.WriteString("<br />")
			c.para.text.WriteString("\n")
		}
	}
}

func (c *converter) end(el xml.EndElement) {
	switch el.Name.Local {
	case "tbl":
		c.html.WriteString("</table>")
	case "tr":
		c.html.WriteString("</tr>")
	case "tc":
		c.closeList()
		c.html.WriteString("</td>")
	case "pPr":
		c.inParaPr = false
	case "rPr":
		c.inRunPr = false
	case "t":
		c.inText = false
	case "p":
		c.flushParagraph()
	}
}

func (c *converter) writeRun(value string) {
	escaped := html.EscapeString(value)
	if c.italic {
		escaped = "<em>" + escaped + "</em>"
	}
	if c.bold {
		escaped = "<strong>" + escaped + "</strong>"
	}
	c.para.html.WriteString(escaped)
	c.para.text.WriteString(value)
}

// flushParagraph emits the finished paragraph. Empty paragraphs are dropped
// from HTML but still separate blocks in the text body.
func (c *converter) flushParagraph() {
	p := c.para
	c.para = nil
	if p == nil {
		return
	}
	c.text.WriteString(p.text.String())
	c.text.WriteString("\n\n")

	content := p.html.String()
	if strings.TrimSpace(content) == "" {
		return
	}
	if p.list {
		if !c.listOpen {
			c.html.WriteString("<ul>")
			c.listOpen = true
		}
		c.html.WriteString("<li>" + content + "</li>")
		return
	}
	c.closeList()
	tag := blockTag(p.style)
	c.html.WriteString("<" + tag + ">" + content + "</" + tag + ">")
}

func (c *converter) closeList() {
	if c.listOpen {
		c.html.WriteString("</ul>")
		c.listOpen = false
	}
}

func blockTag(style string) string {
	normalized := strings.ToLower(strings.ReplaceAll(style, " ", ""))
	if normalized == "title" {
		return "h1"
	}
	if strings.HasPrefix(normalized, "heading") {
		level := strings.TrimPrefix(normalized, "heading")
		if len(level) == 1 && level[0] >= '1' && level[0] <= '6' {
			return "h" + level
		}
	}
	return "p"
}

func attr(el xml.StartElement, local string) string {
	for _, a := range el.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

func toggleOn(el xml.StartElement) bool {
	switch strings.ToLower(attr(el, "val")) {
	case "0", "false", "off":
		return false
	default:
		return true
	}
}
