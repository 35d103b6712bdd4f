package export

import (
	"bytes"
	"embed"
	"html/template"
	"strings"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var documentTemplate = template.Must(
	template.New("document.html").Funcs(template.FuncMap{
		"lower": strings.ToLower,
		"formatDate": func(t time.Time, layout string) string {
			if t.IsZero() {
				return ""
			}
			return t.Format(layout)
		},
	}).ParseFS(templateFS, "templates/document.html"),
)

// TemplateData holds data for document template rendering
type TemplateData struct {
	Title         string
	Category      string
	ProjectName   string
	Status        string
	VersionNumber int
	ChangeLog     string
	Author        string
	CreatedAt     time.Time
	ContentHTML   template.HTML
	Lines         []TemplateLine
	Threads       []TemplateThread
	OpenThreads   int
}

// TemplateLine is one numbered line of a text-only version.
type TemplateLine struct {
	Number int
	Text   string
}

type TemplateThread struct {
	Anchor   string
	Author   string
	Content  string
	Resolved bool
	Replies  []TemplateReply
}

type TemplateReply struct {
	Author  string
	Content string
}

// RenderDocumentHTML renders the document template with provided data
func RenderDocumentHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := documentTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
