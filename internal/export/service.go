package export

import (
	"context"
	"fmt"
	"html/template"
	"strconv"
	"strings"
)

// Service renders version exports.
type Service struct {
	render Renderer
}

// NewService returns a service printing through render; nil selects ChromePDF.
func NewService(render Renderer) *Service {
	if render == nil {
		render = ChromePDF
	}
	return &Service{render: render}
}

// BuildTemplateData shapes an Input for the document template.
func BuildTemplateData(in Input) TemplateData {
	data := TemplateData{
		Title:         in.DocumentTitle,
		Category:      in.Category,
		ProjectName:   in.ProjectName,
		Status:        in.Status,
		VersionNumber: in.VersionNumber,
		ChangeLog:     in.ChangeLog,
		Author:        in.Author,
		CreatedAt:     in.CreatedAt,
		Threads:       make([]TemplateThread, 0, len(in.Threads)),
	}
	if strings.TrimSpace(in.HTML) != "" {
		// Stored HTML passed the extraction sanitizer.
		data.ContentHTML = template.HTML(in.HTML)
	} else {
		for i, line := range strings.Split(in.Text, "\n") {
			data.Lines = append(data.Lines, TemplateLine{Number: i + 1, Text: line})
		}
	}

	for _, t := range in.Threads {
		thread := TemplateThread{
			Anchor:   anchorLabel(t.LineNumber),
			Author:   t.Author,
			Content:  t.Content,
			Resolved: t.Resolved,
			Replies:  make([]TemplateReply, 0, len(t.Replies)),
		}
		for _, r := range t.Replies {
			thread.Replies = append(thread.Replies, TemplateReply{Author: r.Author, Content: r.Content})
		}
		if !t.Resolved {
			data.OpenThreads++
		}
		data.Threads = append(data.Threads, thread)
	}
	return data
}

// Export renders the version as a PDF.
func (s *Service) Export(ctx context.Context, in Input) (*Result, error) {
	html, err := RenderDocumentHTML(BuildTemplateData(in))
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	pdf, err := s.render(ctx, html)
	if err != nil {
		return nil, err
	}
	return &Result{
		Data:     pdf,
		Filename: fmt.Sprintf("%s-v%d.pdf", sanitizeFilename(in.DocumentTitle), in.VersionNumber),
		MimeType: "application/pdf",
	}, nil
}

func anchorLabel(line *int) string {
	if line == nil {
		return "General"
	}
	return "Line " + strconv.Itoa(*line)
}
