package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"github.com/sufyansidqy/dms/internal/archive"
	"github.com/sufyansidqy/dms/internal/comments"
	"github.com/sufyansidqy/dms/internal/export"
	"github.com/sufyansidqy/dms/internal/rbac"
	"github.com/sufyansidqy/dms/internal/search"
)

const maxSearchLimit = 50

// Search looks up documents and comments in the projects the actor can see.
func (s *Service) Search(ctx context.Context, actor rbac.Actor, text string, limit int) (search.Response, error) {
	if !actor.Authenticated() {
		return search.Response{}, unauthorized()
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	q := search.Query{Text: text, Limit: limit}
	if !actor.IsAdmin() {
		projects, err := s.store.ListProjectsForUser(ctx, actor.UserID)
		if err != nil {
			return search.Response{}, err
		}
		q.ProjectIDs = make([]string, 0, len(projects))
		for _, p := range projects {
			q.ProjectIDs = append(q.ProjectIDs, p.ID)
		}
	}
	return s.search.Search(ctx, q), nil
}

// ExportVersion renders a version and its threads as a PDF.
func (s *Service) ExportVersion(ctx context.Context, actor rbac.Actor, versionID string) (*export.Result, error) {
	version, doc, err := s.loadVersion(ctx, actor, versionID)
	if err != nil {
		return nil, err
	}
	project, err := s.loadProject(ctx, doc.ProjectID)
	if err != nil {
		return nil, err
	}
	all, err := s.store.ListComments(ctx, version.ID)
	if err != nil {
		return nil, err
	}

	in := export.Input{
		DocumentTitle: doc.Title,
		Category:      doc.Category,
		ProjectName:   project.Name,
		Status:        doc.Status,
		VersionNumber: version.VersionNumber,
		ChangeLog:     version.ChangeLog,
		CreatedAt:     version.CreatedAt,
		Text:          version.TextContent,
		Threads:       exportThreads(comments.BuildThreads(all, nil)),
	}
	if version.HTMLContent != nil {
		in.HTML = *version.HTMLContent
	}
	author, err := s.store.GetUserByID(ctx, version.CreatedByID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	in.Author = author.Name

	result, err := s.exporter.Export(ctx, in)
	if errors.Is(err, export.ErrPDFDependencyMissing) {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "PDF export is not available on this server", nil)
	}
	return result, err
}

func exportThreads(threads []comments.Thread) []export.Thread {
	out := make([]export.Thread, 0, len(threads))
	for _, t := range threads {
		thread := export.Thread{
			LineNumber: t.LineNumber,
			Author:     t.AuthorName,
			Content:    t.Content,
			Resolved:   t.Resolved,
			CreatedAt:  t.CreatedAt,
		}
		for _, r := range t.Replies {
			thread.Replies = append(thread.Replies, export.Reply{Author: r.AuthorName, Content: r.Content, CreatedAt: r.CreatedAt})
		}
		out = append(out, thread)
	}
	return out
}

// History returns the document's archive log, newest first. It is empty when
// the archive is disabled.
func (s *Service) History(ctx context.Context, actor rbac.Actor, documentID string, limit int) ([]archive.Commit, error) {
	if !actor.Authenticated() {
		return nil, unauthorized()
	}
	doc, err := s.loadDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireView(ctx, actor, doc.ProjectID); err != nil {
		return nil, err
	}
	if s.archive == nil {
		return []archive.Commit{}, nil
	}
	return s.archive.History(doc.ID, limit)
}

// SeedResult reports what Seed created.
type SeedResult struct {
	AdminCreated   bool
	ProjectCreated bool
}

const (
	seedAdminEmail = "admin@dms.com"
	seedAdminName  = "Admin User"
)

// Seed creates the bootstrap admin and, on an empty database, a sample
// project with one Draft document. Running it again changes nothing.
func (s *Service) Seed(ctx context.Context, adminPassword string) (SeedResult, error) {
	var result SeedResult
	admin, err := s.store.GetUserByEmail(ctx, seedAdminEmail)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		admin, err = s.createUser(ctx, UserInput{
			Email:      seedAdminEmail,
			Name:       seedAdminName,
			Password:   adminPassword,
			SystemRole: string(rbac.SystemAdmin),
		})
		if err != nil {
			return result, err
		}
		result.AdminCreated = true
	case err != nil:
		return result, err
	}

	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		return result, err
	}
	if len(projects) > 0 {
		return result, nil
	}

	actor := rbac.Actor{UserID: admin.ID, Name: admin.Name, Role: rbac.SystemAdmin}
	client := "Seed Client"
	project, err := s.CreateProject(ctx, actor, ProjectInput{Name: "Seed Project", ClientName: &client})
	if err != nil {
		return result, err
	}
	description := "Sample document created by seed"
	if _, err := s.insertDocument(ctx, actor, project.ID, DocumentInput{
		Title:       "Seed Document",
		Category:    "Technical",
		Description: &description,
	}); err != nil {
		return result, err
	}
	result.ProjectCreated = true
	return result, nil
}
