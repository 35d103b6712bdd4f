package app

import (
	"archive/zip"
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sufyansidqy/dms/internal/archive"
	"github.com/sufyansidqy/dms/internal/auth"
	"github.com/sufyansidqy/dms/internal/blob"
	"github.com/sufyansidqy/dms/internal/export"
	"github.com/sufyansidqy/dms/internal/rbac"
	"github.com/sufyansidqy/dms/internal/store"
	"github.com/sufyansidqy/dms/internal/util"
	"github.com/sufyansidqy/dms/internal/workflow"
)

// fakeStore runs against a real sqlite store; the xxxFn hooks replace single
// methods to simulate races.
type fakeStore struct {
	*store.GormStore
	createVersionFn      func(ctx context.Context, documentID string, build store.VersionBuilder) (store.DocVersion, error)
	transitionDocumentFn func(ctx context.Context, t store.Transition) error
}

func (f *fakeStore) CreateVersion(ctx context.Context, documentID string, build store.VersionBuilder) (store.DocVersion, error) {
	if f.createVersionFn != nil {
		return f.createVersionFn(ctx, documentID, build)
	}
	return f.GormStore.CreateVersion(ctx, documentID, build)
}

func (f *fakeStore) TransitionDocument(ctx context.Context, t store.Transition) error {
	if f.transitionDocumentFn != nil {
		return f.transitionDocumentFn(ctx, t)
	}
	return f.GormStore.TransitionDocument(ctx, t)
}

// steppingClock advances one second per reading.
type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type harness struct {
	svc      *Service
	store    *fakeStore
	rendered []string

	admin    rbac.Actor
	creator  rbac.Actor
	reviewer rbac.Actor
	viewer   rbac.Actor
	outsider rbac.Actor
	project  store.Project
}

func newHarness(t *testing.T, configure func(*ServiceConfig)) *harness {
	t.Helper()
	dir := t.TempDir()
	db, err := store.OpenSQLite(filepath.Join(dir, "dms.db"), nil)
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	blobs, err := blob.NewLocalStore(filepath.Join(dir, "uploads"))
	if err != nil {
		t.Fatalf("NewLocalStore() error = %v", err)
	}
	clock := &steppingClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte("test-secret"), Clock: clock.Now})
	if err != nil {
		t.Fatalf("NewTokenIssuer() error = %v", err)
	}

	h := &harness{store: &fakeStore{GormStore: store.NewGormStore(db)}}
	cfg := ServiceConfig{
		Store:   h.store,
		Blobs:   blobs,
		Tokens:  tokens,
		Archive: archive.New(filepath.Join(dir, "archive")),
		Exporter: export.NewService(func(_ context.Context, html string) ([]byte, error) {
			h.rendered = append(h.rendered, html)
			return []byte("%PDF-1.7"), nil
		}),
		Policy: workflow.DefaultPolicy(),
		Clock:  clock.Now,
	}
	if configure != nil {
		configure(&cfg)
	}
	h.svc, err = New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx := context.Background()
	h.admin = h.addUser(t, "admin@dms.test", "Avery Admin", rbac.SystemAdmin)
	h.creator = h.addUser(t, "creator@dms.test", "Casey Creator", rbac.SystemUser)
	h.reviewer = h.addUser(t, "reviewer@dms.test", "Robin Reviewer", rbac.SystemUser)
	h.viewer = h.addUser(t, "viewer@dms.test", "Vic Viewer", rbac.SystemUser)
	h.outsider = h.addUser(t, "outsider@dms.test", "Oz Outsider", rbac.SystemUser)

	h.project, err = h.svc.CreateProject(ctx, h.admin, ProjectInput{Name: "Bridge Retrofit"})
	if err != nil {
		t.Fatalf("CreateProject() error = %v", err)
	}
	h.addMember(t, h.project.ID, h.creator, rbac.ProjectCreator)
	h.addMember(t, h.project.ID, h.reviewer, rbac.ProjectReviewer)
	h.addMember(t, h.project.ID, h.viewer, rbac.ProjectViewer)
	return h
}

func (h *harness) addUser(t *testing.T, email, name string, role rbac.SystemRole) rbac.Actor {
	t.Helper()
	user := store.User{ID: util.NewID("usr"), Email: email, Name: name, SystemRole: string(role), CreatedAt: time.Now().UTC()}
	if err := h.store.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("CreateUser(%s) error = %v", email, err)
	}
	return rbac.Actor{UserID: user.ID, Name: name, Role: role}
}

func (h *harness) addMember(t *testing.T, projectID string, actor rbac.Actor, role rbac.ProjectRole) {
	t.Helper()
	if _, err := h.svc.AddMember(context.Background(), h.admin, projectID, MemberInput{UserID: actor.UserID, Role: string(role)}); err != nil {
		t.Fatalf("AddMember(%s) error = %v", actor.Name, err)
	}
}

func (h *harness) createDocument(t *testing.T, title, content string) DocumentView {
	t.Helper()
	view, err := h.svc.CreateDocument(context.Background(), h.creator, h.project.ID, DocumentInput{Title: title, Category: "Technical", Content: content})
	if err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}
	return view
}

func (h *harness) transition(t *testing.T, actor rbac.Actor, documentID string, trigger workflow.Trigger) TransitionResult {
	t.Helper()
	result, err := h.svc.Transition(context.Background(), actor, documentID, trigger, TransitionInput{})
	if err != nil {
		t.Fatalf("Transition(%s) error = %v", trigger, err)
	}
	return result
}

func expectCode(t *testing.T, err error, code string) {
	t.Helper()
	if !IsCode(err, code) {
		t.Fatalf("expected %s, got %v", code, err)
	}
}

func intPtr(v int) *int          { return &v }
func stringPtr(v string) *string { return &v }

const wordNamespace = `xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"`

// buildDocx returns a minimal Word document with one paragraph per entry.
func buildDocx(t *testing.T, paragraphs ...string) []byte {
	t.Helper()
	var body bytes.Buffer
	for _, p := range paragraphs {
		body.WriteString(`<w:p><w:r><w:t>` + p + `</w:t></w:r></w:p>`)
	}
	var buf bytes.Buffer
	writer := zip.NewWriter(&buf)
	part, err := writer.Create("word/document.xml")
	if err != nil {
		t.Fatalf("create document part: %v", err)
	}
	xmlBody := `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` +
		`<w:document ` + wordNamespace + `><w:body>` + body.String() + `</w:body></w:document>`
	if _, err := part.Write([]byte(xmlBody)); err != nil {
		t.Fatalf("write document part: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}
