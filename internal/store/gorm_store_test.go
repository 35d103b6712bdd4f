package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"
)

func newTestGormStore(t *testing.T) *GormStore {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "dms.db"), nil)
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return NewGormStore(db)
}

type fixture struct {
	user    User
	project Project
	doc     Document
}

func seedFixture(t *testing.T, s *GormStore) fixture {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	user := User{ID: "usr_1", Email: "Author@Example.com", Name: "Author", SystemRole: "User", CreatedAt: now}
	if err := s.CreateUser(ctx, user); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	project := Project{ID: "prj_1", Name: "Bridge", Status: "Active", CreatedAt: now, UpdatedAt: now}
	if err := s.CreateProject(ctx, project); err != nil {
		t.Fatalf("CreateProject() error = %v", err)
	}
	doc := Document{ID: "doc_1", ProjectID: project.ID, Title: "Load Calculations", Category: "Technical", Status: "Draft", CreatedByID: user.ID, CreatedAt: now, UpdatedAt: now}
	if err := s.CreateDocument(ctx, doc); err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}
	return fixture{user: user, project: project, doc: doc}
}

func textVersion(authorID, text string) VersionBuilder {
	return func(doc Document, number int) (DocVersion, error) {
		return DocVersion{
			ID:          fmt.Sprintf("ver_%s_%d", doc.ID, number),
			TextContent: text,
			ChangeLog:   fmt.Sprintf("Version %d", number),
			CreatedByID: authorID,
			CreatedAt:   time.Now().UTC(),
		}, nil
	}
}

func TestGormStoreCreateVersionNumbersSequentially(t *testing.T) {
	s := newTestGormStore(t)
	f := seedFixture(t, s)
	ctx := context.Background()

	for want := 1; want <= 3; want++ {
		v, err := s.CreateVersion(ctx, f.doc.ID, textVersion(f.user.ID, "body"))
		if err != nil {
			t.Fatalf("CreateVersion() error = %v", err)
		}
		if v.VersionNumber != want {
			t.Fatalf("expected version %d, got %d", want, v.VersionNumber)
		}
		doc, err := s.GetDocument(ctx, f.doc.ID)
		if err != nil {
			t.Fatalf("GetDocument() error = %v", err)
		}
		if doc.CurrentVersionID == nil || *doc.CurrentVersionID != v.ID {
			t.Fatalf("expected current version %s, got %v", v.ID, doc.CurrentVersionID)
		}
	}

	versions, err := s.ListVersions(ctx, f.doc.ID)
	if err != nil {
		t.Fatalf("ListVersions() error = %v", err)
	}
	if len(versions) != 3 || versions[0].VersionNumber != 1 || versions[2].VersionNumber != 3 {
		t.Fatalf("unexpected versions %+v", versions)
	}
}

func TestGormStoreConcurrentCreateVersionIsGapFree(t *testing.T) {
	s := newTestGormStore(t)
	f := seedFixture(t, s)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := s.CreateVersion(ctx, f.doc.ID, textVersion(f.user.ID, "base")); err != nil {
			t.Fatalf("CreateVersion() error = %v", err)
		}
	}

	var wg sync.WaitGroup
	numbers := make([]int, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := s.CreateVersion(ctx, f.doc.ID, textVersion(f.user.ID, fmt.Sprintf("edit %d", i)))
			numbers[i], errs[i] = v.VersionNumber, err
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			t.Fatalf("concurrent CreateVersion() error = %v", err)
		}
	}
	sort.Ints(numbers)
	if numbers[0] != 3 || numbers[1] != 4 {
		t.Fatalf("expected versions 3 and 4, got %v", numbers)
	}

	doc, err := s.GetDocument(ctx, f.doc.ID)
	if err != nil {
		t.Fatalf("GetDocument() error = %v", err)
	}
	current, err := s.GetVersion(ctx, *doc.CurrentVersionID)
	if err != nil {
		t.Fatalf("GetVersion() error = %v", err)
	}
	if current.VersionNumber != 4 {
		t.Fatalf("expected current version 4, got %d", current.VersionNumber)
	}
}

func TestGormStoreCreateVersionBuilderErrorRollsBack(t *testing.T) {
	s := newTestGormStore(t)
	f := seedFixture(t, s)
	ctx := context.Background()
	boom := errors.New("blob write failed")

	_, err := s.CreateVersion(ctx, f.doc.ID, func(Document, int) (DocVersion, error) {
		return DocVersion{}, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected builder error, got %v", err)
	}
	versions, err := s.ListVersions(ctx, f.doc.ID)
	if err != nil {
		t.Fatalf("ListVersions() error = %v", err)
	}
	if len(versions) != 0 {
		t.Fatalf("expected no versions, got %d", len(versions))
	}
}

func TestGormStoreCreateVersionUnknownDocument(t *testing.T) {
	s := newTestGormStore(t)
	_, err := s.CreateVersion(context.Background(), "doc_missing", textVersion("usr_1", "x"))
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestGormStoreTransitionIsGuardedByStatus(t *testing.T) {
	s := newTestGormStore(t)
	f := seedFixture(t, s)
	ctx := context.Background()

	v, err := s.CreateVersion(ctx, f.doc.ID, textVersion(f.user.ID, "body"))
	if err != nil {
		t.Fatalf("CreateVersion() error = %v", err)
	}
	if err := s.TransitionDocument(ctx, Transition{DocumentID: f.doc.ID, From: "Draft", To: "Pending"}); err != nil {
		t.Fatalf("TransitionDocument() error = %v", err)
	}

	approval := &Approval{ID: "apr_1", DocVersionID: v.ID, ApproverID: f.user.ID, Status: "Approved", DecisionDate: time.Now().UTC()}
	if err := s.TransitionDocument(ctx, Transition{DocumentID: f.doc.ID, From: "Pending", To: "Approved", Approval: approval}); err != nil {
		t.Fatalf("TransitionDocument() error = %v", err)
	}

	stale := &Approval{ID: "apr_2", DocVersionID: v.ID, ApproverID: f.user.ID, Status: "Rejected", DecisionDate: time.Now().UTC()}
	err = s.TransitionDocument(ctx, Transition{DocumentID: f.doc.ID, From: "Pending", To: "Rejected", Approval: stale})
	if !errors.Is(err, ErrStaleStatus) {
		t.Fatalf("expected ErrStaleStatus, got %v", err)
	}

	decisions, err := s.ListApprovals(ctx, f.doc.ID)
	if err != nil {
		t.Fatalf("ListApprovals() error = %v", err)
	}
	if len(decisions) != 1 || decisions[0].ID != "apr_1" || decisions[0].VersionNumber != 1 || decisions[0].ApproverName != "Author" {
		t.Fatalf("unexpected decisions %+v", decisions)
	}
}

func TestGormStoreDecisionRequiresCurrentVersion(t *testing.T) {
	s := newTestGormStore(t)
	f := seedFixture(t, s)
	ctx := context.Background()

	v1, err := s.CreateVersion(ctx, f.doc.ID, textVersion(f.user.ID, "first"))
	if err != nil {
		t.Fatalf("CreateVersion(v1) error = %v", err)
	}
	if err := s.TransitionDocument(ctx, Transition{DocumentID: f.doc.ID, From: "Draft", To: "Pending"}); err != nil {
		t.Fatalf("TransitionDocument() error = %v", err)
	}
	v2, err := s.CreateVersion(ctx, f.doc.ID, textVersion(f.user.ID, "second"))
	if err != nil {
		t.Fatalf("CreateVersion(v2) error = %v", err)
	}

	outdated := &Approval{ID: "apr_old", DocVersionID: v1.ID, ApproverID: f.user.ID, Status: "Approved", DecisionDate: time.Now().UTC()}
	err = s.TransitionDocument(ctx, Transition{DocumentID: f.doc.ID, From: "Pending", To: "Approved", Approval: outdated})
	if !errors.Is(err, ErrStaleStatus) {
		t.Fatalf("expected ErrStaleStatus for a superseded version, got %v", err)
	}

	at := time.Date(2024, 6, 2, 8, 30, 0, 0, time.UTC)
	current := &Approval{ID: "apr_new", DocVersionID: v2.ID, ApproverID: f.user.ID, Status: "Approved", DecisionDate: at}
	if err := s.TransitionDocument(ctx, Transition{DocumentID: f.doc.ID, From: "Pending", To: "Approved", Approval: current, At: at}); err != nil {
		t.Fatalf("TransitionDocument() error = %v", err)
	}

	doc, err := s.GetDocument(ctx, f.doc.ID)
	if err != nil {
		t.Fatalf("GetDocument() error = %v", err)
	}
	if doc.Status != "Approved" || !doc.UpdatedAt.Equal(at) {
		t.Fatalf("unexpected document %+v", doc)
	}
	decisions, err := s.ListApprovals(ctx, f.doc.ID)
	if err != nil {
		t.Fatalf("ListApprovals() error = %v", err)
	}
	if len(decisions) != 1 || decisions[0].ID != "apr_new" || decisions[0].VersionNumber != 2 {
		t.Fatalf("unexpected decisions %+v", decisions)
	}
}

func TestGormStoreDeleteDocumentCascades(t *testing.T) {
	s := newTestGormStore(t)
	f := seedFixture(t, s)
	ctx := context.Background()

	v, err := s.CreateVersion(ctx, f.doc.ID, textVersion(f.user.ID, "body"))
	if err != nil {
		t.Fatalf("CreateVersion() error = %v", err)
	}
	comment := ReviewComment{ID: "cmt_1", DocVersionID: v.ID, AuthorID: f.user.ID, Content: "note", CreatedAt: time.Now().UTC()}
	if err := s.InsertComment(ctx, comment); err != nil {
		t.Fatalf("InsertComment() error = %v", err)
	}

	if err := s.DeleteDocument(ctx, f.doc.ID); err != nil {
		t.Fatalf("DeleteDocument() error = %v", err)
	}
	if _, err := s.GetDocument(ctx, f.doc.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected document gone, got %v", err)
	}
	if _, err := s.GetVersion(ctx, v.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected version gone, got %v", err)
	}
	if _, err := s.GetComment(ctx, comment.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected comment gone, got %v", err)
	}
	if err := s.DeleteDocument(ctx, f.doc.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows on second delete, got %v", err)
	}
}

func TestGormStoreMembers(t *testing.T) {
	s := newTestGormStore(t)
	f := seedFixture(t, s)
	ctx := context.Background()

	member := ProjectMember{ID: "mem_1", ProjectID: f.project.ID, UserID: f.user.ID, Role: "Reviewer", CreatedAt: time.Now().UTC()}
	if err := s.AddMember(ctx, member); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}
	member.ID = "mem_2"
	if err := s.AddMember(ctx, member); !errors.Is(err, ErrDuplicateMember) {
		t.Fatalf("expected ErrDuplicateMember, got %v", err)
	}

	role, err := s.GetMemberRole(ctx, f.project.ID, f.user.ID)
	if err != nil || role != "Reviewer" {
		t.Fatalf("GetMemberRole() = %q, %v", role, err)
	}
	if role, err := s.GetMemberRole(ctx, f.project.ID, "usr_other"); err != nil || role != "" {
		t.Fatalf("expected no role for non-member, got %q, %v", role, err)
	}

	members, err := s.ListMembers(ctx, f.project.ID)
	if err != nil {
		t.Fatalf("ListMembers() error = %v", err)
	}
	if len(members) != 1 || members[0].UserEmail != "author@example.com" || members[0].UserName != "Author" {
		t.Fatalf("unexpected members %+v", members)
	}

	projects, err := s.ListProjectsForUser(ctx, f.user.ID)
	if err != nil || len(projects) != 1 {
		t.Fatalf("ListProjectsForUser() = %+v, %v", projects, err)
	}

	if err := s.RemoveMember(ctx, f.project.ID, "mem_1"); err != nil {
		t.Fatalf("RemoveMember() error = %v", err)
	}
	if err := s.RemoveMember(ctx, f.project.ID, "mem_1"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestGormStoreCommentsAndResolve(t *testing.T) {
	s := newTestGormStore(t)
	f := seedFixture(t, s)
	ctx := context.Background()

	v, err := s.CreateVersion(ctx, f.doc.ID, textVersion(f.user.ID, "one\ntwo"))
	if err != nil {
		t.Fatalf("CreateVersion() error = %v", err)
	}
	line := 2
	root := ReviewComment{ID: "cmt_1", DocVersionID: v.ID, AuthorID: f.user.ID, Content: "Check this", LineNumber: &line, CreatedAt: time.Now().UTC()}
	if err := s.InsertComment(ctx, root); err != nil {
		t.Fatalf("InsertComment() error = %v", err)
	}
	reply := ReviewComment{ID: "cmt_2", DocVersionID: v.ID, AuthorID: f.user.ID, Content: "Done", ParentID: &root.ID, CreatedAt: time.Now().UTC().Add(time.Second)}
	if err := s.InsertComment(ctx, reply); err != nil {
		t.Fatalf("InsertComment() error = %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := s.ResolveComment(ctx, root.ID); err != nil {
			t.Fatalf("ResolveComment() pass %d error = %v", i, err)
		}
	}
	if err := s.ResolveComment(ctx, "cmt_missing"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}

	comments, err := s.ListComments(ctx, v.ID)
	if err != nil {
		t.Fatalf("ListComments() error = %v", err)
	}
	if len(comments) != 2 {
		t.Fatalf("expected 2 comments, got %d", len(comments))
	}
	if !comments[0].Resolved || comments[0].LineNumber == nil || *comments[0].LineNumber != 2 || comments[0].AuthorName != "Author" {
		t.Fatalf("unexpected root %+v", comments[0])
	}
	if comments[1].ParentID == nil || *comments[1].ParentID != root.ID || comments[1].Resolved {
		t.Fatalf("unexpected reply %+v", comments[1])
	}

	hits, err := s.SearchComments(ctx, "check", 10)
	if err != nil || len(hits) != 1 || hits[0].DocumentID != f.doc.ID {
		t.Fatalf("SearchComments() = %+v, %v", hits, err)
	}
}

func TestGormStoreDeleteProjectCascades(t *testing.T) {
	s := newTestGormStore(t)
	f := seedFixture(t, s)
	ctx := context.Background()

	v, err := s.CreateVersion(ctx, f.doc.ID, textVersion(f.user.ID, "body"))
	if err != nil {
		t.Fatalf("CreateVersion() error = %v", err)
	}
	if err := s.InsertComment(ctx, ReviewComment{ID: "cmt_1", DocVersionID: v.ID, AuthorID: f.user.ID, Content: "x", CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("InsertComment() error = %v", err)
	}

	if err := s.DeleteProject(ctx, f.project.ID); err != nil {
		t.Fatalf("DeleteProject() error = %v", err)
	}
	if _, err := s.GetDocument(ctx, f.doc.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected document to be deleted, got %v", err)
	}
	if _, err := s.GetVersion(ctx, v.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected version to be deleted, got %v", err)
	}
	if _, err := s.GetComment(ctx, "cmt_1"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected comment to be deleted, got %v", err)
	}
	if err := s.DeleteProject(ctx, f.project.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows on second delete, got %v", err)
	}
}

func TestGormStoreUsers(t *testing.T) {
	s := newTestGormStore(t)
	f := seedFixture(t, s)
	ctx := context.Background()

	dup := f.user
	dup.ID = "usr_2"
	dup.Email = "author@example.com"
	if err := s.CreateUser(ctx, dup); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}

	user, err := s.GetUserByEmail(ctx, "AUTHOR@example.com")
	if err != nil || user.ID != f.user.ID {
		t.Fatalf("GetUserByEmail() = %+v, %v", user, err)
	}
	if err := s.UpdateUserRole(ctx, f.user.ID, "Admin"); err != nil {
		t.Fatalf("UpdateUserRole() error = %v", err)
	}
	if user, _ := s.GetUserByID(ctx, f.user.ID); user.SystemRole != "Admin" {
		t.Fatalf("expected Admin, got %q", user.SystemRole)
	}
	if err := s.UpdateUserRole(ctx, "usr_missing", "Admin"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}
