package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/sufyansidqy/dms/internal/comments"
	"github.com/sufyansidqy/dms/internal/paragraph"
	"github.com/sufyansidqy/dms/internal/rbac"
	"github.com/sufyansidqy/dms/internal/search"
	"github.com/sufyansidqy/dms/internal/store"
	"github.com/sufyansidqy/dms/internal/util"
	"github.com/sufyansidqy/dms/internal/workflow"
	"go.uber.org/zap"
)

type CommentInput struct {
	Content    string  `json:"content"`
	LineNumber *int    `json:"lineNumber"`
	ParentID   *string `json:"parentId"`
}

type TransitionInput struct {
	Comments *string `json:"comments"`
}

// TransitionResult is the document after a transition plus the ledger entry
// it appended, if any.
type TransitionResult struct {
	Document store.Document  `json:"document"`
	From     workflow.Status `json:"from"`
	To       workflow.Status `json:"to"`
	Approval *store.Approval `json:"approval,omitempty"`
}

func (s *Service) ListComments(ctx context.Context, actor rbac.Actor, versionID string, line *int) ([]comments.Thread, error) {
	version, _, err := s.loadVersion(ctx, actor, versionID)
	if err != nil {
		return nil, err
	}
	all, err := s.store.ListComments(ctx, version.ID)
	if err != nil {
		return nil, err
	}
	return comments.BuildThreads(all, line), nil
}

// AddComment anchors a comment to a version line. A reply must target a root
// comment of the same version.
func (s *Service) AddComment(ctx context.Context, actor rbac.Actor, versionID string, in CommentInput) (store.Comment, error) {
	if !actor.Authenticated() {
		return store.Comment{}, unauthorized()
	}
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return store.Comment{}, validationError("Invalid input", map[string]string{"content": "cannot be blank"})
	}
	if in.LineNumber != nil && *in.LineNumber < 1 {
		return store.Comment{}, validationError("Invalid input", map[string]string{"lineNumber": "must be at least 1"})
	}

	version, doc, err := s.loadVersion(ctx, actor, versionID)
	if err != nil {
		return store.Comment{}, err
	}
	if in.LineNumber != nil {
		paragraphs, err := versionParagraphs(version)
		if err != nil {
			return store.Comment{}, err
		}
		if !paragraph.Contains(paragraphs, *in.LineNumber) {
			return store.Comment{}, validationError("Invalid input", map[string]string{
				"lineNumber": fmt.Sprintf("line %d does not exist in this version", *in.LineNumber),
			})
		}
	}

	parentID := trimmedOrNil(in.ParentID)
	if parentID != nil {
		parent, err := s.store.GetComment(ctx, *parentID)
		if errors.Is(err, sql.ErrNoRows) {
			return store.Comment{}, notFound("Parent comment not found")
		}
		if err != nil {
			return store.Comment{}, err
		}
		if err := comments.ValidateParent(parent, version.ID); err != nil {
			return store.Comment{}, validationError(err.Error(), nil)
		}
	}

	comment := store.ReviewComment{
		ID:           util.NewID("cmt"),
		DocVersionID: version.ID,
		AuthorID:     actor.UserID,
		Content:      content,
		LineNumber:   in.LineNumber,
		ParentID:     parentID,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.InsertComment(ctx, comment); err != nil {
		return store.Comment{}, err
	}
	s.search.IndexComment(search.CommentRecord{
		ID:            comment.ID,
		ProjectID:     doc.ProjectID,
		DocumentID:    doc.ID,
		DocumentTitle: doc.Title,
		VersionID:     version.ID,
		Content:       comment.Content,
	})
	return store.Comment{ReviewComment: comment, AuthorName: actor.Name}, nil
}

// ResolveComment marks a comment resolved. Resolving twice succeeds.
func (s *Service) ResolveComment(ctx context.Context, actor rbac.Actor, commentID string) (store.ReviewComment, error) {
	if !actor.Authenticated() {
		return store.ReviewComment{}, unauthorized()
	}
	comment, err := s.store.GetComment(ctx, commentID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ReviewComment{}, notFound("Comment not found")
	}
	if err != nil {
		return store.ReviewComment{}, err
	}
	if _, _, err := s.loadVersion(ctx, actor, comment.DocVersionID); err != nil {
		return store.ReviewComment{}, err
	}
	if err := s.store.ResolveComment(ctx, comment.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ReviewComment{}, notFound("Comment not found")
		}
		return store.ReviewComment{}, err
	}
	comment.Resolved = true
	return comment, nil
}

// Transition fires a workflow trigger. The status update is guarded by the
// status it was evaluated against, and a decision also by the version it is
// recorded against. If another writer wins the race the document is re-read
// and evaluated once more.
func (s *Service) Transition(ctx context.Context, actor rbac.Actor, documentID string, trigger workflow.Trigger, in TransitionInput) (TransitionResult, error) {
	if !actor.Authenticated() {
		return TransitionResult{}, unauthorized()
	}

	for attempt := 1; attempt <= 2; attempt++ {
		doc, err := s.loadDocument(ctx, documentID)
		if err != nil {
			return TransitionResult{}, err
		}
		access, err := s.projectAccess(ctx, actor, doc.ProjectID)
		if err != nil {
			return TransitionResult{}, err
		}
		rejected, err := s.currentVersionRejected(ctx, doc)
		if err != nil {
			return TransitionResult{}, err
		}

		from := workflow.Status(doc.Status)
		outcome, err := s.policy.Evaluate(workflow.Request{
			From:                   from,
			Trigger:                trigger,
			Access:                 access,
			CurrentVersionRejected: rejected,
		})
		if err != nil {
			return TransitionResult{}, transitionError(err, from, trigger)
		}

		now := s.now().UTC()
		t := store.Transition{DocumentID: doc.ID, From: string(outcome.From), To: string(outcome.To), At: now}
		if outcome.Decision != workflow.DecisionNone {
			if doc.CurrentVersionID == nil {
				return TransitionResult{}, notFound("Document or current version not found")
			}
			t.Approval = &store.Approval{
				ID:           util.NewID("apr"),
				DocVersionID: *doc.CurrentVersionID,
				ApproverID:   actor.UserID,
				Status:       string(outcome.Decision),
				Comments:     trimmedOrNil(in.Comments),
				DecisionDate: now,
			}
		}

		err = s.store.TransitionDocument(ctx, t)
		if errors.Is(err, store.ErrStaleStatus) {
			s.logger.Info("transition raced", zap.String("document_id", doc.ID), zap.String("trigger", string(trigger)), zap.Int("attempt", attempt))
			continue
		}
		if errors.Is(err, sql.ErrNoRows) {
			return TransitionResult{}, notFound("Document not found")
		}
		if err != nil {
			return TransitionResult{}, err
		}

		doc.Status = string(outcome.To)
		doc.UpdatedAt = now
		s.indexDocument(doc)
		s.logger.Info("document transitioned",
			zap.String("document_id", doc.ID),
			zap.String("from", string(outcome.From)),
			zap.String("to", string(outcome.To)),
			zap.String("user_id", actor.UserID),
		)
		return TransitionResult{Document: doc, From: outcome.From, To: outcome.To, Approval: t.Approval}, nil
	}
	return TransitionResult{}, conflict("Document status changed concurrently, please retry")
}

func transitionError(err error, from workflow.Status, trigger workflow.Trigger) error {
	switch {
	case errors.Is(err, workflow.ErrInvalidTransition):
		return invalidTransition(
			fmt.Sprintf("Cannot %s a document in %s status", trigger, from),
			map[string]any{"status": from, "trigger": trigger, "allowed": workflow.Triggers(from)},
		)
	case errors.Is(err, workflow.ErrUnauthorized):
		return forbidden(fmt.Sprintf("You are not allowed to %s this document", trigger))
	case errors.Is(err, workflow.ErrNewVersionNeeded):
		return invalidTransition("Upload a new version before resubmitting a rejected document", map[string]any{"status": from, "trigger": trigger})
	default:
		return err
	}
}

// currentVersionRejected reports whether the current version carries a
// rejection in the approval ledger.
func (s *Service) currentVersionRejected(ctx context.Context, doc store.Document) (bool, error) {
	if !s.policy.RequireNewVersionAfterReject || doc.CurrentVersionID == nil {
		return false, nil
	}
	decisions, err := s.store.ListApprovals(ctx, doc.ID)
	if err != nil {
		return false, err
	}
	for _, d := range decisions {
		if d.DocVersionID == *doc.CurrentVersionID && d.Status == string(workflow.DecisionRejected) {
			return true, nil
		}
	}
	return false, nil
}

// ListApprovals returns every decision on the document, newest first.
func (s *Service) ListApprovals(ctx context.Context, actor rbac.Actor, documentID string) ([]store.Decision, error) {
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
	return s.store.ListApprovals(ctx, doc.ID)
}
