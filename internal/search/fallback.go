package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/sufyansidqy/dms/internal/store"
)

// FallbackStore is implemented by both relational stores.
type FallbackStore interface {
	SearchDocuments(ctx context.Context, text string, limit int) ([]store.DocumentHit, error)
	SearchComments(ctx context.Context, text string, limit int) ([]store.CommentHit, error)
}

// StoreSearcher answers queries from the primary database when Meilisearch
// is not configured or unhealthy.
type StoreSearcher struct {
	store FallbackStore
}

func NewStoreSearcher(s FallbackStore) *StoreSearcher {
	return &StoreSearcher{store: s}
}

func (s *StoreSearcher) Search(ctx context.Context, q Query) ([]Result, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, nil
	}
	// Project filtering happens after the query, so over-fetch.
	fetch := q.limit() * 4

	docs, err := s.store.SearchDocuments(ctx, text, fetch)
	if err != nil {
		return nil, fmt.Errorf("fallback document search: %w", err)
	}
	comments, err := s.store.SearchComments(ctx, text, fetch)
	if err != nil {
		return nil, fmt.Errorf("fallback comment search: %w", err)
	}

	results := make([]Result, 0, len(docs)+len(comments))
	for _, d := range docs {
		if !q.allows(d.ProjectID) {
			continue
		}
		results = append(results, Result{Type: ResultDocument, ID: d.ID, Title: d.Title, Snippet: d.Snippet, DocumentID: d.ID, ProjectID: d.ProjectID})
	}
	for _, c := range comments {
		if !q.allows(c.ProjectID) {
			continue
		}
		results = append(results, Result{Type: ResultComment, ID: c.ID, Title: c.Title, Snippet: c.Snippet, DocumentID: c.DocumentID, ProjectID: c.ProjectID, VersionID: c.DocVersionID})
	}
	if len(results) > q.limit() {
		results = results[:q.limit()]
	}
	return results, nil
}
