package search

import (
	"context"

	"go.uber.org/zap"
)

// Service tries Meilisearch first and falls back to the database.
type Service struct {
	meili    *Meili
	fallback Searcher
	logger   *zap.Logger
}

// NewService creates a search service. meili may be nil.
func NewService(meili *Meili, fallback Searcher, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{meili: meili, fallback: fallback, logger: logger.Named("search")}
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: len(results), Query: q.Text}
		}
		s.logger.Warn("meilisearch error, falling back to database", zap.Error(err))
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("fallback search failed", zap.Error(err))
		return Response{Results: []Result{}, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: len(results), Query: q.Text}
}

func (s *Service) indexing() bool {
	return s.meili != nil && s.meili.Healthy()
}

// IndexDocument indexes a document without blocking the caller.
func (s *Service) IndexDocument(doc DocumentRecord) {
	if !s.indexing() {
		return
	}
	go func() {
		if err := s.meili.IndexDocument(doc); err != nil {
			s.logger.Warn("index document", zap.String("document_id", doc.ID), zap.Error(err))
		}
	}()
}

// IndexComment indexes a review comment without blocking the caller.
func (s *Service) IndexComment(c CommentRecord) {
	if !s.indexing() {
		return
	}
	go func() {
		if err := s.meili.IndexComment(c); err != nil {
			s.logger.Warn("index comment", zap.String("comment_id", c.ID), zap.Error(err))
		}
	}()
}

// DeleteDocuments removes documents from the index without blocking the caller.
func (s *Service) DeleteDocuments(ids []string) {
	if !s.indexing() || len(ids) == 0 {
		return
	}
	go func() {
		for _, id := range ids {
			if err := s.meili.DeleteDocument(id); err != nil {
				s.logger.Warn("delete document from index", zap.String("document_id", id), zap.Error(err))
			}
		}
	}()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
