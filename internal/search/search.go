package search

import "context"

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultDocument ResultType = "document"
	ResultComment  ResultType = "comment"
)

const defaultLimit = 20

// Result is a single search hit returned to the caller.
type Result struct {
	Type       ResultType `json:"type"`
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Snippet    string     `json:"snippet"`
	DocumentID string     `json:"documentId"`
	ProjectID  string     `json:"projectId"`
	VersionID  string     `json:"versionId,omitempty"`
}

// Query describes a search request. A nil ProjectIDs searches every
// project; an empty non-nil slice matches nothing.
type Query struct {
	Text       string
	ProjectIDs []string
	Limit      int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, error)
}

// DocumentRecord is the data we index for a document.
type DocumentRecord struct {
	ID          string `json:"id"`
	ProjectID   string `json:"projectId"`
	Title       string `json:"title"`
	Category    string `json:"category"`
	Description string `json:"description"`
	Status      string `json:"status"`
}

// CommentRecord is the data we index for a review comment.
type CommentRecord struct {
	ID            string `json:"id"`
	ProjectID     string `json:"projectId"`
	DocumentID    string `json:"documentId"`
	DocumentTitle string `json:"documentTitle"`
	VersionID     string `json:"versionId"`
	Content       string `json:"content"`
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return defaultLimit
	}
	return q.Limit
}

func (q Query) allows(projectID string) bool {
	if q.ProjectIDs == nil {
		return true
	}
	for _, id := range q.ProjectIDs {
		if id == projectID {
			return true
		}
	}
	return false
}
