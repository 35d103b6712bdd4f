// Package comments arranges review comments into one-level threads.
package comments

import (
	"errors"
	"sort"

	"github.com/sufyansidqy/dms/internal/store"
)

var (
	ErrParentVersionMismatch = errors.New("parent comment belongs to a different version")
	ErrNestedReply           = errors.New("replies can only be added to top-level comments")
)

// Thread is a root comment and its replies.
type Thread struct {
	store.Comment
	Replies []store.Comment `json:"replies"`
}

// BuildThreads groups comments under their roots. Roots are ordered newest
// first, replies oldest first. When line is set only roots anchored to that
// line are kept, together with all of their replies. Replies whose root is
// absent are dropped.
func BuildThreads(all []store.Comment, line *int) []Thread {
	replies := make(map[string][]store.Comment)
	roots := make([]store.Comment, 0)
	for _, c := range all {
		if c.ParentID == nil {
			if line != nil && (c.LineNumber == nil || *c.LineNumber != *line) {
				continue
			}
			roots = append(roots, c)
			continue
		}
		replies[*c.ParentID] = append(replies[*c.ParentID], c)
	}

	sort.SliceStable(roots, func(i, j int) bool {
		if roots[i].CreatedAt.Equal(roots[j].CreatedAt) {
			return roots[i].ID > roots[j].ID
		}
		return roots[i].CreatedAt.After(roots[j].CreatedAt)
	})

	threads := make([]Thread, 0, len(roots))
	for _, root := range roots {
		children := replies[root.ID]
		sort.SliceStable(children, func(i, j int) bool {
			if children[i].CreatedAt.Equal(children[j].CreatedAt) {
				return children[i].ID < children[j].ID
			}
			return children[i].CreatedAt.Before(children[j].CreatedAt)
		})
		if children == nil {
			children = []store.Comment{}
		}
		threads = append(threads, Thread{Comment: root, Replies: children})
	}
	return threads
}

// ValidateParent checks that parent can accept a reply on versionID.
func ValidateParent(parent store.ReviewComment, versionID string) error {
	if parent.DocVersionID != versionID {
		return ErrParentVersionMismatch
	}
	if parent.ParentID != nil {
		return ErrNestedReply
	}
	return nil
}

// Open counts unresolved root comments.
func Open(threads []Thread) int {
	count := 0
	for _, t := range threads {
		if !t.Resolved {
			count++
		}
	}
	return count
}
