package store

import "errors"

var (
	// ErrVersionConflict reports a (doc_id, version_number) collision.
	ErrVersionConflict = errors.New("version number conflict")
	// ErrStaleStatus reports that a document left the expected status before
	// a transition could be applied.
	ErrStaleStatus = errors.New("document status changed concurrently")
	// ErrDuplicateMember reports an existing (project_id, user_id) membership.
	ErrDuplicateMember = errors.New("project member already exists")
	ErrDuplicateEmail  = errors.New("email already registered")
)

// VersionBuilder fills in a version once its number has been allocated. It
// runs inside the numbering transaction; returning an error aborts it.
type VersionBuilder func(doc Document, number int) (DocVersion, error)
