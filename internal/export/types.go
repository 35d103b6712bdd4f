// Package export renders a document version with its review threads to PDF.
package export

import (
	"errors"
	"time"
)

// Input is everything needed to render one version.
type Input struct {
	DocumentTitle string
	Category      string
	ProjectName   string
	Status        string
	VersionNumber int
	ChangeLog     string
	Author        string
	CreatedAt     time.Time
	HTML          string
	Text          string
	Threads       []Thread
}

// Thread is a root comment and its replies.
type Thread struct {
	LineNumber *int
	Author     string
	Content    string
	Resolved   bool
	CreatedAt  time.Time
	Replies    []Reply
}

type Reply struct {
	Author    string
	Content   string
	CreatedAt time.Time
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrPDFDependencyMissing indicates no Chromium binary is available.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)
