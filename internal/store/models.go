package store

import "time"

type User struct {
	ID           string    `json:"id" gorm:"primaryKey;size:64"`
	Email        string    `json:"email" gorm:"size:320;uniqueIndex;not null"`
	Name         string    `json:"name" gorm:"not null"`
	SystemRole   string    `json:"systemRole" gorm:"size:16;not null"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

type Project struct {
	ID         string    `json:"id" gorm:"primaryKey;size:64"`
	Name       string    `json:"name" gorm:"not null"`
	ClientName *string   `json:"clientName"`
	Status     string    `json:"status" gorm:"size:16;not null"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type ProjectMember struct {
	ID        string    `json:"id" gorm:"primaryKey;size:64"`
	ProjectID string    `json:"projectId" gorm:"size:64;not null;uniqueIndex:idx_project_members_project_user"`
	UserID    string    `json:"userId" gorm:"size:64;not null;uniqueIndex:idx_project_members_project_user"`
	Role      string    `json:"role" gorm:"size:16;not null"`
	CreatedAt time.Time `json:"createdAt"`
}

// Member is a project membership joined with the member's user row.
type Member struct {
	ProjectMember
	UserName  string `json:"userName"`
	UserEmail string `json:"userEmail"`
}

type Document struct {
	ID               string    `json:"id" gorm:"primaryKey;size:64"`
	ProjectID        string    `json:"projectId" gorm:"size:64;not null;index"`
	Title            string    `json:"title" gorm:"not null"`
	Category         string    `json:"category" gorm:"not null"`
	Description      *string   `json:"description"`
	Status           string    `json:"status" gorm:"size:16;not null"`
	CurrentVersionID *string   `json:"currentVersionId" gorm:"size:64"`
	CreatedByID      string    `json:"createdById" gorm:"size:64;not null"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// DocVersion is immutable once inserted.
type DocVersion struct {
	ID            string    `json:"id" gorm:"primaryKey;size:64"`
	DocID         string    `json:"docId" gorm:"size:64;not null;uniqueIndex:idx_doc_versions_doc_number"`
	VersionNumber int       `json:"versionNumber" gorm:"not null;uniqueIndex:idx_doc_versions_doc_number"`
	FilePath      *string   `json:"filePath"`
	FileName      *string   `json:"fileName" gorm:"index"`
	FileMimeType  *string   `json:"fileMimeType"`
	FileSize      *int64    `json:"fileSize"`
	TextContent   string    `json:"textContent"`
	HTMLContent   *string   `json:"htmlContent" gorm:"column:html_content"`
	ChangeLog     string    `json:"changeLog" gorm:"not null"`
	CreatedByID   string    `json:"createdById" gorm:"size:64;not null"`
	CreatedAt     time.Time `json:"createdAt"`
}

type ReviewComment struct {
	ID           string    `json:"id" gorm:"primaryKey;size:64"`
	DocVersionID string    `json:"docVersionId" gorm:"size:64;not null;index"`
	AuthorID     string    `json:"authorId" gorm:"size:64;not null"`
	Content      string    `json:"content" gorm:"not null"`
	LineNumber   *int      `json:"lineNumber"`
	Resolved     bool      `json:"resolved" gorm:"not null;default:false"`
	ParentID     *string   `json:"parentId" gorm:"size:64;index"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Comment is a review comment joined with its author's name.
type Comment struct {
	ReviewComment
	AuthorName string `json:"authorName"`
}

type Approval struct {
	ID           string    `json:"id" gorm:"primaryKey;size:64"`
	DocVersionID string    `json:"docVersionId" gorm:"size:64;not null;index"`
	ApproverID   string    `json:"approverId" gorm:"size:64;not null"`
	Status       string    `json:"status" gorm:"size:16;not null"`
	Comments     *string   `json:"comments"`
	DecisionDate time.Time `json:"decisionDate"`
}

// Decision is an approval joined with the version it was recorded against.
type Decision struct {
	Approval
	VersionNumber int    `json:"versionNumber"`
	ApproverName  string `json:"approverName"`
}

// Transition moves a document from one workflow status to the next. When
// Approval is set it is appended in the same transaction as the status change,
// and the update also requires the document's current version to still be the
// one the approval is recorded against. At stamps updated_at; zero means now.
type Transition struct {
	DocumentID string
	From       string
	To         string
	Approval   *Approval
	At         time.Time
}

func (t Transition) stamp() time.Time {
	if t.At.IsZero() {
		return time.Now().UTC()
	}
	return t.At.UTC()
}

// DocumentHit and CommentHit are fallback search matches.
type DocumentHit struct {
	ID        string
	ProjectID string
	Title     string
	Category  string
	Status    string
	Snippet   string
}

type CommentHit struct {
	ID           string
	DocumentID   string
	ProjectID    string
	DocVersionID string
	Title        string
	Snippet      string
}
