package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore implements the same contract as PostgresStore on top of gorm.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// translate maps gorm sentinels onto the errors PostgresStore reports.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", op, sql.ErrNoRows)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *GormStore) CreateUser(ctx context.Context, user User) error {
	user.Email = strings.ToLower(user.Email)
	err := s.db.WithContext(ctx).Create(&user).Error
	if isDuplicate(err) {
		return ErrDuplicateEmail
	}
	return translate("insert user", err)
}

func (s *GormStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("id = ?", userID).Take(&user).Error
	return user, translate("get user", err)
}

func (s *GormStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("email = ?", strings.ToLower(email)).Take(&user).Error
	return user, translate("get user by email", err)
}

func (s *GormStore) ListUsers(ctx context.Context) ([]User, error) {
	users := make([]User, 0)
	err := s.db.WithContext(ctx).Order("name ASC, email ASC").Find(&users).Error
	return users, translate("list users", err)
}

func (s *GormStore) UpdateUserRole(ctx context.Context, userID, role string) error {
	result := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", userID).Update("system_role", role)
	return expectAffected("update user role", result)
}

func expectAffected(op string, result *gorm.DB) error {
	if result.Error != nil {
		return translate(op, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%s: %w", op, sql.ErrNoRows)
	}
	return nil
}

func (s *GormStore) CreateProject(ctx context.Context, project Project) error {
	return translate("insert project", s.db.WithContext(ctx).Create(&project).Error)
}

func (s *GormStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	var project Project
	err := s.db.WithContext(ctx).Where("id = ?", projectID).Take(&project).Error
	return project, translate("get project", err)
}

func (s *GormStore) ListProjects(ctx context.Context) ([]Project, error) {
	projects := make([]Project, 0)
	err := s.db.WithContext(ctx).Order("created_at DESC").Find(&projects).Error
	return projects, translate("list projects", err)
}

func (s *GormStore) ListProjectsForUser(ctx context.Context, userID string) ([]Project, error) {
	projects := make([]Project, 0)
	err := s.db.WithContext(ctx).
		Joins("JOIN project_members pm ON pm.project_id = projects.id").
		Where("pm.user_id = ?", userID).
		Order("projects.created_at DESC").
		Find(&projects).Error
	return projects, translate("list projects", err)
}

func (s *GormStore) UpdateProject(ctx context.Context, project Project) error {
	result := s.db.WithContext(ctx).Model(&Project{}).Where("id = ?", project.ID).Updates(map[string]any{
		"name":        project.Name,
		"client_name": project.ClientName,
		"status":      project.Status,
		"updated_at":  project.UpdatedAt,
	})
	return expectAffected("update project", result)
}

// DeleteProject removes the project and everything beneath it in one
// transaction, mirroring the ON DELETE CASCADE chain of the SQL schema.
func (s *GormStore) DeleteProject(ctx context.Context, projectID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		docs := tx.Model(&Document{}).Select("id").Where("project_id = ?", projectID)
		versions := tx.Model(&DocVersion{}).Select("id").Where("doc_id IN (?)", docs)

		if err := tx.Where("doc_version_id IN (?)", versions).Delete(&Approval{}).Error; err != nil {
			return translate("delete approvals", err)
		}
		if err := tx.Where("doc_version_id IN (?)", versions).Delete(&ReviewComment{}).Error; err != nil {
			return translate("delete comments", err)
		}
		if err := tx.Where("doc_id IN (?)", docs).Delete(&DocVersion{}).Error; err != nil {
			return translate("delete versions", err)
		}
		if err := tx.Where("project_id = ?", projectID).Delete(&Document{}).Error; err != nil {
			return translate("delete documents", err)
		}
		if err := tx.Where("project_id = ?", projectID).Delete(&ProjectMember{}).Error; err != nil {
			return translate("delete project members", err)
		}
		return expectAffected("delete project", tx.Where("id = ?", projectID).Delete(&Project{}))
	})
}

func (s *GormStore) AddMember(ctx context.Context, member ProjectMember) error {
	err := s.db.WithContext(ctx).Create(&member).Error
	if isDuplicate(err) {
		return ErrDuplicateMember
	}
	return translate("insert project member", err)
}

func (s *GormStore) RemoveMember(ctx context.Context, projectID, memberID string) error {
	result := s.db.WithContext(ctx).Where("id = ? AND project_id = ?", memberID, projectID).Delete(&ProjectMember{})
	return expectAffected("delete project member", result)
}

func (s *GormStore) ListMembers(ctx context.Context, projectID string) ([]Member, error) {
	members := make([]Member, 0)
	err := s.db.WithContext(ctx).
		Table("project_members AS pm").
		Select("pm.id, pm.project_id, pm.user_id, pm.role, pm.created_at, u.name AS user_name, u.email AS user_email").
		Joins("JOIN users u ON u.id = pm.user_id").
		Where("pm.project_id = ?", projectID).
		Order("pm.created_at ASC").
		Scan(&members).Error
	return members, translate("list project members", err)
}

func (s *GormStore) GetMemberRole(ctx context.Context, projectID, userID string) (string, error) {
	var member ProjectMember
	err := s.db.WithContext(ctx).Where("project_id = ? AND user_id = ?", projectID, userID).Take(&member).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", translate("read member role", err)
	}
	return member.Role, nil
}

func (s *GormStore) CreateDocument(ctx context.Context, doc Document) error {
	return translate("insert document", s.db.WithContext(ctx).Create(&doc).Error)
}

func (s *GormStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	var doc Document
	err := s.db.WithContext(ctx).Where("id = ?", documentID).Take(&doc).Error
	return doc, translate("get document", err)
}

func (s *GormStore) DeleteDocument(ctx context.Context, documentID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		versions := tx.Model(&DocVersion{}).Select("id").Where("doc_id = ?", documentID)
		if err := tx.Where("doc_version_id IN (?)", versions).Delete(&Approval{}).Error; err != nil {
			return translate("delete approvals", err)
		}
		if err := tx.Where("doc_version_id IN (?)", versions).Delete(&ReviewComment{}).Error; err != nil {
			return translate("delete comments", err)
		}
		if err := tx.Where("doc_id = ?", documentID).Delete(&DocVersion{}).Error; err != nil {
			return translate("delete versions", err)
		}
		return expectAffected("delete document", tx.Where("id = ?", documentID).Delete(&Document{}))
	})
}

func (s *GormStore) ListDocuments(ctx context.Context, projectID string) ([]Document, error) {
	docs := make([]Document, 0)
	err := s.db.WithContext(ctx).Where("project_id = ?", projectID).Order("updated_at DESC").Find(&docs).Error
	return docs, translate("list documents", err)
}

func (s *GormStore) CreateVersion(ctx context.Context, documentID string, build VersionBuilder) (DocVersion, error) {
	var created DocVersion
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var doc Document
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", documentID).Take(&doc).Error; err != nil {
			return translate("lock document", err)
		}

		var current sql.NullInt64
		if err := tx.Model(&DocVersion{}).Where("doc_id = ?", documentID).Select("MAX(version_number)").Scan(&current).Error; err != nil {
			return translate("next version number", err)
		}
		next := int(current.Int64) + 1

		version, err := build(doc, next)
		if err != nil {
			return err
		}
		version.DocID = documentID
		version.VersionNumber = next

		if err := tx.Create(&version).Error; err != nil {
			if isDuplicate(err) {
				return ErrVersionConflict
			}
			return translate("insert version", err)
		}

		if err := tx.Model(&Document{}).Where("id = ?", documentID).Updates(map[string]any{
			"current_version_id": version.ID,
			"updated_at":         version.CreatedAt,
		}).Error; err != nil {
			return translate("update current version", err)
		}
		created = version
		return nil
	})
	if err != nil {
		return DocVersion{}, err
	}
	return created, nil
}

func (s *GormStore) GetVersion(ctx context.Context, versionID string) (DocVersion, error) {
	var v DocVersion
	err := s.db.WithContext(ctx).Where("id = ?", versionID).Take(&v).Error
	return v, translate("get version", err)
}

func (s *GormStore) GetVersionByNumber(ctx context.Context, documentID string, number int) (DocVersion, error) {
	var v DocVersion
	err := s.db.WithContext(ctx).Where("doc_id = ? AND version_number = ?", documentID, number).Take(&v).Error
	return v, translate("get version by number", err)
}

func (s *GormStore) GetVersionByFileName(ctx context.Context, fileName string) (DocVersion, error) {
	var v DocVersion
	err := s.db.WithContext(ctx).Where("file_name = ?", fileName).Take(&v).Error
	return v, translate("get version by file name", err)
}

func (s *GormStore) ListVersions(ctx context.Context, documentID string) ([]DocVersion, error) {
	versions := make([]DocVersion, 0)
	err := s.db.WithContext(ctx).Where("doc_id = ?", documentID).Order("version_number ASC").Find(&versions).Error
	return versions, translate("list versions", err)
}

func (s *GormStore) InsertComment(ctx context.Context, comment ReviewComment) error {
	return translate("insert comment", s.db.WithContext(ctx).Create(&comment).Error)
}

func (s *GormStore) GetComment(ctx context.Context, commentID string) (ReviewComment, error) {
	var c ReviewComment
	err := s.db.WithContext(ctx).Where("id = ?", commentID).Take(&c).Error
	return c, translate("get comment", err)
}

func (s *GormStore) ListComments(ctx context.Context, versionID string) ([]Comment, error) {
	comments := make([]Comment, 0)
	err := s.db.WithContext(ctx).
		Table("review_comments AS c").
		Select("c.id, c.doc_version_id, c.author_id, c.content, c.line_number, c.resolved, c.parent_id, c.created_at, u.name AS author_name").
		Joins("JOIN users u ON u.id = c.author_id").
		Where("c.doc_version_id = ?", versionID).
		Order("c.created_at ASC, c.id ASC").
		Scan(&comments).Error
	return comments, translate("list comments", err)
}

func (s *GormStore) ResolveComment(ctx context.Context, commentID string) error {
	var c ReviewComment
	if err := s.db.WithContext(ctx).Where("id = ?", commentID).Take(&c).Error; err != nil {
		return translate("resolve comment", err)
	}
	if c.Resolved {
		return nil
	}
	err := s.db.WithContext(ctx).Model(&ReviewComment{}).Where("id = ?", commentID).Update("resolved", true).Error
	return translate("resolve comment", err)
}

func (s *GormStore) TransitionDocument(ctx context.Context, t Transition) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Model(&Document{}).Where("id = ? AND status = ?", t.DocumentID, t.From)
		if t.Approval != nil {
			query = query.Where("current_version_id = ?", t.Approval.DocVersionID)
		}
		result := query.Updates(map[string]any{"status": t.To, "updated_at": t.stamp()})
		if result.Error != nil {
			return translate("update document status", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrStaleStatus
		}
		if t.Approval != nil {
			approval := *t.Approval
			if err := tx.Create(&approval).Error; err != nil {
				return translate("insert approval", err)
			}
		}
		return nil
	})
}

func (s *GormStore) ListApprovals(ctx context.Context, documentID string) ([]Decision, error) {
	decisions := make([]Decision, 0)
	err := s.db.WithContext(ctx).
		Table("approvals AS a").
		Select("a.id, a.doc_version_id, a.approver_id, a.status, a.comments, a.decision_date, v.version_number, u.name AS approver_name").
		Joins("JOIN doc_versions v ON v.id = a.doc_version_id").
		Joins("JOIN users u ON u.id = a.approver_id").
		Where("v.doc_id = ?", documentID).
		Order("a.decision_date DESC, a.id DESC").
		Scan(&decisions).Error
	return decisions, translate("list approvals", err)
}

func likePattern(text string) string {
	return "%" + strings.ToLower(strings.TrimSpace(text)) + "%"
}

func (s *GormStore) SearchDocuments(ctx context.Context, text string, limit int) ([]DocumentHit, error) {
	pattern := likePattern(text)
	docs := make([]Document, 0)
	err := s.db.WithContext(ctx).
		Where("LOWER(title) LIKE ? OR LOWER(category) LIKE ? OR LOWER(COALESCE(description, '')) LIKE ?", pattern, pattern, pattern).
		Order("updated_at DESC").
		Limit(limit).
		Find(&docs).Error
	if err != nil {
		return nil, translate("search documents", err)
	}
	hits := make([]DocumentHit, 0, len(docs))
	for _, doc := range docs {
		snippet := doc.Title
		if doc.Description != nil && *doc.Description != "" {
			snippet = *doc.Description
		}
		hits = append(hits, DocumentHit{ID: doc.ID, ProjectID: doc.ProjectID, Title: doc.Title, Category: doc.Category, Status: doc.Status, Snippet: snippet})
	}
	return hits, nil
}

func (s *GormStore) SearchComments(ctx context.Context, text string, limit int) ([]CommentHit, error) {
	type row struct {
		ID           string
		DocumentID   string
		ProjectID    string
		DocVersionID string
		Title        string
		Content      string
	}
	rows := make([]row, 0)
	err := s.db.WithContext(ctx).
		Table("review_comments AS c").
		Select("c.id, d.id AS document_id, d.project_id, c.doc_version_id, d.title, c.content").
		Joins("JOIN doc_versions v ON v.id = c.doc_version_id").
		Joins("JOIN documents d ON d.id = v.doc_id").
		Where("LOWER(c.content) LIKE ?", likePattern(text)).
		Order("c.created_at DESC").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, translate("search comments", err)
	}
	hits := make([]CommentHit, 0, len(rows))
	for _, r := range rows {
		hits = append(hits, CommentHit{ID: r.ID, DocumentID: r.DocumentID, ProjectID: r.ProjectID, DocVersionID: r.DocVersionID, Title: r.Title, Snippet: r.Content})
	}
	return hits, nil
}
