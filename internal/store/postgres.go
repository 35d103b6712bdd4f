package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

const userColumns = `id, email, name, system_role, password_hash, created_at`

func scanUser(row rowScanner) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Email, &user.Name, &user.SystemRole, &user.PasswordHash, &user.CreatedAt)
	return user, err
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, name, system_role, password_hash, created_at)
		VALUES ($1, LOWER($2), $3, $4, $5, $6)
	`, user.ID, user.Email, user.Name, user.SystemRole, user.PasswordHash, user.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateEmail
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID))
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=LOWER($1)`, email))
	if err != nil {
		return User{}, fmt.Errorf("get user by email: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY name ASC, email ASC`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := make([]User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *PostgresStore) UpdateUserRole(ctx context.Context, userID, role string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE users SET system_role=$2 WHERE id=$1`, userID, role)
	if err != nil {
		return fmt.Errorf("update user role: %w", err)
	}
	return expectRow(result, "update user role")
}

func expectRow(result sql.Result, op string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows: %w", op, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", op, sql.ErrNoRows)
	}
	return nil
}

const projectColumns = `id, name, client_name, status, created_at, updated_at`

func scanProject(row rowScanner) (Project, error) {
	var project Project
	err := row.Scan(&project.ID, &project.Name, &project.ClientName, &project.Status, &project.CreatedAt, &project.UpdatedAt)
	return project, err
}

func (s *PostgresStore) CreateProject(ctx context.Context, project Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, client_name, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, project.ID, project.Name, project.ClientName, project.Status, project.CreatedAt, project.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	project, err := scanProject(s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=$1`, projectID))
	if err != nil {
		return Project{}, fmt.Errorf("get project: %w", err)
	}
	return project, nil
}

func (s *PostgresStore) ListProjects(ctx context.Context) ([]Project, error) {
	return s.queryProjects(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC`)
}

func (s *PostgresStore) ListProjectsForUser(ctx context.Context, userID string) ([]Project, error) {
	return s.queryProjects(ctx, `
		SELECT p.id, p.name, p.client_name, p.status, p.created_at, p.updated_at
		FROM projects p
		JOIN project_members pm ON pm.project_id = p.id
		WHERE pm.user_id = $1
		ORDER BY p.created_at DESC
	`, userID)
}

func (s *PostgresStore) queryProjects(ctx context.Context, query string, args ...any) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	projects := make([]Project, 0)
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, project)
	}
	return projects, rows.Err()
}

func (s *PostgresStore) UpdateProject(ctx context.Context, project Project) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE projects SET name=$2, client_name=$3, status=$4, updated_at=$5 WHERE id=$1
	`, project.ID, project.Name, project.ClientName, project.Status, project.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	return expectRow(result, "update project")
}

// DeleteProject relies on ON DELETE CASCADE to remove documents, versions,
// comments and approvals.
func (s *PostgresStore) DeleteProject(ctx context.Context, projectID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id=$1`, projectID)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return expectRow(result, "delete project")
}

func (s *PostgresStore) AddMember(ctx context.Context, member ProjectMember) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_members (id, project_id, user_id, role, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, member.ID, member.ProjectID, member.UserID, member.Role, member.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateMember
	}
	if err != nil {
		return fmt.Errorf("insert project member: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveMember(ctx context.Context, projectID, memberID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM project_members WHERE id=$1 AND project_id=$2`, memberID, projectID)
	if err != nil {
		return fmt.Errorf("delete project member: %w", err)
	}
	return expectRow(result, "delete project member")
}

func (s *PostgresStore) ListMembers(ctx context.Context, projectID string) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pm.id, pm.project_id, pm.user_id, pm.role, pm.created_at, u.name, u.email
		FROM project_members pm
		JOIN users u ON u.id = pm.user_id
		WHERE pm.project_id = $1
		ORDER BY pm.created_at ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list project members: %w", err)
	}
	defer rows.Close()

	members := make([]Member, 0)
	for rows.Next() {
		var member Member
		if err := rows.Scan(&member.ID, &member.ProjectID, &member.UserID, &member.Role, &member.CreatedAt, &member.UserName, &member.UserEmail); err != nil {
			return nil, fmt.Errorf("scan project member: %w", err)
		}
		members = append(members, member)
	}
	return members, rows.Err()
}

// GetMemberRole returns "" when the user is not a member of the project.
func (s *PostgresStore) GetMemberRole(ctx context.Context, projectID, userID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `SELECT role FROM project_members WHERE project_id=$1 AND user_id=$2`, projectID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read member role: %w", err)
	}
	return role, nil
}

const documentColumns = `id, project_id, title, category, description, status, current_version_id, created_by_id, created_at, updated_at`

func scanDocument(row rowScanner) (Document, error) {
	var doc Document
	err := row.Scan(&doc.ID, &doc.ProjectID, &doc.Title, &doc.Category, &doc.Description, &doc.Status, &doc.CurrentVersionID, &doc.CreatedByID, &doc.CreatedAt, &doc.UpdatedAt)
	return doc, err
}

func (s *PostgresStore) CreateDocument(ctx context.Context, doc Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, project_id, title, category, description, status, created_by_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, doc.ID, doc.ProjectID, doc.Title, doc.Category, doc.Description, doc.Status, doc.CreatedByID, doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	doc, err := scanDocument(s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=$1`, documentID))
	if err != nil {
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

// DeleteDocument relies on ON DELETE CASCADE to remove versions, comments
// and approvals.
func (s *PostgresStore) DeleteDocument(ctx context.Context, documentID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id=$1`, documentID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return expectRow(result, "delete document")
}

func (s *PostgresStore) ListDocuments(ctx context.Context, projectID string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE project_id=$1 ORDER BY updated_at DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	docs := make([]Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// CreateVersion allocates the next version number under a row lock on the
// document, inserts the version built by build and repoints the document's
// current version, all in one transaction.
func (s *PostgresStore) CreateVersion(ctx context.Context, documentID string, build VersionBuilder) (DocVersion, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return DocVersion{}, fmt.Errorf("begin version tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	doc, err := scanDocument(tx.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=$1 FOR UPDATE`, documentID))
	if err != nil {
		return DocVersion{}, fmt.Errorf("lock document: %w", err)
	}

	var next int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version_number), 0) + 1 FROM doc_versions WHERE doc_id=$1`, documentID).Scan(&next); err != nil {
		return DocVersion{}, fmt.Errorf("next version number: %w", err)
	}

	version, err := build(doc, next)
	if err != nil {
		return DocVersion{}, err
	}
	version.DocID = documentID
	version.VersionNumber = next

	_, err = tx.ExecContext(ctx, `
		INSERT INTO doc_versions (id, doc_id, version_number, file_path, file_name, file_mime_type, file_size, text_content, html_content, change_log, created_by_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, version.ID, version.DocID, version.VersionNumber, version.FilePath, version.FileName, version.FileMimeType, version.FileSize,
		version.TextContent, version.HTMLContent, version.ChangeLog, version.CreatedByID, version.CreatedAt)
	if isUniqueViolation(err) {
		return DocVersion{}, ErrVersionConflict
	}
	if err != nil {
		return DocVersion{}, fmt.Errorf("insert version: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE documents SET current_version_id=$2, updated_at=$3 WHERE id=$1`, documentID, version.ID, version.CreatedAt); err != nil {
		return DocVersion{}, fmt.Errorf("update current version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return DocVersion{}, ErrVersionConflict
		}
		return DocVersion{}, fmt.Errorf("commit version tx: %w", err)
	}
	return version, nil
}

const versionColumns = `id, doc_id, version_number, file_path, file_name, file_mime_type, file_size, text_content, html_content, change_log, created_by_id, created_at`

func scanVersion(row rowScanner) (DocVersion, error) {
	var v DocVersion
	err := row.Scan(&v.ID, &v.DocID, &v.VersionNumber, &v.FilePath, &v.FileName, &v.FileMimeType, &v.FileSize,
		&v.TextContent, &v.HTMLContent, &v.ChangeLog, &v.CreatedByID, &v.CreatedAt)
	return v, err
}

func (s *PostgresStore) GetVersion(ctx context.Context, versionID string) (DocVersion, error) {
	v, err := scanVersion(s.db.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM doc_versions WHERE id=$1`, versionID))
	if err != nil {
		return DocVersion{}, fmt.Errorf("get version: %w", err)
	}
	return v, nil
}

func (s *PostgresStore) GetVersionByNumber(ctx context.Context, documentID string, number int) (DocVersion, error) {
	v, err := scanVersion(s.db.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM doc_versions WHERE doc_id=$1 AND version_number=$2`, documentID, number))
	if err != nil {
		return DocVersion{}, fmt.Errorf("get version by number: %w", err)
	}
	return v, nil
}

func (s *PostgresStore) GetVersionByFileName(ctx context.Context, fileName string) (DocVersion, error) {
	v, err := scanVersion(s.db.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM doc_versions WHERE file_name=$1 LIMIT 1`, fileName))
	if err != nil {
		return DocVersion{}, fmt.Errorf("get version by file name: %w", err)
	}
	return v, nil
}

func (s *PostgresStore) ListVersions(ctx context.Context, documentID string) ([]DocVersion, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+versionColumns+` FROM doc_versions WHERE doc_id=$1 ORDER BY version_number ASC`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	versions := make([]DocVersion, 0)
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (s *PostgresStore) InsertComment(ctx context.Context, comment ReviewComment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO review_comments (id, doc_version_id, author_id, content, line_number, resolved, parent_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, comment.ID, comment.DocVersionID, comment.AuthorID, comment.Content, comment.LineNumber, comment.Resolved, comment.ParentID, comment.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetComment(ctx context.Context, commentID string) (ReviewComment, error) {
	var c ReviewComment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, doc_version_id, author_id, content, line_number, resolved, parent_id, created_at
		FROM review_comments WHERE id=$1
	`, commentID).Scan(&c.ID, &c.DocVersionID, &c.AuthorID, &c.Content, &c.LineNumber, &c.Resolved, &c.ParentID, &c.CreatedAt)
	if err != nil {
		return ReviewComment{}, fmt.Errorf("get comment: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) ListComments(ctx context.Context, versionID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.doc_version_id, c.author_id, c.content, c.line_number, c.resolved, c.parent_id, c.created_at, u.name
		FROM review_comments c
		JOIN users u ON u.id = c.author_id
		WHERE c.doc_version_id = $1
		ORDER BY c.created_at ASC, c.id ASC
	`, versionID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	comments := make([]Comment, 0)
	for rows.Next() {
		var c Comment
		if err := rows.Scan(&c.ID, &c.DocVersionID, &c.AuthorID, &c.Content, &c.LineNumber, &c.Resolved, &c.ParentID, &c.CreatedAt, &c.AuthorName); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

// ResolveComment is idempotent; it only reports sql.ErrNoRows for unknown ids.
func (s *PostgresStore) ResolveComment(ctx context.Context, commentID string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE review_comments SET resolved=TRUE WHERE id=$1`, commentID)
	if err != nil {
		return fmt.Errorf("resolve comment: %w", err)
	}
	return expectRow(result, "resolve comment")
}

// TransitionDocument applies a guarded status update and, when present,
// appends the approval in the same transaction. ErrStaleStatus means the
// document was no longer in t.From.
func (s *PostgresStore) TransitionDocument(ctx context.Context, t Transition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `UPDATE documents SET status=$3, updated_at=$4 WHERE id=$1 AND status=$2`
	args := []any{t.DocumentID, t.From, t.To, t.stamp()}
	if t.Approval != nil {
		query += ` AND current_version_id=$5`
		args = append(args, t.Approval.DocVersionID)
	}
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update document status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update document status rows: %w", err)
	}
	if affected == 0 {
		return ErrStaleStatus
	}

	if t.Approval != nil {
		a := t.Approval
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO approvals (id, doc_version_id, approver_id, status, comments, decision_date)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, a.ID, a.DocVersionID, a.ApproverID, a.Status, a.Comments, a.DecisionDate); err != nil {
			return fmt.Errorf("insert approval: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListApprovals(ctx context.Context, documentID string) ([]Decision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.doc_version_id, a.approver_id, a.status, a.comments, a.decision_date, v.version_number, u.name
		FROM approvals a
		JOIN doc_versions v ON v.id = a.doc_version_id
		JOIN users u ON u.id = a.approver_id
		WHERE v.doc_id = $1
		ORDER BY a.decision_date DESC, a.id DESC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	decisions := make([]Decision, 0)
	for rows.Next() {
		var d Decision
		if err := rows.Scan(&d.ID, &d.DocVersionID, &d.ApproverID, &d.Status, &d.Comments, &d.DecisionDate, &d.VersionNumber, &d.ApproverName); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

// SearchDocuments is the full-text fallback used when Meilisearch is absent.
func (s *PostgresStore) SearchDocuments(ctx context.Context, text string, limit int) ([]DocumentHit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.project_id, d.title, d.category, d.status,
			ts_headline('english', coalesce(d.description, d.title), plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30')
		FROM documents d
		WHERE to_tsvector('english', d.title || ' ' || d.category || ' ' || coalesce(d.description, '')) @@ plainto_tsquery('english', $1)
		ORDER BY ts_rank(to_tsvector('english', d.title || ' ' || d.category || ' ' || coalesce(d.description, '')), plainto_tsquery('english', $1)) DESC
		LIMIT $2
	`, text, limit)
	if err != nil {
		return nil, fmt.Errorf("search documents: %w", err)
	}
	defer rows.Close()

	hits := make([]DocumentHit, 0)
	for rows.Next() {
		var hit DocumentHit
		if err := rows.Scan(&hit.ID, &hit.ProjectID, &hit.Title, &hit.Category, &hit.Status, &hit.Snippet); err != nil {
			return nil, fmt.Errorf("scan document hit: %w", err)
		}
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

func (s *PostgresStore) SearchComments(ctx context.Context, text string, limit int) ([]CommentHit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, d.id, d.project_id, c.doc_version_id, d.title,
			ts_headline('english', c.content, plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30')
		FROM review_comments c
		JOIN doc_versions v ON v.id = c.doc_version_id
		JOIN documents d ON d.id = v.doc_id
		WHERE to_tsvector('english', c.content) @@ plainto_tsquery('english', $1)
		ORDER BY ts_rank(to_tsvector('english', c.content), plainto_tsquery('english', $1)) DESC
		LIMIT $2
	`, text, limit)
	if err != nil {
		return nil, fmt.Errorf("search comments: %w", err)
	}
	defer rows.Close()

	hits := make([]CommentHit, 0)
	for rows.Next() {
		var hit CommentHit
		if err := rows.Scan(&hit.ID, &hit.DocumentID, &hit.ProjectID, &hit.DocVersionID, &hit.Title, &hit.Snippet); err != nil {
			return nil, fmt.Errorf("scan comment hit: %w", err)
		}
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}
