package app

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/sufyansidqy/dms/internal/archive"
	"github.com/sufyansidqy/dms/internal/auth"
	"github.com/sufyansidqy/dms/internal/authpw"
	"github.com/sufyansidqy/dms/internal/blob"
	"github.com/sufyansidqy/dms/internal/export"
	"github.com/sufyansidqy/dms/internal/extract"
	"github.com/sufyansidqy/dms/internal/rbac"
	"github.com/sufyansidqy/dms/internal/search"
	"github.com/sufyansidqy/dms/internal/session"
	"github.com/sufyansidqy/dms/internal/store"
	"github.com/sufyansidqy/dms/internal/workflow"
	"go.uber.org/zap"
)

const (
	defaultUploadMaxBytes = 20 << 20
	// extractedExpansion bounds how far an upload may decompress during extraction.
	extractedExpansion = 8
)

// DataStore is implemented by store.PostgresStore and store.GormStore.
type DataStore interface {
	Ping(context.Context) error

	CreateUser(context.Context, store.User) error
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	ListUsers(context.Context) ([]store.User, error)
	UpdateUserRole(context.Context, string, string) error

	CreateProject(context.Context, store.Project) error
	GetProject(context.Context, string) (store.Project, error)
	ListProjects(context.Context) ([]store.Project, error)
	ListProjectsForUser(context.Context, string) ([]store.Project, error)
	UpdateProject(context.Context, store.Project) error
	DeleteProject(context.Context, string) error

	AddMember(context.Context, store.ProjectMember) error
	RemoveMember(context.Context, string, string) error
	ListMembers(context.Context, string) ([]store.Member, error)
	GetMemberRole(context.Context, string, string) (string, error)

	CreateDocument(context.Context, store.Document) error
	GetDocument(context.Context, string) (store.Document, error)
	DeleteDocument(context.Context, string) error
	ListDocuments(context.Context, string) ([]store.Document, error)

	CreateVersion(context.Context, string, store.VersionBuilder) (store.DocVersion, error)
	GetVersion(context.Context, string) (store.DocVersion, error)
	GetVersionByNumber(context.Context, string, int) (store.DocVersion, error)
	GetVersionByFileName(context.Context, string) (store.DocVersion, error)
	ListVersions(context.Context, string) ([]store.DocVersion, error)

	InsertComment(context.Context, store.ReviewComment) error
	GetComment(context.Context, string) (store.ReviewComment, error)
	ListComments(context.Context, string) ([]store.Comment, error)
	ResolveComment(context.Context, string) error

	TransitionDocument(context.Context, store.Transition) error
	ListApprovals(context.Context, string) ([]store.Decision, error)

	SearchDocuments(context.Context, string, int) ([]store.DocumentHit, error)
	SearchComments(context.Context, string, int) ([]store.CommentHit, error)
}

type sessionStore interface {
	Save(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	Consume(ctx context.Context, tokenHash string) (session.Record, error)
	Revoke(ctx context.Context, tokenHash string) error
	RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
}

// ServiceConfig wires the service. Store, Blobs and Tokens are required;
// Sessions and Archive may be nil to disable refresh tokens and the git
// archive.
type ServiceConfig struct {
	Store          DataStore
	Blobs          blob.Storage
	Tokens         *auth.TokenIssuer
	Passwords      *authpw.Service
	Sessions       sessionStore
	Extractor      extract.Extractor
	Search         *search.Service
	Archive        *archive.Service
	Exporter       *export.Service
	Policy         workflow.Policy
	RefreshTTL     time.Duration
	UploadMaxBytes int64
	Logger         *zap.Logger
	Clock          func() time.Time
}

type Service struct {
	store          DataStore
	blobs          blob.Storage
	tokens         *auth.TokenIssuer
	passwords      *authpw.Service
	sessions       sessionStore
	extractor      extract.Extractor
	search         *search.Service
	archive        *archive.Service
	exporter       *export.Service
	policy         workflow.Policy
	refreshTTL     time.Duration
	uploadMaxBytes int64
	logger         *zap.Logger
	now            func() time.Time
}

func New(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("app: store is required")
	}
	if cfg.Blobs == nil {
		return nil, errors.New("app: blob storage is required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("app: token issuer is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &Service{
		store:          cfg.Store,
		blobs:          cfg.Blobs,
		tokens:         cfg.Tokens,
		passwords:      cfg.Passwords,
		sessions:       cfg.Sessions,
		extractor:      cfg.Extractor,
		search:         cfg.Search,
		archive:        cfg.Archive,
		exporter:       cfg.Exporter,
		policy:         cfg.Policy,
		refreshTTL:     cfg.RefreshTTL,
		uploadMaxBytes: cfg.UploadMaxBytes,
		logger:         logger,
		now:            cfg.Clock,
	}
	if svc.passwords == nil {
		svc.passwords = authpw.NewService(cfg.Store, false)
	}
	if svc.search == nil {
		svc.search = search.NewService(nil, search.NewStoreSearcher(cfg.Store), logger)
	}
	if svc.exporter == nil {
		svc.exporter = export.NewService(nil)
	}
	if svc.policy.ReleaseGuard == "" {
		svc.policy.ReleaseGuard = workflow.ReleaseByParticipant
	}
	if svc.refreshTTL <= 0 {
		svc.refreshTTL = 30 * 24 * time.Hour
	}
	if svc.uploadMaxBytes <= 0 {
		svc.uploadMaxBytes = defaultUploadMaxBytes
	}
	if svc.extractor == nil {
		svc.extractor = extract.NewDocxExtractor(extract.NewSanitizer(), svc.uploadMaxBytes*extractedExpansion)
	}
	if svc.now == nil {
		svc.now = time.Now
	}
	return svc, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// projectAccess resolves what actor may do in a project. Admins need no
// membership row.
func (s *Service) projectAccess(ctx context.Context, actor rbac.Actor, projectID string) (rbac.Access, error) {
	access := rbac.Access{Actor: actor}
	if !actor.Authenticated() {
		return access, unauthorized()
	}
	if actor.IsAdmin() {
		return access, nil
	}
	role, err := s.store.GetMemberRole(ctx, projectID, actor.UserID)
	if err != nil {
		return access, err
	}
	if role == "" {
		return access, nil
	}
	parsed, err := rbac.ParseProjectRole(role)
	if err != nil {
		s.logger.Warn("unknown project role", zap.String("project_id", projectID), zap.String("role", role))
		return access, nil
	}
	access.Project = parsed
	return access, nil
}

func (s *Service) requireView(ctx context.Context, actor rbac.Actor, projectID string) (rbac.Access, error) {
	access, err := s.projectAccess(ctx, actor, projectID)
	if err != nil {
		return access, err
	}
	if !access.CanView() {
		return access, forbidden("You do not have access to this project")
	}
	return access, nil
}

func requireAdmin(actor rbac.Actor) error {
	if !actor.Authenticated() {
		return unauthorized()
	}
	if !actor.IsAdmin() {
		return forbidden("Administrator role required")
	}
	return nil
}

// loadDocument returns the document or NOT_FOUND.
func (s *Service) loadDocument(ctx context.Context, documentID string) (store.Document, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Document{}, notFound("Document not found")
	}
	if err != nil {
		return store.Document{}, err
	}
	return doc, nil
}

// loadVersion returns a version with its document, checking view access.
func (s *Service) loadVersion(ctx context.Context, actor rbac.Actor, versionID string) (store.DocVersion, store.Document, error) {
	if !actor.Authenticated() {
		return store.DocVersion{}, store.Document{}, unauthorized()
	}
	version, err := s.store.GetVersion(ctx, versionID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.DocVersion{}, store.Document{}, notFound("Version not found")
	}
	if err != nil {
		return store.DocVersion{}, store.Document{}, err
	}
	doc, err := s.loadDocument(ctx, version.DocID)
	if err != nil {
		return store.DocVersion{}, store.Document{}, err
	}
	if _, err := s.requireView(ctx, actor, doc.ProjectID); err != nil {
		return store.DocVersion{}, store.Document{}, err
	}
	return version, doc, nil
}

func (s *Service) indexDocument(doc store.Document) {
	record := search.DocumentRecord{
		ID:        doc.ID,
		ProjectID: doc.ProjectID,
		Title:     doc.Title,
		Category:  doc.Category,
		Status:    doc.Status,
	}
	if doc.Description != nil {
		record.Description = *doc.Description
	}
	s.search.IndexDocument(record)
}
