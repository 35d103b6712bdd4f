package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/sufyansidqy/dms/internal/authpw"
	"github.com/sufyansidqy/dms/internal/rbac"
	"github.com/sufyansidqy/dms/internal/store"
	"github.com/sufyansidqy/dms/internal/util"
	"go.uber.org/zap"
)

const (
	ProjectActive    = "Active"
	ProjectCompleted = "Completed"
	ProjectArchived  = "Archived"
)

type ProjectInput struct {
	Name       string  `json:"name"`
	ClientName *string `json:"clientName"`
	Status     string  `json:"status"`
}

func (in ProjectInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Name, validation.Required, validation.Length(1, 200)),
		validation.Field(&in.ClientName, validation.NilOrNotEmpty, validation.Length(0, 200)),
		validation.Field(&in.Status, validation.In(ProjectActive, ProjectCompleted, ProjectArchived)),
	)
}

func (in *ProjectInput) normalize() {
	in.Name = strings.TrimSpace(in.Name)
	in.Status = strings.TrimSpace(in.Status)
	if in.ClientName != nil {
		trimmed := strings.TrimSpace(*in.ClientName)
		if trimmed == "" {
			in.ClientName = nil
		} else {
			in.ClientName = &trimmed
		}
	}
}

// ListProjects returns every project for admins and member projects otherwise.
func (s *Service) ListProjects(ctx context.Context, actor rbac.Actor) ([]store.Project, error) {
	if !actor.Authenticated() {
		return nil, unauthorized()
	}
	if actor.IsAdmin() {
		return s.store.ListProjects(ctx)
	}
	return s.store.ListProjectsForUser(ctx, actor.UserID)
}

func (s *Service) GetProject(ctx context.Context, actor rbac.Actor, projectID string) (store.Project, error) {
	if !actor.Authenticated() {
		return store.Project{}, unauthorized()
	}
	project, err := s.loadProject(ctx, projectID)
	if err != nil {
		return store.Project{}, err
	}
	if _, err := s.requireView(ctx, actor, project.ID); err != nil {
		return store.Project{}, err
	}
	return project, nil
}

func (s *Service) CreateProject(ctx context.Context, actor rbac.Actor, in ProjectInput) (store.Project, error) {
	if err := requireAdmin(actor); err != nil {
		return store.Project{}, err
	}
	in.normalize()
	if err := in.Validate(); err != nil {
		return store.Project{}, invalidInput(err)
	}
	if in.Status == "" {
		in.Status = ProjectActive
	}

	now := s.now().UTC()
	project := store.Project{
		ID:         util.NewID("prj"),
		Name:       in.Name,
		ClientName: in.ClientName,
		Status:     in.Status,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateProject(ctx, project); err != nil {
		return store.Project{}, err
	}
	return project, nil
}

func (s *Service) UpdateProject(ctx context.Context, actor rbac.Actor, projectID string, in ProjectInput) (store.Project, error) {
	if err := requireAdmin(actor); err != nil {
		return store.Project{}, err
	}
	in.normalize()
	if err := in.Validate(); err != nil {
		return store.Project{}, invalidInput(err)
	}
	project, err := s.loadProject(ctx, projectID)
	if err != nil {
		return store.Project{}, err
	}

	project.Name = in.Name
	project.ClientName = in.ClientName
	if in.Status != "" {
		project.Status = in.Status
	}
	project.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateProject(ctx, project); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Project{}, notFound("Project not found")
		}
		return store.Project{}, err
	}
	return project, nil
}

// DeleteProject removes the project with its documents, versions, comments
// and approvals.
func (s *Service) DeleteProject(ctx context.Context, actor rbac.Actor, projectID string) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	if _, err := s.loadProject(ctx, projectID); err != nil {
		return err
	}
	docs, err := s.store.ListDocuments(ctx, projectID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteProject(ctx, projectID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("Project not found")
		}
		return err
	}

	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		ids = append(ids, doc.ID)
	}
	s.search.DeleteDocuments(ids)
	s.logger.Info("project deleted", zap.String("project_id", projectID), zap.Int("documents", len(ids)))
	return nil
}

func (s *Service) loadProject(ctx context.Context, projectID string) (store.Project, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Project{}, notFound("Project not found")
	}
	return project, err
}

type MemberInput struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Role   string `json:"role"`
}

func (in MemberInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.UserID, validation.When(in.Email == "", validation.Required.Error("userId or email is required"))),
		validation.Field(&in.Email, validation.When(in.Email != "", is.EmailFormat)),
		validation.Field(&in.Role, validation.Required, validation.In(
			string(rbac.ProjectViewer), string(rbac.ProjectCreator), string(rbac.ProjectReviewer),
		)),
	)
}

func (s *Service) ListMembers(ctx context.Context, actor rbac.Actor, projectID string) ([]store.Member, error) {
	if !actor.Authenticated() {
		return nil, unauthorized()
	}
	if _, err := s.loadProject(ctx, projectID); err != nil {
		return nil, err
	}
	if _, err := s.requireView(ctx, actor, projectID); err != nil {
		return nil, err
	}
	return s.store.ListMembers(ctx, projectID)
}

func (s *Service) AddMember(ctx context.Context, actor rbac.Actor, projectID string, in MemberInput) (store.Member, error) {
	if err := requireAdmin(actor); err != nil {
		return store.Member{}, err
	}
	in.UserID = strings.TrimSpace(in.UserID)
	in.Email = strings.TrimSpace(in.Email)
	in.Role = strings.TrimSpace(in.Role)
	if err := in.Validate(); err != nil {
		return store.Member{}, invalidInput(err)
	}
	if _, err := s.loadProject(ctx, projectID); err != nil {
		return store.Member{}, err
	}

	var (
		user store.User
		err  error
	)
	if in.UserID != "" {
		user, err = s.store.GetUserByID(ctx, in.UserID)
	} else {
		user, err = s.store.GetUserByEmail(ctx, in.Email)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.Member{}, notFound("User not found")
	}
	if err != nil {
		return store.Member{}, err
	}

	member := store.ProjectMember{
		ID:        util.NewID("mem"),
		ProjectID: projectID,
		UserID:    user.ID,
		Role:      in.Role,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.AddMember(ctx, member); err != nil {
		if errors.Is(err, store.ErrDuplicateMember) {
			return store.Member{}, conflict("User is already a member of this project")
		}
		return store.Member{}, err
	}
	return store.Member{ProjectMember: member, UserName: user.Name, UserEmail: user.Email}, nil
}

func (s *Service) RemoveMember(ctx context.Context, actor rbac.Actor, projectID, memberID string) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	if err := s.store.RemoveMember(ctx, projectID, memberID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("Member not found")
		}
		return err
	}
	return nil
}

type UserInput struct {
	Email      string `json:"email"`
	Name       string `json:"name"`
	Password   string `json:"password"`
	SystemRole string `json:"systemRole"`
}

func (in UserInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Email, validation.Required, is.EmailFormat),
		validation.Field(&in.Name, validation.Required, validation.Length(1, 120)),
		validation.Field(&in.SystemRole, validation.In(string(rbac.SystemAdmin), string(rbac.SystemUser))),
	)
}

func (s *Service) ListUsers(ctx context.Context, actor rbac.Actor) ([]store.User, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	return s.store.ListUsers(ctx)
}

// CreateUser registers an account. Users without a password can only sign in
// through dev login.
func (s *Service) CreateUser(ctx context.Context, actor rbac.Actor, in UserInput) (store.User, error) {
	if err := requireAdmin(actor); err != nil {
		return store.User{}, err
	}
	return s.createUser(ctx, in)
}

func (s *Service) createUser(ctx context.Context, in UserInput) (store.User, error) {
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.Name = strings.TrimSpace(in.Name)
	if err := in.Validate(); err != nil {
		return store.User{}, invalidInput(err)
	}
	if in.SystemRole == "" {
		in.SystemRole = string(rbac.SystemUser)
	}
	hash, err := s.passwords.HashPassword(in.Password)
	if errors.Is(err, authpw.ErrWeakPassword) {
		return store.User{}, validationError("Invalid input", map[string]string{"password": err.Error()})
	}
	if err != nil {
		return store.User{}, err
	}

	user := store.User{
		ID:           util.NewID("usr"),
		Email:        in.Email,
		Name:         in.Name,
		SystemRole:   in.SystemRole,
		PasswordHash: hash,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicateEmail) {
			return store.User{}, conflict("Email is already registered")
		}
		return store.User{}, err
	}
	return user, nil
}

// UpdateUserRole promotes or demotes a user. Admins cannot demote themselves.
func (s *Service) UpdateUserRole(ctx context.Context, actor rbac.Actor, userID, role string) (store.User, error) {
	if err := requireAdmin(actor); err != nil {
		return store.User{}, err
	}
	parsed, err := rbac.ParseSystemRole(strings.TrimSpace(role))
	if err != nil {
		return store.User{}, validationError("Invalid input", map[string]string{"role": "must be Admin or User"})
	}
	if userID == actor.UserID && parsed != rbac.SystemAdmin {
		return store.User{}, validationError("You cannot remove your own administrator role", nil)
	}
	if err := s.store.UpdateUserRole(ctx, userID, string(parsed)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.User{}, notFound("User not found")
		}
		return store.User{}, err
	}
	return s.store.GetUserByID(ctx, userID)
}
