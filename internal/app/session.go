package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/sufyansidqy/dms/internal/auth"
	"github.com/sufyansidqy/dms/internal/authpw"
	"github.com/sufyansidqy/dms/internal/rbac"
	"github.com/sufyansidqy/dms/internal/session"
	"github.com/sufyansidqy/dms/internal/store"
	"go.uber.org/zap"
)

// Session is the caller behind a verified access token.
type Session struct {
	UserID    string
	UserName  string
	Email     string
	Role      rbac.SystemRole
	JTI       string
	ExpiresAt time.Time
}

func (s Session) Actor() rbac.Actor {
	return rbac.Actor{UserID: s.UserID, Name: s.UserName, Role: s.Role}
}

// Tokens is returned by login and refresh. RefreshToken is empty when refresh
// sessions are disabled.
type Tokens struct {
	AccessToken  string     `json:"accessToken"`
	RefreshToken string     `json:"refreshToken,omitempty"`
	ExpiresAt    time.Time  `json:"expiresAt"`
	User         store.User `json:"user"`
}

type LoginInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (in LoginInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Email, validation.Required, is.EmailFormat),
	)
}

func (s *Service) Login(ctx context.Context, in LoginInput) (Tokens, error) {
	in.Email = strings.TrimSpace(in.Email)
	if err := in.Validate(); err != nil {
		return Tokens{}, invalidInput(err)
	}
	user, err := s.passwords.SignIn(ctx, authpw.SignInRequest{Email: in.Email, Password: in.Password})
	if errors.Is(err, authpw.ErrInvalidCredentials) {
		return Tokens{}, domainError(http.StatusUnauthorized, CodeUnauthorized, "Invalid email or password", nil)
	}
	if err != nil {
		return Tokens{}, err
	}
	return s.issueTokens(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if s.sessions == nil || refreshToken == "" {
		return Tokens{}, domainError(http.StatusUnauthorized, CodeUnauthorized, "Refresh token is invalid or expired", nil)
	}
	record, err := s.sessions.Consume(ctx, auth.HashToken(refreshToken))
	if errors.Is(err, session.ErrSessionNotFound) {
		return Tokens{}, domainError(http.StatusUnauthorized, CodeUnauthorized, "Refresh token is invalid or expired", nil)
	}
	if err != nil {
		return Tokens{}, err
	}
	user, err := s.store.GetUserByID(ctx, record.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return Tokens{}, domainError(http.StatusUnauthorized, CodeUnauthorized, "Refresh token is invalid or expired", nil)
	}
	if err != nil {
		return Tokens{}, err
	}
	return s.issueTokens(ctx, user)
}

func (s *Service) issueTokens(ctx context.Context, user store.User) (Tokens, error) {
	token, claims, err := s.tokens.Issue(user.ID, user.Name, user.SystemRole)
	if err != nil {
		return Tokens{}, err
	}
	out := Tokens{AccessToken: token, ExpiresAt: claims.ExpiresAt.Time, User: user}

	if s.sessions != nil {
		refresh, err := auth.NewRefreshToken()
		if err != nil {
			return Tokens{}, err
		}
		if err := s.sessions.Save(ctx, auth.HashToken(refresh), user.ID, s.now().Add(s.refreshTTL)); err != nil {
			return Tokens{}, err
		}
		out.RefreshToken = refresh
	}
	return out, nil
}

// SessionFromToken verifies an access token and reloads the user, so role
// changes apply to tokens issued before them.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return Session{}, err
	}
	if s.sessions != nil {
		revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.ID)
		if err != nil {
			return Session{}, err
		}
		if revoked {
			return Session{}, auth.ErrInvalidToken
		}
	}

	user, err := s.store.GetUserByID(ctx, claims.Subject)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}
	role, err := rbac.ParseSystemRole(user.SystemRole)
	if err != nil {
		role = rbac.SystemUser
	}

	return Session{
		UserID:    user.ID,
		UserName:  user.Name,
		Email:     user.Email,
		Role:      role,
		JTI:       claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

func (s *Service) Logout(ctx context.Context, current Session, refreshToken string) {
	if s.sessions == nil {
		return
	}
	if current.JTI != "" {
		if err := s.sessions.RevokeAccessToken(ctx, current.JTI, current.ExpiresAt); err != nil {
			s.logger.Warn("revoke access token", zap.String("user_id", current.UserID), zap.Error(err))
		}
	}
	if refreshToken = strings.TrimSpace(refreshToken); refreshToken != "" {
		if err := s.sessions.Revoke(ctx, auth.HashToken(refreshToken)); err != nil {
			s.logger.Warn("revoke refresh session", zap.String("user_id", current.UserID), zap.Error(err))
		}
	}
}

// Me returns the user behind the session.
func (s *Service) Me(ctx context.Context, actor rbac.Actor) (store.User, error) {
	if !actor.Authenticated() {
		return store.User{}, unauthorized()
	}
	user, err := s.store.GetUserByID(ctx, actor.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.User{}, unauthorized()
	}
	return user, err
}
