// Package authpw authenticates users by email and password.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sufyansidqy/dms/internal/store"
	"golang.org/x/crypto/bcrypt"
)

const minPasswordLength = 8

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrWeakPassword       = fmt.Errorf("password must be at least %d characters", minPasswordLength)
)

// UserStore is the subset of the store used for sign-in.
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
}

// Service checks credentials. With devLogin enabled an empty password
// signs in any existing user by email alone.
type Service struct {
	store    UserStore
	devLogin bool
	cost     int
}

func NewService(userStore UserStore, devLogin bool) *Service {
	return &Service{store: userStore, devLogin: devLogin, cost: bcrypt.DefaultCost}
}

type SignInRequest struct {
	Email    string
	Password string
}

func (s *Service) DevLogin() bool {
	return s.devLogin
}

// SignIn returns the matching user or ErrInvalidCredentials. Lookup failures
// are never distinguished from a wrong password.
func (s *Service) SignIn(ctx context.Context, req SignInRequest) (store.User, error) {
	email := strings.TrimSpace(req.Email)
	if email == "" {
		return store.User{}, ErrInvalidCredentials
	}
	if req.Password == "" && !s.devLogin {
		return store.User{}, ErrInvalidCredentials
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return store.User{}, ErrInvalidCredentials
	}

	if req.Password == "" {
		return user, nil
	}
	if user.PasswordHash == "" {
		return store.User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	return user, nil
}

// HashPassword returns a bcrypt hash, or "" for an empty password.
func (s *Service) HashPassword(password string) (string, error) {
	if password == "" {
		return "", nil
	}
	if len(password) < minPasswordLength {
		return "", ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}
