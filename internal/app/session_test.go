package app

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sufyansidqy/dms/internal/auth"
	"github.com/sufyansidqy/dms/internal/authpw"
	"github.com/sufyansidqy/dms/internal/session"
)

// withRedisSessions switches the harness to wall-clock time, which Redis
// expiries are measured against.
func withRedisSessions(t *testing.T) func(*ServiceConfig) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return func(cfg *ServiceConfig) {
		tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte("test-secret")})
		if err != nil {
			t.Fatalf("NewTokenIssuer() error = %v", err)
		}
		cfg.Tokens = tokens
		cfg.Clock = nil
		cfg.Sessions = session.NewRedisStoreWithClient(client)
	}
}

func TestRefreshRotationAndLogout(t *testing.T) {
	h := newHarness(t, withRedisSessions(t))
	ctx := context.Background()

	if _, err := h.svc.CreateUser(ctx, h.admin, UserInput{Email: "sam@dms.test", Name: "Sam", Password: "correct-horse"}); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	first, err := h.svc.Login(ctx, LoginInput{Email: "sam@dms.test", Password: "correct-horse"})
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if first.RefreshToken == "" || first.User.Email != "sam@dms.test" {
		t.Fatalf("expected refresh token and loaded user, got %+v", first)
	}

	second, err := h.svc.Refresh(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if second.RefreshToken == first.RefreshToken || second.User.Email != "sam@dms.test" {
		t.Fatalf("expected a rotated refresh token, got %+v", second)
	}
	_, err = h.svc.Refresh(ctx, first.RefreshToken)
	expectCode(t, err, CodeUnauthorized)

	current, err := h.svc.SessionFromToken(ctx, second.AccessToken)
	if err != nil {
		t.Fatalf("SessionFromToken() error = %v", err)
	}
	h.svc.Logout(ctx, current, second.RefreshToken)

	if _, err := h.svc.SessionFromToken(ctx, second.AccessToken); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected revoked access token, got %v", err)
	}
	_, err = h.svc.Refresh(ctx, second.RefreshToken)
	expectCode(t, err, CodeUnauthorized)
}

func TestDevLogin(t *testing.T) {
	h := newHarness(t, func(cfg *ServiceConfig) {
		cfg.Passwords = authpw.NewService(cfg.Store, true)
	})
	ctx := context.Background()

	tokens, err := h.svc.Login(ctx, LoginInput{Email: "creator@dms.test"})
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if tokens.RefreshToken != "" {
		t.Fatalf("expected no refresh token without sessions, got %q", tokens.RefreshToken)
	}
	current, err := h.svc.SessionFromToken(ctx, tokens.AccessToken)
	if err != nil {
		t.Fatalf("SessionFromToken() error = %v", err)
	}
	if current.UserID != h.creator.UserID || current.Actor().Name != "Casey Creator" {
		t.Fatalf("unexpected session %+v", current)
	}

	_, err = h.svc.Login(ctx, LoginInput{Email: "nobody@dms.test"})
	expectCode(t, err, CodeUnauthorized)
	_, err = h.svc.Refresh(ctx, "anything")
	expectCode(t, err, CodeUnauthorized)
}

func TestLoginWithoutDevLogin(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.svc.Login(ctx, LoginInput{Email: "creator@dms.test"})
	expectCode(t, err, CodeUnauthorized)
	_, err = h.svc.Login(ctx, LoginInput{Email: "not-an-email"})
	expectCode(t, err, CodeValidation)

	if _, err := h.svc.SessionFromToken(ctx, "garbage"); err == nil {
		t.Fatal("expected an error for a malformed token")
	}
	_, err = h.svc.Me(ctx, h.viewer)
	if err != nil {
		t.Fatalf("Me() error = %v", err)
	}
}
