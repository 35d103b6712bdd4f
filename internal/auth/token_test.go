package auth

import (
	"errors"
	"testing"
	"time"
)

func newIssuer(t *testing.T, clock func() time.Time) *TokenIssuer {
	t.Helper()
	issuer, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("secret"), TokenTTL: time.Hour, Clock: clock})
	if err != nil {
		t.Fatalf("NewTokenIssuer() error = %v", err)
	}
	return issuer
}

func TestIssueAndParseToken(t *testing.T) {
	issuer := newIssuer(t, nil)
	token, issued, err := issuer.Issue("usr_1", "Avery", "Admin")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	claims, err := issuer.Parse(token)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if claims.Subject != "usr_1" || claims.Name != "Avery" || claims.Role != "Admin" || claims.ID != issued.ID {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestParseRejectsExpiredToken(t *testing.T) {
	past := time.Now().Add(-2 * time.Hour)
	token, _, err := newIssuer(t, func() time.Time { return past }).Issue("usr_1", "Avery", "User")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if _, err := newIssuer(t, nil).Parse(token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestParseRejectsForeignSignature(t *testing.T) {
	token, _, err := newIssuer(t, nil).Issue("usr_1", "Avery", "User")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	other, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("other")})
	if err != nil {
		t.Fatalf("NewTokenIssuer() error = %v", err)
	}
	if _, err := other.Parse(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := other.Parse("not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for garbage, got %v", err)
	}
}

func TestNewTokenIssuerRequiresSecret(t *testing.T) {
	if _, err := NewTokenIssuer(TokenIssuerConfig{}); err == nil {
		t.Fatal("expected error without signing secret")
	}
}

func TestRefreshTokensAreRandomAndHashed(t *testing.T) {
	a, err := NewRefreshToken()
	if err != nil {
		t.Fatalf("NewRefreshToken() error = %v", err)
	}
	b, _ := NewRefreshToken()
	if a == b || len(a) != 64 {
		t.Fatalf("unexpected refresh tokens %q %q", a, b)
	}
	if HashToken(a) == a || len(HashToken(a)) != 64 {
		t.Fatalf("unexpected hash %q", HashToken(a))
	}
}
