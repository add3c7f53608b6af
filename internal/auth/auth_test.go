package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestIssuer(t *testing.T) *TokenIssuer {
	t.Helper()
	issuer, err := NewTokenIssuer([]byte("test-secret"))
	if err != nil {
		t.Fatalf("NewTokenIssuer() error: %v", err)
	}
	return issuer
}

func TestIssueAndVerify(t *testing.T) {
	issuer := newTestIssuer(t)

	token, err := issuer.Issue("id-123", "user")
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}

	id, role, err := issuer.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if id != "id-123" {
		t.Errorf("expected identity %q, got %q", "id-123", id)
	}
	if role != "user" {
		t.Errorf("expected role %q, got %q", "user", role)
	}
}

func TestVerify_Garbage(t *testing.T) {
	issuer := newTestIssuer(t)

	for _, token := range []string{"", "not-a-token", "a.b.c"} {
		if _, _, err := issuer.Verify(token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Verify(%q): expected ErrInvalidToken, got %v", token, err)
		}
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	issuer := newTestIssuer(t)
	other, _ := NewTokenIssuer([]byte("different-secret"))

	token, err := other.Issue("id-123", "user")
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	if _, _, err := issuer.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for wrong secret, got %v", err)
	}
}

func TestVerify_Expired(t *testing.T) {
	issuer := newTestIssuer(t)

	// Hand-build a token that expired an hour ago.
	claims := Claims{
		IdentityID: "id-123",
		Role:       "user",
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, _, err := issuer.Verify(signed); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("expected ErrExpiredToken, got %v", err)
	}
}

func TestVerify_MissingIdentity(t *testing.T) {
	issuer := newTestIssuer(t)

	token, err := issuer.Issue("", "user")
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	if _, _, err := issuer.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for empty identity claim, got %v", err)
	}
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("hunter22")
	if err != nil {
		t.Fatalf("HashPassword() error: %v", err)
	}
	if hash == "hunter22" {
		t.Fatal("hash equals plaintext")
	}
	if !CheckPassword(hash, "hunter22") {
		t.Error("expected password to match its hash")
	}
	if CheckPassword(hash, "wrong") {
		t.Error("expected mismatch for wrong password")
	}
}
