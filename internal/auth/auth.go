// Package auth issues and verifies identity tokens and hashes passwords.
// The token's role claim is informational only: after connection setup,
// authorization decisions always re-read live role state from the store,
// because a token issued before a ban still carries the old role.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// TokenTTL is how long an issued token stays valid.
const TokenTTL = time.Hour

// AuthError kinds. Both are fatal to the connection that presented the token.
var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrExpiredToken = errors.New("auth: token expired")
)

// Claims is the JWT payload carried by identity tokens.
type Claims struct {
	IdentityID string `json:"userId"`
	Role       string `json:"role"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies identity tokens with a shared HMAC secret.
type TokenIssuer struct {
	secret []byte
}

// NewTokenIssuer creates a TokenIssuer. The secret must be non-empty.
func NewTokenIssuer(secret []byte) (*TokenIssuer, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: empty signing secret")
	}
	return &TokenIssuer{secret: secret}, nil
}

// Issue creates a signed token for the given identity.
func (t *TokenIssuer) Issue(identityID, role string) (string, error) {
	now := time.Now()
	claims := Claims{
		IdentityID: identityID,
		Role:       role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, returning the identity ID and the
// role recorded at issue time. Expired tokens map to ErrExpiredToken; every
// other failure maps to ErrInvalidToken.
func (t *TokenIssuer) Verify(tokenString string) (identityID, role string, err error) {
	var claims Claims
	_, err = jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", "", ErrExpiredToken
		}
		return "", "", ErrInvalidToken
	}
	if claims.IdentityID == "" {
		return "", "", ErrInvalidToken
	}
	return claims.IdentityID, claims.Role, nil
}

// HashPassword hashes a plaintext password with bcrypt.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword compares a plaintext password against a bcrypt hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
