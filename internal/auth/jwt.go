// Package auth verifies the bearer credential presented on the WebSocket
// handshake and HTTP API. Token issuance lives elsewhere; GenerateToken exists
// for tests and the development client.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrMissingToken = errors.New("auth: missing token")
)

// Claims carries the registered claims plus the authenticated user id.
type Claims struct {
	jwt.RegisteredClaims
	UserID string
}

// GenerateToken signs an HS256 token for userID valid for validity.
func GenerateToken(userID string, secretKey []byte, validity time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(validity)),
		},
		UserID: userID,
	})
	s, err := token.SignedString(secretKey)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return s, nil
}

// GetUserIDFromToken validates the token signature and expiry and returns its
// UserID claim.
func GetUserIDFromToken(tokenString string, secretKey []byte) (string, error) {
	if tokenString == "" {
		return "", ErrMissingToken
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return secretKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.UserID == "" {
		return "", ErrInvalidToken
	}
	return claims.UserID, nil
}

// Verifier binds a secret to GetUserIDFromToken.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier for HS256 tokens signed with secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// UserID returns the user id carried by token.
func (v *Verifier) UserID(token string) (string, error) {
	return GetUserIDFromToken(token, v.secret)
}
