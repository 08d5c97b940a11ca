// Package auth validates the bearer identity the Gateway's Browser
// Channel requires on connect (§4.G, §7 close code 4001). The Gateway
// never issues tokens itself — per the specification's non-goals, user
// authentication stops at consuming a verified identity — so only the
// validate half of the teacher's JWTService survives here.
//
// Grounded on spencerandtheteagues-apex-build-platform's
// internal/auth.JWTService.ValidateAccessToken: HMAC-only signing method
// check plus jwt.ParseWithClaims against a fixed secret.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Claims identifies the browser's user for subscription bookkeeping.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Validator checks bearer tokens presented by Browser Channels.
type Validator struct {
	secret []byte
}

// NewValidator builds a Validator around a shared HMAC secret.
func NewValidator(secret string) *Validator {
	return &Validator{secret: []byte(secret)}
}

// Validate parses and verifies tokenString, returning the embedded user id.
func (v *Validator) Validate(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("validate token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return "", errors.New("invalid token claims")
	}
	return claims.UserID, nil
}
