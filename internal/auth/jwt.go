// Package auth provides JWT verification for the socket handshake and
// explicit per-route access policies.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenPayload represents JWT token claims
type TokenPayload struct {
	UserID          int64  `json:"userId"`
	UserUUID        string `json:"uuid"`
	Email           string `json:"email,omitempty"`
	IsEmailVerified bool   `json:"isEmailVerified"`
	jwt.RegisteredClaims
}

// Errors for JWT validation
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrShortSecret  = errors.New("JWT secret must be at least 32 characters")
)

// VerifyToken verifies and decodes a JWT token
func VerifyToken(tokenString, secret string) (*TokenPayload, error) {
	if len(secret) < 32 {
		return nil, ErrShortSecret
	}

	token, err := jwt.ParseWithClaims(tokenString, &TokenPayload{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*TokenPayload); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrInvalidToken
}

// GenerateAccessToken generates a JWT access token
func GenerateAccessToken(userID int64, userUUID, email string, emailVerified bool, secret string, expiresIn time.Duration) (string, error) {
	if len(secret) < 32 {
		return "", ErrShortSecret
	}

	now := time.Now()
	claims := &TokenPayload{
		UserID:          userID,
		UserUUID:        userUUID,
		Email:           email,
		IsEmailVerified: emailVerified,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
