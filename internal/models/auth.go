package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenType distinguishes access from refresh JWTs.
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// TokenClaims is the JWT payload shared by access and refresh tokens. Family
// and TokenID are only set on refresh tokens.
type TokenClaims struct {
	Email   string    `json:"email"`
	Type    TokenType `json:"type"`
	Family  string    `json:"family,omitempty"`
	TokenID string    `json:"tokenId,omitempty"`
	jwt.RegisteredClaims
}

// UserID returns the subject of the token.
func (c *TokenClaims) UserID() string {
	if c == nil {
		return ""
	}
	return c.Subject
}

// RegisterRequest creates a new account.
type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
	Name     string `json:"name" validate:"required,max=255"`
}

// LoginRequest holds credentials for authenticating a user.
type LoginRequest struct {
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required"`
	IP        string `json:"-"`
	UserAgent string `json:"-"`
}

// RefreshTokenRequest exchanges a refresh token for a new token pair.
type RefreshTokenRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
	IP           string `json:"-"`
	UserAgent    string `json:"-"`
}

// TokenPair is the credential bundle returned by login and refresh.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
	TokenType    string `json:"tokenType"`
}

// LoginResponse returns the issued tokens and user info.
type LoginResponse struct {
	User   UserInfo  `json:"user"`
	Tokens TokenPair `json:"tokens"`
}

// UserInfo is the sanitized user returned to clients.
type UserInfo struct {
	ID             string     `json:"id"`
	Email          string     `json:"email"`
	Name           string     `json:"name"`
	Avatar         string     `json:"avatar,omitempty"`
	LastLoggedInAt *time.Time `json:"lastLoggedInAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// AuthenticatedUser is the principal attached to an authorised request.
type AuthenticatedUser struct {
	ID     string `json:"id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// SessionInfo describes one refresh token chain entry for session listings.
type SessionInfo struct {
	ID        string    `json:"id"`
	Family    string    `json:"family"`
	IsRevoked bool      `json:"isRevoked"`
	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
	UserAgent string    `json:"userAgent,omitempty"`
	IPAddress string    `json:"ipAddress,omitempty"`
}

// SessionList is the response of the session listing endpoint.
type SessionList struct {
	Sessions    []SessionInfo `json:"sessions"`
	CachedCount int           `json:"cachedCount"`
}
