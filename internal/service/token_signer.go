package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/noah-isme/authsession-api/internal/models"
)

// ErrInvalidToken is returned when a JWT fails signature, expiry or shape checks.
var ErrInvalidToken = errors.New("invalid token")

// TokenSigner signs and verifies HS256 JWTs carrying TokenClaims.
type TokenSigner struct {
	issuer string
	now    func() time.Time
}

// NewTokenSigner constructs a TokenSigner.
func NewTokenSigner(issuer string) *TokenSigner {
	return &TokenSigner{issuer: issuer, now: time.Now}
}

// Sign stamps issuer and validity window onto claims and signs them with secret.
func (s *TokenSigner) Sign(claims models.TokenClaims, secret string, ttl time.Duration) (string, error) {
	issuedAt := s.now().UTC()
	claims.Issuer = s.issuer
	claims.IssuedAt = jwt.NewNumericDate(issuedAt)
	claims.NotBefore = jwt.NewNumericDate(issuedAt)
	claims.ExpiresAt = jwt.NewNumericDate(issuedAt.Add(ttl))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses raw and checks its signature against secret and its expiry.
func (s *TokenSigner) Verify(raw, secret string) (*models.TokenClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	token, err := jwt.ParseWithClaims(raw, &models.TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*models.TokenClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func subject(userID string) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{Subject: userID}
}
