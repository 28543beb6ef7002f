package models

import "time"

// RefreshToken is the durable record of an issued refresh token. Only the
// digest of the bearer secret is stored.
type RefreshToken struct {
	ID        string    `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"user_id"`
	TokenHash string    `db:"token_hash" json:"-"`
	Family    string    `db:"family" json:"family"`
	IsRevoked bool      `db:"is_revoked" json:"is_revoked"`
	ExpiresAt time.Time `db:"expires_at" json:"expires_at"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UserAgent *string   `db:"user_agent" json:"user_agent,omitempty"`
	IPAddress *string   `db:"ip_address" json:"ip_address,omitempty"`
}

// Expired reports whether the token is past its expiry at now.
func (t *RefreshToken) Expired(now time.Time) bool {
	return !t.ExpiresAt.After(now)
}

// CachedRefreshToken is the cache projection of a RefreshToken.
type CachedRefreshToken struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Family    string    `json:"family"`
	TokenHash string    `json:"tokenHash"`
	ExpiresAt time.Time `json:"expiresAt"`
	IsRevoked bool      `json:"isRevoked"`
}

// Projection builds the cache projection of t.
func (t *RefreshToken) Projection() CachedRefreshToken {
	return CachedRefreshToken{
		ID:        t.ID,
		UserID:    t.UserID,
		Family:    t.Family,
		TokenHash: t.TokenHash,
		ExpiresAt: t.ExpiresAt,
		IsRevoked: t.IsRevoked,
	}
}

// RefreshToken expands the projection back into a record. Metadata that is not
// cached (user agent, address, creation time) is left empty.
func (c CachedRefreshToken) RefreshToken() *RefreshToken {
	return &RefreshToken{
		ID:        c.ID,
		UserID:    c.UserID,
		TokenHash: c.TokenHash,
		Family:    c.Family,
		IsRevoked: c.IsRevoked,
		ExpiresAt: c.ExpiresAt,
	}
}

// CachedUserSession is the projection of a user used to authorise access tokens.
type CachedUserSession struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	Avatar   string `json:"avatar,omitempty"`
	CachedAt int64  `json:"cachedAt"`
}

// TokenMetadata describes the client that requested a refresh token.
type TokenMetadata struct {
	UserAgent string
	IPAddress string
}
