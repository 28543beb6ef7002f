package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/authsession-api/internal/models"
)

// SessionKeys builds the cache keys used for sessions and refresh tokens.
type SessionKeys struct {
	Prefix string
}

func (k SessionKeys) UserSession(userID string) string { return k.Prefix + "session:" + userID }
func (k SessionKeys) RefreshToken(hash string) string { return k.Prefix + "refresh-token:" + hash }
func (k SessionKeys) RevokedToken(hash string) string { return k.Prefix + "revoked-token:" + hash }
func (k SessionKeys) TokenFamily(family string) string { return k.Prefix + "token-family:" + family }
func (k SessionKeys) UserTokens(userID string) string { return k.Prefix + "user-tokens:" + userID }
func (k SessionKeys) AllUserSessions() string { return k.Prefix + "session:*" }

// SessionStore is the subset of the cache adapter the session cache needs.
type SessionStore interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) bool
	Del(ctx context.Context, keys ...string) int64
	DelByPattern(ctx context.Context, pattern string) int64
	Exists(ctx context.Context, key string) bool
	Expire(ctx context.Context, key string, ttl time.Duration) bool
	GetJSON(ctx context.Context, key string, dest interface{}) bool
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) bool
	SAdd(ctx context.Context, key string, members ...string) int64
	SRem(ctx context.Context, key string, members ...string) int64
	SMembers(ctx context.Context, key string) []string
}

// SessionCacheService maps sessions, refresh token projections, revocation
// markers and fan-out indices onto the cache. Every method is best-effort.
type SessionCacheService struct {
	store      SessionStore
	keys       SessionKeys
	sessionTTL time.Duration
	refreshTTL time.Duration
	logger     *zap.Logger
}

// NewSessionCacheService constructs a session cache. Sessions live for the
// access token lifetime; markers and indices for the refresh token lifetime.
func NewSessionCacheService(store SessionStore, cfg TokenConfig, keyPrefix string, logger *zap.Logger) *SessionCacheService {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &SessionCacheService{
		store:      store,
		keys:       SessionKeys{Prefix: keyPrefix},
		sessionTTL: cfg.AccessTokenTTL,
		refreshTTL: cfg.RefreshTokenTTL,
		logger:     logger,
	}
}

// Keys exposes the key layout.
func (s *SessionCacheService) Keys() SessionKeys {
	return s.keys
}

// CacheUserSession stores the session projection of a user.
func (s *SessionCacheService) CacheUserSession(ctx context.Context, session models.CachedUserSession) {
	if s.store.SetJSON(ctx, s.keys.UserSession(session.ID), session, s.sessionTTL) {
		s.logger.Debug("user session cached", zap.String("user_id", session.ID))
	}
}

// GetUserSession returns the cached session of a user.
func (s *SessionCacheService) GetUserSession(ctx context.Context, userID string) (*models.CachedUserSession, bool) {
	var session models.CachedUserSession
	if !s.store.GetJSON(ctx, s.keys.UserSession(userID), &session) {
		return nil, false
	}
	return &session, true
}

// InvalidateUserSession drops the cached session of a user.
func (s *SessionCacheService) InvalidateUserSession(ctx context.Context, userID string) {
	s.store.Del(ctx, s.keys.UserSession(userID))
	s.logger.Debug("user session invalidated", zap.String("user_id", userID))
}

// InvalidateAllSessions drops every cached session. Administrative use only.
func (s *SessionCacheService) InvalidateAllSessions(ctx context.Context) int64 {
	return s.store.DelByPattern(ctx, s.keys.AllUserSessions())
}

// CacheRefreshToken stores a token projection for ttl and indexes its hash
// under the owning user and family. A non-positive ttl is ignored.
func (s *SessionCacheService) CacheRefreshToken(ctx context.Context, token models.CachedRefreshToken, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	s.store.SetJSON(ctx, s.keys.RefreshToken(token.TokenHash), token, ttl)
	s.addTokenToUserSet(ctx, token.UserID, token.TokenHash)
	s.addTokenToFamilySet(ctx, token.Family, token.TokenHash)
	s.logger.Debug("refresh token cached", zap.String("token_hash", hashPrefix(token.TokenHash)))
}

// GetCachedRefreshToken returns the projection stored for hash.
func (s *SessionCacheService) GetCachedRefreshToken(ctx context.Context, tokenHash string) (*models.CachedRefreshToken, bool) {
	var token models.CachedRefreshToken
	if !s.store.GetJSON(ctx, s.keys.RefreshToken(tokenHash), &token) {
		return nil, false
	}
	return &token, true
}

// RemoveCachedRefreshToken evicts a projection and its index entries.
func (s *SessionCacheService) RemoveCachedRefreshToken(ctx context.Context, tokenHash string) {
	cached, ok := s.GetCachedRefreshToken(ctx, tokenHash)
	s.store.Del(ctx, s.keys.RefreshToken(tokenHash))
	if ok {
		s.removeTokenFromUserSet(ctx, cached.UserID, tokenHash)
		s.removeTokenFromFamilySet(ctx, cached.Family, tokenHash)
	}
}

// MarkTokenAsRevoked writes the revocation marker for hash, evicts its
// projection and drops it from the fan-out indices. userID and family may be
// empty, in which case they are taken from the cached projection if any.
func (s *SessionCacheService) MarkTokenAsRevoked(ctx context.Context, tokenHash, userID, family string) {
	if cached, ok := s.GetCachedRefreshToken(ctx, tokenHash); ok {
		if userID == "" {
			userID = cached.UserID
		}
		if family == "" {
			family = cached.Family
		}
	}

	// The marker TTL is the full refresh lifetime so it outlives any projection.
	s.store.Set(ctx, s.keys.RevokedToken(tokenHash), "1", s.refreshTTL)
	s.store.Del(ctx, s.keys.RefreshToken(tokenHash))

	if userID != "" {
		s.removeTokenFromUserSet(ctx, userID, tokenHash)
	}
	if family != "" {
		s.removeTokenFromFamilySet(ctx, family, tokenHash)
	}
	s.logger.Debug("refresh token marked revoked", zap.String("token_hash", hashPrefix(tokenHash)))
}

// IsTokenRevoked reports whether a revocation marker exists for hash.
func (s *SessionCacheService) IsTokenRevoked(ctx context.Context, tokenHash string) bool {
	return s.store.Exists(ctx, s.keys.RevokedToken(tokenHash))
}

// FamilyTokenHashes lists the hashes indexed under family.
func (s *SessionCacheService) FamilyTokenHashes(ctx context.Context, family string) []string {
	return s.store.SMembers(ctx, s.keys.TokenFamily(family))
}

// RevokeTokenFamily marks every indexed member of family revoked, drops the
// index and returns the hashes it found.
func (s *SessionCacheService) RevokeTokenFamily(ctx context.Context, family string) []string {
	key := s.keys.TokenFamily(family)
	hashes := s.store.SMembers(ctx, key)
	for _, hash := range hashes {
		s.MarkTokenAsRevoked(ctx, hash, "", family)
	}
	s.store.Del(ctx, key)
	return hashes
}

// RevokeAllUserTokens marks every indexed token of a user revoked, drops the
// index and the user's session, and returns the hashes it found.
func (s *SessionCacheService) RevokeAllUserTokens(ctx context.Context, userID string) []string {
	key := s.keys.UserTokens(userID)
	hashes := s.store.SMembers(ctx, key)
	for _, hash := range hashes {
		s.MarkTokenAsRevoked(ctx, hash, userID, "")
	}
	s.store.Del(ctx, key)
	s.InvalidateUserSession(ctx, userID)
	return hashes
}

// GetUserTokenHashes lists the hashes indexed under a user.
func (s *SessionCacheService) GetUserTokenHashes(ctx context.Context, userID string) []string {
	return s.store.SMembers(ctx, s.keys.UserTokens(userID))
}

func (s *SessionCacheService) addTokenToFamilySet(ctx context.Context, family, tokenHash string) {
	key := s.keys.TokenFamily(family)
	s.store.SAdd(ctx, key, tokenHash)
	s.store.Expire(ctx, key, s.refreshTTL)
}

func (s *SessionCacheService) removeTokenFromFamilySet(ctx context.Context, family, tokenHash string) {
	s.store.SRem(ctx, s.keys.TokenFamily(family), tokenHash)
}

func (s *SessionCacheService) addTokenToUserSet(ctx context.Context, userID, tokenHash string) {
	key := s.keys.UserTokens(userID)
	s.store.SAdd(ctx, key, tokenHash)
	s.store.Expire(ctx, key, s.refreshTTL)
}

func (s *SessionCacheService) removeTokenFromUserSet(ctx context.Context, userID, tokenHash string) {
	s.store.SRem(ctx, s.keys.UserTokens(userID), tokenHash)
}
