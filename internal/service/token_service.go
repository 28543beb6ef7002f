package service

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/noah-isme/authsession-api/internal/models"
	"github.com/noah-isme/authsession-api/internal/repository"
	appErrors "github.com/noah-isme/authsession-api/pkg/errors"
)

var (
	// ErrRefreshTokenReused signals that a rotation targeted an already revoked token.
	ErrRefreshTokenReused = errors.New("refresh token reused")
	// ErrRefreshTokenNotFound signals that a rotation targeted a token that no longer exists.
	ErrRefreshTokenNotFound = errors.New("refresh token not found")
)

const refreshTokenIDPrefix = "refresh-token"

type refreshTokenStore interface {
	Create(ctx context.Context, token *models.RefreshToken) error
	FindActiveByHash(ctx context.Context, tokenHash string, now time.Time) (*models.RefreshToken, error)
	RevokeByID(ctx context.Context, id string) (*models.RefreshToken, error)
	RevokeByHash(ctx context.Context, tokenHash string) (bool, error)
	Rotate(ctx context.Context, parentID string, next *models.RefreshToken) (*models.RefreshToken, error)
	RevokeByFamily(ctx context.Context, family string) ([]string, error)
	RevokeByUser(ctx context.Context, userID string) ([]string, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]models.RefreshToken, error)
}

// NewRefreshToken describes a refresh token about to be persisted.
type NewRefreshToken struct {
	UserID    string
	Token     string
	Family    string
	ExpiresAt time.Time
	Metadata  models.TokenMetadata
}

// TokenService is the system of record for refresh tokens across the durable
// store and the session cache.
type TokenService struct {
	store  refreshTokenStore
	cache  *SessionCacheService
	ids    IDGenerator
	events EventSink
	logger *zap.Logger
	now    func() time.Time
}

// NewTokenService constructs a TokenService.
func NewTokenService(store refreshTokenStore, cache *SessionCacheService, events EventSink, logger *zap.Logger) *TokenService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if events == nil {
		events = nopSink{}
	}
	return &TokenService{
		store:  store,
		cache:  cache,
		ids:    NewIDGenerator(),
		events: events,
		logger: logger,
		now:    time.Now,
	}
}

// HashToken returns the digest under which a raw token is stored.
func (s *TokenService) HashToken(raw string) string {
	return HashToken(raw)
}

// GenerateSecureToken returns 32 random bytes as hex.
func (s *TokenService) GenerateSecureToken() (string, error) {
	return s.ids.NewSecret()
}

// GenerateFamily returns a new family id.
func (s *TokenService) GenerateFamily() string {
	return s.ids.NewFamily()
}

// CreateRefreshToken persists a token and writes its cache projection. The
// projection is skipped when the token is already expired.
func (s *TokenService) CreateRefreshToken(ctx context.Context, in NewRefreshToken) (token *models.RefreshToken, err error) {
	ctx, span := startSpan(ctx, "TokenService.CreateRefreshToken", attribute.String("user.id", in.UserID))
	defer func() { endSpan(span, err) }()

	token = s.newRow(in)
	if err := s.store.Create(ctx, token); err != nil {
		return nil, appErrors.Unavailable(err, "failed to persist refresh token")
	}

	s.cacheProjection(ctx, token)
	s.events.Emit(ctx, Event{Type: EventTokenIssued, UserID: token.UserID, Family: token.Family, TokenID: token.ID, TokenHash: token.TokenHash})
	return token, nil
}

// FindByToken resolves a raw token to its active record. It returns nil when
// the token is unknown, revoked or expired.
func (s *TokenService) FindByToken(ctx context.Context, raw string) (*models.RefreshToken, error) {
	return s.FindByTokenHash(ctx, HashToken(raw))
}

// FindByTokenHash resolves a token digest to its active record.
func (s *TokenService) FindByTokenHash(ctx context.Context, tokenHash string) (token *models.RefreshToken, err error) {
	ctx, span := startSpan(ctx, "TokenService.FindByTokenHash")
	defer func() { endSpan(span, err) }()

	if s.cache.IsTokenRevoked(ctx, tokenHash) {
		span.SetAttributes(attribute.String("lookup", "revoked_marker"))
		return nil, nil
	}

	now := s.now()
	if cached, ok := s.cache.GetCachedRefreshToken(ctx, tokenHash); ok {
		if cached.IsRevoked || !cached.ExpiresAt.After(now) {
			s.cache.RemoveCachedRefreshToken(ctx, tokenHash)
			span.SetAttributes(attribute.String("lookup", "cache_stale"))
			return nil, nil
		}
		span.SetAttributes(attribute.String("lookup", "cache_hit"))
		return cached.RefreshToken(), nil
	}

	span.SetAttributes(attribute.String("lookup", "durable"))
	token, err = s.store.FindActiveByHash(ctx, tokenHash, now)
	if err != nil {
		if errors.Is(err, repository.ErrTokenNotFound) {
			return nil, nil
		}
		return nil, appErrors.Unavailable(err, "failed to load refresh token")
	}

	s.cacheProjection(ctx, token)
	return token, nil
}

// RevokeToken revokes one token by id. Revoking an already revoked or unknown
// token is a no-op.
func (s *TokenService) RevokeToken(ctx context.Context, tokenID string) (err error) {
	ctx, span := startSpan(ctx, "TokenService.RevokeToken", attribute.String("token.id", tokenID))
	defer func() { endSpan(span, err) }()

	token, err := s.store.RevokeByID(ctx, tokenID)
	if err != nil {
		if errors.Is(err, repository.ErrTokenAlreadyRevoked) || errors.Is(err, repository.ErrTokenNotFound) {
			return nil
		}
		return appErrors.Unavailable(err, "failed to revoke refresh token")
	}

	s.cache.MarkTokenAsRevoked(ctx, token.TokenHash, token.UserID, token.Family)
	s.events.Emit(ctx, Event{Type: EventTokenRevoked, UserID: token.UserID, Family: token.Family, TokenID: token.ID, TokenHash: token.TokenHash})
	return nil
}

// RotateRefreshToken revokes current and persists its successor atomically.
// ErrRefreshTokenReused is returned when current had already been revoked.
func (s *TokenService) RotateRefreshToken(ctx context.Context, current *models.RefreshToken, next NewRefreshToken) (token *models.RefreshToken, err error) {
	ctx, span := startSpan(ctx, "TokenService.RotateRefreshToken",
		attribute.String("token.id", current.ID),
		attribute.String("token.family", current.Family),
	)
	defer func() { endSpan(span, err) }()

	token = s.newRow(next)
	parent, err := s.store.Rotate(ctx, current.ID, token)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrTokenAlreadyRevoked):
			return nil, ErrRefreshTokenReused
		case errors.Is(err, repository.ErrTokenNotFound):
			return nil, ErrRefreshTokenNotFound
		default:
			return nil, appErrors.Unavailable(err, "failed to rotate refresh token")
		}
	}

	s.cache.MarkTokenAsRevoked(ctx, parent.TokenHash, parent.UserID, parent.Family)
	s.cacheProjection(ctx, token)
	s.events.Emit(ctx, Event{Type: EventTokenRotated, UserID: token.UserID, Family: token.Family, TokenID: token.ID, TokenHash: token.TokenHash})
	return token, nil
}

// RevokeTokenFamily revokes every token of a family and returns the revoked hashes.
func (s *TokenService) RevokeTokenFamily(ctx context.Context, family string) (hashes []string, err error) {
	ctx, span := startSpan(ctx, "TokenService.RevokeTokenFamily", attribute.String("token.family", family))
	defer func() { endSpan(span, err) }()

	revoked := newHashSet()
	for _, hash := range s.cache.FamilyTokenHashes(ctx, family) {
		if _, err := s.store.RevokeByHash(ctx, hash); err != nil {
			return nil, appErrors.Unavailable(err, "failed to revoke token family")
		}
		s.cache.MarkTokenAsRevoked(ctx, hash, "", family)
		revoked.add(hash)
	}

	// Durable sweep covers members that fell out of the cache index.
	swept, err := s.store.RevokeByFamily(ctx, family)
	if err != nil {
		return nil, appErrors.Unavailable(err, "failed to revoke token family")
	}
	for _, hash := range swept {
		if revoked.add(hash) {
			s.cache.MarkTokenAsRevoked(ctx, hash, "", family)
		}
	}
	s.cache.RevokeTokenFamily(ctx, family)

	hashes = revoked.list()
	span.SetAttributes(attribute.Int("token.revoked", len(hashes)))
	s.events.Emit(ctx, Event{Type: EventTokenFamilyRevoked, Family: family, Count: len(hashes)})
	return hashes, nil
}

// RevokeAllUserTokens revokes every token of a user, drops the user's cached
// session and returns the revoked hashes.
func (s *TokenService) RevokeAllUserTokens(ctx context.Context, userID string) (hashes []string, err error) {
	ctx, span := startSpan(ctx, "TokenService.RevokeAllUserTokens", attribute.String("user.id", userID))
	defer func() { endSpan(span, err) }()

	revoked := newHashSet()
	for _, hash := range s.cache.GetUserTokenHashes(ctx, userID) {
		if _, err := s.store.RevokeByHash(ctx, hash); err != nil {
			return nil, appErrors.Unavailable(err, "failed to revoke user tokens")
		}
		s.cache.MarkTokenAsRevoked(ctx, hash, userID, "")
		revoked.add(hash)
	}

	swept, err := s.store.RevokeByUser(ctx, userID)
	if err != nil {
		return nil, appErrors.Unavailable(err, "failed to revoke user tokens")
	}
	for _, hash := range swept {
		if revoked.add(hash) {
			s.cache.MarkTokenAsRevoked(ctx, hash, userID, "")
		}
	}
	s.cache.RevokeAllUserTokens(ctx, userID)

	hashes = revoked.list()
	s.events.Emit(ctx, Event{Type: EventTokenUserRevoked, UserID: userID, Count: len(hashes)})
	return hashes, nil
}

// CleanupExpiredTokens deletes expired rows and returns how many were removed.
// Cache entries for those rows expire on their own.
func (s *TokenService) CleanupExpiredTokens(ctx context.Context) (removed int64, err error) {
	ctx, span := startSpan(ctx, "TokenService.CleanupExpiredTokens")
	defer func() { endSpan(span, err) }()

	removed, err = s.store.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, appErrors.Unavailable(err, "failed to delete expired refresh tokens")
	}
	s.events.Emit(ctx, Event{Type: EventExpiredTokensSwept, Count: int(removed)})
	return removed, nil
}

// ListUserTokens returns the durable token history of a user, newest first.
func (s *TokenService) ListUserTokens(ctx context.Context, userID string) ([]models.RefreshToken, error) {
	tokens, err := s.store.ListByUser(ctx, userID, 0)
	if err != nil {
		return nil, appErrors.Unavailable(err, "failed to list refresh tokens")
	}
	return tokens, nil
}

// SessionCountFromCache returns how many token hashes are indexed for a user.
func (s *TokenService) SessionCountFromCache(ctx context.Context, userID string) int {
	return len(s.cache.GetUserTokenHashes(ctx, userID))
}

func (s *TokenService) newRow(in NewRefreshToken) *models.RefreshToken {
	token := &models.RefreshToken{
		ID:        s.ids.NewID(refreshTokenIDPrefix),
		UserID:    in.UserID,
		TokenHash: HashToken(in.Token),
		Family:    in.Family,
		IsRevoked: false,
		ExpiresAt: in.ExpiresAt.UTC(),
		CreatedAt: s.now().UTC(),
	}
	if in.Metadata.UserAgent != "" {
		ua := in.Metadata.UserAgent
		token.UserAgent = &ua
	}
	if in.Metadata.IPAddress != "" {
		ip := in.Metadata.IPAddress
		token.IPAddress = &ip
	}
	return token
}

func (s *TokenService) cacheProjection(ctx context.Context, token *models.RefreshToken) {
	ttl := token.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return
	}
	s.cache.CacheRefreshToken(ctx, token.Projection(), ttl)
}

type hashSet struct {
	seen  map[string]struct{}
	order []string
}

func newHashSet() *hashSet {
	return &hashSet{seen: make(map[string]struct{})}
}

func (h *hashSet) add(hash string) bool {
	if _, ok := h.seen[hash]; ok {
		return false
	}
	h.seen[hash] = struct{}{}
	h.order = append(h.order, hash)
	return true
}

func (h *hashSet) list() []string {
	if h.order == nil {
		return []string{}
	}
	return h.order
}
