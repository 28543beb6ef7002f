package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/authsession-api/internal/models"
	appErrors "github.com/noah-isme/authsession-api/pkg/errors"
)

type tokenFixture struct {
	tokens   *TokenService
	sessions *SessionCacheService
	store    *memTokenStore
	events   *eventLog
	mr       *miniredis.Miniredis
	now      time.Time
}

func newTokenFixture(t *testing.T) *tokenFixture {
	t.Helper()
	cache, mr := newTestCache(t)
	sessions := NewSessionCacheService(cache, testTokenConfig, testKeyPrefix, zap.NewNop())
	store := newMemTokenStore()
	events := &eventLog{}
	tokens := NewTokenService(store, sessions, events, zap.NewNop())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tokens.now = func() time.Time { return now }
	return &tokenFixture{tokens: tokens, sessions: sessions, store: store, events: events, mr: mr, now: now}
}

func (f *tokenFixture) issue(t *testing.T, raw, userID, family string, ttl time.Duration) *models.RefreshToken {
	t.Helper()
	token, err := f.tokens.CreateRefreshToken(context.Background(), NewRefreshToken{
		UserID:    userID,
		Token:     raw,
		Family:    family,
		ExpiresAt: f.now.Add(ttl),
		Metadata:  models.TokenMetadata{UserAgent: "ua", IPAddress: "10.0.0.1"},
	})
	require.NoError(t, err)
	return token
}

func TestTokenServiceCreateCachesProjection(t *testing.T) {
	f := newTokenFixture(t)

	token := f.issue(t, "raw-1", "u1", "fam", time.Hour)

	assert.Equal(t, HashToken("raw-1"), token.TokenHash)
	assert.Regexp(t, `^refresh-token_[0-9a-f]{28}$`, token.ID)
	require.NotNil(t, token.UserAgent)
	assert.Equal(t, "ua", *token.UserAgent)

	cached, ok := f.sessions.GetCachedRefreshToken(context.Background(), token.TokenHash)
	require.True(t, ok)
	assert.Equal(t, token.ID, cached.ID)
	assert.Equal(t, 1, f.events.count(EventTokenIssued))
	assert.Equal(t, 1, f.tokens.SessionCountFromCache(context.Background(), "u1"))
}

func TestTokenServiceSkipsProjectionForExpiredToken(t *testing.T) {
	f := newTokenFixture(t)

	token := f.issue(t, "raw-1", "u1", "fam", 0)

	assert.False(t, f.mr.Exists("auth:refresh-token:"+token.TokenHash))
	found, err := f.tokens.FindByToken(context.Background(), "raw-1")
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestTokenServiceFindBackfillsOnMiss(t *testing.T) {
	f := newTokenFixture(t)
	ctx := context.Background()
	token := f.issue(t, "raw-1", "u1", "fam", time.Hour)
	f.mr.FlushAll()

	found, err := f.tokens.FindByToken(ctx, "raw-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, token.ID, found.ID)
	assert.True(t, f.mr.Exists("auth:refresh-token:"+token.TokenHash))
	assert.Equal(t, time.Hour, f.mr.TTL("auth:refresh-token:"+token.TokenHash))
}

func TestTokenServiceFindEvictsStaleProjection(t *testing.T) {
	f := newTokenFixture(t)
	ctx := context.Background()
	token := f.issue(t, "raw-1", "u1", "fam", time.Minute)

	later := f.now.Add(2 * time.Minute)
	f.tokens.now = func() time.Time { return later }

	found, err := f.tokens.FindByTokenHash(ctx, token.TokenHash)
	require.NoError(t, err)
	assert.Nil(t, found)
	assert.False(t, f.mr.Exists("auth:refresh-token:"+token.TokenHash))
}

func TestTokenServiceMarkerBeatsLateProjection(t *testing.T) {
	f := newTokenFixture(t)
	ctx := context.Background()
	token := f.issue(t, "raw-1", "u1", "fam", time.Hour)

	require.NoError(t, f.tokens.RevokeToken(ctx, token.ID))
	f.sessions.CacheRefreshToken(ctx, token.Projection(), time.Hour)

	found, err := f.tokens.FindByTokenHash(ctx, token.TokenHash)
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestTokenServiceRevokeTokenIsIdempotent(t *testing.T) {
	f := newTokenFixture(t)
	ctx := context.Background()
	token := f.issue(t, "raw-1", "u1", "fam", time.Hour)

	require.NoError(t, f.tokens.RevokeToken(ctx, token.ID))
	require.NoError(t, f.tokens.RevokeToken(ctx, token.ID))
	require.NoError(t, f.tokens.RevokeToken(ctx, "refresh-token_missing"))

	assert.Equal(t, 1, f.events.count(EventTokenRevoked))
	assert.True(t, f.sessions.IsTokenRevoked(ctx, token.TokenHash))
	assert.True(t, f.store.byHash(token.TokenHash).IsRevoked)
}

func TestTokenServiceRotate(t *testing.T) {
	f := newTokenFixture(t)
	ctx := context.Background()
	parent := f.issue(t, "raw-1", "u1", "fam", time.Hour)

	child, err := f.tokens.RotateRefreshToken(ctx, parent, NewRefreshToken{UserID: "u1", Token: "raw-2", Family: "fam", ExpiresAt: f.now.Add(time.Hour)})
	require.NoError(t, err)

	assert.Equal(t, "fam", child.Family)
	assert.True(t, f.store.byHash(parent.TokenHash).IsRevoked)
	assert.True(t, f.sessions.IsTokenRevoked(ctx, parent.TokenHash))
	assert.Equal(t, []string{child.TokenHash}, f.sessions.FamilyTokenHashes(ctx, "fam"))
	assert.Equal(t, 1, f.events.count(EventTokenRotated))

	_, err = f.tokens.RotateRefreshToken(ctx, parent, NewRefreshToken{UserID: "u1", Token: "raw-3", Family: "fam", ExpiresAt: f.now.Add(time.Hour)})
	assert.ErrorIs(t, err, ErrRefreshTokenReused)
	assert.Nil(t, f.store.byHash(HashToken("raw-3")))

	_, err = f.tokens.RotateRefreshToken(ctx, &models.RefreshToken{ID: "refresh-token_gone"}, NewRefreshToken{UserID: "u1", Token: "raw-4", Family: "fam", ExpiresAt: f.now.Add(time.Hour)})
	assert.ErrorIs(t, err, ErrRefreshTokenNotFound)
}

func TestTokenServiceRevokeFamilyUnionsCacheAndStore(t *testing.T) {
	f := newTokenFixture(t)
	ctx := context.Background()
	a := f.issue(t, "raw-a", "u1", "fam", time.Hour)
	b := f.issue(t, "raw-b", "u1", "fam", time.Hour)
	other := f.issue(t, "raw-c", "u1", "other", time.Hour)

	// b fell out of the cache index.
	_, err := f.mr.SRem("auth:token-family:fam", b.TokenHash)
	require.NoError(t, err)

	hashes, err := f.tokens.RevokeTokenFamily(ctx, "fam")
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{a.TokenHash, b.TokenHash}, hashes)
	assert.True(t, f.sessions.IsTokenRevoked(ctx, a.TokenHash))
	assert.True(t, f.sessions.IsTokenRevoked(ctx, b.TokenHash))
	assert.False(t, f.sessions.IsTokenRevoked(ctx, other.TokenHash))
	assert.False(t, f.mr.Exists("auth:token-family:fam"))
	for _, row := range f.store.family("fam") {
		assert.True(t, row.IsRevoked)
	}
	assert.Equal(t, 1, f.events.count(EventTokenFamilyRevoked))

	again, err := f.tokens.RevokeTokenFamily(ctx, "fam")
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestTokenServiceRevokeAllUserTokens(t *testing.T) {
	f := newTokenFixture(t)
	ctx := context.Background()
	a := f.issue(t, "raw-a", "u1", "f1", time.Hour)
	b := f.issue(t, "raw-b", "u1", "f2", time.Hour)
	keep := f.issue(t, "raw-c", "u2", "f3", time.Hour)
	f.sessions.CacheUserSession(ctx, models.CachedUserSession{ID: "u1"})

	hashes, err := f.tokens.RevokeAllUserTokens(ctx, "u1")
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{a.TokenHash, b.TokenHash}, hashes)
	assert.False(t, f.store.byHash(keep.TokenHash).IsRevoked)
	_, ok := f.sessions.GetUserSession(ctx, "u1")
	assert.False(t, ok)
	assert.Equal(t, 0, f.tokens.SessionCountFromCache(ctx, "u1"))
}

func TestTokenServiceCleanupExpiredTokens(t *testing.T) {
	f := newTokenFixture(t)
	ctx := context.Background()
	// A token expiring exactly now is kept: only expires_at < now is swept.
	boundary := f.issue(t, "raw-a", "u1", "f1", 0)
	expired := f.issue(t, "raw-b", "u1", "f1", -time.Minute)
	live := f.issue(t, "raw-c", "u1", "f1", time.Hour)

	removed, err := f.tokens.CleanupExpiredTokens(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(1), removed)
	assert.Nil(t, f.store.byHash(expired.TokenHash))
	assert.NotNil(t, f.store.byHash(boundary.TokenHash))
	assert.NotNil(t, f.store.byHash(live.TokenHash))
	assert.Equal(t, 1, f.events.count(EventExpiredTokensSwept))
}

func TestTokenServiceDurableFailuresAreRetryable(t *testing.T) {
	f := newTokenFixture(t)
	ctx := context.Background()
	f.store.setFailure(errors.New("connection refused"))

	_, err := f.tokens.CreateRefreshToken(ctx, NewRefreshToken{UserID: "u1", Token: "raw", Family: "fam", ExpiresAt: f.now.Add(time.Hour)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrUnavailable))
	assert.True(t, appErrors.FromError(err).Retryable())

	_, err = f.tokens.FindByToken(ctx, "raw")
	assert.True(t, errors.Is(err, appErrors.ErrUnavailable))

	_, err = f.tokens.RevokeTokenFamily(ctx, "fam")
	assert.True(t, errors.Is(err, appErrors.ErrUnavailable))
}

func TestTokenServiceListUserTokens(t *testing.T) {
	f := newTokenFixture(t)
	f.issue(t, "raw-a", "u1", "f1", time.Hour)
	f.issue(t, "raw-b", "u2", "f2", time.Hour)

	tokens, err := f.tokens.ListUserTokens(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, "u1", tokens[0].UserID)
}
