package service

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/authsession-api/internal/models"
	"github.com/noah-isme/authsession-api/internal/repository"
)

const testKeyPrefix = "auth:"

var testTokenConfig = TokenConfig{
	AccessTokenTTL:  15 * time.Minute,
	RefreshTokenTTL: 7 * 24 * time.Hour,
	AccessSecret:    "access-secret",
	RefreshSecret:   "refresh-secret",
	Issuer:          "authsession-test",
}

// memTokenStore mirrors the conditional semantics of RefreshTokenRepository.
type memTokenStore struct {
	mu      sync.Mutex
	rows    map[string]*models.RefreshToken
	failErr error
}

func newMemTokenStore() *memTokenStore {
	return &memTokenStore{rows: make(map[string]*models.RefreshToken)}
}

func (m *memTokenStore) setFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

func (m *memTokenStore) Create(ctx context.Context, token *models.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	cp := *token
	m.rows[token.ID] = &cp
	return nil
}

func (m *memTokenStore) FindActiveByHash(ctx context.Context, tokenHash string, now time.Time) (*models.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return nil, m.failErr
	}
	for _, row := range m.rows {
		if row.TokenHash == tokenHash && !row.IsRevoked && row.ExpiresAt.After(now) {
			cp := *row
			return &cp, nil
		}
	}
	return nil, repository.ErrTokenNotFound
}

func (m *memTokenStore) RevokeByID(ctx context.Context, id string) (*models.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return nil, m.failErr
	}
	row, ok := m.rows[id]
	if !ok {
		return nil, repository.ErrTokenNotFound
	}
	if row.IsRevoked {
		return nil, repository.ErrTokenAlreadyRevoked
	}
	row.IsRevoked = true
	cp := *row
	return &cp, nil
}

func (m *memTokenStore) RevokeByHash(ctx context.Context, tokenHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return false, m.failErr
	}
	for _, row := range m.rows {
		if row.TokenHash == tokenHash && !row.IsRevoked {
			row.IsRevoked = true
			return true, nil
		}
	}
	return false, nil
}

func (m *memTokenStore) Rotate(ctx context.Context, parentID string, next *models.RefreshToken) (*models.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return nil, m.failErr
	}
	parent, ok := m.rows[parentID]
	if !ok {
		return nil, repository.ErrTokenNotFound
	}
	if parent.IsRevoked {
		return nil, repository.ErrTokenAlreadyRevoked
	}
	parent.IsRevoked = true
	cp := *next
	m.rows[next.ID] = &cp
	out := *parent
	return &out, nil
}

func (m *memTokenStore) revokeWhere(match func(*models.RefreshToken) bool) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return nil, m.failErr
	}
	hashes := []string{}
	for _, row := range m.rows {
		if match(row) && !row.IsRevoked {
			row.IsRevoked = true
			hashes = append(hashes, row.TokenHash)
		}
	}
	return hashes, nil
}

func (m *memTokenStore) RevokeByFamily(ctx context.Context, family string) ([]string, error) {
	return m.revokeWhere(func(row *models.RefreshToken) bool { return row.Family == family })
}

func (m *memTokenStore) RevokeByUser(ctx context.Context, userID string) ([]string, error) {
	return m.revokeWhere(func(row *models.RefreshToken) bool { return row.UserID == userID })
}

func (m *memTokenStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return 0, m.failErr
	}
	var removed int64
	for id, row := range m.rows {
		if row.ExpiresAt.Before(now) {
			delete(m.rows, id)
			removed++
		}
	}
	return removed, nil
}

func (m *memTokenStore) ListByUser(ctx context.Context, userID string, limit int) ([]models.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return nil, m.failErr
	}
	var out []models.RefreshToken
	for _, row := range m.rows {
		if row.UserID == userID {
			out = append(out, *row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memTokenStore) byHash(tokenHash string) *models.RefreshToken {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.TokenHash == tokenHash {
			cp := *row
			return &cp
		}
	}
	return nil
}

func (m *memTokenStore) family(family string) []models.RefreshToken {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.RefreshToken
	for _, row := range m.rows {
		if row.Family == family {
			out = append(out, *row)
		}
	}
	return out
}

type memUserStore struct {
	mu          sync.Mutex
	users       map[string]*models.User
	findByIDErr error
	findByIDs   int
}

func newMemUserStore() *memUserStore {
	return &memUserStore{users: make(map[string]*models.User)}
}

func (m *memUserStore) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *memUserStore) FindByID(ctx context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.findByIDs++
	if m.findByIDErr != nil {
		return nil, m.findByIDErr
	}
	u, ok := m.users[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *u
	return &cp, nil
}

func (m *memUserStore) UpdateLastLogin(ctx context.Context, id string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		u.LastLoggedInAt = &ts
	}
	return nil
}

func (m *memUserStore) Create(ctx context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == user.Email {
			return repository.ErrEmailTaken
		}
	}
	if user.ID == "" {
		user.ID = "user_" + user.Email
	}
	cp := *user
	m.users[user.ID] = &cp
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Emit(ctx context.Context, event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) count(t EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func newTestCache(t *testing.T) (*repository.CacheRepository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	return repository.NewCacheRepository(client, zap.NewNop(), 200*time.Millisecond, nil), mr
}

type authFixture struct {
	svc      *AuthService
	tokens   *TokenService
	sessions *SessionCacheService
	store    *memTokenStore
	users    *memUserStore
	events   *eventLog
	signer   *TokenSigner
	mr       *miniredis.Miniredis
	user     *models.User
}

const testPassword = "correct-horse"

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	cache, mr := newTestCache(t)
	events := &eventLog{}
	sessions := NewSessionCacheService(cache, testTokenConfig, testKeyPrefix, zap.NewNop())
	store := newMemTokenStore()
	tokens := NewTokenService(store, sessions, events, zap.NewNop())
	users := newMemUserStore()
	passwords := NewPasswordVerifier(bcrypt.MinCost)
	signer := NewTokenSigner(testTokenConfig.Issuer)

	hash, err := passwords.Hash(testPassword)
	require.NoError(t, err)
	user := &models.User{ID: "user_1", Email: "ada@example.com", Name: "Ada", PasswordHash: hash, CreatedAt: time.Now().UTC()}
	require.NoError(t, users.Create(context.Background(), user))

	svc := NewAuthService(AuthDeps{
		Users:     users,
		Tokens:    tokens,
		Sessions:  sessions,
		Signer:    signer,
		Passwords: passwords,
		Events:    events,
	}, nil, zap.NewNop(), testTokenConfig)

	return &authFixture{
		svc:      svc,
		tokens:   tokens,
		sessions: sessions,
		store:    store,
		users:    users,
		events:   events,
		signer:   signer,
		mr:       mr,
		user:     user,
	}
}

func (f *authFixture) login(t *testing.T) *models.LoginResponse {
	t.Helper()
	res, err := f.svc.Login(context.Background(), models.LoginRequest{Email: f.user.Email, Password: testPassword, IP: "10.0.0.1", UserAgent: "test"})
	require.NoError(t, err)
	return res
}
