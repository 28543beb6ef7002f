package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/noah-isme/authsession-api/internal/models"
	"github.com/noah-isme/authsession-api/internal/repository"
	appErrors "github.com/noah-isme/authsession-api/pkg/errors"
)

const bearerTokenType = "Bearer"

// backfillTimeout bounds a shared session backfill.
const backfillTimeout = 5 * time.Second

type authUserRepository interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	UpdateLastLogin(ctx context.Context, id string, ts time.Time) error
	Create(ctx context.Context, user *models.User) error
}

type tokenSigner interface {
	Sign(claims models.TokenClaims, secret string, ttl time.Duration) (string, error)
	Verify(raw, secret string) (*models.TokenClaims, error)
}

type passwordHasher interface {
	Hash(plain string) (string, error)
	Verify(plain, hash string) bool
}

// AuthDeps groups the collaborators of AuthService.
type AuthDeps struct {
	Users     authUserRepository
	Tokens    *TokenService
	Sessions  *SessionCacheService
	Signer    tokenSigner
	Passwords passwordHasher
	Events    EventSink
}

// AuthService implements login, refresh, logout and access token validation.
type AuthService struct {
	users     authUserRepository
	tokens    *TokenService
	sessions  *SessionCacheService
	signer    tokenSigner
	passwords passwordHasher
	events    EventSink
	validator *validator.Validate
	logger    *zap.Logger
	config    TokenConfig
	backfill  singleflight.Group
	now       func() time.Time
}

// NewAuthService constructs an AuthService instance.
func NewAuthService(deps AuthDeps, validate *validator.Validate, logger *zap.Logger, config TokenConfig) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if deps.Events == nil {
		deps.Events = nopSink{}
	}
	return &AuthService{
		users:     deps.Users,
		tokens:    deps.Tokens,
		sessions:  deps.Sessions,
		signer:    deps.Signer,
		passwords: deps.Passwords,
		events:    deps.Events,
		validator: validate,
		logger:    logger,
		config:    config.withDefaults(),
		now:       time.Now,
	}
}

// Register creates a new account and returns the sanitized user.
func (s *AuthService) Register(ctx context.Context, req models.RegisterRequest) (*models.UserInfo, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid register payload")
	}

	existing, err := s.users.FindByEmail(ctx, req.Email)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Unavailable(err, "failed to check existing user")
	}
	if existing != nil {
		return nil, appErrors.Clone(appErrors.ErrConflict, "an account with this email already exists")
	}

	hash, err := s.passwords.Hash(req.Password)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}

	user := &models.User{Email: req.Email, Name: req.Name, PasswordHash: hash}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrEmailTaken) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "an account with this email already exists")
		}
		return nil, appErrors.Unavailable(err, "failed to create user")
	}

	info := sanitizeUser(user)
	return &info, nil
}

// Login authenticates a user, caches their session and starts a new token family.
func (s *AuthService) Login(ctx context.Context, req models.LoginRequest) (resp *models.LoginResponse, err error) {
	ctx, span := startSpan(ctx, "AuthService.Login")
	defer func() { endSpan(span, err) }()

	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid login payload")
	}

	user, err := s.users.FindByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "invalid email or password")
		}
		return nil, appErrors.Unavailable(err, "failed to fetch user")
	}

	if !s.passwords.Verify(req.Password, user.PasswordHash) {
		return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "invalid email or password")
	}
	span.SetAttributes(attribute.String("user.id", user.ID))

	loggedInAt := s.now().UTC()
	if err := s.users.UpdateLastLogin(ctx, user.ID, loggedInAt); err != nil {
		s.logger.Warn("failed to update last login", zap.String("user_id", user.ID), zap.Error(err))
	} else {
		user.LastLoggedInAt = &loggedInAt
	}

	s.cacheSession(ctx, user)

	pair, next, err := s.mintPair(user, s.tokens.GenerateFamily(), models.TokenMetadata{UserAgent: req.UserAgent, IPAddress: req.IP})
	if err != nil {
		return nil, err
	}
	if _, err := s.tokens.CreateRefreshToken(ctx, next); err != nil {
		return nil, err
	}

	return &models.LoginResponse{User: sanitizeUser(user), Tokens: *pair}, nil
}

// RefreshToken rotates a refresh token and returns a new pair in the same family.
// Every failure is reported as unauthorized; presenting a token that is no
// longer active revokes its whole family.
func (s *AuthService) RefreshToken(ctx context.Context, req models.RefreshTokenRequest) (pair *models.TokenPair, err error) {
	ctx, span := startSpan(ctx, "AuthService.RefreshToken")
	defer func() { endSpan(span, err) }()

	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid refresh payload")
	}

	claims, err := s.signer.Verify(req.RefreshToken, s.config.RefreshSecret)
	if err != nil || claims.Type != models.TokenTypeRefresh {
		return nil, unauthorized()
	}
	span.SetAttributes(attribute.String("token.family", claims.Family))

	stored, err := s.tokens.FindByToken(ctx, req.RefreshToken)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		s.containReuse(ctx, claims.Family, claims.Subject, req.IP)
		return nil, unauthorized()
	}
	if stored.UserID != claims.Subject {
		return nil, unauthorized()
	}

	user, err := s.users.FindByID(ctx, stored.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, unauthorized()
		}
		return nil, appErrors.Unavailable(err, "failed to load user")
	}

	pair, next, err := s.mintPair(user, stored.Family, models.TokenMetadata{UserAgent: req.UserAgent, IPAddress: req.IP})
	if err != nil {
		return nil, err
	}

	if _, err := s.tokens.RotateRefreshToken(ctx, stored, next); err != nil {
		switch {
		case errors.Is(err, ErrRefreshTokenReused):
			s.containReuse(ctx, stored.Family, stored.UserID, req.IP)
			return nil, unauthorized()
		case errors.Is(err, ErrRefreshTokenNotFound):
			return nil, unauthorized()
		default:
			return nil, err
		}
	}

	return pair, nil
}

// Logout revokes the presented refresh token. Unknown or inactive tokens are ignored.
func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	stored, err := s.tokens.FindByToken(ctx, refreshToken)
	if err != nil {
		return err
	}
	if stored == nil {
		return nil
	}
	return s.tokens.RevokeToken(ctx, stored.ID)
}

// LogoutAll revokes every refresh token of a user and drops their cached session.
func (s *AuthService) LogoutAll(ctx context.Context, userID string) error {
	if _, err := s.tokens.RevokeAllUserTokens(ctx, userID); err != nil {
		return err
	}
	s.logger.Info("all sessions revoked", zap.String("user_id", userID))
	return nil
}

// ValidateAccessToken resolves verified access token claims to a principal,
// preferring the cached session and backfilling it on a miss.
func (s *AuthService) ValidateAccessToken(ctx context.Context, claims *models.TokenClaims) (*models.AuthenticatedUser, error) {
	if claims == nil || claims.Type != models.TokenTypeAccess || claims.Subject == "" {
		return nil, unauthorized()
	}

	if session, ok := s.sessions.GetUserSession(ctx, claims.Subject); ok {
		return &models.AuthenticatedUser{ID: session.ID, Email: session.Email, Name: session.Name, Avatar: session.Avatar}, nil
	}

	// Coalesced callers share the lookup, so it must not inherit any one
	// caller's cancellation.
	flight := s.backfill.DoChan(claims.Subject, func() (interface{}, error) {
		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), backfillTimeout)
		defer cancel()
		user, err := s.users.FindByID(bctx, claims.Subject)
		if err != nil {
			return nil, err
		}
		s.cacheSession(bctx, user)
		s.events.Emit(bctx, Event{Type: EventSessionBackfilled, UserID: user.ID})
		return user, nil
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, appErrors.Unavailable(ctx.Err(), "failed to load user")
	case res = <-flight:
	}
	v, err := res.Val, res.Err
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, unauthorized()
		}
		return nil, appErrors.Unavailable(err, "failed to load user")
	}

	user := v.(*models.User)
	return &models.AuthenticatedUser{ID: user.ID, Email: user.Email, Name: user.Name, Avatar: user.AvatarValue()}, nil
}

// Authenticate verifies a raw access token and resolves it to a principal.
func (s *AuthService) Authenticate(ctx context.Context, accessToken string) (*models.AuthenticatedUser, error) {
	claims, err := s.signer.Verify(accessToken, s.config.AccessSecret)
	if err != nil {
		return nil, unauthorized()
	}
	return s.ValidateAccessToken(ctx, claims)
}

// ListSessions returns a user's refresh token history and the cached active count.
func (s *AuthService) ListSessions(ctx context.Context, userID string) (*models.SessionList, error) {
	tokens, err := s.tokens.ListUserTokens(ctx, userID)
	if err != nil {
		return nil, err
	}

	sessions := make([]models.SessionInfo, 0, len(tokens))
	for _, t := range tokens {
		info := models.SessionInfo{
			ID:        t.ID,
			Family:    t.Family,
			IsRevoked: t.IsRevoked,
			ExpiresAt: t.ExpiresAt,
			CreatedAt: t.CreatedAt,
		}
		if t.UserAgent != nil {
			info.UserAgent = *t.UserAgent
		}
		if t.IPAddress != nil {
			info.IPAddress = *t.IPAddress
		}
		sessions = append(sessions, info)
	}

	return &models.SessionList{Sessions: sessions, CachedCount: s.tokens.SessionCountFromCache(ctx, userID)}, nil
}

// InvalidateUser drops the cached session after the user record changed.
func (s *AuthService) InvalidateUser(ctx context.Context, userID string) {
	s.sessions.InvalidateUserSession(ctx, userID)
}

func (s *AuthService) containReuse(ctx context.Context, family, userID, ip string) {
	if family == "" {
		return
	}
	s.events.Emit(ctx, Event{Type: EventTokenReuseDetected, UserID: userID, Family: family, IPAddress: ip})
	if _, err := s.tokens.RevokeTokenFamily(ctx, family); err != nil {
		s.logger.Error("failed to revoke token family after reuse", zap.String("family", family), zap.Error(err))
	}
}

func (s *AuthService) mintPair(user *models.User, family string, meta models.TokenMetadata) (*models.TokenPair, NewRefreshToken, error) {
	accessToken, err := s.signer.Sign(models.TokenClaims{
		Email:            user.Email,
		Type:             models.TokenTypeAccess,
		RegisteredClaims: subject(user.ID),
	}, s.config.AccessSecret, s.config.AccessTokenTTL)
	if err != nil {
		return nil, NewRefreshToken{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create access token")
	}

	tokenID, err := s.tokens.GenerateSecureToken()
	if err != nil {
		return nil, NewRefreshToken{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create refresh token")
	}

	refreshToken, err := s.signer.Sign(models.TokenClaims{
		Email:            user.Email,
		Type:             models.TokenTypeRefresh,
		Family:           family,
		TokenID:          tokenID,
		RegisteredClaims: subject(user.ID),
	}, s.config.RefreshSecret, s.config.RefreshTokenTTL)
	if err != nil {
		return nil, NewRefreshToken{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create refresh token")
	}

	pair := &models.TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(s.config.AccessTokenTTL.Seconds()),
		TokenType:    bearerTokenType,
	}
	next := NewRefreshToken{
		UserID:    user.ID,
		Token:     refreshToken,
		Family:    family,
		ExpiresAt: s.now().Add(s.config.RefreshTokenTTL),
		Metadata:  meta,
	}
	return pair, next, nil
}

func (s *AuthService) cacheSession(ctx context.Context, user *models.User) {
	s.sessions.CacheUserSession(ctx, models.CachedUserSession{
		ID:       user.ID,
		Email:    user.Email,
		Name:     user.Name,
		Avatar:   user.AvatarValue(),
		CachedAt: s.now().UnixMilli(),
	})
}

func sanitizeUser(user *models.User) models.UserInfo {
	return models.UserInfo{
		ID:             user.ID,
		Email:          user.Email,
		Name:           user.Name,
		Avatar:         user.AvatarValue(),
		LastLoggedInAt: user.LastLoggedInAt,
		CreatedAt:      user.CreatedAt,
	}
}

func unauthorized() *appErrors.Error {
	return appErrors.Clone(appErrors.ErrUnauthorized, "invalid or expired credentials")
}
