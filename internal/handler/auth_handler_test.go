package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/authsession-api/internal/middleware"
	"github.com/noah-isme/authsession-api/internal/models"
	appErrors "github.com/noah-isme/authsession-api/pkg/errors"
)

type authServiceStub struct {
	refreshReq   models.RefreshTokenRequest
	refreshErr   error
	loggedOut    string
	loggedOutAll string
	loginReq     models.LoginRequest
}

func (s *authServiceStub) Register(ctx context.Context, req models.RegisterRequest) (*models.UserInfo, error) {
	if req.Email == "taken@example.com" {
		return nil, appErrors.Clone(appErrors.ErrConflict, "email already registered")
	}
	return &models.UserInfo{ID: "user_1", Email: req.Email, Name: req.Name}, nil
}

func (s *authServiceStub) Login(ctx context.Context, req models.LoginRequest) (*models.LoginResponse, error) {
	s.loginReq = req
	return &models.LoginResponse{
		User:   models.UserInfo{ID: "user_1", Email: req.Email},
		Tokens: models.TokenPair{AccessToken: "access", RefreshToken: "refresh", ExpiresIn: 900, TokenType: "Bearer"},
	}, nil
}

func (s *authServiceStub) RefreshToken(ctx context.Context, req models.RefreshTokenRequest) (*models.TokenPair, error) {
	s.refreshReq = req
	if s.refreshErr != nil {
		return nil, s.refreshErr
	}
	return &models.TokenPair{AccessToken: "access-2", RefreshToken: "refresh-2", ExpiresIn: 900, TokenType: "Bearer"}, nil
}

func (s *authServiceStub) Logout(ctx context.Context, refreshToken string) error {
	s.loggedOut = refreshToken
	return nil
}

func (s *authServiceStub) LogoutAll(ctx context.Context, userID string) error {
	s.loggedOutAll = userID
	return nil
}

func (s *authServiceStub) ListSessions(ctx context.Context, userID string) (*models.SessionList, error) {
	return &models.SessionList{Sessions: []models.SessionInfo{{ID: "rt_1", Family: "fam"}}, CachedCount: 1}, nil
}

func jsonRequest(t *testing.T, method, path string, body interface{}) *http.Request {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(method, path, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestAuthHandlerLoginCapturesClientMetadata(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := &authServiceStub{}
	h := NewAuthHandler(svc)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = jsonRequest(t, http.MethodPost, "/auth/login", map[string]string{"email": "a@example.com", "password": "secret123"})
	c.Request.Header.Set("User-Agent", "agent/1.0")
	c.Request.RemoteAddr = "10.0.0.1:1234"

	h.Login(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "agent/1.0", svc.loginReq.UserAgent)
	assert.Equal(t, "10.0.0.1", svc.loginReq.IP)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	var body struct {
		Data models.LoginResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "refresh", body.Data.Tokens.RefreshToken)
}

func TestAuthHandlerRegisterConflict(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewAuthHandler(&authServiceStub{})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = jsonRequest(t, http.MethodPost, "/auth/register", map[string]string{"email": "taken@example.com", "password": "secret123", "name": "A"})

	h.Register(c)

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAuthHandlerRegisterCreated(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewAuthHandler(&authServiceStub{})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = jsonRequest(t, http.MethodPost, "/auth/register", map[string]string{"email": "new@example.com", "password": "secret123", "name": "A"})

	h.Register(c)

	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestAuthHandlerRefreshMapsErrors(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		name       string
		err        error
		status     int
		retryAfter string
	}{
		{name: "unauthorized", err: appErrors.ErrUnauthorized, status: http.StatusUnauthorized},
		{name: "unavailable", err: appErrors.Unavailable(assert.AnError, "token store unavailable"), status: http.StatusServiceUnavailable, retryAfter: "1"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &authServiceStub{refreshErr: tc.err}
			h := NewAuthHandler(svc)

			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = jsonRequest(t, http.MethodPost, "/auth/refresh", map[string]string{"refreshToken": "raw"})

			h.Refresh(c)

			assert.Equal(t, tc.status, w.Code)
			assert.Equal(t, tc.retryAfter, w.Header().Get("Retry-After"))
			assert.Equal(t, "raw", svc.refreshReq.RefreshToken)
		})
	}
}

func TestAuthHandlerRefreshRejectsMalformedBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewAuthHandler(&authServiceStub{})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest(http.MethodPost, "/auth/refresh", bytes.NewBufferString("{"))
	c.Request.Header.Set("Content-Type", "application/json")

	h.Refresh(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuthHandlerLogout(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := &authServiceStub{}
	h := NewAuthHandler(svc)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = jsonRequest(t, http.MethodPost, "/auth/logout", map[string]string{"refreshToken": "raw"})

	h.Logout(c)

	assert.Equal(t, http.StatusNoContent, c.Writer.Status())
	assert.Equal(t, "raw", svc.loggedOut)
}

func TestAuthHandlerLogoutRequiresToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewAuthHandler(&authServiceStub{})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = jsonRequest(t, http.MethodPost, "/auth/logout", map[string]string{})

	h.Logout(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuthHandlerProtectedRoutesNeedPrincipal(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewAuthHandler(&authServiceStub{})

	for _, handle := range []gin.HandlerFunc{h.LogoutAll, h.Me, h.Sessions} {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request, _ = http.NewRequest(http.MethodGet, "/auth/me", nil)
		handle(c)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	}
}

func TestAuthHandlerLogoutAllUsesPrincipal(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := &authServiceStub{}
	h := NewAuthHandler(svc)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest(http.MethodPost, "/auth/logout-all", nil)
	c.Set(middleware.ContextUserKey, &models.AuthenticatedUser{ID: "user_1"})

	h.LogoutAll(c)

	assert.Equal(t, http.StatusNoContent, c.Writer.Status())
	assert.Equal(t, "user_1", svc.loggedOutAll)
}

func TestAuthHandlerSessions(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewAuthHandler(&authServiceStub{})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest(http.MethodGet, "/auth/sessions", nil)
	c.Set(middleware.ContextUserKey, &models.AuthenticatedUser{ID: "user_1"})

	h.Sessions(c)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Data models.SessionList `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Data.CachedCount)
	assert.Len(t, body.Data.Sessions, 1)
}
