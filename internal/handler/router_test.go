package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/noah-isme/authsession-api/internal/models"
	appErrors "github.com/noah-isme/authsession-api/pkg/errors"
)

type authenticatorStub struct{}

func (authenticatorStub) Authenticate(ctx context.Context, token string) (*models.AuthenticatedUser, error) {
	if token != "good" {
		return nil, appErrors.ErrUnauthorized
	}
	return &models.AuthenticatedUser{ID: "user_1", Email: "a@example.com"}, nil
}

func newTestRouter() (*gin.Engine, *authServiceStub) {
	gin.SetMode(gin.TestMode)
	svc := &authServiceStub{}
	r := gin.New()
	Routes{Auth: NewAuthHandler(svc), Authenticator: authenticatorStub{}}.Register(r, "/api/v1")
	return r, svc
}

func TestRouterProtectsSessionEndpoints(t *testing.T) {
	r, _ := newTestRouter()

	for _, tc := range []struct {
		method, path string
	}{
		{http.MethodGet, "/api/v1/auth/me"},
		{http.MethodGet, "/api/v1/auth/sessions"},
		{http.MethodPost, "/api/v1/auth/logout-all"},
	} {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest(tc.method, tc.path, nil)
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code, tc.path)

		w = httptest.NewRecorder()
		req, _ = http.NewRequest(tc.method, tc.path, nil)
		req.Header.Set("Authorization", "Bearer bad")
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code, tc.path)
	}
}

func TestRouterServesMeWithBearer(t *testing.T) {
	r, _ := newTestRouter()

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
	req.Header.Set("Authorization", "Bearer good")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"id":"user_1"`)
}

func TestRouterLogoutAllUsesAuthenticatedUser(t *testing.T) {
	r, svc := newTestRouter()

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/api/v1/auth/logout-all", nil)
	req.Header.Set("Authorization", "Bearer good")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "user_1", svc.loggedOutAll)
}
