package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/authsession-api/internal/middleware"
)

// Routes groups the handlers mounted on the engine.
type Routes struct {
	Auth          *AuthHandler
	Metrics       *MetricsHandler
	Authenticator middleware.Authenticator
}

// Register mounts the auth endpoints under apiPrefix and the operational
// endpoints at the root.
func (rt Routes) Register(r gin.IRouter, apiPrefix string) {
	if rt.Metrics != nil {
		r.GET("/health", rt.Metrics.Health)
		r.GET("/metrics", rt.Metrics.Prometheus)
	}

	auth := r.Group(apiPrefix + "/auth")
	auth.POST("/register", rt.Auth.Register)
	auth.POST("/login", rt.Auth.Login)
	auth.POST("/refresh", rt.Auth.Refresh)
	auth.POST("/logout", rt.Auth.Logout)

	protected := auth.Group("")
	protected.Use(middleware.JWT(rt.Authenticator))
	protected.POST("/logout-all", rt.Auth.LogoutAll)
	protected.GET("/me", rt.Auth.Me)
	protected.GET("/sessions", rt.Auth.Sessions)
}
