package service

import (
	"time"

	"github.com/noah-isme/authsession-api/pkg/config"
)

// TokenConfig carries the secrets and lifetimes used to mint and cache tokens.
type TokenConfig struct {
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	AccessSecret    string
	RefreshSecret   string
	Issuer          string
}

// TokenConfigFrom maps loaded JWT settings onto a TokenConfig.
func TokenConfigFrom(cfg config.JWTConfig) TokenConfig {
	return TokenConfig{
		AccessTokenTTL:  cfg.AccessTTL,
		RefreshTokenTTL: cfg.RefreshTTL,
		AccessSecret:    cfg.AccessSecret,
		RefreshSecret:   cfg.RefreshSecret,
		Issuer:          cfg.Issuer,
	}
}

func (c TokenConfig) withDefaults() TokenConfig {
	if c.AccessTokenTTL <= 0 {
		c.AccessTokenTTL = 15 * time.Minute
	}
	if c.RefreshTokenTTL <= 0 {
		c.RefreshTokenTTL = 7 * 24 * time.Hour
	}
	return c
}
