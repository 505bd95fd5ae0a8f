package main

import (
	"callscore/internal/auth"
	"callscore/internal/httpapi"
	"callscore/internal/httpapi/respond"
	"callscore/internal/rbac"
	"callscore/pkg/logger"

	"github.com/gin-gonic/gin"
)

// newRouter composes middleware and mounts the webhook, metrics and API.
// Keep this file free of business logic.
func newRouter(a *app) (*gin.Engine, error) {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(a.log))
	r.Use(a.metrics.Middleware())
	r.Use(respond.ExposeErrors(!a.cfg.IsProduction()))
	r.NoRoute(respond.NoRoute)

	r.GET("/metrics", gin.WrapH(a.metrics.Handler()))

	limits, err := httpapi.RateLimitStore(a.rdb, "callscore:ratelimit")
	if err != nil {
		return nil, err
	}
	webhookLimit, err := httpapi.RateLimit(limits, a.cfg.RateLimit.Webhook)
	if err != nil {
		return nil, err
	}
	apiLimit, err := httpapi.RateLimit(limits, a.cfg.RateLimit.API)
	if err != nil {
		return nil, err
	}

	// Vendor webhooks are public.
	r.POST("/webhook/:vendor", webhookLimit, a.webhook.Handle)

	identity, err := identityMiddleware(a)
	if err != nil {
		return nil, err
	}
	a.handlers.Mount(r, identity, apiLimit)
	return r, nil
}

// identityMiddleware verifies bearer tokens when a JWT secret is set.
// Without one every caller acts as admin of the default org.
func identityMiddleware(a *app) (gin.HandlerFunc, error) {
	if a.cfg.Auth.JWTSecret == "" {
		a.log.Warn("API auth disabled; set API_JWT_SECRET to require tokens")
		return auth.Anonymous(auth.Identity{Subject: "anonymous", OrgID: a.cfg.Org.ID, Role: rbac.RoleAdmin}), nil
	}
	m, err := auth.NewManager(a.cfg.Auth)
	if err != nil {
		return nil, err
	}
	return auth.RequireToken(m), nil
}
