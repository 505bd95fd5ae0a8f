package auth

import (
	"strings"
	"time"

	"callscore/internal/apperr"
	"callscore/internal/httpapi/respond"

	"github.com/gin-gonic/gin"
)

// RequireToken verifies a Bearer token and attaches its identity to the
// request context.
func RequireToken(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		if h == "" {
			respond.Fail(c, apperr.Unauthorized("missing Authorization header"))
			return
		}
		parts := strings.SplitN(h, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
			respond.Fail(c, apperr.Unauthorized("invalid Authorization header"))
			return
		}

		id, err := m.Verify(strings.TrimSpace(parts[1]), time.Now())
		if err != nil {
			respond.Fail(c, apperr.Unauthorized("invalid token").WithCause(err))
			return
		}
		attach(c, id)
		c.Next()
	}
}

// Anonymous attaches a fixed identity. Used when API auth is disabled.
func Anonymous(id Identity) gin.HandlerFunc {
	return func(c *gin.Context) {
		attach(c, id)
		c.Next()
	}
}

func attach(c *gin.Context, id Identity) {
	c.Request = c.Request.WithContext(WithIdentity(c.Request.Context(), id))
	c.Set("org_id", id.OrgID)
	c.Set("subject", id.Subject)
}
