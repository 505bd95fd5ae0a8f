package rbac

import (
	"callscore/internal/apperr"
	"callscore/internal/auth"
	"callscore/internal/httpapi/respond"

	"github.com/gin-gonic/gin"
)

// RequireOrg enforces the tenant invariant: org_id must exist in context.
func RequireOrg() gin.HandlerFunc {
	return func(c *gin.Context) {
		if oid, err := auth.OrgID(c.Request.Context()); err != nil || oid == "" {
			respond.Fail(c, apperr.Unauthorized("org_id required"))
			return
		}
		c.Next()
	}
}

// RequireAnyRole allows the caller through if it holds one of allowed.
// Admin bypasses the check.
func RequireAnyRole(allowed ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, err := auth.Role(c.Request.Context())
		if err != nil || role == "" {
			respond.Fail(c, apperr.Unauthorized("role required"))
			return
		}
		if !Allows(role, allowed...) {
			respond.Fail(c, apperr.Forbidden("role "+role+" may not perform this action"))
			return
		}
		c.Next()
	}
}
