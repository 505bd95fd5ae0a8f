package auth

import "github.com/golang-jwt/jwt/v5"

// Claims are the only supported JWT claims shape for the API.
// Tenant invariant: OrgID must be present; every read is scoped to it.
// Subject names the client the token was issued to.
type Claims struct {
	jwt.RegisteredClaims

	OrgID string `json:"org_id"`
	Role  string `json:"role"`
}
