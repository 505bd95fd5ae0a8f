package rbac

// Role names carried in API tokens. Keep these stable; issued tokens
// embed them.
const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

var known = map[string]struct{}{RoleViewer: {}, RoleOperator: {}, RoleAdmin: {}}

func IsAdmin(role string) bool { return role == RoleAdmin }

func Valid(role string) bool {
	_, ok := known[role]
	return ok
}

// Allows reports whether role may act where allowed roles are required.
// Admin passes every check.
func Allows(role string, allowed ...string) bool {
	if IsAdmin(role) {
		return true
	}
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}
