package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"callscore/internal/auth"

	"github.com/gin-gonic/gin"
)

func serve(t *testing.T, id *auth.Identity, chain ...gin.HandlerFunc) int {
	t.Helper()
	gin.SetMode(gin.TestMode)

	r := gin.New()
	handlers := []gin.HandlerFunc{}
	if id != nil {
		handlers = append(handlers, auth.Anonymous(*id))
	}
	handlers = append(handlers, chain...)
	handlers = append(handlers, func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/x", handlers...)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/x", nil))
	return w.Code
}

func TestRequireAnyRole_AdminBypasses(t *testing.T) {
	id := auth.Identity{Subject: "u", OrgID: "o", Role: RoleAdmin}
	if code := serve(t, &id, RequireOrg(), RequireAnyRole(RoleOperator)); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_ViewerDenied(t *testing.T) {
	id := auth.Identity{Subject: "u", OrgID: "o", Role: RoleViewer}
	if code := serve(t, &id, RequireOrg(), RequireAnyRole(RoleOperator)); code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", code)
	}
	if code := serve(t, &id, RequireAnyRole(RoleViewer, RoleOperator)); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireOrg_MissingIdentity(t *testing.T) {
	if code := serve(t, nil, RequireOrg()); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
	if code := serve(t, nil, RequireAnyRole(RoleViewer)); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
}

func TestValid(t *testing.T) {
	if !Valid(RoleOperator) || Valid("super_admin") {
		t.Fatalf("unexpected role validity")
	}
}
