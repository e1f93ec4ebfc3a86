package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func newRoleContext(e *echo.Echo, userID string, roles []string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if userID != "" {
		req = req.WithContext(WithIdentity(req.Context(), userID, "a@x.com", roles))
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func TestRequireRole_Allowed(t *testing.T) {
	e := echo.New()
	c, rec := newRoleContext(e, "u1", []string{"patient"})

	if err := RequireRole("patient")(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRequireRole_Denied(t *testing.T) {
	e := echo.New()
	c, _ := newRoleContext(e, "u1", []string{"provider"})

	err := RequireRole("patient")(okHandler)(c)
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if he.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", he.Code)
	}
	if he.Message != "Access denied. Patient account required." {
		t.Errorf("unexpected message %v", he.Message)
	}
}

func TestRequireRole_NoAdminOverride(t *testing.T) {
	e := echo.New()
	c, _ := newRoleContext(e, "u1", []string{"admin"})

	if err := RequireRole("provider")(okHandler)(c); err == nil {
		t.Error("expected admin without provider role to be denied")
	}
}

func TestRequireRole_Unauthenticated(t *testing.T) {
	e := echo.New()
	c, _ := newRoleContext(e, "", nil)

	err := RequireRole("patient")(okHandler)(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %v", err)
	}
}

func TestRequireAuth(t *testing.T) {
	e := echo.New()
	c, _ := newRoleContext(e, "", nil)
	if err := RequireAuth()(okHandler)(c); err == nil {
		t.Error("expected error without identity")
	}

	c, rec := newRoleContext(e, "u1", nil)
	if err := RequireAuth()(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestIdentityContext(t *testing.T) {
	ctx := WithIdentity(context.Background(), "u1", "a@x.com", []string{"admin", "patient"})
	if UserIDFromContext(ctx) != "u1" {
		t.Errorf("expected u1, got %s", UserIDFromContext(ctx))
	}
	if EmailFromContext(ctx) != "a@x.com" {
		t.Errorf("expected a@x.com, got %s", EmailFromContext(ctx))
	}
	if roles := RolesFromContext(ctx); len(roles) != 2 {
		t.Errorf("expected 2 roles, got %v", roles)
	}
	if UserIDFromContext(context.Background()) != "" {
		t.Error("expected empty user id on bare context")
	}
}

func TestAccessDeniedMessage(t *testing.T) {
	if got := AccessDeniedMessage("admin"); got != "Access denied. Admin account required." {
		t.Errorf("unexpected message %q", got)
	}
	if got := AccessDeniedMessage("patient", "provider"); got != "Access denied. Patient or Provider account required." {
		t.Errorf("unexpected message %q", got)
	}
}
