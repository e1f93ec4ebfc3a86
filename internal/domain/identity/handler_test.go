package identity

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/portal/internal/domain/role"
	"github.com/ehr/portal/internal/platform/auth"
)

func newTestHandler(repo *mockProfileRepo) *echo.Echo {
	e := echo.New()
	api := e.Group("/api/v1")
	NewHandler(newTestService(repo)).RegisterRoutes(api)
	return e
}

func withIdentity(req *http.Request, roles ...string) *http.Request {
	return req.WithContext(auth.WithIdentity(req.Context(), "u1", "a@x.com", roles))
}

func TestHandler_Dashboard(t *testing.T) {
	repo := newMockProfileRepo()
	repo.profiles[key(role.Provider, "u1")] = NewProfile(role.Provider, "u1", "a@x.com", "Grace", "Hopper", "", time.Now())
	e := newTestHandler(repo)

	req := withIdentity(httptest.NewRequest(http.MethodGet, "/api/v1/dashboard/provider", nil), "provider")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var d Dashboard
	if err := json.Unmarshal(rec.Body.Bytes(), &d); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.DisplayName != "Grace Hopper" || d.Role != role.Provider {
		t.Errorf("unexpected dashboard %+v", d)
	}
	if d.Roles.Primary != role.Provider {
		t.Errorf("expected primary provider, got %s", d.Roles.Primary)
	}
}

func TestHandler_Dashboard_WrongRole(t *testing.T) {
	e := newTestHandler(newMockProfileRepo())

	req := withIdentity(httptest.NewRequest(http.MethodGet, "/api/v1/dashboard/admin", nil), "patient")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	var body map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["message"] != "Access denied. Admin account required." {
		t.Errorf("unexpected message %q", body["message"])
	}
}

func TestHandler_Dashboard_SignedOut(t *testing.T) {
	e := newTestHandler(newMockProfileRepo())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/dashboard/patient", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestRoleSetFromNames(t *testing.T) {
	rs := roleSetFromNames([]string{"provider", "bogus", "patient"})
	if len(rs.Roles) != 2 || rs.Primary != role.Provider {
		t.Errorf("unexpected role set %+v", rs)
	}
	if empty := roleSetFromNames(nil); !empty.IsEmpty() || empty.Primary != "" {
		t.Errorf("expected empty role set, got %+v", empty)
	}
}
