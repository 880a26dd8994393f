package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/cargotrack/internal/model"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func requestWithSession(t *testing.T, path string, sess model.Session) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	return req.WithContext(ContextWithSession(context.Background(), sess))
}

func TestRequireRole_AnonymousGets401WithResumePath(t *testing.T) {
	mw := RequireRole(model.RoleAdmin)
	req := requestWithSession(t, "/api/customers", model.AnonymousSession())
	rec := httptest.NewRecorder()
	mw(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if body.Resume != "/api/customers" {
		t.Errorf("Resume = %q, want requested path preserved", body.Resume)
	}
	if loc := rec.Header().Get("Location"); !strings.Contains(loc, "resume=") {
		t.Errorf("Location = %q, want resume query", loc)
	}
}

func TestRequireRole_ClientDeniedAdminRoute(t *testing.T) {
	sess := model.Session{
		Identity: &model.Identity{UID: "uid-1"},
		Role:     model.RoleClient,
		Status:   model.StatusAuthenticated,
	}

	mw := RequireRole(model.RoleAdmin)
	req := requestWithSession(t, "/api/customers", sess)
	rec := httptest.NewRecorder()
	mw(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/" {
		t.Errorf("Location = %q, want / (soft deny redirects home)", loc)
	}
}

func TestRequireRole_AdminAdmitted(t *testing.T) {
	sess := model.Session{
		Identity: &model.Identity{UID: "uid-1"},
		Role:     model.RoleAdmin,
		Status:   model.StatusAuthenticated,
	}

	mw := RequireRole(model.RoleAdmin)
	req := requestWithSession(t, "/api/customers", sess)
	rec := httptest.NewRecorder()
	mw(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestRequireAuth_AnyRoleAdmitted(t *testing.T) {
	sess := model.Session{
		Identity: &model.Identity{UID: "uid-1"},
		Role:     model.RoleClient,
		Status:   model.StatusAuthenticated,
	}

	mw := RequireAuth()
	req := requestWithSession(t, "/api/shipments", sess)
	rec := httptest.NewRecorder()
	mw(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}
