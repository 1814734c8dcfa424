package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/conoscope-control/conoctl/internal/audit"
)

// stubVerifier maps fixed tokens to claims.
type stubVerifier map[string]*Claims

func (s stubVerifier) VerifyToken(token string) (*Claims, error) {
	if c, ok := s[token]; ok {
		return c, nil
	}
	return nil, errors.New("token verification failed")
}

var (
	viewerClaims = &Claims{
		Subject: "viewer-1",
		Roles:   []string{RoleViewer},
		Scopes:  []string{ScopeRead, ScopeTelemetry},
	}
	controllerClaims = &Claims{
		Subject: "operator-1",
		Roles:   []string{RoleController},
		Scopes:  []string{ScopeRead, ScopeControl, ScopeTelemetry},
	}
)

func newTestMiddleware() *Middleware {
	return NewMiddleware(stubVerifier{
		"viewer-token":     viewerClaims,
		"controller-token": controllerClaims,
	})
}

func okHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{"Bearer abc", "abc", false},
		{"Bearer  abc ", "abc", false},
		{"", "", true},
		{"Basic abc", "", true},
		{"Bearer ", "", true},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/version", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		got, err := extractBearerToken(req)
		if (err != nil) != tt.wantErr {
			t.Errorf("header %q: error = %v, wantErr %v", tt.header, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("header %q: expected token %q, got: %q", tt.header, tt.want, got)
		}
	}
}

func TestRequireAuth(t *testing.T) {
	m := newTestMiddleware()

	var gotUser string
	handler := m.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
		gotUser = audit.UserFromContext(r.Context())
		if GetClaimsFromRequest(r) == nil && r.URL.Path != HealthPath {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name           string
		authHeader     string
		path           string
		expectedStatus int
		expectedUser   string
	}{
		{"viewer token", "Bearer viewer-token", "/api/v1/version", http.StatusOK, "viewer-1"},
		{"controller token", "Bearer controller-token", "/api/v1/version", http.StatusOK, "operator-1"},
		{"missing header", "", "/api/v1/version", http.StatusUnauthorized, ""},
		{"unknown token", "Bearer forged", "/api/v1/version", http.StatusUnauthorized, ""},
		{"health skips auth", "", HealthPath, http.StatusOK, "local"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotUser = ""
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			w := httptest.NewRecorder()
			handler(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got: %d", tt.expectedStatus, w.Code)
			}
			if w.Code == http.StatusOK && gotUser != tt.expectedUser {
				t.Errorf("Expected audit user %q, got: %q", tt.expectedUser, gotUser)
			}
		})
	}
}

func TestRequireAuthWithoutVerifier(t *testing.T) {
	m := NewMiddleware(nil)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/version", nil)
	req.Header.Set("Authorization", "Bearer controller-token")
	w := httptest.NewRecorder()

	m.RequireAuth(okHandler)(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got: %d", w.Code)
	}
}

func TestRequireScope(t *testing.T) {
	m := newTestMiddleware()

	tests := []struct {
		name           string
		token          string
		scopes         []string
		expectedStatus int
	}{
		{"viewer reads", "viewer-token", []string{ScopeRead}, http.StatusOK},
		{"viewer streams", "viewer-token", []string{ScopeTelemetry}, http.StatusOK},
		{"viewer cannot control", "viewer-token", []string{ScopeControl}, http.StatusForbidden},
		{"controller controls", "controller-token", []string{ScopeControl}, http.StatusOK},
		{"all scopes required", "viewer-token", []string{ScopeRead, ScopeControl}, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := m.RequireAuth(m.RequireScope(tt.scopes...)(okHandler))
			req := httptest.NewRequest(http.MethodPost, "/api/v1/measure", nil)
			req.Header.Set("Authorization", "Bearer "+tt.token)
			w := httptest.NewRecorder()
			handler(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got: %d", tt.expectedStatus, w.Code)
			}
		})
	}

	t.Run("no claims", func(t *testing.T) {
		w := httptest.NewRecorder()
		m.RequireScope(ScopeRead)(okHandler)(w, httptest.NewRequest(http.MethodGet, "/api/v1/version", nil))
		if w.Code != http.StatusUnauthorized {
			t.Errorf("Expected status 401, got: %d", w.Code)
		}
	})
}

func TestRequireRole(t *testing.T) {
	m := newTestMiddleware()

	tests := []struct {
		name           string
		token          string
		roles          []string
		expectedStatus int
	}{
		{"controller role", "controller-token", []string{RoleController}, http.StatusOK},
		{"viewer lacks controller", "viewer-token", []string{RoleController}, http.StatusForbidden},
		{"any of", "viewer-token", []string{RoleController, RoleViewer}, http.StatusOK},
		{"none required", "viewer-token", nil, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := m.RequireAuth(m.RequireRole(tt.roles...)(okHandler))
			req := httptest.NewRequest(http.MethodPost, "/api/v1/sequence", nil)
			req.Header.Set("Authorization", "Bearer "+tt.token)
			w := httptest.NewRecorder()
			handler(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got: %d", tt.expectedStatus, w.Code)
			}
		})
	}
}

func TestErrorEnvelope(t *testing.T) {
	m := newTestMiddleware()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/settings", nil)
	req.Header.Set("Authorization", "Bearer viewer-token")
	w := httptest.NewRecorder()

	m.RequireAuth(m.RequireScope(ScopeControl)(okHandler))(w, req)

	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode error body: %v", err)
	}
	if body["result"] != "error" {
		t.Errorf("Expected result error, got: %v", body["result"])
	}
	if body["code"] != "FORBIDDEN" {
		t.Errorf("Expected code FORBIDDEN, got: %v", body["code"])
	}
	if body["correlationId"] == "" || body["correlationId"] == nil {
		t.Error("Expected a correlation id")
	}
}

func TestRoleAndScopeHelpers(t *testing.T) {
	if IsController(viewerClaims) {
		t.Error("Expected viewer not to be a controller")
	}
	if !IsController(controllerClaims) {
		t.Error("Expected controller role to be recognised")
	}
	if CanControl(viewerClaims) {
		t.Error("Expected viewer not to have control scope")
	}
	if !CanControl(controllerClaims) {
		t.Error("Expected controller to have control scope")
	}
	if CanControl(nil) {
		t.Error("Expected nil claims to have no scopes")
	}
}
