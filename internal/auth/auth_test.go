package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMatch(t *testing.T) {
	testCases := []struct {
		pattern, s string
		want       bool
	}{
		{"/", "/", true},
		{"/", "/api", false},
		{"/static/*", "/static/js/app.js", true},
		{"/static/*", "/static/", true},
		{"/static/*", "/staticx", false},
		{"/favicon.ico", "/favicon.ico", true},
		{"/ws/?amera", "/ws/camera", true},
		{"/ws/?amera", "/ws/amera", false},
		{"*", "/anything/at/all", true},
		{"/a*b*c", "/aXXbYYc", true},
		{"/a*b*c", "/aXXbYY", false},
	}

	for _, tc := range testCases {
		if got := Match(tc.pattern, tc.s); got != tc.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tc.pattern, tc.s, got, tc.want)
		}
	}
}

func newPolicy() *Policy {
	return NewPolicy(Settings{
		Enabled:      true,
		Token:        "secret",
		ExcludePaths: []string{"/healthz", "/static/*"},
	})
}

func TestAuthorizedHeader(t *testing.T) {
	p := newPolicy()

	r := httptest.NewRequest(http.MethodGet, "/api/info", nil)
	if p.Authorized(r) {
		t.Fatal("request without token authorized")
	}

	r.Header.Set("Authorization", "Bearer secret")
	if !p.Authorized(r) {
		t.Fatal("valid bearer token rejected")
	}

	r.Header.Set("Authorization", "Bearer wrong")
	if p.Authorized(r) {
		t.Fatal("wrong bearer token authorized")
	}

	// Query tokens are for upgrades only.
	q := httptest.NewRequest(http.MethodGet, "/api/info?token=secret", nil)
	if p.Authorized(q) {
		t.Fatal("query token accepted on plain HTTP route")
	}
}

func TestCheckUpgrade(t *testing.T) {
	p := newPolicy()

	if p.CheckUpgrade(httptest.NewRequest(http.MethodGet, "/ws/control", nil)) {
		t.Fatal("upgrade without token accepted")
	}
	if !p.CheckUpgrade(httptest.NewRequest(http.MethodGet, "/ws/control?token=secret", nil)) {
		t.Fatal("query token rejected")
	}

	r := httptest.NewRequest(http.MethodGet, "/ws/control", nil)
	r.Header.Set("Authorization", "Bearer secret")
	if !p.CheckUpgrade(r) {
		t.Fatal("bearer token rejected on upgrade")
	}
}

func TestExcludedAndDisabled(t *testing.T) {
	p := newPolicy()

	if !p.Authorized(httptest.NewRequest(http.MethodGet, "/static/css/site.css", nil)) {
		t.Fatal("excluded path required auth")
	}

	p.Update(Settings{Enabled: false, Token: "secret"})
	if !p.Authorized(httptest.NewRequest(http.MethodGet, "/api/info", nil)) {
		t.Fatal("auth disabled yet request rejected")
	}

	// Enabled with an empty token must reject everything not excluded.
	p.Update(Settings{Enabled: true})
	r := httptest.NewRequest(http.MethodGet, "/ws/control?token=", nil)
	r.Header.Set("Authorization", "Bearer ")
	if p.CheckUpgrade(r) {
		t.Fatal("empty token accepted")
	}
}

func TestMiddleware(t *testing.T) {
	p := newPolicy()
	h := p.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/info", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	rec = httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/info", nil)
	r.Header.Set("Authorization", "Bearer secret")
	h.ServeHTTP(rec, r)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
}

func TestGenerateToken(t *testing.T) {
	a, b := GenerateToken(), GenerateToken()
	if len(a) != 32 {
		t.Fatalf("token length = %d, want 32", len(a))
	}
	if a == b {
		t.Fatal("two generated tokens are equal")
	}
}
