// Package auth checks bearer tokens on HTTP requests and WebSocket upgrades.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/tomasen/realip"

	"github.com/1ureka/devlink/internal/util"
)

var log = util.NewLogger("auth")

// Settings is the auth section of the device document.
type Settings struct {
	Enabled      bool     `json:"enabled"`
	Token        string   `json:"token"`
	ExcludePaths []string `json:"excludePaths"`
}

// Policy is the live auth policy. It can be swapped at runtime when the
// configuration changes; all methods are safe for concurrent use.
type Policy struct {
	mu sync.RWMutex
	s  Settings
}

// NewPolicy creates a Policy from s.
func NewPolicy(s Settings) *Policy {
	p := &Policy{}
	p.Update(s)
	return p
}

// Update replaces the active settings.
func (p *Policy) Update(s Settings) {
	s.ExcludePaths = append([]string(nil), s.ExcludePaths...)
	p.mu.Lock()
	p.s = s
	p.mu.Unlock()
}

// Enabled reports whether auth is enforced.
func (p *Policy) Enabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.s.Enabled
}

// Excluded reports whether path matches one of the allow-listed patterns.
func (p *Policy) Excluded(path string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, pat := range p.s.ExcludePaths {
		if Match(pat, path) {
			return true
		}
	}
	return false
}

// Authorized checks the Authorization header only. This is the check for
// plain HTTP routes.
func (p *Policy) Authorized(r *http.Request) bool {
	p.mu.RLock()
	s := p.s
	p.mu.RUnlock()

	if !s.Enabled || p.Excluded(r.URL.Path) {
		return true
	}
	ok := tokenEqual(BearerToken(r), s.Token)
	if !ok {
		log.Debugf("401 %s %s from %s", r.Method, r.URL.Path, realip.FromRequest(r))
	}
	return ok
}

// CheckUpgrade is the WebSocket handshake check. Browsers cannot set headers
// on an upgrade, so the token may also arrive as ?token=.
func (p *Policy) CheckUpgrade(r *http.Request) bool {
	p.mu.RLock()
	s := p.s
	p.mu.RUnlock()

	if !s.Enabled || p.Excluded(r.URL.Path) {
		return true
	}
	if tokenEqual(BearerToken(r), s.Token) {
		return true
	}
	ok := tokenEqual(r.URL.Query().Get("token"), s.Token)
	if !ok {
		log.Debugf("upgrade rejected %s from %s", r.URL.Path, realip.FromRequest(r))
	}
	return ok
}

// Middleware rejects unauthorized requests with 401.
func (p *Policy) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !p.Authorized(r) {
			http.Error(w, `{"error":"Unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// header, or returns "".
func BearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

// ExtractToken returns the bearer token, falling back to ?token=.
func ExtractToken(r *http.Request) string {
	if tok := BearerToken(r); tok != "" {
		return tok
	}
	return r.URL.Query().Get("token")
}

// GenerateToken returns a new random token (32 hex characters).
func GenerateToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// TokenEqual compares two tokens in constant time. An empty expected token
// never matches.
func TokenEqual(got, expected string) bool {
	return tokenEqual(got, expected)
}

func tokenEqual(got, expected string) bool {
	if got == "" || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
}
