// Package broker serves WebSocket endpoints on one HTTP server. Each
// endpoint keeps a bounded set of clients, enforces per-frame size limits
// and delivers inbound frames to its callbacks.
package broker

import (
	"net/http"
	"sync"

	"github.com/1ureka/devlink/internal/util"
)

var log = util.NewLogger("broker")

// Server routes upgrade requests to registered endpoints by exact path.
type Server struct {
	mu        sync.RWMutex
	running   bool
	endpoints map[string]*Endpoint
}

// NewServer creates a stopped server with no endpoints.
func NewServer() *Server {
	return &Server{endpoints: make(map[string]*Endpoint)}
}

// Start makes the server accept upgrades.
func (s *Server) Start() {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	log.Infof("accepting connections on %d endpoint(s)", len(s.endpoints))
}

// Stop refuses new upgrades and disconnects every client. Endpoints stay
// registered, so Start can be called again.
func (s *Server) Stop() {
	s.mu.Lock()
	s.running = false
	eps := make([]*Endpoint, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		eps = append(eps, ep)
	}
	s.mu.Unlock()

	for _, ep := range eps {
		ep.CloseAll()
	}
}

// Running reports whether the server accepts upgrades.
func (s *Server) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Register adds an endpoint at path. It requires a running server.
func (s *Server) Register(path string, cfg EndpointConfig) (*Endpoint, error) {
	if path == "" || path[0] != '/' {
		return nil, ErrInvalidConfig
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil, ErrNotRunning
	}
	if _, taken := s.endpoints[path]; taken {
		return nil, ErrPathTaken
	}
	ep := newEndpoint(path, cfg)
	s.endpoints[path] = ep
	log.Infof("registered %s (max %d clients, in %d B, out %d B)",
		path, cfg.MaxClients, cfg.MaxInboundFrameBytes, cfg.MaxOutboundFrameBytes)
	return ep, nil
}

// Endpoint returns the endpoint registered at path, or nil.
func (s *Server) Endpoint(path string) *Endpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endpoints[path]
}

// Paths returns the registered paths.
func (s *Server) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.endpoints))
	for p := range s.endpoints {
		out = append(out, p)
	}
	return out
}

// ServeHTTP dispatches an upgrade request to the endpoint for its path.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	running := s.running
	ep := s.endpoints[r.URL.Path]
	s.mu.RUnlock()

	if !running {
		http.Error(w, "server stopped", http.StatusServiceUnavailable)
		return
	}
	if ep == nil {
		http.NotFound(w, r)
		return
	}
	ep.ServeHTTP(w, r)
}
