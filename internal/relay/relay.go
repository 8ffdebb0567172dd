// Package relay is the cloud rendezvous that devices dial out to. It pairs
// each device session with one UI and bridges frames between them.
package relay

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/requestlog"
	"github.com/tomasen/realip"
	"golang.org/x/sync/errgroup"

	"github.com/1ureka/devlink/internal/auth"
	"github.com/1ureka/devlink/internal/util"
)

var log = util.NewLogger("relay")

// DefaultTunnel is assumed by claim redemption when none is named.
const DefaultTunnel = "ws_control"

// Options configures a Server. Zero durations take defaults.
type Options struct {
	// PublicBaseURL is used to build advertised URLs. When empty it is
	// inferred from X-Forwarded-* headers and the Host.
	PublicBaseURL string

	// DeviceToken and UIToken are optional relay-wide gates, checked before
	// the per-device token.
	DeviceToken string
	UIToken     string

	ClaimTTL     time.Duration // default 10m
	PingInterval time.Duration // default 30s
	ReadTimeout  time.Duration // default 120s
	ReadLimit    int64         // default 8 MiB

	// Debug wraps the handler with an access log.
	Debug bool

	Now func() time.Time
}

// Server is the relay's HTTP surface.
type Server struct {
	opts     Options
	hub      *hub
	claims   *claimStore
	upgrader websocket.Upgrader
}

func New(opts Options) *Server {
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = 10 * time.Minute
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 120 * time.Second
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 8 << 20
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Server{
		opts:   opts,
		hub:    newHub(),
		claims: newClaimStore(opts.ClaimTTL, opts.Now),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// Origin checks belong to the ingress in front of the relay.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the relay routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealthz)
	r.Route("/api", func(r chi.Router) {
		r.Use(cors)
		r.Get("/devices", s.handleDevices)
		r.Get("/claim/{code}", s.handleClaim)
		r.Post("/claim", s.handleClaim)
		r.Options("/*", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	})
	r.Get("/ws/device/{id}", s.handleDevice)
	r.Get("/ws/ui/{id}", s.handleUI)

	if s.opts.Debug {
		return requestlog.Wrap(r)
	}
	return r
}

// Run serves on addr until ctx is cancelled, then closes every session.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		for _, sess := range s.hub.all() {
			sess.close(websocket.CloseGoingAway, "relay shutting down")
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("encode response: %v", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	base := s.publicBase(r)
	sessions := s.hub.all()
	out := make([]deviceInfo, 0, len(sessions))
	for _, sess := range sessions {
		ui, dev := wsURLs(base, sess.deviceID, sess.tunnel)
		out = append(out, deviceInfo{
			DeviceID:    sess.deviceID,
			Tunnel:      sess.tunnel,
			SessionID:   sess.id,
			Connected:   true,
			UIConnected: sess.currentUI() != nil,
			ConnectedAt: sess.connectedAt,
			LastSeen:    time.Unix(0, sess.lastSeen.Load()).UTC(),
			UIWSURL:     ui,
			DeviceWSURL: dev,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type claimRequest struct {
	Code   string `json:"code"`
	Tunnel string `json:"tunnel,omitempty"`
}

// handleClaim exchanges a one-time code for the device's UI token.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	req := claimRequest{Code: chi.URLParam(r, "code"), Tunnel: r.URL.Query().Get("tunnel")}
	if r.Method == http.MethodPost {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "bad_json"})
			return
		}
	}
	code := normalizeClaim(req.Code)
	if code == "" || len(code) > maxClaimLen {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid_code"})
		return
	}
	tunnel := strings.TrimSpace(req.Tunnel)
	if tunnel == "" {
		tunnel = DefaultTunnel
	}

	e, ok := s.claims.redeem(code, "", tunnel)
	if !ok || e.DeviceID == "" || e.Token == "" {
		log.Infof("claim rejected from %s", realip.FromRequest(r))
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "error": "invalid_or_expired"})
		return
	}

	ui, _ := wsURLs(s.publicBase(r), e.DeviceID, tunnel)
	log.Infof("claim redeemed for %s (%s) from %s", e.DeviceID, tunnel, realip.FromRequest(r))
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"code":        code,
		"device_id":   e.DeviceID,
		"tunnel":      tunnel,
		"ui_ws_url":   ui,
		"token":       e.Token,
		"ui_ws_token": ui + "&token=" + url.QueryEscape(e.Token),
	})
}

// target validates the device ID and tunnel key of a WS route.
func target(r *http.Request) (deviceID, tunnel string, ok bool) {
	deviceID = strings.TrimSpace(chi.URLParam(r, "id"))
	tunnel = strings.TrimSpace(r.URL.Query().Get("tunnel"))
	if deviceID == "" || strings.ContainsAny(deviceID, "/|") || strings.Contains(tunnel, "/") {
		return "", "", false
	}
	return deviceID, tunnel, true
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	deviceID, tunnel, ok := target(r)
	if !ok {
		http.Error(w, "invalid device id or tunnel", http.StatusBadRequest)
		return
	}
	q := r.URL.Query()
	code := normalizeClaim(q.Get("claim"))
	if len(code) > maxClaimLen {
		http.Error(w, "invalid claim", http.StatusBadRequest)
		return
	}
	if s.opts.DeviceToken != "" && !auth.TokenEqual(auth.ExtractToken(r), s.opts.DeviceToken) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("device upgrade: %v", err)
		return
	}
	remote := realip.FromRequest(r)

	sess := &session{
		id:          uuid.NewString(),
		key:         sessionKey(deviceID, tunnel),
		deviceID:    deviceID,
		tunnel:      tunnel,
		token:       auth.ExtractToken(r),
		device:      newPeer(conn, remote),
		connectedAt: s.opts.Now().UTC(),
	}
	sess.touch()
	if old := s.hub.put(sess); old != nil {
		log.Infof("%s (%s) replaced session %s", deviceID, tunnel, old.id)
		old.close(websocket.ClosePolicyViolation, "replaced by new device connection")
	}
	util.Stats.AddConn()
	log.Infof("device %s (%s) connected from %s, session %s", deviceID, tunnel, remote, sess.id)

	if code != "" && sess.token != "" {
		s.claims.put(code, deviceID, tunnel, sess.token)
		log.Infof("device %s (%s) registered a claim code", deviceID, tunnel)
	}
	if q.Get("announce") == "1" {
		ui, dev := wsURLs(s.publicBase(r), deviceID, tunnel)
		msg, _ := json.Marshal(map[string]any{
			"type":              "registered",
			"device_id":         deviceID,
			"tunnel":            tunnel,
			"ui_ws_url":         ui,
			"device_ws_url":     dev,
			"ui_token_required": sess.token != "",
		})
		if err := sess.device.write(websocket.TextMessage, msg); err != nil {
			log.Debugf("session %s announce: %v", sess.id, err)
		}
	}

	s.deviceLoop(sess)

	s.hub.remove(sess)
	sess.close(websocket.CloseNormalClosure, "device disconnected")
	util.Stats.RemoveConn()
	log.Infof("device %s (%s) disconnected, session %s", deviceID, tunnel, sess.id)
}

// deviceLoop reads the device link, forwarding each frame to the paired UI,
// and pings it until the link fails.
func (s *Server) deviceLoop(sess *session) {
	conn := sess.device.conn
	conn.SetReadLimit(s.opts.ReadLimit)
	conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		sess.touch()
		return conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		t := time.NewTicker(s.opts.PingInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if err := sess.device.ping(); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debugf("session %s read: %v", sess.id, err)
			}
			return
		}
		sess.touch()
		conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
		util.Stats.AddRecv(len(data))

		ui := sess.currentUI()
		if ui == nil {
			continue
		}
		if err := ui.write(mt, data); err != nil {
			log.Debugf("session %s ui write: %v", sess.id, err)
			ui.close(websocket.CloseAbnormalClosure, "")
			continue
		}
		util.Stats.AddSent(len(data))
	}
}

func (s *Server) handleUI(w http.ResponseWriter, r *http.Request) {
	deviceID, tunnel, ok := target(r)
	if !ok {
		http.Error(w, "invalid device id or tunnel", http.StatusBadRequest)
		return
	}
	if s.opts.UIToken != "" && !auth.TokenEqual(auth.ExtractToken(r), s.opts.UIToken) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	remote := realip.FromRequest(r)

	sess := s.hub.get(sessionKey(deviceID, tunnel))
	if sess == nil {
		log.Infof("ui from %s for offline device %s (%s)", remote, deviceID, tunnel)
		s.rejectWS(w, r, websocket.CloseTryAgainLater, "device_offline")
		return
	}
	if sess.token != "" && !s.uiAuthorized(r, sess) {
		log.Warnf("unauthorized ui from %s for %s (%s)", remote, deviceID, tunnel)
		s.rejectWS(w, r, websocket.ClosePolicyViolation, "unauthorized_device")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("ui upgrade: %v", err)
		return
	}
	ui := newPeer(conn, remote)

	if old := sess.attachUI(ui); old != nil {
		log.Infof("ui for %s (%s) replaced", deviceID, tunnel)
		old.close(websocket.ClosePolicyViolation, "replaced by new ui connection")
	} else if err := sess.device.write(websocket.TextMessage, []byte(`{"type":"ui_connected"}`)); err != nil {
		log.Debugf("session %s ui_connected: %v", sess.id, err)
	}
	log.Infof("ui %s paired with %s (%s)", remote, deviceID, tunnel)

	s.bridge(sess, ui)

	if sess.detachUI(ui) {
		if err := sess.device.write(websocket.TextMessage, []byte(`{"type":"ui_disconnected"}`)); err != nil {
			log.Debugf("session %s ui_disconnected: %v", sess.id, err)
		}
	}
	ui.close(websocket.CloseNormalClosure, "")
	log.Infof("ui %s left %s (%s)", remote, deviceID, tunnel)
}

// uiAuthorized accepts the device's token, or a claim code the device
// announced for this session.
func (s *Server) uiAuthorized(r *http.Request, sess *session) bool {
	if auth.TokenEqual(auth.ExtractToken(r), sess.token) {
		return true
	}
	code := normalizeClaim(r.URL.Query().Get("claim"))
	if code == "" || len(code) > maxClaimLen {
		return false
	}
	e, ok := s.claims.redeem(code, sess.deviceID, sess.tunnel)
	return ok && auth.TokenEqual(e.Token, sess.token)
}

// bridge copies UI frames to the device until either side fails.
func (s *Server) bridge(sess *session, ui *peer) {
	ui.conn.SetReadLimit(s.opts.ReadLimit)
	for {
		mt, data, err := ui.conn.ReadMessage()
		if err != nil {
			return
		}
		sess.touch()
		util.Stats.AddRecv(len(data))
		if err := sess.device.write(mt, data); err != nil {
			log.Debugf("session %s device write: %v", sess.id, err)
			return
		}
		util.Stats.AddSent(len(data))
	}
}

// rejectWS upgrades only to deliver a close frame with a reason, so browsers
// can surface it instead of a bare 1006.
func (s *Server) rejectWS(w http.ResponseWriter, r *http.Request, code int, reason string) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	newPeer(conn, "").close(code, reason)
}

// publicBase returns the ws(s):// base advertised to clients.
func (s *Server) publicBase(r *http.Request) string {
	base := strings.TrimRight(strings.TrimSpace(s.opts.PublicBaseURL), "/")
	if base == "" {
		proto := r.Header.Get("X-Forwarded-Proto")
		if proto == "" {
			proto = "https"
		}
		host := r.Header.Get("X-Forwarded-Host")
		if host == "" {
			host = r.Host
		}
		base = proto + "://" + host
	}
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}

func wsURLs(base, deviceID, tunnel string) (ui, dev string) {
	ui = base + "/ws/ui/" + url.PathEscape(deviceID)
	dev = base + "/ws/device/" + url.PathEscape(deviceID)
	if tunnel != "" {
		q := "?tunnel=" + url.QueryEscape(tunnel)
		ui += q
		dev += q
	}
	return ui, dev
}
