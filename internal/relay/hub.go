package relay

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

// peer is one side of a bridge. Gorilla connections allow a single writer,
// so every write goes through mu.
type peer struct {
	conn   *websocket.Conn
	remote string

	mu   sync.Mutex
	once sync.Once
}

func newPeer(conn *websocket.Conn, remote string) *peer {
	return &peer{conn: conn, remote: remote}
}

func (p *peer) write(mt int, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(mt, data)
}

func (p *peer) ping() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeWait))
}

// close sends a close frame once and drops the connection.
func (p *peer) close(code int, reason string) {
	p.once.Do(func() {
		p.mu.Lock()
		p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		p.mu.Unlock()
		p.conn.Close()
	})
}

// session is a connected device and, optionally, the one UI paired with it.
type session struct {
	id          string // uuid, for logs
	key         string
	deviceID    string
	tunnel      string
	token       string
	device      *peer
	connectedAt time.Time
	lastSeen    atomic.Int64

	mu sync.Mutex
	ui *peer
}

func (s *session) touch() { s.lastSeen.Store(time.Now().UnixNano()) }

// attachUI installs ui and returns the UI it displaced, if any.
func (s *session) attachUI(ui *peer) (old *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, s.ui = s.ui, ui
	return old
}

// detachUI clears ui if it is still the attached one.
func (s *session) detachUI(ui *peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ui != ui {
		return false
	}
	s.ui = nil
	return true
}

func (s *session) currentUI() *peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ui
}

// close ends the device link and its UI with the same close code.
func (s *session) close(code int, reason string) {
	s.device.close(code, reason)
	s.mu.Lock()
	ui := s.ui
	s.ui = nil
	s.mu.Unlock()
	if ui != nil {
		ui.close(code, reason)
	}
}

// deviceInfo is one /api/devices entry.
type deviceInfo struct {
	DeviceID    string    `json:"device_id"`
	Tunnel      string    `json:"tunnel,omitempty"`
	SessionID   string    `json:"session_id"`
	Connected   bool      `json:"connected"`
	UIConnected bool      `json:"ui_connected"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
	UIWSURL     string    `json:"ui_ws_url"`
	DeviceWSURL string    `json:"device_ws_url"`
}

// hub indexes sessions by device ID and tunnel key.
type hub struct {
	mu       sync.Mutex
	sessions map[string]*session
}

func newHub() *hub { return &hub{sessions: make(map[string]*session)} }

func sessionKey(deviceID, tunnel string) string {
	deviceID = strings.TrimSpace(deviceID)
	tunnel = strings.TrimSpace(tunnel)
	if tunnel == "" {
		return deviceID
	}
	return deviceID + "|" + tunnel
}

// put installs s and returns the session it replaced.
func (h *hub) put(s *session) (old *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	old = h.sessions[s.key]
	h.sessions[s.key] = s
	return old
}

func (h *hub) get(key string) *session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions[key]
}

// remove deletes s only if it is still the session for its key.
func (h *hub) remove(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[s.key] == s {
		delete(h.sessions, s.key)
	}
}

func (h *hub) all() []*session {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	return out
}
