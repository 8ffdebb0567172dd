// Package cloudtunnel keeps a device reachable through a cloud relay. A
// tunnel owns one outbound WebSocket and presents the relay to the command
// routers as the synthetic broker.Cloud client.
package cloudtunnel

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/1ureka/devlink/internal/broker"
	"github.com/1ureka/devlink/internal/util"
	"github.com/1ureka/devlink/internal/wsclient"
)

var (
	ErrDisabled      = errors.New("cloudtunnel: disabled")
	ErrNotConnected  = errors.New("cloudtunnel: not connected")
	ErrNotRegistered = errors.New("cloudtunnel: not registered")
)

// Handler receives every non-meta frame from the relay, tagged with
// broker.Cloud. It has the same shape as a broker endpoint's OnMessage minus
// the endpoint, so routers serve both sources with one function.
type Handler func(id broker.ClientID, t broker.FrameType, data []byte)

// Options configures a Tunnel.
type Options struct {
	// Name is the default tunnel key, e.g. "ws_control".
	Name string

	// Claim returns the current pairing code; it is consulted on every dial.
	Claim func() string

	RootCAPEM []byte

	// OnUIConnect fires when the relay reports a paired UI;
	// OnUIDisconnect fires when that UI leaves or the tunnel drops.
	OnUIConnect    func()
	OnUIDisconnect func()

	ReconnectDelay    time.Duration // 1s
	MaxReconnectDelay time.Duration // 30s
	StableAfter       time.Duration // 30s
	ReadLimit         int64         // 8 MiB
}

// Tunnel is one device-to-relay connection.
type Tunnel struct {
	opts    Options
	handler Handler
	log     *util.Logger

	opMu sync.Mutex // serializes start and stop

	mu           sync.Mutex
	baseURL      string
	deviceID     string
	token        string
	key          string
	uiWSURL      string
	deviceWSURL  string
	registeredAt time.Time
	client       *wsclient.Client

	enabled     atomic.Bool
	registered  atomic.Bool
	uiConnected atomic.Bool
	state       atomic.Int32
}

// New creates a disabled tunnel.
func New(opts Options, h Handler) *Tunnel {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = time.Second
	}
	if opts.MaxReconnectDelay <= 0 {
		opts.MaxReconnectDelay = 30 * time.Second
	}
	if opts.StableAfter <= 0 {
		opts.StableAfter = 30 * time.Second
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 8 << 20
	}
	name := opts.Name
	if name == "" {
		name = "tunnel"
	}
	return &Tunnel{
		opts:    opts,
		handler: h,
		log:     util.NewLogger("cloud").Fork(name),
		key:     opts.Name,
	}
}

// Configure stores the relay settings. An enabled tunnel whose settings
// changed reconnects with the new ones.
func (t *Tunnel) Configure(baseURL, deviceID, token, tunnelKey string) {
	if tunnelKey == "" {
		tunnelKey = t.opts.Name
	}
	t.mu.Lock()
	changed := t.baseURL != baseURL || t.deviceID != deviceID || t.token != token || t.key != tunnelKey
	t.baseURL, t.deviceID, t.token, t.key = baseURL, deviceID, token, tunnelKey
	t.mu.Unlock()

	if changed && t.enabled.Load() {
		t.log.Infof("settings changed, reconnecting")
		t.opMu.Lock()
		t.stopLocked()
		t.startLocked()
		t.opMu.Unlock()
	}
}

// SetEnabled starts or stops the outbound connection.
func (t *Tunnel) SetEnabled(on bool) {
	t.opMu.Lock()
	defer t.opMu.Unlock()
	if t.enabled.Swap(on) == on {
		return
	}
	if on {
		t.startLocked()
		return
	}
	t.stopLocked()
	t.state.Store(int32(StateDisabled))
	t.log.Infof("disabled")
}

// Close disables the tunnel.
func (t *Tunnel) Close() { t.SetEnabled(false) }

func (t *Tunnel) startLocked() {
	t.mu.Lock()
	configured := t.baseURL != "" && t.deviceID != ""
	t.mu.Unlock()

	t.state.Store(int32(StateConnecting))
	if !configured {
		t.log.Infof("waiting for base URL and device ID")
		return
	}

	c, err := wsclient.New(wsclient.Options{
		Name:              "cloud:" + t.Key(),
		URLFunc:           t.dialURL,
		RootCAPEM:         t.opts.RootCAPEM,
		HandshakeTimeout:  15 * time.Second,
		ReadLimit:         t.opts.ReadLimit,
		AutoReconnect:     true,
		ReconnectDelay:    t.opts.ReconnectDelay,
		MaxReconnectDelay: t.opts.MaxReconnectDelay,
		StableAfter:       t.opts.StableAfter,
		OnConnect:         t.onConnect,
		OnDisconnect:      t.onDisconnect,
		OnMessage:         t.onMessage,
	})
	if err != nil {
		t.log.Errorf("cannot start: %v", err)
		t.state.Store(int32(StateDisconnected))
		return
	}

	t.mu.Lock()
	t.client = c
	t.mu.Unlock()
	c.Connect()
}

func (t *Tunnel) stopLocked() {
	t.mu.Lock()
	c := t.client
	t.client = nil
	t.mu.Unlock()
	if c != nil {
		c.Disconnect()
	}
	t.reset()
}

// dialURL runs on the client goroutine before every dial.
func (t *Tunnel) dialURL() string {
	t.mu.Lock()
	base, dev, token, key := t.baseURL, t.deviceID, t.token, t.key
	t.mu.Unlock()

	claim := ""
	if t.opts.Claim != nil {
		claim = t.opts.Claim()
	}
	t.state.Store(int32(StateConnecting))

	u, err := BuildURL(base, dev, key, claim, token)
	if err != nil {
		t.log.Errorf("%v", err)
		return base
	}
	return u
}

func (t *Tunnel) onConnect() {
	t.state.Store(int32(StateConnected))
	t.log.Infof("connected, waiting for registration")
}

func (t *Tunnel) onDisconnect(err error) {
	t.reset()
	if t.enabled.Load() {
		t.state.Store(int32(StateDisconnected))
	}
}

// reset clears the per-connection state. Identity and token are kept.
func (t *Tunnel) reset() {
	t.registered.Store(false)
	hadUI := t.uiConnected.Swap(false)

	t.mu.Lock()
	t.uiWSURL, t.deviceWSURL = "", ""
	t.registeredAt = time.Time{}
	t.mu.Unlock()

	if hadUI && t.opts.OnUIDisconnect != nil {
		t.opts.OnUIDisconnect()
	}
}

type metaMessage struct {
	Type            string `json:"type"`
	UIWSURL         string `json:"ui_ws_url"`
	DeviceWSURL     string `json:"device_ws_url"`
	UITokenRequired bool   `json:"ui_token_required"`
}

func (t *Tunnel) onMessage(mt int, data []byte) {
	if mt != websocket.TextMessage {
		t.handler(broker.Cloud, broker.FrameBinary, data)
		return
	}
	if t.handleMeta(data) {
		return
	}
	t.handler(broker.Cloud, broker.FrameText, data)
}

// handleMeta consumes the relay's own messages and reports whether data
// was one of them.
func (t *Tunnel) handleMeta(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	var m metaMessage
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return false
	}

	switch m.Type {
	case "registered":
		t.mu.Lock()
		if m.UIWSURL != "" {
			t.uiWSURL = m.UIWSURL
		}
		if m.DeviceWSURL != "" {
			t.deviceWSURL = m.DeviceWSURL
		}
		t.registeredAt = time.Now()
		t.mu.Unlock()
		t.registered.Store(true)
		t.state.Store(int32(StateRegistered))
		t.log.Infof("registered, UI at %s (token required: %v)", m.UIWSURL, m.UITokenRequired)

	case "ui_connected":
		t.uiConnected.Store(true)
		t.state.Store(int32(StateUIConnected))
		t.log.Infof("UI connected")
		if t.opts.OnUIConnect != nil {
			t.opts.OnUIConnect()
		}

	case "ui_disconnected":
		t.uiConnected.Store(false)
		if t.registered.Load() {
			t.state.Store(int32(StateRegistered))
		}
		t.log.Infof("UI disconnected")
		if t.opts.OnUIDisconnect != nil {
			t.opts.OnUIDisconnect()
		}

	default:
		return false
	}
	return true
}

func (t *Tunnel) SendText(data []byte) error   { return t.send(false, data) }
func (t *Tunnel) SendBinary(data []byte) error { return t.send(true, data) }

func (t *Tunnel) send(binary bool, data []byte) error {
	if !t.enabled.Load() {
		return ErrDisabled
	}
	t.mu.Lock()
	c := t.client
	t.mu.Unlock()
	if c == nil || !c.Connected() {
		return ErrNotConnected
	}
	if !t.registered.Load() {
		return ErrNotRegistered
	}
	if binary {
		return c.SendBinary(data)
	}
	return c.SendText(data)
}

func (t *Tunnel) Enabled() bool     { return t.enabled.Load() }
func (t *Tunnel) Registered() bool  { return t.registered.Load() }
func (t *Tunnel) UIConnected() bool { return t.uiConnected.Load() }
func (t *Tunnel) State() State      { return State(t.state.Load()) }

// Connected reports whether the outbound socket is open.
func (t *Tunnel) Connected() bool {
	t.mu.Lock()
	c := t.client
	t.mu.Unlock()
	return c != nil && c.Connected()
}

// Key returns the tunnel key sent to the relay.
func (t *Tunnel) Key() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.key
}

// UIWSURL returns the URL the relay announced for UIs, or "" before
// registration.
func (t *Tunnel) UIWSURL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.uiWSURL
}

func (t *Tunnel) DeviceWSURL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deviceWSURL
}

// Status returns a snapshot for get_info.
func (t *Tunnel) Status() Status {
	t.mu.Lock()
	s := Status{
		Tunnel:      t.key,
		UIWSURL:     t.uiWSURL,
		DeviceWSURL: t.deviceWSURL,
	}
	if !t.registeredAt.IsZero() {
		s.RegisteredAtMs = t.registeredAt.UnixMilli()
	}
	c := t.client
	t.mu.Unlock()

	s.State = t.State().String()
	s.Enabled = t.enabled.Load()
	s.Connected = c != nil && c.Connected()
	s.Registered = t.registered.Load()
	s.UIConnected = t.uiConnected.Load()
	return s
}
