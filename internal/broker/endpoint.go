package broker

import (
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tomasen/realip"

	"github.com/1ureka/devlink/internal/util"
)

const (
	DefaultMaxInbound   = 4 << 10
	DefaultMaxOutbound  = 256 << 10
	DefaultSendQueue    = 16
	DefaultWriteTimeout = 5 * time.Second
)

var (
	ErrNotRunning    = errors.New("broker: server not running")
	ErrPathTaken     = errors.New("broker: path already registered")
	ErrInvalidConfig = errors.New("broker: invalid endpoint config")
	ErrFrameTooLarge = errors.New("broker: frame exceeds outbound limit")
	ErrUnknownClient = errors.New("broker: unknown client")
	ErrSendFailed    = errors.New("broker: client evicted on send")
)

// EndpointConfig describes one WebSocket path.
type EndpointConfig struct {
	MaxClients            int
	MaxInboundFrameBytes  int // 0 selects DefaultMaxInbound
	MaxOutboundFrameBytes int // 0 selects DefaultMaxOutbound
	SendQueue             int
	WriteTimeout          time.Duration

	// RequiresAuth makes the endpoint consult AuthCheck during the
	// handshake. Rejected clients are upgraded and closed with 1008.
	RequiresAuth bool
	AuthCheck    func(r *http.Request) bool

	OnConnect    func(ep *Endpoint, id ClientID)
	OnDisconnect func(ep *Endpoint, id ClientID)
	OnMessage    func(ep *Endpoint, id ClientID, t FrameType, data []byte)
}

func (c *EndpointConfig) normalize() error {
	if c.MaxClients < 1 {
		return ErrInvalidConfig
	}
	if c.MaxInboundFrameBytes < 0 || c.MaxOutboundFrameBytes < 0 {
		return ErrInvalidConfig
	}
	if c.RequiresAuth && c.AuthCheck == nil {
		return ErrInvalidConfig
	}
	if c.MaxInboundFrameBytes == 0 {
		c.MaxInboundFrameBytes = DefaultMaxInbound
	}
	if c.MaxOutboundFrameBytes == 0 {
		c.MaxOutboundFrameBytes = DefaultMaxOutbound
	}
	if c.SendQueue <= 0 {
		c.SendQueue = DefaultSendQueue
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	return nil
}

// Endpoint tracks the clients of one path and fans frames out to them.
type Endpoint struct {
	path     string
	cfg      EndpointConfig
	log      *util.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	table *slotTable
}

func newEndpoint(path string, cfg EndpointConfig) *Endpoint {
	return &Endpoint{
		path: path,
		cfg:  cfg,
		log:  log.Fork(path),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		table: newSlotTable(cfg.MaxClients),
	}
}

// Path returns the URL path the endpoint is registered under.
func (e *Endpoint) Path() string { return e.path }

// MaxOutbound returns the largest frame Unicast and Broadcast accept.
func (e *Endpoint) MaxOutbound() int { return e.cfg.MaxOutboundFrameBytes }

// Count returns the number of connected clients.
func (e *Endpoint) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.table.count
}

// Clients returns the IDs of the connected clients.
func (e *Endpoint) Clients() []ClientID {
	e.mu.Lock()
	defer e.mu.Unlock()
	cs := e.table.snapshot()
	ids := make([]ClientID, len(cs))
	for i, c := range cs {
		ids[i] = c.id
	}
	return ids
}

// Unicast queues a frame for one client. A client whose queue is full is
// evicted and ErrSendFailed is returned.
func (e *Endpoint) Unicast(id ClientID, t FrameType, data []byte) error {
	if len(data) > e.cfg.MaxOutboundFrameBytes {
		return ErrFrameTooLarge
	}
	e.mu.Lock()
	c := e.table.get(id)
	e.mu.Unlock()
	if c == nil {
		return ErrUnknownClient
	}

	f := outFrame{typ: t, data: append([]byte(nil), data...)}
	if !c.enqueue(f) {
		e.log.Warnf("%s send queue full, evicting", id)
		e.evict(c, websocket.ClosePolicyViolation, "send queue full")
		return ErrSendFailed
	}
	return nil
}

// Broadcast queues a frame for every client and returns how many accepted
// it. Clients that cannot accept it are evicted; the rest still receive it.
func (e *Endpoint) Broadcast(t FrameType, data []byte) (int, error) {
	if len(data) > e.cfg.MaxOutboundFrameBytes {
		return 0, ErrFrameTooLarge
	}
	e.mu.Lock()
	clients := e.table.snapshot()
	e.mu.Unlock()

	f := outFrame{typ: t, data: append([]byte(nil), data...)}
	sent := 0
	for _, c := range clients {
		if c.enqueue(f) {
			sent++
			continue
		}
		e.log.Warnf("%s send queue full, evicting", c.id)
		e.evict(c, websocket.ClosePolicyViolation, "send queue full")
	}
	return sent, nil
}

// CloseAll disconnects every client with 1001 (going away).
func (e *Endpoint) CloseAll() {
	e.mu.Lock()
	clients := e.table.snapshot()
	e.mu.Unlock()
	for _, c := range clients {
		e.evict(c, websocket.CloseGoingAway, "server shutting down")
	}
}

// evict removes c from the table, closes it and fires OnDisconnect.
// Concurrent evictions of the same client collapse into one.
func (e *Endpoint) evict(c *client, code int, reason string) {
	e.mu.Lock()
	removed := e.table.remove(c.id) == c
	e.mu.Unlock()
	if !removed {
		return
	}
	e.finish(c, code, reason)
}

func (e *Endpoint) finish(c *client, code int, reason string) {
	c.shutdown(code, reason)
	util.Stats.RemoveConn()
	e.log.Infof("%s disconnected (%s)", c.id, c.remote)
	if e.cfg.OnDisconnect != nil {
		e.cfg.OnDisconnect(e, c.id)
	}
}

// ServeHTTP upgrades the request and runs the client until it leaves.
func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	authorized := !e.cfg.RequiresAuth || e.cfg.AuthCheck(r)

	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.log.Debugf("upgrade failed: %v", err)
		return
	}
	remote := realip.FromRequest(r)

	if !authorized {
		e.log.Warnf("rejected unauthorized client %s", remote)
		writeClose(conn, websocket.ClosePolicyViolation, "unauthorized")
		conn.Close()
		return
	}

	c := newClient(conn, remote, e.cfg.SendQueue)

	var replaced *client
	e.mu.Lock()
	if e.cfg.MaxClients == 1 {
		if old := e.table.first(); old != nil {
			replaced = e.table.remove(old.id)
		}
	}
	id, ok := e.table.insert(c)
	e.mu.Unlock()

	if replaced != nil {
		util.Stats.AddEviction()
		e.log.Infof("%s replaced by new connection", replaced.id)
		e.finish(replaced, websocket.ClosePolicyViolation, "replaced by new connection")
	}
	if !ok {
		e.log.Warnf("rejected %s: too many clients", remote)
		writeClose(conn, websocket.CloseTryAgainLater, "too many clients")
		conn.Close()
		return
	}

	util.Stats.AddConn()
	e.log.Infof("%s connected (%s)", id, remote)

	go c.writeLoop(e, c.send)
	if e.cfg.OnConnect != nil {
		e.cfg.OnConnect(e, id)
	}
	e.readLoop(c)
}

// readLoop delivers inbound frames until the connection fails. Frames over
// the inbound limit are drained and dropped; the client stays connected.
func (e *Endpoint) readLoop(c *client) {
	limit := int64(e.cfg.MaxInboundFrameBytes)
	for {
		mt, r, err := c.conn.NextReader()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				e.log.Debugf("%s read: %v", c.id, err)
			}
			e.evict(c, 0, "")
			return
		}

		data, err := io.ReadAll(io.LimitReader(r, limit+1))
		if err == nil && int64(len(data)) > limit {
			_, err = io.Copy(io.Discard, r)
			if err == nil {
				util.Stats.AddOversize()
				e.log.Warnf("%s dropped oversize %s frame", c.id, frameTypeOf(mt))
				continue
			}
		}
		if err != nil {
			e.log.Debugf("%s read: %v", c.id, err)
			e.evict(c, 0, "")
			return
		}

		util.Stats.AddRecv(len(data))
		if e.cfg.OnMessage != nil {
			e.cfg.OnMessage(e, c.id, frameTypeOf(mt), data)
		}
	}
}
