// Package wsclient maintains one outbound WebSocket connection, redialing
// with exponential backoff when it drops.
package wsclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/1ureka/devlink/internal/util"
)

var (
	ErrNotConnected = errors.New("wsclient: not connected")
	ErrGaveUp       = errors.New("wsclient: gave up reconnecting")
	ErrNoURL        = errors.New("wsclient: no URL configured")
	ErrBadRootCA    = errors.New("wsclient: no certificates in root CA PEM")
)

// Options configures a Client. Zero durations select the defaults noted on
// each field.
type Options struct {
	// URL is dialed unless URLFunc is set; URLFunc is evaluated on every
	// dial so query parameters can change between attempts.
	URL     string
	URLFunc func() string

	Header      http.Header
	BearerToken string // sent as "Authorization: Bearer <token>"

	RootCAPEM          []byte // nil uses the system trust store
	InsecureSkipVerify bool

	HandshakeTimeout time.Duration // 15s
	WriteTimeout     time.Duration // 5s
	ReadLimit        int64         // 0 is unlimited

	AutoReconnect        bool
	ReconnectDelay       time.Duration // 1s
	MaxReconnectDelay    time.Duration // 0 keeps the delay fixed
	StableAfter          time.Duration // 30s; a connection this old resets the backoff
	MaxReconnectAttempts int           // 0 retries forever

	// Callbacks run on the client goroutine and must not block it.
	OnConnect    func()
	OnDisconnect func(err error)
	OnMessage    func(messageType int, data []byte)
	OnError      func(err error)

	// Name tags log lines.
	Name string
}

// Client is a single outbound connection with an optional reconnect loop.
// Writes are serialized and safe for concurrent use.
type Client struct {
	opts   Options
	dialer *websocket.Dialer
	log    *util.Logger

	mu     sync.Mutex // guards cancel and done
	cancel context.CancelFunc
	done   chan struct{}

	connMu    sync.Mutex // guards conn and serializes writes
	conn      *websocket.Conn
	connected atomic.Bool
}

// New validates opts and prepares the dialer. It does not connect.
func New(opts Options) (*Client, error) {
	if opts.URL == "" && opts.URLFunc == nil {
		return nil, ErrNoURL
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 15 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = time.Second
	}
	if opts.StableAfter <= 0 {
		opts.StableAfter = 30 * time.Second
	}
	if opts.Name == "" {
		opts.Name = "wsclient"
	}

	tlsConf := &tls.Config{InsecureSkipVerify: opts.InsecureSkipVerify}
	if len(opts.RootCAPEM) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(opts.RootCAPEM) {
			return nil, ErrBadRootCA
		}
		tlsConf.RootCAs = pool
	}

	return &Client{
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
			TLSClientConfig:  tlsConf,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		log: util.NewLogger(opts.Name),
	}, nil
}

// Connected reports whether a connection is currently open.
func (c *Client) Connected() bool { return c.connected.Load() }

// Running reports whether the connection goroutine is active.
func (c *Client) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Connect starts the connection goroutine. It is a no-op when already
// running.
func (c *Client) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != nil {
		select {
		case <-c.done:
		default:
			return
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx, c.done)
}

// Disconnect stops the goroutine, closing any open connection with 1000,
// and waits for it to exit.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Reconnect drops the current connection and dials again.
func (c *Client) Reconnect() {
	c.Disconnect()
	c.Connect()
}

func (c *Client) SendText(data []byte) error   { return c.send(websocket.TextMessage, data) }
func (c *Client) SendBinary(data []byte) error { return c.send(websocket.BinaryMessage, data) }

func (c *Client) send(mt int, data []byte) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := c.conn.WriteMessage(mt, data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	b := &backoff.Backoff{
		Min:    c.opts.ReconnectDelay,
		Max:    c.opts.MaxReconnectDelay,
		Factor: 2,
	}
	if b.Max < b.Min {
		b.Max = b.Min
	}

	failures := 0
	for {
		up, err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if up >= c.opts.StableAfter {
			b.Reset()
		}
		if up > 0 {
			failures = 0
		} else {
			failures++
			c.log.Warnf("connect failed: %v", err)
			c.emitError(err)
		}

		if !c.opts.AutoReconnect {
			return
		}
		if limit := c.opts.MaxReconnectAttempts; limit > 0 && failures >= limit {
			c.log.Errorf("giving up after %d attempts", failures)
			c.emitError(ErrGaveUp)
			return
		}

		d := b.Duration()
		c.log.Infof("reconnecting in %s", d)
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return
		}
	}
}

// session dials once and reads until the connection ends. It returns how
// long the connection stayed up; zero means the dial failed.
func (c *Client) session(ctx context.Context) (time.Duration, error) {
	target := c.target()
	dctx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	conn, resp, err := c.dialer.DialContext(dctx, target, c.header())
	cancel()
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (HTTP %d)", err, resp.StatusCode)
		}
		return 0, fmt.Errorf("dial %s: %w", redact(target), err)
	}
	if c.opts.ReadLimit > 0 {
		conn.SetReadLimit(c.opts.ReadLimit)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.connected.Store(true)
	since := time.Now()
	c.log.Infof("connected to %s", redact(target))

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	})
	defer stop()

	if c.opts.OnConnect != nil {
		c.opts.OnConnect()
	}

	err = c.readLoop(conn)

	c.connMu.Lock()
	c.conn = nil
	c.connMu.Unlock()
	c.connected.Store(false)
	conn.Close()

	up := time.Since(since)
	if up <= 0 {
		up = time.Nanosecond
	}
	c.log.Infof("disconnected after %s: %v", up.Round(time.Millisecond), err)
	if c.opts.OnDisconnect != nil {
		c.opts.OnDisconnect(err)
	}
	return up, err
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if c.opts.OnMessage != nil {
			c.opts.OnMessage(mt, data)
		}
	}
}

func (c *Client) target() string {
	if c.opts.URLFunc != nil {
		return c.opts.URLFunc()
	}
	return c.opts.URL
}

func (c *Client) header() http.Header {
	h := http.Header{}
	for k, vs := range c.opts.Header {
		h[k] = append([]string(nil), vs...)
	}
	if c.opts.BearerToken != "" {
		h.Set("Authorization", "Bearer "+c.opts.BearerToken)
	}
	return h
}

func (c *Client) emitError(err error) {
	if c.opts.OnError != nil {
		c.opts.OnError(err)
	}
}

// redact strips the query string, which may carry tokens, for logging.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	return u.String()
}
