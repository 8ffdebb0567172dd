package wsclient

import (
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// echoServer echoes every frame and records the Authorization header and
// query of each upgrade. A "bye" frame makes it hang up.
type echoServer struct {
	*httptest.Server
	auth    chan string
	queries chan string
	closes  chan int
}

func newEchoServer(t *testing.T, tls bool) *echoServer {
	t.Helper()
	s := &echoServer{
		auth:    make(chan string, 8),
		queries: make(chan string, 8),
		closes:  make(chan int, 8),
	}
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.auth <- r.Header.Get("Authorization")
		s.queries <- r.URL.RawQuery
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				var ce *websocket.CloseError
				if errors.As(err, &ce) {
					s.closes <- ce.Code
				}
				return
			}
			if string(data) == "bye" {
				return
			}
			conn.WriteMessage(mt, data)
		}
	})
	if tls {
		s.Server = httptest.NewTLSServer(h)
	} else {
		s.Server = httptest.NewServer(h)
	}
	t.Cleanup(s.Close)
	return s
}

func (s *echoServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New(Options{}); !errors.Is(err, ErrNoURL) {
		t.Fatalf("New without URL: %v, want ErrNoURL", err)
	}
	if _, err := New(Options{URL: "ws://x", RootCAPEM: []byte("not pem")}); !errors.Is(err, ErrBadRootCA) {
		t.Fatalf("New with junk PEM: %v, want ErrBadRootCA", err)
	}
}

func TestSendWhileOffline(t *testing.T) {
	c, err := New(Options{URL: "ws://127.0.0.1:1"})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.SendText([]byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SendText offline: %v, want ErrNotConnected", err)
	}
}

func TestConnectEchoAndBearer(t *testing.T) {
	srv := newEchoServer(t, false)

	connected := make(chan struct{}, 1)
	msgs := make(chan string, 1)
	c, err := New(Options{
		URL:         srv.wsURL(),
		BearerToken: "tok",
		OnConnect:   func() { connected <- struct{}{} },
		OnMessage: func(mt int, data []byte) {
			if mt == websocket.TextMessage {
				msgs <- string(data)
			}
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	c.Connect()
	defer c.Disconnect()

	waitFor(t, connected, "connect")
	if got := waitFor(t, srv.auth, "auth header"); got != "Bearer tok" {
		t.Fatalf("Authorization = %q", got)
	}
	if !c.Connected() {
		t.Fatal("Connected() = false after OnConnect")
	}
	if err := c.SendText([]byte("hello")); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if got := waitFor(t, msgs, "echo"); got != "hello" {
		t.Fatalf("echo = %q", got)
	}
}

func TestDisconnectSendsNormalClose(t *testing.T) {
	srv := newEchoServer(t, false)

	connected := make(chan struct{}, 1)
	disconnected := make(chan error, 1)
	c, _ := New(Options{
		URL:           srv.wsURL(),
		AutoReconnect: true,
		OnConnect:     func() { connected <- struct{}{} },
		OnDisconnect:  func(err error) { disconnected <- err },
	})
	c.Connect()
	waitFor(t, connected, "connect")

	c.Disconnect()
	if code := waitFor(t, srv.closes, "server close"); code != websocket.CloseNormalClosure {
		t.Fatalf("close code = %d, want 1000", code)
	}
	waitFor(t, disconnected, "OnDisconnect")
	if c.Running() || c.Connected() {
		t.Fatal("client still running after Disconnect")
	}
}

func TestReconnectEvaluatesURLFunc(t *testing.T) {
	srv := newEchoServer(t, false)

	var n atomic.Int32
	connected := make(chan struct{}, 4)
	c, _ := New(Options{
		URLFunc:        func() string { return fmt.Sprintf("%s?n=%d", srv.wsURL(), n.Add(1)) },
		AutoReconnect:  true,
		ReconnectDelay: 10 * time.Millisecond,
		OnConnect:      func() { connected <- struct{}{} },
	})
	c.Connect()
	defer c.Disconnect()

	waitFor(t, connected, "first connect")
	if q := waitFor(t, srv.queries, "first query"); q != "n=1" {
		t.Fatalf("first query = %q", q)
	}

	if err := c.SendText([]byte("bye")); err != nil {
		t.Fatal(err)
	}

	waitFor(t, connected, "reconnect")
	if q := waitFor(t, srv.queries, "second query"); q != "n=2" {
		t.Fatalf("second query = %q", q)
	}
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(dead.URL, "http")
	dead.Close()

	errs := make(chan error, 8)
	c, _ := New(Options{
		URL:                  url,
		AutoReconnect:        true,
		ReconnectDelay:       5 * time.Millisecond,
		MaxReconnectAttempts: 3,
		OnError:              func(err error) { errs <- err },
	})
	c.Connect()
	defer c.Disconnect()

	for i := 0; i < 3; i++ {
		if err := waitFor(t, errs, "dial error"); errors.Is(err, ErrGaveUp) {
			t.Fatalf("gave up after %d attempts, want 3", i)
		}
	}
	if err := waitFor(t, errs, "give up"); !errors.Is(err, ErrGaveUp) {
		t.Fatalf("error = %v, want ErrGaveUp", err)
	}
}

func TestRootCAPEMTrustsServer(t *testing.T) {
	srv := newEchoServer(t, true)
	rootPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})

	connected := make(chan struct{}, 1)
	c, err := New(Options{
		URL:       srv.wsURL(),
		RootCAPEM: rootPEM,
		OnConnect: func() { connected <- struct{}{} },
	})
	if err != nil {
		t.Fatal(err)
	}
	c.Connect()
	defer c.Disconnect()
	waitFor(t, connected, "TLS connect")

	// Without the root the system store rejects the test certificate.
	errs := make(chan error, 1)
	untrusted, _ := New(Options{URL: srv.wsURL(), OnError: func(err error) { errs <- err }})
	untrusted.Connect()
	defer untrusted.Disconnect()
	if err := waitFor(t, errs, "TLS failure"); err == nil {
		t.Fatal("untrusted TLS dial succeeded")
	}
}
