package cloudtunnel

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/devlink/internal/broker"
)

func TestBuildURL(t *testing.T) {
	tests := []struct {
		base, dev, tunnel, claim, token string
		want                            string
	}{
		{"relay.example.com", "dev1", "ws_control", "ABCD2345", "t+k",
			"wss://relay.example.com/ws/device/dev1?announce=1&tunnel=ws_control&claim=ABCD2345&token=t%2Bk"},
		{"https://r.io/base/", "dev1", "", "", "",
			"wss://r.io/base/ws/device/dev1?announce=1"},
		{"http://10.0.0.2:8080", "d", "ws_camera", "", "",
			"ws://10.0.0.2:8080/ws/device/d?announce=1&tunnel=ws_camera"},
	}
	for _, tt := range tests {
		got, err := BuildURL(tt.base, tt.dev, tt.tunnel, tt.claim, tt.token)
		if err != nil {
			t.Errorf("BuildURL(%q): %v", tt.base, err)
			continue
		}
		if got != tt.want {
			t.Errorf("BuildURL(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}

	for _, bad := range [][2]string{{"", "dev"}, {"relay", ""}, {"ftp://relay", "dev"}, {"relay", "a/b"}} {
		if _, err := BuildURL(bad[0], bad[1], "", "", ""); err == nil {
			t.Errorf("BuildURL(%q, %q) succeeded", bad[0], bad[1])
		}
	}
}

// fakeRelay hands every device connection to the test.
type fakeRelay struct {
	*httptest.Server
	conns   chan *websocket.Conn
	queries chan url.Values
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	r := &fakeRelay{
		conns:   make(chan *websocket.Conn, 4),
		queries: make(chan url.Values, 4),
	}
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	r.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := up.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.queries <- req.URL.Query()
		r.conns <- conn
	}))
	t.Cleanup(r.Close)
	return r
}

type frame struct {
	id   broker.ClientID
	typ  broker.FrameType
	data string
}

func recv[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting until %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestTunnel(frames chan frame, ui chan bool) *Tunnel {
	return New(Options{
		Name:           "ws_control",
		Claim:          func() string { return "ABCD2345" },
		ReconnectDelay: 10 * time.Millisecond,
		OnUIConnect:    func() { ui <- true },
		OnUIDisconnect: func() { ui <- false },
	}, func(id broker.ClientID, typ broker.FrameType, data []byte) {
		frames <- frame{id, typ, string(data)}
	})
}

func TestRegistrationLifecycle(t *testing.T) {
	relay := newFakeRelay(t)
	frames := make(chan frame, 4)
	ui := make(chan bool, 4)

	tun := newTestTunnel(frames, ui)
	tun.Configure(relay.URL, "dev1", "tok", "")
	tun.SetEnabled(true)
	defer tun.Close()

	q := recv(t, relay.queries, "device dial")
	if q.Get("announce") != "1" || q.Get("tunnel") != "ws_control" || q.Get("claim") != "ABCD2345" || q.Get("token") != "tok" {
		t.Fatalf("dial query = %v", q)
	}
	conn := recv(t, relay.conns, "device conn")

	eventually(t, "connected", tun.Connected)
	if tun.Registered() || tun.UIWSURL() != "" {
		t.Fatal("registered before the relay announced")
	}
	if err := tun.SendText([]byte("early")); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("SendText before registration: %v, want ErrNotRegistered", err)
	}

	const ui1 = "wss://relay/ws/ui/dev1?tunnel=ws_control"
	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"registered","device_id":"dev1","ui_ws_url":"`+ui1+`"}`))
	eventually(t, "registered", tun.Registered)
	if got := tun.UIWSURL(); got != ui1 {
		t.Fatalf("UIWSURL = %q", got)
	}
	if s := tun.Status(); s.State != "registered" || s.RegisteredAtMs == 0 {
		t.Fatalf("status = %+v", s)
	}

	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ui_connected"}`))
	if !recv(t, ui, "ui_connected hook") {
		t.Fatal("got ui disconnect, want connect")
	}
	if tun.State() != StateUIConnected {
		t.Fatalf("state = %s", tun.State())
	}

	conn.WriteMessage(websocket.TextMessage, []byte(`{"cmd":"ping"}`))
	f := recv(t, frames, "forwarded frame")
	if f.id != broker.Cloud || f.typ != broker.FrameText || f.data != `{"cmd":"ping"}` {
		t.Fatalf("forwarded %+v", f)
	}
	select {
	case f := <-frames:
		t.Fatalf("meta message forwarded: %+v", f)
	default:
	}

	if err := tun.SendText([]byte("pong")); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, data, err := conn.ReadMessage(); err != nil || string(data) != "pong" {
		t.Fatalf("relay got %q, %v", data, err)
	}

	// Relay drops the device: registration state clears, then it redials.
	conn.Close()
	if recv(t, ui, "ui hook on drop") {
		t.Fatal("got ui connect on drop")
	}
	eventually(t, "registration cleared", func() bool { return !tun.Registered() && tun.UIWSURL() == "" })
	recv(t, relay.conns, "redial")

	tun.Close()
	if tun.State() != StateDisabled {
		t.Fatalf("state after Close = %s", tun.State())
	}
	if err := tun.SendText([]byte("x")); !errors.Is(err, ErrDisabled) {
		t.Fatalf("SendText disabled: %v, want ErrDisabled", err)
	}
}

func TestEnabledWaitsForConfiguration(t *testing.T) {
	relay := newFakeRelay(t)
	tun := newTestTunnel(make(chan frame, 1), make(chan bool, 1))

	tun.SetEnabled(true)
	defer tun.Close()
	if tun.State() != StateConnecting {
		t.Fatalf("state = %s, want connecting", tun.State())
	}
	if err := tun.SendText([]byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SendText unconfigured: %v, want ErrNotConnected", err)
	}

	tun.Configure(relay.URL, "dev2", "", "ws_camera")
	q := recv(t, relay.queries, "dial after configure")
	if q.Get("tunnel") != "ws_camera" || q.Has("token") {
		t.Fatalf("dial query = %v", q)
	}
	if tun.Key() != "ws_camera" {
		t.Fatalf("Key = %q", tun.Key())
	}
}
