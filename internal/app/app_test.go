package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/1ureka/devlink/internal/cloudtunnel"
	"github.com/1ureka/devlink/internal/config"
)

// newTestDevice builds a Device over a config file seeded with doc. The log
// mirror always points into the test directory.
func newTestDevice(t *testing.T, doc config.Document) (*Device, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "devlink.json")
	if doc == nil {
		doc = config.Document{}
	}
	doc.Set([]string{"log", "enabled"}, false)
	doc.Set([]string{"log", "file"}, filepath.Join(dir, "devlink.log"))
	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	d, err := New(config.Config{ConfigPath: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(d.Close)
	return d, path
}

func serveDevice(t *testing.T, d *Device) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(d.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if mt != websocket.TextMessage {
		t.Fatalf("got message type %d, want text", mt)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	return m
}

func TestGetClaimOverControl(t *testing.T) {
	d, _ := newTestDevice(t, nil)
	ts := serveDevice(t, d)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/control"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if hello := readJSON(t, conn); hello["type"] != "hello" {
		t.Fatalf("first frame = %v, want hello", hello)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"cmd":"get_claim","rotate":true}`)); err != nil {
		t.Fatal(err)
	}
	resp := readJSON(t, conn)
	if resp["ok"] != true || resp["cmd"] != "get_claim" {
		t.Fatalf("reply = %v", resp)
	}
	code, _ := resp["code"].(string)
	if len(code) != 8 {
		t.Errorf("code = %q, want 8 chars", code)
	}
	ms, _ := resp["expires_in_ms"].(float64)
	if ms < 599000 || ms > 600000 {
		t.Errorf("expires_in_ms = %v", ms)
	}
	if got := d.claims.Get(false); got != code {
		t.Errorf("issuer holds %q, reply said %q", got, code)
	}
}

func TestSetConfigAppliedOnceAndPersisted(t *testing.T) {
	d, path := newTestDevice(t, nil)

	if !d.QueueUpdate(config.Document{"deviceName": "bench"}) {
		t.Fatal("queue refused delta")
	}
	if !d.QueueUpdate(config.Document{"camera": map[string]any{"frameRate": 20}}) {
		t.Fatal("queue refused delta")
	}
	if !d.commit(d.queue.Drain()) {
		t.Fatal("commit reported no change")
	}
	if d.queue.Len() != 0 {
		t.Fatalf("queue still holds %d deltas", d.queue.Len())
	}

	s := d.Settings()
	if s.DeviceName != "bench" || s.Camera.FrameRate != 20 {
		t.Fatalf("settings = %+v", s)
	}
	if got := d.host.Info()["deviceName"]; got != "bench" {
		t.Errorf("host deviceName = %v", got)
	}
	if d.frameInterval() != 50*time.Millisecond {
		t.Errorf("frame interval = %v", d.frameInterval())
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var onDisk config.Document
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		t.Fatal(err)
	}
	if onDisk["deviceName"] != "bench" {
		t.Errorf("persisted deviceName = %v", onDisk["deviceName"])
	}

	// Re-applying the same values changes nothing.
	if d.commit([]config.Document{{"deviceName": "bench"}}) {
		t.Error("identical delta reported a change")
	}
}

func TestSetConfigRejectsUndecodableDocument(t *testing.T) {
	d, _ := newTestDevice(t, nil)
	if d.commit([]config.Document{{"camera": map[string]any{"frameRate": "fast"}}}) {
		t.Fatal("accepted a string frame rate")
	}
	if d.Settings().Camera.FrameRate != 10 {
		t.Errorf("frame rate = %d", d.Settings().Camera.FrameRate)
	}
}

func TestAuthGeneratesToken(t *testing.T) {
	d, path := newTestDevice(t, config.Document{"auth": map[string]any{"enabled": true}})
	token := d.Settings().Auth.Token
	if token == "" {
		t.Fatal("no token generated")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), token) {
		t.Error("generated token not persisted")
	}
}

func TestHTTPAuth(t *testing.T) {
	d, _ := newTestDevice(t, config.Document{"auth": map[string]any{"enabled": true, "token": "secret"}})
	ts := serveDevice(t, d)

	get := func(path, token string) int {
		t.Helper()
		req, _ := http.NewRequest(http.MethodGet, ts.URL+path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if got := get("/healthz", ""); got != http.StatusOK {
		t.Errorf("/healthz = %d", got)
	}
	if got := get("/api/info", ""); got != http.StatusUnauthorized {
		t.Errorf("/api/info without token = %d", got)
	}
	if got := get("/api/info", "secret"); got != http.StatusOK {
		t.Errorf("/api/info with token = %d", got)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/telemetry"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != websocket.ClosePolicyViolation {
		t.Fatalf("unauthenticated upgrade: %v, want close 1008", err)
	}

	ok, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/telemetry?token=secret"), nil)
	if err != nil {
		t.Fatalf("dial with token: %v", err)
	}
	defer ok.Close()
	ok.WriteMessage(websocket.TextMessage, []byte(`{"cmd":"ping"}`))
	if resp := readJSON(t, ok); resp["type"] != "pong" {
		t.Fatalf("ping reply = %v", resp)
	}
}

func TestInfoListsEndpointsAndTunnels(t *testing.T) {
	d, _ := newTestDevice(t, nil)
	info := d.info()

	eps, _ := info["endpoints"].([]endpointInfo)
	if len(eps) != 4 {
		t.Fatalf("endpoints = %v", info["endpoints"])
	}
	tunnels, _ := info["tunnels"].([]cloudtunnel.Status)
	if len(tunnels) != 4 || tunnels[0].Tunnel != TunnelCamera {
		t.Fatalf("tunnels = %+v", info["tunnels"])
	}
	if _, ok := info["traffic"].(map[string]int64); !ok {
		t.Errorf("traffic = %T", info["traffic"])
	}
}

func TestApplyEnablesTunnels(t *testing.T) {
	d, _ := newTestDevice(t, config.Document{
		"cloudTunnel": map[string]any{"enabled": true, "baseUrl": "http://127.0.0.1:1", "deviceId": "dev1"},
	})
	d.apply(d.Settings())

	if !d.tunnels[TunnelControl].Enabled() {
		t.Error("control tunnel disabled")
	}
	for _, k := range []string{TunnelCamera, TunnelMedia, TunnelTelemetry} {
		if d.tunnels[k].Enabled() {
			t.Errorf("%s enabled without tunnelAll", k)
		}
	}

	d.commit([]config.Document{{"cloudTunnel": map[string]any{"tunnelAll": true}}})
	for k, tun := range d.tunnels {
		if !tun.Enabled() {
			t.Errorf("%s disabled with tunnelAll", k)
		}
	}

	d.commit([]config.Document{{"cloudTunnel": map[string]any{"enabled": false}}})
	for k, tun := range d.tunnels {
		if tun.Enabled() {
			t.Errorf("%s still enabled", k)
		}
	}
}

func TestDeviceIDFallback(t *testing.T) {
	d, _ := newTestDevice(t, config.Document{"hostname": "bench-host"})
	if got := d.deviceID(d.Settings()); got != "bench-host" {
		t.Errorf("fallback = %q", got)
	}
	d.cfg.DeviceID = "flag-id"
	if got := d.deviceID(d.Settings()); got != "flag-id" {
		t.Errorf("flag = %q", got)
	}
}

func TestCaptureOnceFeedsCameraClients(t *testing.T) {
	d, _ := newTestDevice(t, nil)
	ts := serveDevice(t, d)
	sinks := d.sinks()

	if n := d.captureOnce(context.Background(), sinks); n != 0 {
		t.Fatalf("captured for %d sinks with nobody subscribed", n)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/camera"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for !d.cam.WantsFrames() {
		if time.Now().After(deadline) {
			t.Fatal("camera client never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n := d.captureOnce(context.Background(), sinks); n != 1 {
		t.Fatalf("captured for %d sinks, want 1", n)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if mt != websocket.BinaryMessage || len(frame) < 2 || frame[0] != 0xFF || frame[1] != 0xD8 {
		t.Fatalf("frame type %d, %d bytes, not a JPEG", mt, len(frame))
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	d, _ := newTestDevice(t, nil)
	d.cfg.ListenAddr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}
