package router

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"github.com/1ureka/devlink/internal/broker"
	"github.com/1ureka/devlink/internal/config"
	"github.com/1ureka/devlink/internal/device"
)

// ConfigAccess is the device document as control commands see it.
type ConfigAccess interface {
	// Document returns a copy of the live document.
	Document() config.Document
	// QueueUpdate hands a delta to the apply loop without blocking.
	QueueUpdate(delta config.Document) bool
}

// ClaimSource issues pairing codes.
type ClaimSource interface {
	Get(rotate bool) string
	ExpiresIn() time.Duration
}

// ControlDeps are the collaborators behind /ws/control.
type ControlDeps struct {
	Host   device.Host
	Radio  device.Radio
	GPIO   device.GPIO
	Camera device.Camera
	Config ConfigAccess
	Claim  ClaimSource

	// Info contributes extra get_info sections (endpoints, tunnels, traffic).
	Info func() map[string]any
	// LogFile returns the mirrored log path, or "" when file logging is off.
	LogFile func() string

	// MaxFps caps camera frames pushed to a subscribed tunnel UI.
	MaxFps int
}

// Control serves /ws/control.
type Control struct {
	*Router
	deps        ControlDeps
	cloudCamera *Subscribers
	cloudFps    *fpsLimiter
}

// NewControl builds the control command table.
func NewControl(deps ControlDeps, opts Options) *Control {
	c := &Control{
		Router:      New("control", opts),
		deps:        deps,
		cloudCamera: NewSubscribers(),
		cloudFps:    newFpsLimiter(deps.MaxFps),
	}

	c.Register(Command{Name: "ping", Handle: c.ping})
	c.Register(Command{Name: "get_status", Handle: c.getStatus})
	c.Register(Command{Name: "get_config", Handle: c.getConfig})
	c.Register(Command{Name: "get_info", Handle: c.getInfo})
	c.Register(Command{Name: "get_claim", Handle: c.getClaim})
	c.Register(Command{Name: "get_rssi", Handle: c.getRSSI, Broadcast: true})
	c.Register(Command{Name: "get_logs", Handle: c.getLogs})
	c.Register(Command{Name: "set_config", Handle: c.setConfig})
	c.Register(Command{Name: "set_gpio", Handle: c.setGPIO})
	c.Register(Command{Name: "get_gpio", Handle: c.getGPIO})
	c.Register(Command{Name: "set_pwm", Handle: c.setPWM})
	c.Register(Command{Name: "camera_subscribe", Handle: c.cameraSubscribe, Scope: ScopeCloudOnly, Detail: "use /ws/camera"})
	c.Register(Command{Name: "camera_snapshot", Handle: c.cameraSnapshot, Scope: ScopeCloudOnly, Detail: "use /ws/camera"})
	return c
}

// CloudCamera holds broker.Cloud while the tunnel UI wants frames.
func (c *Control) CloudCamera() *Subscribers { return c.cloudCamera }

// SetMaxFps changes the tunnel frame cap.
func (c *Control) SetMaxFps(fps int) { c.cloudFps.Set(fps) }

func (c *Control) WantsFrames() bool { return c.cloudCamera.Len() > 0 }

// PushFrame forwards a frame over the tunnel when the UI subscribed and the
// fps cap allows it.
func (c *Control) PushFrame(frame []byte) {
	if !c.cloudCamera.Has(broker.Cloud) || !c.cloudFps.Allow() {
		return
	}
	if err := c.Send(broker.Cloud, broker.FrameBinary, frame); err != nil {
		c.log.Debugf("tunnel frame: %v", err)
	}
}

func (c *Control) hello() map[string]any {
	return map[string]any{"type": "hello", "ok": true, "hostname": c.deps.Host.Status().Hostname}
}

// OnConnect greets a new LAN client.
func (c *Control) OnConnect(ep *broker.Endpoint, id broker.ClientID) {
	data, err := json.Marshal(c.hello())
	if err != nil {
		return
	}
	if err := ep.Unicast(id, broker.FrameText, data); err != nil {
		c.log.Debugf("%s hello: %v", id, err)
	}
}

// OnUIConnect greets a UI paired through the tunnel.
func (c *Control) OnUIConnect() {
	if err := c.SendJSON(broker.Cloud, c.hello()); err != nil {
		c.log.Debugf("tunnel hello: %v", err)
	}
}

// OnUIDisconnect stops frames to a departed tunnel UI.
func (c *Control) OnUIDisconnect() {
	c.cloudCamera.Remove(broker.Cloud)
}

func (c *Control) ping(_ context.Context, call *Call) error {
	return call.Reply(map[string]any{"type": "pong"})
}

func (c *Control) getStatus(_ context.Context, call *Call) error {
	st := c.deps.Host.Status()
	return call.Reply(map[string]any{"ip": st.IP, "hostname": st.Hostname, "wifiMode": st.WiFiMode})
}

func (c *Control) getConfig(_ context.Context, call *Call) error {
	return call.Reply(map[string]any{"config": c.deps.Config.Document()})
}

func (c *Control) getInfo(_ context.Context, call *Call) error {
	info := c.deps.Host.Info()
	if c.deps.Info != nil {
		for k, v := range c.deps.Info() {
			info[k] = v
		}
	}
	if c.deps.Claim != nil {
		info["claim_expires_in_ms"] = c.deps.Claim.ExpiresIn().Milliseconds()
	}
	return call.Reply(map[string]any{"info": info})
}

func (c *Control) getClaim(_ context.Context, call *Call) error {
	code := c.deps.Claim.Get(call.Args.BoolOr("rotate", false))
	return call.Reply(map[string]any{
		"code":          code,
		"expires_in_ms": c.deps.Claim.ExpiresIn().Milliseconds(),
	})
}

func (c *Control) getRSSI(_ context.Context, call *Call) error {
	s, err := c.deps.Radio.Signal()
	if err != nil {
		c.log.Debugf("signal: %v", err)
		return call.Reply(map[string]any{"connected": false, "rssi": 0})
	}
	return call.Reply(map[string]any{"connected": s.Connected, "ssid": s.SSID, "rssi": s.RSSI})
}

func (c *Control) getLogs(_ context.Context, call *Call) error {
	path := ""
	if c.deps.LogFile != nil {
		path = c.deps.LogFile()
	}
	if path == "" {
		call.Fail("fs_unavailable", "")
		return nil
	}

	chunk, err := readChunk(path,
		call.Args.Int64Or("offset", -1),
		call.Args.IntOr("tailBytes", defaultTailBytes),
		call.Args.IntOr("maxBytes", defaultLogChunk))
	if isNotExist(err) {
		resp := map[string]any{"ok": false, "cmd": call.Cmd, "error": "log_not_found", "path": path, "source": "file"}
		call.replied = true
		return c.SendJSON(call.From, resp)
	}
	if err != nil {
		return err
	}
	return call.Reply(map[string]any{
		"source": "file",
		"path":   path,
		"size":   chunk.Size,
		"offset": chunk.Offset,
		"next":   chunk.Next,
		"eof":    chunk.EOF,
		"logs":   string(chunk.Data),
	})
}

func (c *Control) setConfig(_ context.Context, call *Call) error {
	delta, ok := call.Args.Object("config")
	if !ok {
		call.Fail("missing_config", "")
		return nil
	}
	if !c.deps.Config.QueueUpdate(config.Document(delta)) {
		call.Fail("queue_failed", "")
		return nil
	}
	return call.Reply(map[string]any{"queued": true})
}

func (c *Control) setGPIO(_ context.Context, call *Call) error {
	pin, ok := call.Args.Int("pin")
	if !ok {
		call.Fail("missing_pin", "")
		return nil
	}
	state := 0
	if call.Args.IntOr("state", 0) != 0 {
		state = 1
	}
	if err := c.deps.GPIO.SetGPIO(pin, state); err != nil {
		return err
	}
	return call.Reply(map[string]any{"pin": pin, "state": state})
}

func (c *Control) getGPIO(_ context.Context, call *Call) error {
	pin, ok := call.Args.Int("pin")
	if !ok {
		call.Fail("missing_pin", "")
		return nil
	}
	state, err := c.deps.GPIO.GPIO(pin)
	if err != nil {
		return err
	}
	return call.Reply(map[string]any{"pin": pin, "state": state})
}

func (c *Control) setPWM(_ context.Context, call *Call) error {
	pin, ok := call.Args.Int("pin")
	if !ok {
		call.Fail("missing_pin", "")
		return nil
	}
	duty := call.Args.IntOr("duty", 0)
	freq := call.Args.IntOr("freq", 5000)
	if err := c.deps.GPIO.SetPWM(pin, duty, freq); err != nil {
		return err
	}
	return call.Reply(map[string]any{"pin": pin, "duty": duty, "freq": freq})
}

func (c *Control) cameraSubscribe(_ context.Context, call *Call) error {
	on := call.Args.BoolOr("enabled", true)
	if on {
		c.cloudCamera.Add(call.From)
	} else {
		c.cloudCamera.Remove(call.From)
	}
	return call.Reply(map[string]any{"subscribed": on})
}

func (c *Control) cameraSnapshot(ctx context.Context, call *Call) error {
	frame, err := c.deps.Camera.Capture(ctx)
	if err != nil {
		return err
	}
	if err := call.Reply(map[string]any{"len": len(frame)}); err != nil {
		return err
	}
	return call.Binary(frame)
}
