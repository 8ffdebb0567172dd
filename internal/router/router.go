// Package router dispatches JSON commands arriving on a WebSocket endpoint
// or its cloud tunnel and routes each reply back to where the request came
// from.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/1ureka/devlink/internal/broker"
	"github.com/1ureka/devlink/internal/device"
	"github.com/1ureka/devlink/internal/util"
)

var (
	ErrNoTunnel  = errors.New("router: tunnel not registered")
	ErrUnbound   = errors.New("router: no LAN endpoint bound")
	ErrBadOrigin = errors.New("router: invalid origin")
)

// LANSender is the broker endpoint a router replies through.
type LANSender interface {
	Unicast(id broker.ClientID, t broker.FrameType, data []byte) error
	Broadcast(t broker.FrameType, data []byte) (int, error)
}

// TunnelSender is the cloud tunnel a router replies through.
type TunnelSender interface {
	Registered() bool
	SendText(data []byte) error
	SendBinary(data []byte) error
}

// Scope restricts which origin may run a command.
type Scope int

const (
	ScopeAny Scope = iota
	ScopeLANOnly
	ScopeCloudOnly
)

// Handler runs one command. Returning nil without calling Reply sends
// {"ok":true,"cmd":...}. A *device.Error is reported by its code.
type Handler func(ctx context.Context, c *Call) error

// Command binds a name to a handler.
type Command struct {
	Name   string
	Handle Handler
	Scope  Scope

	// Broadcast sends the reply to every LAN client when the request
	// came from the LAN. Cloud requests are still answered over the tunnel.
	Broadcast bool

	// Detail explains a scope rejection, e.g. "use /ws/camera".
	Detail string
}

// Options tunes a Router.
type Options struct {
	// Timeout bounds each handler. Defaults to 5s.
	Timeout time.Duration

	// ReplyType is added as "type" to replies that do not set one.
	ReplyType string
}

// Router is one endpoint's command table.
type Router struct {
	name string
	opts Options
	log  *util.Logger

	mu     sync.RWMutex
	cmds   map[string]Command
	lan    LANSender
	tunnel TunnelSender
}

// New creates an empty router for the endpoint called name.
func New(name string, opts Options) *Router {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &Router{
		name: name,
		opts: opts,
		log:  util.NewLogger(name),
		cmds: make(map[string]Command),
	}
}

// Name returns the endpoint name.
func (r *Router) Name() string { return r.name }

// Register adds or replaces a command.
func (r *Router) Register(cmd Command) {
	r.mu.Lock()
	r.cmds[cmd.Name] = cmd
	r.mu.Unlock()
}

// Bind sets the LAN endpoint used for unicast and broadcast replies.
func (r *Router) Bind(lan LANSender) {
	r.mu.Lock()
	r.lan = lan
	r.mu.Unlock()
}

// AttachTunnel sets the tunnel used for replies to broker.Cloud. Nil
// detaches it.
func (r *Router) AttachTunnel(t TunnelSender) {
	r.mu.Lock()
	r.tunnel = t
	r.mu.Unlock()
}

func (r *Router) senders() (LANSender, TunnelSender) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lan, r.tunnel
}

// OnMessage adapts HandleFrame to broker.EndpointConfig.OnMessage.
func (r *Router) OnMessage(_ *broker.Endpoint, id broker.ClientID, t broker.FrameType, data []byte) {
	r.HandleFrame(id, t, data)
}

// HandleFrame parses and runs one request. It is called from the origin's
// own goroutine, so requests from one origin run in order.
func (r *Router) HandleFrame(id broker.ClientID, t broker.FrameType, data []byte) {
	if t != broker.FrameText {
		r.log.Debugf("%s ignoring %d byte binary frame", id, len(data))
		return
	}

	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		r.fail(id, "", "bad_json", err.Error())
		return
	}
	msg, ok := v.(map[string]any)
	if !ok {
		r.fail(id, "", "bad_json", "expected a JSON object")
		return
	}

	name, _ := msg["cmd"].(string)
	r.mu.RLock()
	cmd, found := r.cmds[name]
	r.mu.RUnlock()
	if !found {
		r.log.Debugf("%s unknown cmd %q", id, name)
		r.fail(id, name, "unknown_cmd", "")
		return
	}

	switch {
	case cmd.Scope == ScopeLANOnly && id.IsCloud():
		r.fail(id, name, "lan_only", cmd.Detail)
		return
	case cmd.Scope == ScopeCloudOnly && !id.IsCloud():
		r.fail(id, name, "cloud_only", cmd.Detail)
		return
	}

	c := &Call{From: id, Cmd: name, Args: Args(msg), router: r, broadcast: cmd.Broadcast}
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.Timeout)
	defer cancel()

	err := cmd.Handle(ctx, c)
	switch {
	case err != nil && !c.replied:
		code, detail := errorCode(err)
		r.log.Debugf("%s %s failed: %v", id, name, err)
		r.fail(id, name, code, detail)
	case err != nil:
		r.log.Warnf("%s %s failed after replying: %v", id, name, err)
	case !c.replied:
		_ = c.Reply(nil)
	}
}

func errorCode(err error) (code, detail string) {
	var de *device.Error
	switch {
	case errors.As(err, &de):
		return de.Code, de.Detail
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout", ""
	default:
		return "internal", err.Error()
	}
}

func (r *Router) fail(id broker.ClientID, cmd, code, detail string) {
	resp := map[string]any{"ok": false, "error": code}
	if cmd != "" {
		resp["cmd"] = cmd
	}
	if detail != "" {
		resp["detail"] = detail
	}
	r.withType(resp)
	_ = r.SendJSON(id, resp)
}

func (r *Router) withType(resp map[string]any) {
	if r.opts.ReplyType == "" {
		return
	}
	if _, ok := resp["type"]; !ok {
		resp["type"] = r.opts.ReplyType
	}
}

// SendJSON encodes v and sends it to id as a text frame.
func (r *Router) SendJSON(id broker.ClientID, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	return r.Send(id, broker.FrameText, data)
}

// Send delivers one frame to a LAN client or, for broker.Cloud, over the
// tunnel. Cloud frames are dropped while the tunnel is unregistered.
func (r *Router) Send(id broker.ClientID, t broker.FrameType, data []byte) error {
	lan, tun := r.senders()
	switch {
	case id.IsCloud():
		if tun == nil || !tun.Registered() {
			r.log.Debugf("dropping %d byte reply: tunnel not registered", len(data))
			return ErrNoTunnel
		}
		if t == broker.FrameBinary {
			return tun.SendBinary(data)
		}
		return tun.SendText(data)

	case id.IsLAN():
		if lan == nil {
			return ErrUnbound
		}
		err := lan.Unicast(id, t, data)
		if errors.Is(err, broker.ErrFrameTooLarge) && t == broker.FrameText {
			r.log.Warnf("%s reply of %d bytes exceeds the endpoint limit", id, len(data))
			tooLarge, _ := json.Marshal(map[string]any{"ok": false, "error": "reply_too_large"})
			_ = lan.Unicast(id, t, tooLarge)
		}
		return err

	default:
		return ErrBadOrigin
	}
}

// Broadcast sends one frame to every LAN client.
func (r *Router) Broadcast(t broker.FrameType, data []byte) (int, error) {
	lan, _ := r.senders()
	if lan == nil {
		return 0, ErrUnbound
	}
	return lan.Broadcast(t, data)
}

// BroadcastJSON encodes v and broadcasts it to every LAN client.
func (r *Router) BroadcastJSON(v any) (int, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("encode broadcast: %w", err)
	}
	return r.Broadcast(broker.FrameText, data)
}
