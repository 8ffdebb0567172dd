package router

import (
	"github.com/1ureka/devlink/internal/broker"
)

// Camera serves /ws/camera: every client is subscribed for as long as it
// is connected and anything it sends is ignored.
type Camera struct {
	*Router
	subs  *Subscribers
	cloud *fpsLimiter
}

func NewCamera(maxFps int) *Camera {
	return &Camera{
		Router: New("camera", Options{}),
		subs:   NewSubscribers(),
		cloud:  newFpsLimiter(maxFps),
	}
}

// SetMaxFps caps frames pushed over the tunnel.
func (c *Camera) SetMaxFps(fps int) { c.cloud.Set(fps) }

func (c *Camera) Subscribers() *Subscribers { return c.subs }

func (c *Camera) OnConnect(_ *broker.Endpoint, id broker.ClientID)    { c.subs.Add(id) }
func (c *Camera) OnDisconnect(_ *broker.Endpoint, id broker.ClientID) { c.subs.Remove(id) }

// OnMessage drops ingress; the endpoint is send-only.
func (c *Camera) OnMessage(_ *broker.Endpoint, _ broker.ClientID, _ broker.FrameType, _ []byte) {}

// HandleFrame drops frames arriving over the tunnel.
func (c *Camera) HandleFrame(broker.ClientID, broker.FrameType, []byte) {}

func (c *Camera) OnUIConnect()    { c.subs.Add(broker.Cloud) }
func (c *Camera) OnUIDisconnect() { c.subs.Remove(broker.Cloud) }

func (c *Camera) WantsFrames() bool { return c.subs.Len() > 0 }

// PushFrame broadcasts to LAN subscribers and, within the fps cap, to the
// tunnel.
func (c *Camera) PushFrame(frame []byte) {
	lan := false
	cloud := false
	for _, id := range c.subs.Snapshot() {
		if id.IsCloud() {
			cloud = true
		} else {
			lan = true
		}
	}
	if lan {
		if _, err := c.Broadcast(broker.FrameBinary, frame); err != nil {
			c.log.Debugf("broadcast frame: %v", err)
		}
	}
	if cloud && c.cloud.Allow() {
		_ = c.Send(broker.Cloud, broker.FrameBinary, frame)
	}
}
