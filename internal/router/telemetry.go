package router

import (
	"context"
	"sync/atomic"

	"github.com/1ureka/devlink/internal/broker"
	"github.com/1ureka/devlink/internal/device"
)

// Telemetry serves /ws/telemetry and publishes radio readings to whoever
// is listening.
type Telemetry struct {
	*Router
	radio device.Radio
	lan   atomic.Int32
	ui    atomic.Bool
}

func NewTelemetry(radio device.Radio, opts Options) *Telemetry {
	t := &Telemetry{Router: New("telemetry", opts), radio: radio}
	t.Register(Command{Name: "ping", Handle: func(_ context.Context, c *Call) error {
		return c.Reply(map[string]any{"type": "pong"})
	}})
	t.Register(Command{Name: "get_rssi", Handle: t.getRSSI})
	return t
}

func (t *Telemetry) OnConnect(*broker.Endpoint, broker.ClientID)    { t.lan.Add(1) }
func (t *Telemetry) OnDisconnect(*broker.Endpoint, broker.ClientID) { t.lan.Add(-1) }

func (t *Telemetry) OnUIConnect()    { t.ui.Store(true) }
func (t *Telemetry) OnUIDisconnect() { t.ui.Store(false) }

// Listening reports whether a publish would reach anyone.
func (t *Telemetry) Listening() bool { return t.lan.Load() > 0 || t.ui.Load() }

func (t *Telemetry) reading() map[string]any {
	s, err := t.radio.Signal()
	if err != nil {
		return map[string]any{"connected": false, "ssid": "", "rssi": 0}
	}
	return map[string]any{"connected": s.Connected, "ssid": s.SSID, "rssi": s.RSSI}
}

func (t *Telemetry) getRSSI(_ context.Context, c *Call) error {
	return c.Reply(t.reading())
}

// Publish pushes one {type:"rssi"} reading to every LAN client and the tunnel
// UI. It returns how many origins it reached.
func (t *Telemetry) Publish() int {
	if !t.Listening() {
		return 0
	}
	msg := t.reading()
	msg["type"] = "rssi"

	n := 0
	if t.lan.Load() > 0 {
		sent, err := t.BroadcastJSON(msg)
		if err != nil {
			t.log.Debugf("publish: %v", err)
		}
		n += sent
	}
	if t.ui.Load() {
		if err := t.SendJSON(broker.Cloud, msg); err == nil {
			n++
		}
	}
	return n
}
