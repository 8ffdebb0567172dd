package app

import (
	"github.com/1ureka/devlink/internal/broker"
	"github.com/1ureka/devlink/internal/cloudtunnel"
	"github.com/1ureka/devlink/internal/router"
)

// Tunnel keys, one relay session per endpoint.
const (
	TunnelControl   = "ws_control"
	TunnelCamera    = "ws_camera"
	TunnelMedia     = "ws_media"
	TunnelTelemetry = "ws_telemetry"
)

// tunneled is what a tunnel needs from the router behind it.
type tunneled interface {
	AttachTunnel(t router.TunnelSender)
	HandleFrame(id broker.ClientID, t broker.FrameType, data []byte)
	OnUIConnect()
	OnUIDisconnect()
}

type endpoint struct {
	path   string
	tunnel string
	cfg    broker.EndpointConfig
	router tunneled
	bind   func(router.LANSender)
	ep     *broker.Endpoint
}

func (d *Device) endpointTable() []*endpoint {
	return []*endpoint{
		{
			path:   "/ws/control",
			tunnel: TunnelControl,
			router: d.control,
			bind:   d.control.Bind,
			cfg: broker.EndpointConfig{
				MaxClients:            4,
				MaxInboundFrameBytes:  2 << 10,
				MaxOutboundFrameBytes: 160 << 10,
				OnConnect:             d.control.OnConnect,
				OnMessage:             d.control.OnMessage,
			},
		},
		{
			path:   "/ws/camera",
			tunnel: TunnelCamera,
			router: d.cam,
			bind:   d.cam.Bind,
			cfg: broker.EndpointConfig{
				MaxClients:            2,
				MaxInboundFrameBytes:  256,
				MaxOutboundFrameBytes: 200 << 10,
				OnConnect:             d.cam.OnConnect,
				OnDisconnect:          d.cam.OnDisconnect,
				OnMessage:             d.cam.OnMessage,
			},
		},
		{
			path:   "/ws/media",
			tunnel: TunnelMedia,
			router: d.media,
			bind:   d.media.Bind,
			cfg: broker.EndpointConfig{
				MaxClients:            2,
				MaxInboundFrameBytes:  2 << 10,
				MaxOutboundFrameBytes: 200 << 10,
				OnDisconnect:          d.media.OnDisconnect,
				OnMessage:             d.media.OnMessage,
			},
		},
		{
			path:   "/ws/telemetry",
			tunnel: TunnelTelemetry,
			router: d.telemetry,
			bind:   d.telemetry.Bind,
			cfg: broker.EndpointConfig{
				MaxClients:            8,
				MaxInboundFrameBytes:  512,
				MaxOutboundFrameBytes: 4 << 10,
				OnConnect:             d.telemetry.OnConnect,
				OnDisconnect:          d.telemetry.OnDisconnect,
				OnMessage:             d.telemetry.OnMessage,
			},
		},
	}
}

// registerEndpoints puts every endpoint on the broker behind the auth
// policy and binds its router. An endpoint that fails to register is
// skipped; its router still serves the tunnel.
func (d *Device) registerEndpoints() int {
	d.endpoints = d.endpointTable()
	n := 0
	for _, e := range d.endpoints {
		e.cfg.RequiresAuth = true
		e.cfg.AuthCheck = d.policy.CheckUpgrade
		ep, err := d.broker.Register(e.path, e.cfg)
		if err != nil {
			log.Errorf("register %s: %v", e.path, err)
			continue
		}
		e.ep = ep
		e.bind(ep)
		n++
	}
	return n
}

// buildTunnels creates one disabled tunnel per endpoint. Only the control
// tunnel advertises a claim code.
func (d *Device) buildTunnels(rootCA []byte) map[string]*cloudtunnel.Tunnel {
	tunnels := make(map[string]*cloudtunnel.Tunnel, len(d.endpoints))
	for _, e := range d.endpoints {
		opts := cloudtunnel.Options{
			Name:           e.tunnel,
			RootCAPEM:      rootCA,
			OnUIConnect:    e.router.OnUIConnect,
			OnUIDisconnect: e.router.OnUIDisconnect,
		}
		if e.tunnel == TunnelControl {
			opts.Claim = func() string { return d.claims.Get(false) }
		}
		t := cloudtunnel.New(opts, e.router.HandleFrame)
		e.router.AttachTunnel(t)
		tunnels[e.tunnel] = t
	}
	return tunnels
}
