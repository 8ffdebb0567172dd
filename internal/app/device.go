// Package app wires the device daemon: the HTTP server, the WebSocket
// endpoints and their routers, the cloud tunnels, the camera streamer, the
// telemetry ticker and the configuration apply loop.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/1ureka/devlink/internal/auth"
	"github.com/1ureka/devlink/internal/broker"
	"github.com/1ureka/devlink/internal/claim"
	"github.com/1ureka/devlink/internal/cloudtunnel"
	"github.com/1ureka/devlink/internal/config"
	"github.com/1ureka/devlink/internal/device"
	"github.com/1ureka/devlink/internal/router"
	"github.com/1ureka/devlink/internal/rtc"
	"github.com/1ureka/devlink/internal/util"
)

var log = util.NewLogger("app")

// Device is one running daemon.
type Device struct {
	cfg   config.Config
	store *config.Store
	queue *config.Queue

	mu       sync.RWMutex
	doc      config.Document
	settings config.Settings

	policy *auth.Policy
	broker *broker.Server
	claims *claim.Issuer
	rtc    *rtc.Manager

	host   *device.SimHost
	radio  device.Radio
	gpio   device.GPIO
	camera device.Camera

	control   *router.Control
	cam       *router.Camera
	media     *router.Media
	telemetry *router.Telemetry

	endpoints []*endpoint
	tunnels   map[string]*cloudtunnel.Tunnel

	logMu    sync.Mutex
	logPath  string
	logClose func() error

	frameRate         atomic.Int32
	telemetryInterval atomic.Int64 // nanoseconds
}

// New loads the device document and builds every component. Nothing is
// listening until Run.
func New(cfg config.Config) (*Device, error) {
	if cfg.ConfigPath == "" {
		cfg.ConfigPath = "devlink.json"
	}
	store := config.NewStore(cfg.ConfigPath)
	doc, err := store.Load(config.Defaults())
	if err != nil {
		return nil, err
	}
	if ensureToken(doc) {
		if err := store.Save(doc); err != nil {
			return nil, err
		}
	}
	s, err := doc.Settings()
	if err != nil {
		return nil, err
	}

	d := &Device{
		cfg:      cfg,
		store:    store,
		queue:    config.NewQueue(config.DefaultQueueSize),
		doc:      doc,
		settings: s,
		policy:   auth.NewPolicy(s.Auth),
		broker:   broker.NewServer(),
		claims:   claim.New(claim.Options{}),
		rtc:      rtc.NewManager(iceServers(s)),
		host:     device.NewSimHost(s.DeviceName, s.Hostname),
		radio:    device.NewSimRadio("devlink"),
		gpio:     device.NewSimGPIO(),
		camera:   device.NewSimCamera(),
	}

	d.control = router.NewControl(router.ControlDeps{
		Host:    d.host,
		Radio:   d.radio,
		GPIO:    d.gpio,
		Camera:  d.camera,
		Config:  d,
		Claim:   d.claims,
		Info:    d.info,
		LogFile: d.currentLogPath,
		MaxFps:  s.CloudTunnel.MaxFps,
	}, router.Options{})
	d.cam = router.NewCamera(s.CloudTunnel.MaxFps)
	d.media = router.NewMedia(router.MediaDeps{
		Camera: d.camera,
		Root:   d.mediaRoot,
		RTC:    d.rtc,
	}, router.Options{Timeout: 15 * time.Second})
	d.telemetry = router.NewTelemetry(d.radio, router.Options{})

	d.broker.Start()
	d.registerEndpoints()
	d.tunnels = d.buildTunnels(rootCA(s))
	return d, nil
}

// ensureToken fills in a missing token when auth is enabled.
func ensureToken(doc config.Document) bool {
	s, err := doc.Settings()
	if err != nil || !s.Auth.Enabled || s.Auth.Token != "" {
		return false
	}
	doc.Set([]string{"auth", "token"}, auth.GenerateToken())
	log.Infof("auth enabled without a token, generated one")
	return true
}

func iceServers(s config.Settings) []string {
	if len(s.RTC.ICEServers) == 0 {
		return nil
	}
	return s.RTC.ICEServers
}

func rootCA(s config.Settings) []byte {
	if s.CloudTunnel.RootCA == "" {
		return nil
	}
	pem, err := os.ReadFile(s.CloudTunnel.RootCA)
	if err != nil {
		log.Warnf("root CA %s: %v, using the system trust store", s.CloudTunnel.RootCA, err)
		return nil
	}
	return pem
}

// Document returns a copy of the live document.
func (d *Device) Document() config.Document {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.doc.Clone()
}

// Settings returns the typed view of the live document.
func (d *Device) Settings() config.Settings {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.settings
}

// QueueUpdate hands delta to the apply loop.
func (d *Device) QueueUpdate(delta config.Document) bool {
	return d.queue.Push(delta)
}

func (d *Device) mediaRoot() string { return d.Settings().Media.Root }

// deviceID is the cloud identity: the flag, then the document, then the
// hostname.
func (d *Device) deviceID(s config.Settings) string {
	switch {
	case d.cfg.DeviceID != "":
		return d.cfg.DeviceID
	case s.CloudTunnel.DeviceID != "":
		return s.CloudTunnel.DeviceID
	default:
		return s.Hostname
	}
}

// Run serves until ctx is cancelled. A listen failure is returned at once;
// everything after that degrades without stopping the daemon.
func (d *Device) Run(ctx context.Context) error {
	addr := d.cfg.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{Handler: d.Handler(), ReadHeaderTimeout: 10 * time.Second}
	log.Infof("listening on %s", ln.Addr())

	// ── 1. Apply the loaded settings (log file, tunnels, limits) ──────
	d.apply(d.Settings())
	util.StartStatsReporter(ctx)

	// ── 2. Run the workers until shutdown ─────────────────────────────
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d.broker.Stop()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return d.applyLoop(ctx) })
	g.Go(func() error {
		if err := d.store.Watch(ctx, d.onFileChange); err != nil {
			log.Warnf("config watch disabled: %v", err)
		}
		return nil
	})
	g.Go(func() error { return d.streamCamera(ctx) })
	g.Go(func() error { return d.publishTelemetry(ctx) })

	err = g.Wait()

	// ── 3. Tear down ──────────────────────────────────────────────────
	d.Close()
	return err
}

// Close stops the tunnels, sessions and endpoints. It is safe to call more
// than once.
func (d *Device) Close() {
	for _, t := range d.tunnels {
		t.Close()
	}
	d.rtc.CloseAll()
	d.broker.Stop()

	d.logMu.Lock()
	if d.logClose != nil {
		d.logClose()
		d.logClose = nil
		d.logPath = ""
	}
	d.logMu.Unlock()
}
