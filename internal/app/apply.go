package app

import (
	"context"
	"time"

	"github.com/1ureka/devlink/internal/config"
	"github.com/1ureka/devlink/internal/util"
)

// applyLoop is the single consumer of queued deltas. Deltas that arrive
// together are merged and applied once.
func (d *Device) applyLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case first := <-d.queue.C():
			d.commit(append([]config.Document{first}, d.queue.Drain()...))
		}
	}
}

// commit merges deltas into a copy of the live document, persists it and
// applies it. A document that no longer decodes is rejected whole.
func (d *Device) commit(deltas []config.Document) bool {
	next := d.Document()
	changed := false
	for _, delta := range deltas {
		if next.Merge(delta) {
			changed = true
		}
	}
	if !changed {
		return false
	}
	ensureToken(next)

	s, err := next.Settings()
	if err != nil {
		log.Warnf("rejecting config update: %v", err)
		return false
	}

	d.mu.Lock()
	d.doc = next
	d.settings = s
	d.mu.Unlock()

	if err := d.store.Save(next); err != nil {
		log.Errorf("save config: %v", err)
	}
	d.apply(s)
	log.Infof("config applied (%d update(s))", len(deltas))
	return true
}

// onFileChange feeds an external edit through the same path as set_config.
func (d *Device) onFileChange(doc config.Document) {
	if !d.queue.Push(doc) {
		log.Warnf("config queue full, dropping file change")
	}
}

// apply pushes settings into every running component.
func (d *Device) apply(s config.Settings) {
	if !d.cfg.Debug && s.Log.Level != "" && !util.SetLevel(s.Log.Level) {
		log.Warnf("unknown log level %q", s.Log.Level)
	}
	d.applyLogFile(s)

	d.host.Update(s.DeviceName, s.Hostname, s.WiFi.Mode)
	d.policy.Update(s.Auth)

	d.control.SetMaxFps(s.CloudTunnel.MaxFps)
	d.cam.SetMaxFps(s.CloudTunnel.MaxFps)
	d.frameRate.Store(int32(s.Camera.FrameRate))
	d.telemetryInterval.Store(int64(time.Duration(s.Telemetry.IntervalMs) * time.Millisecond))
	d.rtc.SetICEServers(iceServers(s))

	id := d.deviceID(s)
	for key, t := range d.tunnels {
		t.Configure(s.CloudTunnel.BaseURL, id, s.Auth.Token, key)
		t.SetEnabled(s.CloudTunnel.Enabled && (key == TunnelControl || s.CloudTunnel.TunnelAll))
	}
}

// applyLogFile opens, moves or closes the log mirror. The -log-file flag
// wins over the document.
func (d *Device) applyLogFile(s config.Settings) {
	want := ""
	switch {
	case d.cfg.LogFile != "":
		want = d.cfg.LogFile
	case s.Log.Enabled:
		want = s.Log.File
	}

	d.logMu.Lock()
	defer d.logMu.Unlock()
	if want == d.logPath {
		return
	}
	if d.logClose != nil {
		d.logClose()
		d.logClose = nil
		d.logPath = ""
	}
	if want == "" {
		return
	}
	closer, err := util.TeeToFile(want)
	if err != nil {
		log.Warnf("log file %s: %v", want, err)
		return
	}
	d.logClose = closer
	d.logPath = want
}

func (d *Device) currentLogPath() string {
	d.logMu.Lock()
	defer d.logMu.Unlock()
	return d.logPath
}
