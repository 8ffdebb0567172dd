package app

import (
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/jpillora/requestlog"

	"github.com/1ureka/devlink/internal/cloudtunnel"
	"github.com/1ureka/devlink/internal/util"
)

// Handler is the device HTTP surface: health, info and the WebSocket
// endpoints.
func (d *Device) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.With(d.policy.Middleware).Get("/api/info", d.handleInfo)
	r.Handle("/ws/*", d.broker)

	if d.cfg.Debug {
		return requestlog.Wrap(r)
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("encode response: %v", err)
	}
}

func (d *Device) handleInfo(w http.ResponseWriter, _ *http.Request) {
	info := d.host.Info()
	for k, v := range d.info() {
		info[k] = v
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "info": info})
}

type endpointInfo struct {
	Path    string `json:"path"`
	Clients int    `json:"clients"`
}

// info is the runtime part of get_info.
func (d *Device) info() map[string]any {
	eps := make([]endpointInfo, 0, len(d.endpoints))
	for _, e := range d.endpoints {
		if e.ep == nil {
			continue
		}
		eps = append(eps, endpointInfo{Path: e.path, Clients: e.ep.Count()})
	}

	keys := make([]string, 0, len(d.tunnels))
	for k := range d.tunnels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	tunnels := make([]cloudtunnel.Status, 0, len(keys))
	for _, k := range keys {
		tunnels = append(tunnels, d.tunnels[k].Status())
	}

	return map[string]any{
		"endpoints":    eps,
		"tunnels":      tunnels,
		"rtc_sessions": d.rtc.Count(),
		"traffic":      util.Stats.Snapshot(),
		"auth_enabled": d.policy.Enabled(),
	}
}
