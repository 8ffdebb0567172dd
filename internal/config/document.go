package config

import (
	"fmt"
	"os"
	"reflect"

	"github.com/goccy/go-json"

	"github.com/1ureka/devlink/internal/auth"
)

// Document is the device configuration as a JSON object tree. It is what
// get_config returns and what set_config deltas are merged into.
type Document map[string]any

// CloudTunnel is the cloudTunnel section of the document.
type CloudTunnel struct {
	Enabled   bool   `json:"enabled"`
	BaseURL   string `json:"baseUrl"`
	DeviceID  string `json:"deviceId"`
	TunnelAll bool   `json:"tunnelAll"` // also tunnel camera and media, not only control
	MaxFps    int    `json:"maxFps"`
	RootCA    string `json:"rootCA"` // PEM file; empty means the system trust store
}

// Settings is the typed view of a Document used by the runtime.
type Settings struct {
	DeviceName string `json:"deviceName"`
	Hostname   string `json:"hostname"`
	WiFi       struct {
		Mode string `json:"mode"`
	} `json:"wifi"`
	Log struct {
		Enabled bool   `json:"enabled"`
		File    string `json:"file"`
		Level   string `json:"level"`
	} `json:"log"`
	Auth        auth.Settings `json:"auth"`
	CloudTunnel CloudTunnel   `json:"cloudTunnel"`
	Camera      struct {
		FrameRate int `json:"frameRate"`
	} `json:"camera"`
	Media struct {
		Root string `json:"root"`
	} `json:"media"`
	Telemetry struct {
		IntervalMs int `json:"intervalMs"`
	} `json:"telemetry"`
	RTC struct {
		ICEServers []string `json:"iceServers"`
	} `json:"rtc"`
}

// Defaults returns the factory document.
func Defaults() Document {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "devlink"
	}
	return Document{
		"deviceName": "devlink",
		"hostname":   host,
		"wifi":       map[string]any{"mode": "client"},
		"log": map[string]any{
			"enabled": true,
			"file":    "devlink.log",
			"level":   "info",
		},
		"auth": map[string]any{
			"enabled": false,
			"token":   "",
			"excludePaths": []any{
				"/",
				"/healthz",
				"/static/*",
				"/favicon.ico",
			},
		},
		"cloudTunnel": map[string]any{
			"enabled":   false,
			"baseUrl":   "",
			"deviceId":  "",
			"tunnelAll": false,
			"maxFps":    5,
			"rootCA":    "",
		},
		"camera":    map[string]any{"frameRate": 10},
		"media":     map[string]any{"root": "media"},
		"telemetry": map[string]any{"intervalMs": 1000},
		"rtc":       map[string]any{"iceServers": []any{}},
	}
}

// Clone returns a deep copy of d.
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = cloneValue(vv)
		}
		return m
	case Document:
		return map[string]any(t.Clone())
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = cloneValue(vv)
		}
		return s
	default:
		return v
	}
}

// Merge deep-merges delta into d in place: objects merge key by key, every
// other value (arrays included) replaces what was there. It reports whether
// anything changed.
func (d Document) Merge(delta Document) bool {
	return mergeInto(d, delta)
}

func mergeInto(dst map[string]any, src map[string]any) bool {
	changed := false
	for k, sv := range src {
		sm, srcIsMap := asMap(sv)
		dm, dstIsMap := asMap(dst[k])
		if srcIsMap && dstIsMap {
			if mergeInto(dm, sm) {
				changed = true
			}
			dst[k] = dm
			continue
		}
		nv := cloneValue(sv)
		if old, ok := dst[k]; ok && reflect.DeepEqual(normalize(old), normalize(nv)) {
			continue
		}
		dst[k] = nv
		changed = true
	}
	return changed
}

func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case Document:
		return map[string]any(t), true
	}
	return nil, false
}

// normalize maps numeric types onto float64 so values decoded from JSON
// compare equal to literals written in Go.
func normalize(v any) any {
	switch t := v.(type) {
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = normalize(vv)
		}
		return s
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = normalize(vv)
		}
		return m
	}
	return v
}

// Settings decodes the typed view of d.
func (d Document) Settings() (Settings, error) {
	var s Settings
	raw, err := json.Marshal(d)
	if err != nil {
		return s, fmt.Errorf("encode document: %w", err)
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("decode settings: %w", err)
	}
	return s, nil
}

// Set assigns value at the dotted object path, creating objects on the way.
func (d Document) Set(path []string, value any) {
	if len(path) == 0 {
		return
	}
	cur := map[string]any(d)
	for _, k := range path[:len(path)-1] {
		next, ok := asMap(cur[k])
		if !ok {
			next = map[string]any{}
			cur[k] = next
		}
		cur = next
	}
	cur[path[len(path)-1]] = value
}
