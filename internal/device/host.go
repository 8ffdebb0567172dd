package device

import (
	"net"
	"os"
	"runtime"
	"sync"
	"time"
)

// Version is the firmware version reported by get_info.
var Version = "dev"

// SimHost reports the identity of the machine the daemon runs on.
type SimHost struct {
	mu       sync.RWMutex
	name     string
	hostname string
	wifiMode string

	started time.Time
}

// NewSimHost returns a host named name. An empty hostname falls back to
// the OS hostname.
func NewSimHost(name, hostname string) *SimHost {
	h := &SimHost{started: time.Now()}
	h.Update(name, hostname, "client")
	return h
}

// Update applies new identity settings.
func (h *SimHost) Update(name, hostname, wifiMode string) {
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	if wifiMode == "" {
		wifiMode = "client"
	}
	h.mu.Lock()
	h.name, h.hostname, h.wifiMode = name, hostname, wifiMode
	h.mu.Unlock()
}

func (h *SimHost) Status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Status{IP: primaryIP(), Hostname: h.hostname, WiFiMode: h.wifiMode}
}

func (h *SimHost) Info() map[string]any {
	h.mu.RLock()
	name, hostname, mode := h.name, h.hostname, h.wifiMode
	h.mu.RUnlock()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return map[string]any{
		"deviceName": name,
		"hostname":   hostname,
		"ip":         primaryIP(),
		"wifiMode":   mode,
		"version":    Version,
		"chip":       runtime.GOOS + "/" + runtime.GOARCH,
		"goVersion":  runtime.Version(),
		"uptime_ms":  time.Since(h.started).Milliseconds(),
		"heap_alloc": ms.HeapAlloc,
		"goroutines": runtime.NumGoroutine(),
	}
}

// primaryIP returns the first non-loopback IPv4 address, or "".
func primaryIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok && !ipn.IP.IsLoopback() {
			if v4 := ipn.IP.To4(); v4 != nil {
				return v4.String()
			}
		}
	}
	return ""
}
