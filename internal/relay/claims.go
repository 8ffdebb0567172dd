package relay

import (
	"strings"
	"sync"
	"time"

	"github.com/1ureka/devlink/internal/auth"
)

// maxClaimLen bounds codes accepted from the wire.
const maxClaimLen = 32

type claimEntry struct {
	DeviceID  string
	Tunnel    string
	Token     string
	ExpiresAt time.Time
}

// claimStore holds the one-time codes devices announce on connect. A code
// is consumed by the first successful redemption.
type claimStore struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]claimEntry
}

func newClaimStore(ttl time.Duration, now func() time.Time) *claimStore {
	return &claimStore{ttl: ttl, now: now, entries: make(map[string]claimEntry)}
}

func normalizeClaim(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// put stores code for a device session and sweeps expired entries.
func (c *claimStore) put(code, deviceID, tunnel, token string) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if now.After(e.ExpiresAt) {
			delete(c.entries, k)
		}
	}
	c.entries[code] = claimEntry{DeviceID: deviceID, Tunnel: tunnel, Token: token, ExpiresAt: now.Add(c.ttl)}
}

// redeem consumes code. When tunnel is set it must match the tunnel the
// code was announced on; deviceID is checked the same way.
func (c *claimStore) redeem(code, deviceID, tunnel string) (claimEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var e claimEntry
	var found bool
	for k, cand := range c.entries {
		if auth.TokenEqual(code, k) {
			code, e, found = k, cand, true
			break
		}
	}
	if !found {
		return claimEntry{}, false
	}
	if c.now().After(e.ExpiresAt) {
		delete(c.entries, code)
		return claimEntry{}, false
	}
	if (tunnel != "" && e.Tunnel != tunnel) || (deviceID != "" && e.DeviceID != deviceID) {
		return claimEntry{}, false
	}
	delete(c.entries, code)
	return e, true
}

func (c *claimStore) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
