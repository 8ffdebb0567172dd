package device

import (
	"math/rand"
	"sync"
)

// SimRadio reports a signal that wanders around a base RSSI.
type SimRadio struct {
	SSID string
	Base int // dBm

	mu   sync.Mutex
	last int
}

// NewSimRadio returns a radio associated with ssid at about -55 dBm.
func NewSimRadio(ssid string) *SimRadio {
	return &SimRadio{SSID: ssid, Base: -55, last: -55}
}

func (r *SimRadio) Signal() (Signal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.last + rand.Intn(5) - 2
	if next > r.Base+10 {
		next = r.Base + 10
	}
	if next < r.Base-10 {
		next = r.Base - 10
	}
	r.last = next
	return Signal{Connected: true, SSID: r.SSID, RSSI: next}, nil
}
