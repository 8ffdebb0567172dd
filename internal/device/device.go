// Package device defines the hardware collaborators the routers drive and
// ships simulated implementations so the daemon runs on any host.
package device

import (
	"context"
	"fmt"
)

// Error is a collaborator failure with a stable code that is reported to
// clients verbatim, e.g. {"ok":false,"error":"invalid_pin"}.
type Error struct {
	Code   string
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Code
	}
	return e.Code + ": " + e.Detail
}

// Errorf builds an *Error with a formatted detail.
func Errorf(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Camera captures a single JPEG frame.
type Camera interface {
	Capture(ctx context.Context) ([]byte, error)
}

// Signal is the radio link quality.
type Signal struct {
	Connected bool   `json:"connected"`
	SSID      string `json:"ssid"`
	RSSI      int    `json:"rssi"`
}

// Radio reports the current WiFi signal.
type Radio interface {
	Signal() (Signal, error)
}

// GPIO drives digital pins and PWM outputs.
type GPIO interface {
	SetGPIO(pin, state int) error
	GPIO(pin int) (int, error)
	SetPWM(pin, duty, freq int) error
}

// Status is the short device status returned by get_status.
type Status struct {
	IP       string `json:"ip"`
	Hostname string `json:"hostname"`
	WiFiMode string `json:"wifiMode"`
}

// Host reports device identity and runtime information.
type Host interface {
	Status() Status
	Info() map[string]any
}
