// Package config holds the process settings, the device configuration
// document and the handoff queue that applies document changes.
package config

import (
	"os"
	"strconv"
	"strings"
)

// Config stores the process-level parameters gathered from flags and the
// environment. Everything the operator may change at runtime lives in the
// device Document instead.
type Config struct {
	ListenAddr string // HTTP listen address, e.g. ":8080"
	ConfigPath string // device document (JSON)
	LogFile    string // optional log mirror; overrides the document's log.file
	DeviceID   string // cloud identity; overrides cloudTunnel.deviceId
	Debug      bool
}

// Env variable names read by the CLIs (after .env loading).
const (
	EnvListen   = "DEVLINK_LISTEN"
	EnvConfig   = "DEVLINK_CONFIG"
	EnvLogFile  = "DEVLINK_LOG_FILE"
	EnvDeviceID = "DEVLINK_DEVICE_ID"
	EnvDebug    = "DEVLINK_DEBUG"
)

// EnvOr returns the trimmed value of the environment variable k, or def.
func EnvOr(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

// EnvBool parses k as a boolean ("1", "true", ...) and falls back to def.
func EnvBool(k string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
