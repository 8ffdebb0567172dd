package cloudtunnel

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildURL returns the relay URL a device dials for one tunnel:
//
//	wss://{base}/ws/device/{deviceID}?announce=1&tunnel={key}&claim={code}&token={token}
//
// Empty parameters are left out. A base without a scheme is assumed to be
// wss; http and https map to ws and wss.
func BuildURL(base, deviceID, tunnel, claim, token string) (string, error) {
	base = strings.TrimSpace(base)
	deviceID = strings.TrimSpace(deviceID)
	if base == "" || deviceID == "" {
		return "", fmt.Errorf("cloudtunnel: base URL and device ID are required")
	}
	if strings.Contains(deviceID, "/") {
		return "", fmt.Errorf("cloudtunnel: invalid device ID %q", deviceID)
	}
	if !strings.Contains(base, "://") {
		base = "wss://" + base
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("cloudtunnel: parse base URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("cloudtunnel: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("cloudtunnel: base URL %q has no host", base)
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/ws/device/" + deviceID
	u.RawPath = ""

	// Built by hand to keep the parameter order stable.
	var q strings.Builder
	q.WriteString("announce=1")
	for _, kv := range [][2]string{{"tunnel", tunnel}, {"claim", claim}, {"token", token}} {
		if kv[1] == "" {
			continue
		}
		q.WriteString("&" + kv[0] + "=" + url.QueryEscape(kv[1]))
	}
	u.RawQuery = q.String()
	u.Fragment = ""
	return u.String(), nil
}
