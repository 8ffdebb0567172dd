package cloudtunnel

// State is the tunnel lifecycle position.
type State int32

const (
	StateDisabled State = iota
	StateConnecting
	StateConnected
	StateRegistered
	StateUIConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateRegistered:
		return "registered"
	case StateUIConnected:
		return "ui_connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Status is a point-in-time snapshot of a tunnel, shaped for get_info.
type Status struct {
	Tunnel         string `json:"tunnel"`
	State          string `json:"state"`
	Enabled        bool   `json:"enabled"`
	Connected      bool   `json:"connected"`
	Registered     bool   `json:"registered"`
	UIConnected    bool   `json:"ui_connected"`
	UIWSURL        string `json:"ui_ws_url"`
	DeviceWSURL    string `json:"device_ws_url"`
	RegisteredAtMs int64  `json:"registered_at_ms"`
}
