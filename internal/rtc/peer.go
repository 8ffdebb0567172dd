// Package rtc negotiates WebRTC sessions whose data channel carries camera
// frames to a media client.
package rtc

import (
	"github.com/pion/webrtc/v4"
)

// DefaultICEServers are used when the document lists none. No TURN: media
// clients are expected on the same network or reachable directly.
var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

const (
	highWaterMark = 256 * 1024 // drop frames while bufferedAmount exceeds this
	lowWaterMark  = 64 * 1024  // resume sending once it drops below this
	frameQueue    = 4          // frames waiting for the writer
)

func newPeerConnection(iceServers []string) (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{}
	if len(iceServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return webrtc.NewPeerConnection(config)
}
