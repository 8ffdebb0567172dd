package rtc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/devlink/internal/broker"
	"github.com/1ureka/devlink/internal/device"
	"github.com/1ureka/devlink/internal/util"
)

var log = util.NewLogger("rtc")

// session is one client's PeerConnection. The client creates the data
// channel in its offer; frames flow once it opens.
type session struct {
	id     broker.ClientID
	pc     *webrtc.PeerConnection
	ctx    context.Context
	cancel context.CancelFunc

	open     chan struct{}
	openOnce sync.Once
	snd      atomic.Pointer[sender]
}

func (s *session) close() error {
	s.cancel()
	return s.pc.Close()
}

// Manager keeps at most one session per media client.
type Manager struct {
	mu       sync.Mutex
	ice      []string
	sessions map[broker.ClientID]*session
}

// NewManager creates a manager using iceServers, or DefaultICEServers when
// nil. An empty non-nil slice disables STUN.
func NewManager(iceServers []string) *Manager {
	m := &Manager{sessions: make(map[broker.ClientID]*session)}
	m.SetICEServers(iceServers)
	return m
}

// SetICEServers applies to sessions opened afterwards.
func (m *Manager) SetICEServers(iceServers []string) {
	if iceServers == nil {
		iceServers = DefaultICEServers
	}
	m.mu.Lock()
	m.ice = append([]string(nil), iceServers...)
	m.mu.Unlock()
}

// Open answers a client's offer, replacing any session it already had. The
// answer is returned only after ICE gathering finished, so no trickle
// exchange is needed.
func (m *Manager) Open(ctx context.Context, id broker.ClientID, offerSDP string) (string, error) {
	m.Close(id)

	m.mu.Lock()
	ice := m.ice
	m.mu.Unlock()

	pc, err := newPeerConnection(ice)
	if err != nil {
		return "", err
	}
	sCtx, cancel := context.WithCancel(context.Background())
	s := &session{id: id, pc: pc, ctx: sCtx, cancel: cancel, open: make(chan struct{})}

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		log.Infof("%s data channel %q", id, dc.Label())
		s.snd.Store(newSender(sCtx, dc, s.open))
		dc.OnOpen(func() { s.openOnce.Do(func() { close(s.open) }) })
		dc.OnClose(func() { m.drop(s) })
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debugf("%s peer connection %s", id, state)
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			m.drop(s)
		}
	})

	answer, err := negotiate(ctx, pc, offerSDP)
	if err != nil {
		s.close()
		return "", &device.Error{Code: "rtc_negotiation_failed", Detail: err.Error()}
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	log.Infof("%s session negotiated", id)
	return answer, nil
}

func negotiate(ctx context.Context, pc *webrtc.PeerConnection, offerSDP string) (string, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return "", err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return "", errors.New("ice gathering timed out")
	}
	return pc.LocalDescription().SDP, nil
}

// drop removes s if it is still the client's current session.
func (m *Manager) drop(s *session) {
	m.mu.Lock()
	if m.sessions[s.id] == s {
		delete(m.sessions, s.id)
	}
	m.mu.Unlock()
	s.cancel()
}

// Close ends the client's session, if any.
func (m *Manager) Close(id broker.ClientID) {
	m.mu.Lock()
	s := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if s == nil {
		return
	}
	if err := s.close(); err != nil {
		log.Debugf("%s close: %v", id, err)
	}
	log.Infof("%s session closed", id)
}

// CloseAll ends every session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	ids := make([]broker.ClientID, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Close(id)
	}
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) WantsFrames() bool { return m.Count() > 0 }

// PushFrame offers one frame to every session whose channel is up.
func (m *Manager) PushFrame(frame []byte) {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		snd := s.snd.Load()
		if snd == nil {
			continue
		}
		if !snd.offer(frame) {
			log.Debugf("%s frame dropped", s.id)
		}
	}
}
