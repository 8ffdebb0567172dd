package router

import (
	"context"
	"errors"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/1ureka/devlink/internal/broker"
	"github.com/1ureka/devlink/internal/device"
)

const (
	defaultMusicChunk = 16 << 10
	minMusicChunk     = 4 << 10
	maxMusicChunk     = 128 << 10
	minMusicRead      = 1 << 10
	maxMusicRead      = 64 << 10
)

// RTCSessions negotiates per-client WebRTC sessions that carry camera
// frames.
type RTCSessions interface {
	Open(ctx context.Context, id broker.ClientID, offerSDP string) (answerSDP string, err error)
	Close(id broker.ClientID)
}

// MediaDeps are the collaborators behind /ws/media.
type MediaDeps struct {
	Camera device.Camera
	// Root returns the directory music paths are resolved under.
	Root func() string
	RTC  RTCSessions
}

type musicStream struct {
	f         *os.File
	path      string
	chunkSize int
	offset    int64
	chunks    int
}

// Media serves /ws/media: pull-based music streaming, camera frames on
// request or by subscription, and WebRTC negotiation.
type Media struct {
	*Router
	deps MediaDeps
	subs *Subscribers

	mu     sync.Mutex
	music map[broker.ClientID]*musicStream
}

func NewMedia(deps MediaDeps, opts Options) *Media {
	if opts.ReplyType == "" {
		opts.ReplyType = "media_ack"
	}
	m := &Media{
		Router: New("media", opts),
		deps:   deps,
		subs:   NewSubscribers(),
		music:  make(map[broker.ClientID]*musicStream),
	}
	m.Register(Command{Name: "music_start", Handle: m.musicStart})
	m.Register(Command{Name: "music_next", Handle: m.musicNext})
	m.Register(Command{Name: "music_stop", Handle: m.musicStop})
	m.Register(Command{Name: "camera_start", Handle: m.cameraStart})
	m.Register(Command{Name: "camera_stop", Handle: m.cameraStop})
	m.Register(Command{Name: "camera_frame", Handle: m.cameraFrame})
	m.Register(Command{Name: "rtc_offer", Handle: m.rtcOffer})
	m.Register(Command{Name: "rtc_close", Handle: m.rtcClose})
	return m
}

func (m *Media) Subscribers() *Subscribers { return m.subs }

// OnDisconnect releases everything the client held.
func (m *Media) OnDisconnect(_ *broker.Endpoint, id broker.ClientID) { m.release(id) }

// OnUIConnect is a no-op: a tunnel UI subscribes with camera_start.
func (m *Media) OnUIConnect() {}

// OnUIDisconnect releases the tunnel UI's state.
func (m *Media) OnUIDisconnect() { m.release(broker.Cloud) }

func (m *Media) release(id broker.ClientID) {
	m.closeMusic(id)
	m.subs.Remove(id)
	if m.deps.RTC != nil {
		m.deps.RTC.Close(id)
	}
}

func (m *Media) WantsFrames() bool { return m.subs.Len() > 0 }

// PushFrame unicasts a frame to every camera_start subscriber.
func (m *Media) PushFrame(frame []byte) {
	for _, id := range m.subs.Snapshot() {
		if err := m.Send(id, broker.FrameBinary, frame); err != nil {
			m.log.Debugf("%s frame: %v", id, err)
			if errors.Is(err, broker.ErrUnknownClient) {
				m.subs.Remove(id)
			}
		}
	}
}

// resolve maps a client path onto the media root. Paths containing ".."
// are refused outright.
func (m *Media) resolve(p string) (full, rel string, err error) {
	if strings.Contains(p, "..") {
		return "", "", &device.Error{Code: "invalid_path"}
	}
	root := "media"
	if m.deps.Root != nil {
		root = m.deps.Root()
	}
	rel = path.Clean("/" + strings.ReplaceAll(p, "\\", "/"))
	return filepath.Join(root, filepath.FromSlash(rel)), rel, nil
}

func (m *Media) musicStart(_ context.Context, call *Call) error {
	p := strings.TrimSpace(call.Args.StringOr("path", ""))
	if p == "" {
		return &device.Error{Code: "missing_path"}
	}
	full, rel, err := m.resolve(p)
	if err != nil {
		return err
	}
	chunk := clamp(call.Args.IntOr("chunkSize", defaultMusicChunk), minMusicChunk, maxMusicChunk)

	f, err := os.Open(full)
	if err != nil {
		m.log.Warnf("%s music_start %s: %v", call.From, rel, err)
		return &device.Error{Code: "file_open_failed", Detail: err.Error()}
	}
	st, err := f.Stat()
	if err != nil || st.IsDir() {
		f.Close()
		return &device.Error{Code: "file_open_failed", Detail: "not a regular file"}
	}

	mt := call.Args.StringOr("mime", "")
	if mt == "" {
		mt = mime.TypeByExtension(filepath.Ext(full))
	}
	if mt == "" {
		mt = "application/octet-stream"
	}

	m.closeMusic(call.From)
	m.mu.Lock()
	m.music[call.From] = &musicStream{f: f, path: rel, chunkSize: chunk}
	m.mu.Unlock()
	m.log.Infof("%s music_start %s (%d bytes, chunk %d)", call.From, rel, st.Size(), chunk)

	return call.Reply(map[string]any{
		"type":      "music_start",
		"fs":        "local",
		"path":      rel,
		"mime":      mt,
		"chunkSize": chunk,
		"size":      st.Size(),
	})
}

func (m *Media) musicNext(_ context.Context, call *Call) error {
	m.mu.Lock()
	st := m.music[call.From]
	m.mu.Unlock()
	if st == nil {
		return &device.Error{Code: "no_active_stream"}
	}

	want := clamp(call.Args.IntOr("maxBytes", st.chunkSize), minMusicRead, maxMusicRead)
	buf := make([]byte, want)
	n, err := io.ReadFull(st.f, buf)
	eof := errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
	if err != nil && !eof {
		m.closeMusic(call.From)
		return &device.Error{Code: "read_failed", Detail: err.Error()}
	}

	st.offset += int64(n)
	if n > 0 {
		st.chunks++
	}
	if err := call.Reply(map[string]any{
		"type":   "music_chunk",
		"len":    n,
		"eof":    eof,
		"offset": st.offset,
	}); err != nil {
		return err
	}
	if n > 0 {
		if err := call.Binary(buf[:n]); err != nil {
			return err
		}
	}
	if eof {
		m.log.Infof("%s music_eof %s (%d bytes, %d chunks)", call.From, st.path, st.offset, st.chunks)
		m.closeMusic(call.From)
	}
	return nil
}

func (m *Media) musicStop(_ context.Context, call *Call) error {
	m.closeMusic(call.From)
	return call.Reply(map[string]any{"type": "music_stop", "stopped": true})
}

func (m *Media) closeMusic(id broker.ClientID) {
	m.mu.Lock()
	st := m.music[id]
	delete(m.music, id)
	m.mu.Unlock()
	if st != nil {
		st.f.Close()
	}
}

func (m *Media) cameraStart(_ context.Context, call *Call) error {
	m.subs.Add(call.From)
	return call.Reply(map[string]any{"streaming": true})
}

func (m *Media) cameraStop(_ context.Context, call *Call) error {
	m.subs.Remove(call.From)
	return call.Reply(map[string]any{"streaming": false})
}

func (m *Media) cameraFrame(ctx context.Context, call *Call) error {
	frame, err := m.deps.Camera.Capture(ctx)
	if err != nil {
		var de *device.Error
		if errors.As(err, &de) {
			return err
		}
		return &device.Error{Code: "camera_capture_failed", Detail: err.Error()}
	}
	if err := call.Reply(map[string]any{"type": "camera_frame", "len": len(frame)}); err != nil {
		return err
	}
	return call.Binary(frame)
}

func (m *Media) rtcOffer(ctx context.Context, call *Call) error {
	if m.deps.RTC == nil {
		return &device.Error{Code: "rtc_unavailable"}
	}
	sdp := call.Args.StringOr("sdp", "")
	if sdp == "" {
		return &device.Error{Code: "missing_sdp"}
	}
	answer, err := m.deps.RTC.Open(ctx, call.From, sdp)
	if err != nil {
		return err
	}
	return call.Reply(map[string]any{"type": "rtc_answer", "sdp": answer})
}

func (m *Media) rtcClose(_ context.Context, call *Call) error {
	if m.deps.RTC != nil {
		m.deps.RTC.Close(call.From)
	}
	return call.Reply(map[string]any{"type": "rtc_closed"})
}
