package router

import (
	"golang.org/x/time/rate"
)

// FrameSink receives camera frames from the streamer.
type FrameSink interface {
	// WantsFrames reports whether anyone is subscribed, so the streamer can
	// skip capturing when nobody is.
	WantsFrames() bool
	PushFrame(frame []byte)
}

// fpsLimiter caps frames pushed over a tunnel.
type fpsLimiter struct {
	lim *rate.Limiter
}

func newFpsLimiter(fps int) *fpsLimiter {
	l := &fpsLimiter{lim: rate.NewLimiter(rate.Inf, 1)}
	l.Set(fps)
	return l
}

// Set changes the cap. Zero or less removes it.
func (l *fpsLimiter) Set(fps int) {
	if fps <= 0 {
		l.lim.SetLimit(rate.Inf)
		return
	}
	l.lim.SetLimit(rate.Limit(fps))
}

func (l *fpsLimiter) Allow() bool { return l.lim.Allow() }
