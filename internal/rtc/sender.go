package rtc

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/devlink/internal/util"
)

// sender serializes frame writes to one DataChannel. Frames are offered
// without blocking; a slow peer loses frames instead of stalling capture.
type sender struct {
	inbox       chan []byte
	drainSignal chan struct{}
}

func newSender(ctx context.Context, dc *webrtc.DataChannel, open <-chan struct{}) *sender {
	s := &sender{
		inbox:       make(chan []byte, frameQueue),
		drainSignal: make(chan struct{}, 1),
	}

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case s.drainSignal <- struct{}{}:
		default:
		}
	})

	go s.loop(ctx, dc, open)
	return s
}

// loop waits for the channel to open, then drains the inbox with
// backpressure.
func (s *sender) loop(ctx context.Context, dc *webrtc.DataChannel, open <-chan struct{}) {
	select {
	case <-open:
	case <-ctx.Done():
		return
	}

	for {
		select {
		case frame := <-s.inbox:
			if dc.BufferedAmount() > uint64(highWaterMark) {
				select {
				case <-s.drainSignal:
				case <-ctx.Done():
					return
				}
			}
			if err := dc.Send(frame); err != nil {
				log.Debugf("data channel send: %v", err)
				return
			}
			util.Stats.AddSent(len(frame))
		case <-ctx.Done():
			return
		}
	}
}

// offer queues frame and reports whether there was room.
func (s *sender) offer(frame []byte) bool {
	select {
	case s.inbox <- frame:
		return true
	default:
		return false
	}
}
