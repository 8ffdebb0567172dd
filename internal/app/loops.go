package app

import (
	"context"
	"time"

	"github.com/1ureka/devlink/internal/router"
)

const (
	defaultFrameRate = 10
	maxFrameRate     = 30
	minTelemetry     = 100 * time.Millisecond
)

func (d *Device) sinks() []router.FrameSink {
	return []router.FrameSink{d.cam, d.media, d.control, d.rtc}
}

func (d *Device) frameInterval() time.Duration {
	fps := int(d.frameRate.Load())
	if fps <= 0 {
		fps = defaultFrameRate
	}
	if fps > maxFrameRate {
		fps = maxFrameRate
	}
	return time.Second / time.Duration(fps)
}

// streamCamera captures one frame per tick while any sink is subscribed and
// offers it to every sink that wants it.
func (d *Device) streamCamera(ctx context.Context) error {
	sinks := d.sinks()
	timer := time.NewTimer(d.frameInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		d.captureOnce(ctx, sinks)
		timer.Reset(d.frameInterval())
	}
}

func (d *Device) captureOnce(ctx context.Context, sinks []router.FrameSink) int {
	wanted := sinks[:0:0]
	for _, s := range sinks {
		if s.WantsFrames() {
			wanted = append(wanted, s)
		}
	}
	if len(wanted) == 0 {
		return 0
	}

	capCtx, cancel := context.WithTimeout(ctx, d.frameInterval()*4)
	frame, err := d.camera.Capture(capCtx)
	cancel()
	if err != nil {
		log.Debugf("capture: %v", err)
		return 0
	}
	for _, s := range wanted {
		s.PushFrame(frame)
	}
	return len(wanted)
}

func (d *Device) telemetryEvery() time.Duration {
	iv := time.Duration(d.telemetryInterval.Load())
	if iv < minTelemetry {
		iv = minTelemetry
	}
	return iv
}

// publishTelemetry sends a radio reading per interval while anyone listens.
func (d *Device) publishTelemetry(ctx context.Context) error {
	timer := time.NewTimer(d.telemetryEvery())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		d.telemetry.Publish()
		timer.Reset(d.telemetryEvery())
	}
}
