package device

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"sync"
)

// SimCamera renders a moving test pattern as JPEG.
type SimCamera struct {
	Width, Height int
	Quality       int

	mu    sync.Mutex
	frame int
}

// NewSimCamera returns a 320x240 simulated camera.
func NewSimCamera() *SimCamera {
	return &SimCamera{Width: 320, Height: 240, Quality: 70}
}

// Capture renders the next frame. The camera is locked only while encoding.
func (c *SimCamera) Capture(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.frame++

	img := image.NewYCbCr(image.Rect(0, 0, c.Width, c.Height), image.YCbCrSubsampleRatio420)
	shift := c.frame * 4
	for y := 0; y < c.Height; y++ {
		for x := 0; x < c.Width; x++ {
			img.Y[img.YOffset(x, y)] = uint8((x + y + shift) & 0xff)
		}
	}
	for y := 0; y < c.Height/2; y++ {
		for x := 0; x < c.Width/2; x++ {
			i := img.COffset(x*2, y*2)
			img.Cb[i] = uint8((x + shift) & 0xff)
			img.Cr[i] = uint8((y + shift/2) & 0xff)
		}
	}
	// A marker bar that travels across the frame.
	bar := (c.frame * 8) % c.Width
	for y := 0; y < c.Height; y++ {
		for x := bar; x < bar+6 && x < c.Width; x++ {
			img.Y[img.YOffset(x, y)] = 0xff
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: c.Quality}); err != nil {
		return nil, &Error{Code: "capture_failed", Detail: err.Error()}
	}
	return buf.Bytes(), nil
}
