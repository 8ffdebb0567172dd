package router

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

const (
	defaultTailBytes = 64 << 10
	defaultLogChunk  = 8 << 10
	minLogChunk      = 256
	maxLogChunk      = 8 << 10
)

// logChunk is one window of the log file.
type logChunk struct {
	Size   int64
	Offset int64
	Next   int64
	EOF    bool
	Data   []byte
}

// readChunk reads up to maxBytes from path. A negative offset reads the
// last tailBytes of the file instead.
func readChunk(path string, offset int64, tailBytes, maxBytes int) (logChunk, error) {
	if tailBytes < 0 {
		tailBytes = 0
	}
	maxBytes = clamp(maxBytes, minLogChunk, maxLogChunk)

	f, err := os.Open(path)
	if err != nil {
		return logChunk{}, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return logChunk{}, fmt.Errorf("stat log: %w", err)
	}
	size := st.Size()

	start := offset
	if offset < 0 {
		start = size - int64(tailBytes)
	}
	start = max(0, min(start, size))

	n := min(size-start, int64(maxBytes))
	buf := make([]byte, n)
	got, err := f.ReadAt(buf, start)
	if err != nil && !errors.Is(err, io.EOF) {
		return logChunk{}, fmt.Errorf("read log: %w", err)
	}

	next := start + int64(got)
	return logChunk{
		Size:   size,
		Offset: start,
		Next:   next,
		EOF:    next >= size,
		Data:   buf[:got],
	}, nil
}

func isNotExist(err error) bool { return errors.Is(err, fs.ErrNotExist) }
