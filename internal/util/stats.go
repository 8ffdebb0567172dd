package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide traffic/connection counter.
var Stats = &stats{}

type stats struct {
	TotalConns  atomic.Int64 // cumulative accepted WebSocket clients
	ClosedConns atomic.Int64 // cumulative removed clients (any reason)
	Evictions   atomic.Int64 // clients removed because a send failed or capacity forced it
	Oversize    atomic.Int64 // inbound frames rejected for exceeding the endpoint limit
	FramesIn    atomic.Int64
	FramesOut   atomic.Int64
	BytesIn     atomic.Int64
	BytesOut    atomic.Int64
}

func (s *stats) AddConn()      { s.TotalConns.Add(1) }
func (s *stats) RemoveConn()   { s.ClosedConns.Add(1) }
func (s *stats) AddEviction()  { s.Evictions.Add(1) }
func (s *stats) AddOversize()  { s.Oversize.Add(1) }
func (s *stats) AddRecv(n int) { s.FramesIn.Add(1); s.BytesIn.Add(int64(n)) }
func (s *stats) AddSent(n int) { s.FramesOut.Add(1); s.BytesOut.Add(int64(n)) }

// Snapshot returns the current counters in a JSON-friendly map.
func (s *stats) Snapshot() map[string]int64 {
	return map[string]int64{
		"conns_total":  s.TotalConns.Load(),
		"conns_closed": s.ClosedConns.Load(),
		"evictions":    s.Evictions.Load(),
		"oversize":     s.Oversize.Load(),
		"frames_in":    s.FramesIn.Load(),
		"frames_out":   s.FramesOut.Load(),
		"bytes_in":     s.BytesIn.Load(),
		"bytes_out":    s.BytesOut.Load(),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

const reportInterval = 10 * time.Second

// StartStatsReporter launches a goroutine that logs traffic statistics
// every 10 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(reportInterval)
		defer ticker.Stop()

		var prevSent, prevRecv, prevTotal, prevClosed int64
		for {
			select {
			case <-ticker.C:
				total := Stats.TotalConns.Load()
				closed := Stats.ClosedConns.Load()
				sent := Stats.BytesOut.Load()
				recv := Stats.BytesIn.Load()

				inS := (recv - prevRecv) / int64(reportInterval/time.Second)
				outS := (sent - prevSent) / int64(reportInterval/time.Second)
				inC := total - prevTotal
				outC := closed - prevClosed

				if inC > 0 || outC > 0 || inS > 10 || outS > 10 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, inC, outC))
				}

				prevSent = sent
				prevRecv = recv
				prevTotal = total
				prevClosed = closed

			case <-ctx.Done():
				return
			}
		}
	}()
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS, inC, outC int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Clients: %2d↑ %2d↓",
		sizestr.ToString(inS),
		sizestr.ToString(outS),
		inC,
		outC,
	)
}
