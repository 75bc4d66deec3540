// Package util provides logging and process-wide counters.
package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide link/envelope/relay counter set.
var Stats = &stats{}

type stats struct {
	LinksOpened   atomic.Int64 // cumulative links that reached open
	LinksClosed   atomic.Int64 // cumulative links removed (closed, failed or timed out)
	EnvelopesSent atomic.Int64 // envelopes written to open links
	EnvelopesRecv atomic.Int64 // envelopes accepted from links
	FramesRelayed atomic.Int64 // relay frames forwarded to another session
	Sessions      atomic.Int64 // live relay sessions (gauge)
}

func (s *stats) AddLinkOpened() { s.LinksOpened.Add(1) }
func (s *stats) AddLinkClosed() { s.LinksClosed.Add(1) }
func (s *stats) AddSent(n int)  { s.EnvelopesSent.Add(int64(n)) }
func (s *stats) AddRecv()       { s.EnvelopesRecv.Add(1) }
func (s *stats) AddRelayed()    { s.FramesRelayed.Add(1) }
func (s *stats) SessionOpened() { s.Sessions.Add(1) }
func (s *stats) SessionClosed() { s.Sessions.Add(-1) }

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	LinksOpened   int64
	LinksClosed   int64
	EnvelopesSent int64
	EnvelopesRecv int64
	FramesRelayed int64
	Sessions      int64
}

// Snapshot loads every counter.
func (s *stats) Snapshot() Snapshot {
	return Snapshot{
		LinksOpened:   s.LinksOpened.Load(),
		LinksClosed:   s.LinksClosed.Load(),
		EnvelopesSent: s.EnvelopesSent.Load(),
		EnvelopesRecv: s.EnvelopesRecv.Load(),
		FramesRelayed: s.FramesRelayed.Load(),
		Sessions:      s.Sessions.Load(),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs a line produced by
// format every interval, skipping intervals where nothing changed.
// It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration, format func(prev, cur Snapshot) string) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		prev := Stats.Snapshot()
		for {
			select {
			case <-ticker.C:
				cur := Stats.Snapshot()
				if line := format(prev, cur); line != "" {
					pterm.DefaultLogger.Info(line)
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

// FormatClientStats reports link churn and envelope traffic since prev.
// Returns "" when nothing happened.
func FormatClientStats(prev, cur Snapshot) string {
	opened := cur.LinksOpened - prev.LinksOpened
	closed := cur.LinksClosed - prev.LinksClosed
	sent := cur.EnvelopesSent - prev.EnvelopesSent
	recv := cur.EnvelopesRecv - prev.EnvelopesRecv

	if opened == 0 && closed == 0 && sent == 0 && recv == 0 {
		return ""
	}
	return fmt.Sprintf("Links: %2d↑ %2d↓ | Envelopes: %3d sent %3d recv", opened, closed, sent, recv)
}

// FormatRelayStats always reports the live session count, like the
// original relay's periodic "online users" line.
func FormatRelayStats(prev, cur Snapshot) string {
	return fmt.Sprintf("Sessions online: %d | Frames relayed: %d", cur.Sessions, cur.FramesRelayed-prev.FramesRelayed)
}
