// Package archive records finished conversation turns outside the process.
//
// The gateway never reads the archive back; it is an audit trail. Writes go
// through a [Guard] so that a failing backend degrades health instead of
// failing sessions.
package archive

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Turn is one archived utterance.
type Turn struct {
	SessionID string
	Role      string
	Text      string
	Language  string
	At        time.Time

	// Duration is the spoken length for user turns; zero for typed input and
	// assistant replies.
	Duration time.Duration
}

// Store persists turns. Implementations must be safe for concurrent use.
type Store interface {
	Append(ctx context.Context, turn Turn) error
	Ping(ctx context.Context) error
}

const defaultWriteTimeout = 2 * time.Second

// Guard wraps a Store and makes every write non-fatal. Failures are logged
// and flip the degraded flag; the next successful write clears it.
//
// All methods are safe for concurrent use.
type Guard struct {
	store    Store
	timeout  time.Duration
	degraded atomic.Bool
}

// NewGuard wraps store. A nil store yields a Guard that discards writes.
func NewGuard(store Store) *Guard {
	return &Guard{store: store, timeout: defaultWriteTimeout}
}

// Append writes turn. The write outlives ctx cancellation (a closing session
// still archives its last turn) but is bounded by a short timeout.
func (g *Guard) Append(ctx context.Context, turn Turn) {
	if g == nil || g.store == nil {
		return
	}
	if turn.At.IsZero() {
		turn.At = time.Now()
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
	defer cancel()

	if err := g.store.Append(wctx, turn); err != nil {
		if !g.degraded.Swap(true) {
			slog.Warn("archive: write failed, continuing without archive",
				"session_id", turn.SessionID,
				"err", err,
			)
		}
		return
	}
	if g.degraded.Swap(false) {
		slog.Info("archive: writes recovered")
	}
}

// Ping checks the backend and updates the degraded flag.
func (g *Guard) Ping(ctx context.Context) error {
	if g == nil || g.store == nil {
		return nil
	}
	err := g.store.Ping(ctx)
	g.degraded.Store(err != nil)
	return err
}

// Enabled reports whether a backend is configured.
func (g *Guard) Enabled() bool { return g != nil && g.store != nil }

// IsDegraded reports whether the most recent backend call failed.
func (g *Guard) IsDegraded() bool { return g != nil && g.degraded.Load() }
