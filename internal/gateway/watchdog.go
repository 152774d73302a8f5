package gateway

import (
	"context"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxgate/internal/observe"
)

const defaultWatchdogInterval = 5 * time.Second

// WatchdogConfig tunes a [Watchdog].
type WatchdogConfig struct {
	// Interval between checks. Zero means 5s.
	Interval time.Duration

	// IdleTimeout closes sessions without client activity for this long.
	// Zero disables expiry.
	IdleTimeout time.Duration

	// HighWaterBytes is the heap size above which the watchdog forces a
	// collection and, if that does not help, sheds load. Zero disables the
	// memory check.
	HighWaterBytes uint64
}

// Watchdog periodically expires idle sessions and guards process memory.
type Watchdog struct {
	reg      *Registry
	interval time.Duration
	idle     atomic.Int64
	high     atomic.Uint64
	metrics  *observe.Metrics

	heap func() uint64
	gc   func()
}

// WatchdogOption configures a [Watchdog].
type WatchdogOption func(*Watchdog)

// WithWatchdogMetrics counts forced collections and expired sessions.
func WithWatchdogMetrics(m *observe.Metrics) WatchdogOption {
	return func(w *Watchdog) { w.metrics = m }
}

// WithMemoryProbe replaces the heap sampler and the collector. Intended for
// tests.
func WithMemoryProbe(heap func() uint64, gc func()) WatchdogOption {
	return func(w *Watchdog) {
		w.heap = heap
		w.gc = gc
	}
}

// NewWatchdog returns a watchdog over reg. Call Run to start it.
func NewWatchdog(reg *Registry, cfg WatchdogConfig, opts ...WatchdogOption) *Watchdog {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultWatchdogInterval
	}
	w := &Watchdog{
		reg:      reg,
		interval: cfg.Interval,
		heap:     heapInUse,
		gc:       forceGC,
	}
	w.idle.Store(int64(cfg.IdleTimeout))
	w.high.Store(cfg.HighWaterBytes)
	for _, o := range opts {
		o(w)
	}
	return w
}

// SetIdleTimeout changes the idle timeout for subsequent checks.
func (w *Watchdog) SetIdleTimeout(d time.Duration) { w.idle.Store(int64(d)) }

// SetHighWater changes the memory high-water mark for subsequent checks.
func (w *Watchdog) SetHighWater(bytes uint64) { w.high.Store(bytes) }

// Run checks every interval until ctx is done.
func (w *Watchdog) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			w.Check(now)
		}
	}
}

// Check runs one watchdog pass: idle expiry, then the memory check.
func (w *Watchdog) Check(now time.Time) {
	if n := w.reg.ExpireIdle(now, time.Duration(w.idle.Load())); n > 0 {
		slog.Info("watchdog: expired idle sessions", "count", n)
	}

	high := w.high.Load()
	if high == 0 {
		w.reg.SetShedding(false)
		return
	}
	before := w.heap()
	if before <= high {
		w.reg.SetShedding(false)
		return
	}

	w.gc()
	if w.metrics != nil {
		w.metrics.ForcedGCs.Add(context.Background(), 1)
	}
	after := w.heap()
	slog.Warn("watchdog: heap above high-water mark, forced collection",
		"before_mb", before>>20,
		"after_mb", after>>20,
		"high_water_mb", high>>20,
	)
	w.reg.SetShedding(after > high)
}

func heapInUse() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapAlloc
}

func forceGC() {
	runtime.GC()
	debug.FreeOSMemory()
}
