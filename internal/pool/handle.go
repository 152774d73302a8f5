package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/voxgate/internal/observe"
)

// ErrModelInit wraps every failure to construct a shared model.
var ErrModelInit = errors.New("pool: model initialization failed")

// ErrClosed is returned by Get after the pool has been closed.
var ErrClosed = errors.New("pool: closed")

// State is the lifecycle state of a [Handle].
type State string

const (
	StateNotLoaded State = "not_loaded"
	StateLoading   State = "loading"
	StateReady     State = "ready"
	StateFailed    State = "failed"
	StateClosed    State = "closed"
)

// Status is a point-in-time snapshot of a [Handle] for health reporting.
type Status struct {
	Kind     string    `json:"kind"`
	State    State     `json:"state"`
	Error    string    `json:"error,omitempty"`
	Attempts int       `json:"attempts"`
	LoadedAt time.Time `json:"loaded_at,omitzero"`
}

// Factory builds a model instance. It is called at most once per successful
// initialization and may block for a long time (model files are large).
type Factory[T any] func(ctx context.Context) (T, error)

// Handle is a lazily created, process-wide singleton.
//
// The first Get constructs the value while holding a weighted semaphore of
// size one, so waiters can give up through their own context while the
// loader keeps going. A failed construction is recorded and retried by the
// next caller. Once ready, Get is a single atomic load.
type Handle[T any] struct {
	kind    string
	factory Factory[T]
	metrics *observe.Metrics

	sem *semaphore.Weighted
	val atomic.Pointer[T]

	mu       sync.Mutex
	state    State
	lastErr  error
	attempts int
	loadedAt time.Time
	closed   bool
}

// NewHandle returns an unloaded handle for kind ("asr", "tts", ...).
func NewHandle[T any](kind string, factory Factory[T], metrics *observe.Metrics) *Handle[T] {
	return &Handle[T]{
		kind:    kind,
		factory: factory,
		metrics: metrics,
		sem:     semaphore.NewWeighted(1),
		state:   StateNotLoaded,
	}
}

// Get returns the shared instance, constructing it on first use.
func (h *Handle[T]) Get(ctx context.Context) (T, error) {
	var zero T
	if v := h.val.Load(); v != nil {
		return *v, nil
	}

	if err := h.sem.Acquire(ctx, 1); err != nil {
		return zero, fmt.Errorf("pool: wait for %s model: %w", h.kind, err)
	}
	defer h.sem.Release(1)

	// Another caller may have finished while we waited.
	if v := h.val.Load(); v != nil {
		return *v, nil
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return zero, ErrClosed
	}
	h.state = StateLoading
	h.attempts++
	attempt := h.attempts
	h.mu.Unlock()

	// The load outlives the caller that triggered it; others may be waiting.
	slog.Info("pool: loading model", "kind", h.kind, "attempt", attempt)
	start := time.Now()
	v, err := h.factory(context.WithoutCancel(ctx))
	elapsed := time.Since(start)
	if h.metrics != nil {
		h.metrics.ModelInitDuration.Record(ctx, elapsed.Seconds(), metricKind(h.kind))
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		h.state = StateFailed
		h.lastErr = err
		slog.Error("pool: model load failed", "kind", h.kind, "attempt", attempt, "err", err)
		return zero, fmt.Errorf("%w: %s: %w", ErrModelInit, h.kind, err)
	}
	h.state = StateReady
	h.lastErr = nil
	h.loadedAt = time.Now()
	h.val.Store(&v)
	slog.Info("pool: model ready", "kind", h.kind, "duration", elapsed)
	return v, nil
}

// Loaded reports whether the instance exists without triggering a load.
func (h *Handle[T]) Loaded() bool {
	return h.val.Load() != nil
}

// Status returns a snapshot for health checks.
func (h *Handle[T]) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := Status{
		Kind:     h.kind,
		State:    h.state,
		Attempts: h.attempts,
		LoadedAt: h.loadedAt,
	}
	if h.lastErr != nil {
		st.Error = h.lastErr.Error()
	}
	return st
}

// Close releases the instance if it implements io.Closer. Subsequent Get
// calls fail with ErrClosed. Close waits for an in-flight load to finish.
func (h *Handle[T]) Close() error {
	_ = h.sem.Acquire(context.Background(), 1)
	defer h.sem.Release(1)

	h.mu.Lock()
	h.closed = true
	h.state = StateClosed
	h.mu.Unlock()

	v := h.val.Swap(nil)
	if v == nil {
		return nil
	}
	if c, ok := any(*v).(io.Closer); ok {
		if err := c.Close(); err != nil {
			return fmt.Errorf("pool: close %s model: %w", h.kind, err)
		}
	}
	return nil
}
