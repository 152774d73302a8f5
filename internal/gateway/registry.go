package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxgate/internal/observe"
)

var (
	// ErrOverloaded refuses admission while the process sheds load or is at
	// its session cap.
	ErrOverloaded = errors.New("gateway: overloaded")

	// ErrDraining refuses admission during graceful shutdown.
	ErrDraining = errors.New("gateway: draining")

	// ErrSessionExpired is the close cause of an idle session.
	ErrSessionExpired = errors.New("gateway: session expired")

	// ErrShutdown is the close cause of sessions ended by Drain.
	ErrShutdown = errors.New("gateway: server shutting down")
)

// tracked is what the registry needs from a live session.
type tracked interface {
	LastActivity() time.Time
	Close(cause error)
}

// Registry tracks live sessions and decides admission. All methods are safe
// for concurrent use.
type Registry struct {
	maxSessions int
	metrics     *observe.Metrics

	mu       sync.Mutex
	sessions map[string]tracked
	draining bool
	wg       sync.WaitGroup

	shedding atomic.Bool
}

// RegistryOption configures a [Registry].
type RegistryOption func(*Registry)

// WithMaxSessions caps concurrent sessions. Zero means unlimited.
func WithMaxSessions(n int) RegistryOption {
	return func(r *Registry) { r.maxSessions = n }
}

// WithRegistryMetrics records the active session gauge and refusals.
func WithRegistryMetrics(m *observe.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{sessions: make(map[string]tracked)}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Admit reports whether a new session would be accepted right now.
func (r *Registry) Admit() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.admitLocked()
}

func (r *Registry) admitLocked() error {
	switch {
	case r.draining:
		return ErrDraining
	case r.shedding.Load():
		return fmt.Errorf("%w: memory above high-water mark", ErrOverloaded)
	case r.maxSessions > 0 && len(r.sessions) >= r.maxSessions:
		return fmt.Errorf("%w: %d sessions active", ErrOverloaded, len(r.sessions))
	}
	return nil
}

// Register admits s under id. The returned func removes it and must be
// called once the session has stopped.
func (r *Registry) Register(id string, s tracked) (unregister func(), err error) {
	r.mu.Lock()
	if err := r.admitLocked(); err != nil {
		r.mu.Unlock()
		r.recordRefused(err)
		return nil, err
	}
	if _, dup := r.sessions[id]; dup {
		r.mu.Unlock()
		return nil, fmt.Errorf("gateway: duplicate session id %s", id)
	}
	r.sessions[id] = s
	r.wg.Add(1)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ActiveSessions.Add(context.Background(), 1)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.sessions, id)
			r.mu.Unlock()
			if r.metrics != nil {
				r.metrics.ActiveSessions.Add(context.Background(), -1)
			}
			r.wg.Done()
		})
	}, nil
}

func (r *Registry) recordRefused(err error) {
	if r.metrics == nil {
		return
	}
	reason := "overloaded"
	if errors.Is(err, ErrDraining) {
		reason = "draining"
	}
	r.metrics.RecordAdmissionRefused(context.Background(), reason)
}

// SetMaxSessions changes the session cap for subsequent admissions. Live
// sessions above a lowered cap are not closed.
func (r *Registry) SetMaxSessions(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxSessions = n
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// SetShedding turns load shedding on or off.
func (r *Registry) SetShedding(on bool) {
	if r.shedding.Swap(on) != on {
		slog.Info("gateway: load shedding changed", "shedding", on)
	}
}

// Shedding reports whether new sessions are being refused for memory.
func (r *Registry) Shedding() bool { return r.shedding.Load() }

// ExpireIdle closes every session whose last activity is older than
// timeout, returning how many were closed. A non-positive timeout disables
// expiry.
func (r *Registry) ExpireIdle(now time.Time, timeout time.Duration) int {
	if timeout <= 0 {
		return 0
	}
	r.mu.Lock()
	var idle []tracked
	for _, s := range r.sessions {
		if now.Sub(s.LastActivity()) > timeout {
			idle = append(idle, s)
		}
	}
	r.mu.Unlock()

	for _, s := range idle {
		s.Close(ErrSessionExpired)
		if r.metrics != nil {
			r.metrics.SessionsExpired.Add(context.Background(), 1)
		}
	}
	return len(idle)
}

// Drain refuses new sessions, closes the live ones and waits for them to
// unregister or for ctx to end.
func (r *Registry) Drain(ctx context.Context) error {
	r.mu.Lock()
	r.draining = true
	live := make([]tracked, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mu.Unlock()

	for _, s := range live {
		s.Close(ErrShutdown)
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("gateway: drain: %w", ctx.Err())
	}
}
