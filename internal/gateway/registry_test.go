package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeSession struct {
	mu     sync.Mutex
	last   time.Time
	causes []error
	onStop func()
}

func (f *fakeSession) LastActivity() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func (f *fakeSession) Close(cause error) {
	f.mu.Lock()
	f.causes = append(f.causes, cause)
	stop := f.onStop
	f.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (f *fakeSession) closedWith() []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]error(nil), f.causes...)
}

func TestRegistry_RegisterAndUnregister(t *testing.T) {
	r := NewRegistry()
	unregister, err := r.Register("a", &fakeSession{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
	if _, err := r.Register("a", &fakeSession{}); err == nil {
		t.Error("duplicate id accepted")
	}
	unregister()
	unregister()
	if r.Len() != 0 {
		t.Fatalf("Len = %d after unregister, want 0", r.Len())
	}
}

func TestRegistry_MaxSessions(t *testing.T) {
	r := NewRegistry(WithMaxSessions(2))
	for _, id := range []string{"a", "b"} {
		if _, err := r.Register(id, &fakeSession{}); err != nil {
			t.Fatalf("Register %s: %v", id, err)
		}
	}
	if _, err := r.Register("c", &fakeSession{}); !errors.Is(err, ErrOverloaded) {
		t.Fatalf("third Register = %v, want ErrOverloaded", err)
	}
	if err := r.Admit(); !errors.Is(err, ErrOverloaded) {
		t.Fatalf("Admit = %v, want ErrOverloaded", err)
	}
}

func TestRegistry_Shedding(t *testing.T) {
	r := NewRegistry()
	r.SetShedding(true)
	if !r.Shedding() {
		t.Fatal("Shedding = false after SetShedding(true)")
	}
	if err := r.Admit(); !errors.Is(err, ErrOverloaded) {
		t.Fatalf("Admit while shedding = %v, want ErrOverloaded", err)
	}
	r.SetShedding(false)
	if err := r.Admit(); err != nil {
		t.Fatalf("Admit after shedding = %v", err)
	}
}

func TestRegistry_ExpireIdle(t *testing.T) {
	now := time.Now()
	idle := &fakeSession{last: now.Add(-time.Minute)}
	busy := &fakeSession{last: now.Add(-time.Second)}

	r := NewRegistry()
	_, _ = r.Register("idle", idle)
	_, _ = r.Register("busy", busy)

	if n := r.ExpireIdle(now, 30*time.Second); n != 1 {
		t.Fatalf("expired %d, want 1", n)
	}
	if c := idle.closedWith(); len(c) != 1 || !errors.Is(c[0], ErrSessionExpired) {
		t.Errorf("idle session closed with %v", c)
	}
	if c := busy.closedWith(); len(c) != 0 {
		t.Errorf("busy session closed with %v", c)
	}
	if n := r.ExpireIdle(now, 0); n != 0 {
		t.Errorf("zero timeout expired %d sessions", n)
	}
}

func TestRegistry_Drain(t *testing.T) {
	r := NewRegistry()
	var unregister func()
	s := &fakeSession{}
	s.onStop = func() { go unregister() }
	unregister, _ = r.Register("a", s)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if c := s.closedWith(); len(c) != 1 || !errors.Is(c[0], ErrShutdown) {
		t.Errorf("session closed with %v", c)
	}
	if _, err := r.Register("b", &fakeSession{}); !errors.Is(err, ErrDraining) {
		t.Errorf("Register after drain = %v, want ErrDraining", err)
	}
}

func TestRegistry_DrainTimeout(t *testing.T) {
	r := NewRegistry()
	_, _ = r.Register("stuck", &fakeSession{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Drain = %v, want DeadlineExceeded", err)
	}
}

func TestRegistry_SetMaxSessions(t *testing.T) {
	r := NewRegistry(WithMaxSessions(1))
	_, _ = r.Register("a", &fakeSession{})
	if err := r.Admit(); !errors.Is(err, ErrOverloaded) {
		t.Fatalf("Admit at cap = %v, want ErrOverloaded", err)
	}
	r.SetMaxSessions(2)
	if err := r.Admit(); err != nil {
		t.Fatalf("Admit after raising cap = %v", err)
	}
	r.SetMaxSessions(0)
	if _, err := r.Register("b", &fakeSession{}); err != nil {
		t.Fatalf("Register without cap = %v", err)
	}
}
