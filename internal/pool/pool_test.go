package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/voxgate/pkg/provider/stt"
	sttmock "github.com/MrWong99/voxgate/pkg/provider/stt/mock"
	"github.com/MrWong99/voxgate/pkg/provider/tts"
	ttsmock "github.com/MrWong99/voxgate/pkg/provider/tts/mock"
)

func countingASR(calls *atomic.Int32, delay time.Duration) Factory[stt.Provider] {
	return func(ctx context.Context) (stt.Provider, error) {
		calls.Add(1)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &sttmock.Provider{}, nil
	}
}

func okTTS(context.Context) (tts.Provider, error) { return &ttsmock.Provider{}, nil }

func TestNew_RequiresFactories(t *testing.T) {
	if _, err := New(Config{TTS: okTTS}); err == nil {
		t.Fatal("expected error without ASR factory")
	}
}

func TestAcquireASR_Singleton(t *testing.T) {
	var calls atomic.Int32
	p, err := New(Config{ASR: countingASR(&calls, 20*time.Millisecond), TTS: okTTS})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const n = 50
	got := make([]stt.Provider, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := p.AcquireASR(context.Background())
			if err != nil {
				t.Errorf("AcquireASR: %v", err)
				return
			}
			got[i] = v
		}()
	}
	wg.Wait()

	if c := calls.Load(); c != 1 {
		t.Fatalf("factory called %d times, want 1", c)
	}
	for i := 1; i < n; i++ {
		if got[i] != got[0] {
			t.Fatalf("caller %d received a different instance", i)
		}
	}
	if st := p.Statuses()[0]; st.State != StateReady || st.Attempts != 1 || st.LoadedAt.IsZero() {
		t.Errorf("unexpected status: %+v", st)
	}
}

func TestAcquire_FailureRecordedAndRetried(t *testing.T) {
	var attempts atomic.Int32
	boom := errors.New("model file missing")
	p, _ := New(Config{
		ASR: func(context.Context) (stt.Provider, error) {
			if attempts.Add(1) == 1 {
				return nil, boom
			}
			return &sttmock.Provider{}, nil
		},
		TTS: okTTS,
	})

	_, err := p.AcquireASR(context.Background())
	if !errors.Is(err, ErrModelInit) || !errors.Is(err, boom) {
		t.Fatalf("err = %v, want ErrModelInit wrapping cause", err)
	}
	st := p.Statuses()[0]
	if st.State != StateFailed || st.Error != boom.Error() {
		t.Errorf("status after failure = %+v", st)
	}

	if _, err := p.AcquireASR(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if st := p.Statuses()[0]; st.State != StateReady || st.Error != "" || st.Attempts != 2 {
		t.Errorf("status after retry = %+v", st)
	}
}

func TestAcquire_WaiterHonoursContext(t *testing.T) {
	release := make(chan struct{})
	p, _ := New(Config{
		ASR: func(context.Context) (stt.Provider, error) {
			<-release
			return &sttmock.Provider{}, nil
		},
		TTS: okTTS,
	})

	loaded := make(chan error, 1)
	go func() {
		_, err := p.AcquireASR(context.Background())
		loaded <- err
	}()
	// Let the loader take the lock.
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := p.AcquireASR(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("waiter err = %v, want deadline exceeded", err)
	}

	close(release)
	if err := <-loaded; err != nil {
		t.Fatalf("loader: %v", err)
	}
}

func TestAcquire_LoadSurvivesCallerCancel(t *testing.T) {
	var calls atomic.Int32
	p, _ := New(Config{ASR: countingASR(&calls, 50*time.Millisecond), TTS: okTTS})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)
	if _, err := p.AcquireASR(ctx); err != nil {
		t.Fatalf("first caller: %v", err)
	}
	if _, err := p.AcquireASR(context.Background()); err != nil {
		t.Fatalf("second caller: %v", err)
	}
	if c := calls.Load(); c != 1 {
		t.Errorf("factory called %d times, want 1", c)
	}
	if st := p.Statuses()[0]; st.State != StateReady {
		t.Errorf("state = %v, want ready", st.State)
	}
}

func TestAcquireTTS_IndependentOfASR(t *testing.T) {
	p, _ := New(Config{
		ASR: func(context.Context) (stt.Provider, error) { return nil, errors.New("no asr") },
		TTS: okTTS,
	})
	if _, err := p.AcquireTTS(context.Background()); err != nil {
		t.Fatalf("AcquireTTS: %v", err)
	}
	sts := p.Statuses()
	if sts[0].State != StateNotLoaded || sts[1].State != StateReady {
		t.Errorf("statuses = %+v", sts)
	}
}

func TestWarm_JoinsErrors(t *testing.T) {
	p, _ := New(Config{
		ASR: func(context.Context) (stt.Provider, error) { return nil, errors.New("asr down") },
		TTS: func(context.Context) (tts.Provider, error) { return nil, errors.New("tts down") },
	})
	err := p.Warm(context.Background())
	if err == nil || !errors.Is(err, ErrModelInit) {
		t.Fatalf("Warm err = %v", err)
	}
}

func TestClose_ClosesModelAndRejectsLaterAcquire(t *testing.T) {
	asr := &sttmock.Provider{}
	p, _ := New(Config{
		ASR: func(context.Context) (stt.Provider, error) { return asr, nil },
		TTS: okTTS,
	})
	if _, err := p.AcquireASR(context.Background()); err != nil {
		t.Fatalf("AcquireASR: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if asr.Closed != 1 {
		t.Errorf("asr closed %d times, want 1", asr.Closed)
	}
	if _, err := p.AcquireASR(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("after close err = %v, want ErrClosed", err)
	}
}

func TestAcquireWorker_Bounded(t *testing.T) {
	p, _ := New(Config{ASR: countingASR(new(atomic.Int32), 0), TTS: okTTS, Workers: 2})
	if p.Workers() != 2 {
		t.Fatalf("Workers = %d", p.Workers())
	}

	var inFlight, peak atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := p.AcquireWorker(context.Background())
			if err != nil {
				t.Errorf("AcquireWorker: %v", err)
				return
			}
			defer release()
			n := inFlight.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
		}()
	}
	wg.Wait()
	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", got)
	}
}

func TestAcquireWorker_ContextCancelled(t *testing.T) {
	p, _ := New(Config{ASR: countingASR(new(atomic.Int32), 0), TTS: okTTS, Workers: 1})
	release, err := p.AcquireWorker(context.Background())
	if err != nil {
		t.Fatalf("AcquireWorker: %v", err)
	}
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.AcquireWorker(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
