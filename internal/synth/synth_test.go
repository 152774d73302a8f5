package synth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxgate/internal/pool"
	"github.com/MrWong99/voxgate/pkg/provider/stt"
	sttmock "github.com/MrWong99/voxgate/pkg/provider/stt/mock"
	"github.com/MrWong99/voxgate/pkg/provider/tts"
	ttsmock "github.com/MrWong99/voxgate/pkg/provider/tts/mock"
	"github.com/MrWong99/voxgate/pkg/types"
)

// ---- helpers ----

func newPool(t *testing.T, p tts.Provider, workers int, initErr error) *pool.Pool {
	t.Helper()
	pl, err := pool.New(pool.Config{
		ASR: func(context.Context) (stt.Provider, error) { return &sttmock.Provider{}, nil },
		TTS: func(context.Context) (tts.Provider, error) {
			if initErr != nil {
				return nil, initErr
			}
			return p, nil
		},
		Workers: workers,
	})
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}
	return pl
}

func feed(fragments ...string) <-chan string {
	ch := make(chan string, len(fragments))
	for _, f := range fragments {
		ch <- f
	}
	close(ch)
	return ch
}

func drain(t *testing.T, ch <-chan Audio) []Audio {
	t.Helper()
	var out []Audio
	timeout := time.After(5 * time.Second)
	for {
		select {
		case a, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, a)
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func texts(as []Audio) []string {
	out := make([]string, len(as))
	for i, a := range as {
		out[i] = a.Phrase.Text
	}
	return out
}

// spoken returns the texts of phrases that produced audio.
func spoken(as []Audio) []string {
	var out []string
	for _, a := range as {
		if a.Err == nil {
			out = append(out, a.Phrase.Text)
		}
	}
	return out
}

func waitCancelled(t *testing.T, p *ttsmock.Provider, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for p.CancelledCount() < want && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := p.CancelledCount(); n != want {
		t.Errorf("CancelledCount = %d, want %d", n, want)
	}
}

// stubborn ignores ctx and returns only when release is closed.
type stubborn struct {
	inner   tts.Provider
	stuck   string
	release chan struct{}
}

func (s *stubborn) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (types.AudioFrame, error) {
	if text == s.stuck {
		<-s.release
		return types.AudioFrame{}, errors.New("too late")
	}
	return s.inner.Synthesize(ctx, text, voice)
}

// ---- tests ----

func TestStream_OrderedDespiteCompletionOrder(t *testing.T) {
	t.Parallel()
	p := &ttsmock.Provider{Delays: map[string]time.Duration{
		"First.":  120 * time.Millisecond,
		"Second.": 40 * time.Millisecond,
	}}
	s := New(newPool(t, p, 4, nil), Config{Lookahead: 3})

	got := drain(t, s.Stream(context.Background(), feed("First. Second. Third.")))
	want := []string{"First.", "Second.", "Third."}
	if len(got) != len(want) {
		t.Fatalf("got %q, want %q", texts(got), want)
	}
	for i, a := range got {
		if a.Phrase.Seq != i || a.Phrase.Text != want[i] {
			t.Errorf("position %d: got seq=%d %q", i, a.Phrase.Seq, a.Phrase.Text)
		}
		if a.Frame.Data[0] != want[i][0] {
			t.Errorf("position %d carries audio for another phrase", i)
		}
	}
}

func TestStream_SynthesisRunsConcurrently(t *testing.T) {
	t.Parallel()
	d := 100 * time.Millisecond
	p := &ttsmock.Provider{Delays: map[string]time.Duration{"A.": d, "B.": d, "C.": d}}
	s := New(newPool(t, p, 4, nil), Config{Lookahead: 3})

	start := time.Now()
	got := drain(t, s.Stream(context.Background(), feed("A. B. C.")))
	if len(got) != 3 {
		t.Fatalf("got %q", texts(got))
	}
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Errorf("three phrases took %v; expected overlap", elapsed)
	}
}

func TestStream_TimeoutSkipsPhrase(t *testing.T) {
	t.Parallel()
	p := &ttsmock.Provider{Hang: map[string]bool{"Stuck.": true}}
	s := New(newPool(t, p, 4, nil), Config{PhraseTimeout: 50 * time.Millisecond})

	start := time.Now()
	got := drain(t, s.Stream(context.Background(), feed("One. Stuck. Three.")))
	if want := "One.|Three."; strings.Join(spoken(got), "|") != want {
		t.Fatalf("spoken %q, want %q", spoken(got), want)
	}
	if len(got) != 3 || !errors.Is(got[1].Err, ErrPhraseTimeout) || len(got[1].Frame.Data) != 0 {
		t.Errorf("skipped phrase = %+v, want ErrPhraseTimeout without audio", got[1])
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("stream took %v, want bounded by the phrase timeout", elapsed)
	}
	waitCancelled(t, p, 1)
}

func TestStream_StuckProviderReleasesWorker(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	defer close(release)
	p := &stubborn{inner: &ttsmock.Provider{}, stuck: "Stuck.", release: release}
	// One worker: the next phrase can only run if the stuck one gave its slot back.
	s := New(newPool(t, p, 1, nil), Config{PhraseTimeout: 50 * time.Millisecond, Lookahead: 1})

	got := drain(t, s.Stream(context.Background(), feed("Stuck. Next.")))
	if strings.Join(spoken(got), "|") != "Next." {
		t.Fatalf("spoken %q, want [Next.]", spoken(got))
	}
}

func TestStream_ProviderErrorSkipsPhrase(t *testing.T) {
	t.Parallel()
	p := &ttsmock.Provider{Errs: map[string]error{"Bad.": errors.New("boom")}}
	s := New(newPool(t, p, 2, nil), Config{})

	got := drain(t, s.Stream(context.Background(), feed("Good. Bad. Fine")))
	if want := "Good.|Fine"; strings.Join(spoken(got), "|") != want {
		t.Fatalf("spoken %q, want %q", spoken(got), want)
	}
	if want := "Good.|Bad.|Fine"; strings.Join(texts(got), "|") != want {
		t.Fatalf("delivered %q, want %q in order", texts(got), want)
	}
	if got[1].Err == nil {
		t.Error("failed phrase delivered without its error")
	}
}

func TestStream_ModelUnavailable(t *testing.T) {
	t.Parallel()
	s := New(newPool(t, nil, 2, errors.New("no voice model")), Config{})

	got := drain(t, s.Stream(context.Background(), feed("Hello. World.")))
	if len(spoken(got)) != 0 {
		t.Fatalf("expected no audio, got %q", spoken(got))
	}
	if len(got) != 2 {
		t.Fatalf("delivered %d phrases, want 2 failures", len(got))
	}
	for _, a := range got {
		if !errors.Is(a.Err, pool.ErrModelInit) {
			t.Errorf("phrase %q err = %v, want ErrModelInit", a.Phrase.Text, a.Err)
		}
	}
}

func TestStream_CancelAbandonsPendingPhrases(t *testing.T) {
	t.Parallel()
	p := &ttsmock.Provider{Hang: map[string]bool{"Two.": true, "Three.": true}}
	s := New(newPool(t, p, 4, nil), Config{PhraseTimeout: time.Minute, Lookahead: 2})

	ctx, cancel := context.WithCancel(context.Background())
	text := make(chan string)
	out := s.Stream(ctx, text)
	text <- "One. Two. Three. "

	first := <-out
	if first.Phrase.Text != "One." {
		t.Fatalf("first = %q", first.Phrase.Text)
	}
	cancel()

	done := make(chan struct{})
	go func() {
		for range out {
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close after cancel")
	}

	// Both hanging phrases observe the cancellation.
	waitCancelled(t, p, 2)
}

func TestStream_StreamingFragments(t *testing.T) {
	t.Parallel()
	p := &ttsmock.Provider{}
	s := New(newPool(t, p, 2, nil), Config{Voice: types.VoiceProfile{ID: "narrator"}})

	text := make(chan string)
	out := s.Stream(context.Background(), text)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, f := range []string{"Hel", "lo wor", "ld. ", "Bye"} {
			text <- f
		}
		close(text)
	}()
	got := drain(t, out)
	wg.Wait()

	if want := "Hello world.|Bye"; strings.Join(texts(got), "|") != want {
		t.Fatalf("got %q, want %q", texts(got), want)
	}
	if p.Calls[0].Voice.ID != "narrator" {
		t.Errorf("voice = %q, want narrator", p.Calls[0].Voice.ID)
	}
}
