package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxgate/internal/archive"
	"github.com/MrWong99/voxgate/internal/dialogue"
	"github.com/MrWong99/voxgate/internal/gate"
	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/internal/pool"
	"github.com/MrWong99/voxgate/internal/session"
	"github.com/MrWong99/voxgate/internal/synth"
	"github.com/MrWong99/voxgate/internal/transcribe"
	"github.com/MrWong99/voxgate/internal/transcript"
	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider/stt"
	"github.com/MrWong99/voxgate/pkg/provider/tts"
	"github.com/MrWong99/voxgate/pkg/provider/vad"
	"github.com/MrWong99/voxgate/pkg/types"
)

// State is a session lifecycle state.
type State int

const (
	StateInit State = iota
	StateReady
	StateListening
	StateThinking
	StateSpeaking
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateReady:
		return "READY"
	case StateListening:
		return "LISTENING"
	case StateThinking:
		return "THINKING"
	case StateSpeaking:
		return "SPEAKING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Close causes that end a session without an error worth reporting.
var (
	errSessionEnded = errors.New("gateway: session ended by client")
	errPeerClosed   = errors.New("gateway: connection closed by client")
	errKeepalive    = errors.New("gateway: keepalive timeout")
)

const (
	recognizerRate = 16000
	writeTimeout   = 5 * time.Second

	// pcmChunk is the duration of one outgoing PCM binary frame.
	pcmChunk = 40 * time.Millisecond

	// endGrace bounds how long session_end waits for the last transcript.
	endGrace = 5 * time.Second
)

// Models is the shared recognizer, synthesizer and worker budget sessions
// borrow from. *pool.Pool satisfies it.
type Models interface {
	AcquireASR(ctx context.Context) (stt.Provider, error)
	AcquireTTS(ctx context.Context) (tts.Provider, error)
	AcquireWorker(ctx context.Context) (release func(), err error)
}

// Deps are the process-wide collaborators every session shares.
type Deps struct {
	Models Models
	VAD    vad.Engine
	Engine dialogue.Engine

	// Archive is optional.
	Archive *archive.Guard

	Metrics *observe.Metrics
}

func (d Deps) validate() error {
	var errs []error
	if d.Models == nil {
		errs = append(errs, errors.New("gateway: models are required"))
	}
	if d.VAD == nil {
		errs = append(errs, errors.New("gateway: vad engine is required"))
	}
	if d.Engine == nil {
		errs = append(errs, errors.New("gateway: dialogue engine is required"))
	}
	return errors.Join(errs...)
}

// SessionConfig holds per-session tunables. A session copies the config it
// was started with; later changes apply to new sessions only.
type SessionConfig struct {
	// HandshakeTimeout bounds the wait for session_start. Zero means 10s.
	HandshakeTimeout time.Duration

	// KeepaliveInterval is the WebSocket ping cadence; KeepaliveGrace is how
	// long a pong may take. Zero means 15s and 10s; a negative interval
	// disables pings.
	KeepaliveInterval time.Duration
	KeepaliveGrace    time.Duration

	// MaxMessageBytes caps one client frame. Zero means 1 MiB.
	MaxMessageBytes int64

	// TokenBudget bounds the window view handed to the engine. Zero means
	// 4096.
	TokenBudget int

	SystemPrompt string
	MaxTurns     int

	// Gate tunes voice-activity segmentation. SampleRate is ignored.
	Gate gate.Config

	// TranscribeQueue bounds queued segments per session.
	TranscribeQueue int

	// Corrector rewrites final transcripts towards a domain vocabulary.
	// Nil disables correction.
	Corrector *transcript.Corrector

	Voice          types.VoiceProfile
	PhraseTimeout  time.Duration
	PhraseMaxChars int
	Lookahead      int

	// TurnQueue bounds finals waiting for the current turn. Zero means 8.
	TurnQueue int
}

func (c *SessionConfig) applyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = 15 * time.Second
	}
	if c.KeepaliveGrace <= 0 {
		c.KeepaliveGrace = 10 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 1 << 20
	}
	if c.TokenBudget <= 0 {
		c.TokenBudget = 4096
	}
	if c.TurnQueue <= 0 {
		c.TurnQueue = 8
	}
}

// outbound is one frame for the writer. Audio frames belong to a turn and
// are dropped once that turn's synthesis is cancelled.
type outbound struct {
	msg   *ServerMessage
	audio []byte
	turn  context.Context
}

type userTurn struct {
	seq      int
	text     string
	language string
	duration time.Duration
}

// Session is one client connection. All socket writes go through a single
// writer goroutine; the reader owns the gate and the codec's decoder.
type Session struct {
	id        string
	conn      *websocket.Conn
	deps      Deps
	cfg       SessionConfig
	log       *slog.Logger
	createdAt time.Time
	lastSeen  atomic.Int64

	ctx    context.Context
	cancel context.CancelCauseFunc

	// turnsCtx is cancelled on session_end so no further turn runs while
	// the last transcripts drain.
	turnsCtx  context.Context
	stopTurns context.CancelFunc
	ending    atomic.Bool

	out   chan outbound
	turns chan userTurn

	// Set by the handshake.
	language string
	format   types.AudioFormat
	window   *session.Window
	gate     *gate.Gate
	asr      *transcribe.Pipeline
	synth    *synth.Synthesizer
	codec    *audio.OpusCodec
	toASR    *audio.FormatConverter
	toClient *audio.FormatConverter

	mu          sync.Mutex
	state       State
	synthCancel context.CancelFunc
}

func newSession(ctx context.Context, id string, conn *websocket.Conn, deps Deps, cfg SessionConfig, log *slog.Logger) *Session {
	cfg.applyDefaults()
	s := &Session{
		id:        id,
		conn:      conn,
		deps:      deps,
		cfg:       cfg,
		log:       log,
		createdAt: time.Now(),
		out:       make(chan outbound, 64),
		turns:     make(chan userTurn, cfg.TurnQueue),
	}
	s.ctx, s.cancel = context.WithCancelCause(ctx)
	s.turnsCtx, s.stopTurns = context.WithCancel(s.ctx)
	s.touch()
	return s
}

// ID returns the session identifier sent in session_ready.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActivity is the time of the last client frame or finished turn.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

// Close ends the session with cause. Safe to call from any goroutine and
// more than once; the first cause wins.
func (s *Session) Close(cause error) {
	s.cancel(cause)
}

func (s *Session) touch() { s.lastSeen.Store(time.Now().UnixNano()) }

// Run performs the handshake and then serves the session until it closes.
// It returns nil for orderly endings and the close cause otherwise.
func (s *Session) Run() error {
	defer s.conn.CloseNow()
	defer s.cancel(nil)
	s.conn.SetReadLimit(s.cfg.MaxMessageBytes)

	if err := s.handshake(); err != nil {
		s.setClosed()
		if errors.Is(err, ErrProtocolViolation) {
			_ = s.conn.Close(websocket.StatusPolicyViolation, "protocol violation")
		}
		return err
	}
	defer s.release()

	var g errgroup.Group
	supervise := func(fn func() error) {
		g.Go(func() error {
			err := fn()
			if err != nil {
				s.cancel(err)
			}
			return err
		})
	}
	supervise(s.readLoop)
	supervise(s.writeLoop)
	supervise(s.keepaliveLoop)
	supervise(s.resultLoop)
	supervise(s.turnLoop)
	supervise(func() error {
		if err := s.asr.Run(s.ctx); err != nil && s.ctx.Err() == nil {
			return err
		}
		return nil
	})
	_ = g.Wait()

	cause := context.Cause(s.ctx)
	switch {
	case errors.Is(cause, errSessionEnded), errors.Is(cause, errPeerClosed),
		errors.Is(cause, ErrSessionExpired), errors.Is(cause, ErrShutdown),
		errors.Is(cause, context.Canceled):
		s.log.Info("session closed", "reason", cause, "duration", time.Since(s.createdAt).Round(time.Millisecond))
		return nil
	default:
		s.log.Warn("session closed with error", "err", cause)
		return cause
	}
}

func (s *Session) release() {
	s.setClosed()
	s.asr.Close()
	if err := s.gate.Close(); err != nil {
		s.log.Debug("close gate", "err", err)
	}
}

// ---- state ----

// transition moves to the given state unless the session is closed.
func (s *Session) transition(to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	s.state = to
	return true
}

func (s *Session) transitionFrom(from, to State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == from {
		s.state = to
	}
}

func (s *Session) setClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateClosed
	s.synthCancel = nil
}

// beginSpeaking records the pending synthesis task and enters SPEAKING.
func (s *Session) beginSpeaking(cancel context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	s.state = StateSpeaking
	s.synthCancel = cancel
	return true
}

// endTurn clears the synthesis task and returns to LISTENING.
func (s *Session) endTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.synthCancel = nil
	if s.state != StateClosed {
		s.state = StateListening
	}
}

// interrupt cancels the pending synthesis task, then leaves SPEAKING.
func (s *Session) interrupt() {
	s.mu.Lock()
	if s.state != StateSpeaking {
		st := s.state
		s.mu.Unlock()
		s.log.Debug("interrupt ignored", "state", st)
		return
	}
	s.synthCancel()
	s.synthCancel = nil
	s.state = StateListening
	s.mu.Unlock()

	s.log.Info("response interrupted")
	if s.deps.Metrics != nil {
		s.deps.Metrics.Interrupts.Add(s.ctx, 1)
	}
}

// ---- handshake ----

func (s *Session) handshake() error {
	hctx, cancel := context.WithTimeout(s.ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	for {
		typ, data, err := s.conn.Read(hctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return context.Cause(s.ctx)
			}
			if hctx.Err() != nil {
				return fmt.Errorf("%w: no session_start within %v", ErrProtocolViolation, s.cfg.HandshakeTimeout)
			}
			return fmt.Errorf("gateway: handshake read: %w", err)
		}
		s.touch()
		if typ != websocket.MessageText {
			return fmt.Errorf("%w: audio before session_start", ErrProtocolViolation)
		}
		msg, err := DecodeClientMessage(data)
		if err != nil {
			return err
		}

		switch msg.Type {
		case TypePing:
			if err := s.writeNow(hctx, pong()); err != nil {
				return err
			}
		case TypeSessionStart:
			if err := s.validateStart(msg); err != nil {
				code := CodeBadRequest
				if errors.Is(err, ErrUnsupportedFormat) {
					code = CodeUnsupportedFormat
				}
				s.log.Debug("session_start rejected", "err", err)
				if err := s.writeNow(hctx, errorMessage(code, err.Error())); err != nil {
					return err
				}
				continue
			}
			if err := s.start(); err != nil {
				return err
			}
			s.log.Info("session ready", "language", s.language, "encoding", s.format.Encoding,
				"sample_rate", s.format.SampleRate, "channels", s.format.Channels)
			return s.writeNow(hctx, sessionReady(s.id))
		default:
			return fmt.Errorf("%w: %s before session_start", ErrProtocolViolation, msg.Type)
		}
	}
}

func (s *Session) validateStart(msg ClientMessage) error {
	if msg.AudioFormat == nil {
		return errors.New("audio_format is required")
	}
	if err := ValidateFormat(*msg.AudioFormat); err != nil {
		return err
	}
	lang, err := NormalizeLanguage(msg.Language)
	if err != nil {
		return err
	}
	s.format = *msg.AudioFormat
	s.language = lang
	return nil
}

// start allocates the per-session pipeline once session_start is accepted.
func (s *Session) start() error {
	gcfg := s.cfg.Gate
	gcfg.SampleRate = recognizerRate
	g, err := gate.New(s.deps.VAD, gcfg, gate.WithMetrics(s.deps.Metrics))
	if err != nil {
		return fmt.Errorf("gateway: start session: %w", err)
	}
	if s.format.Encoding == types.EncodingOpus {
		codec, err := audio.NewOpusCodec(s.format.Channels)
		if err != nil {
			_ = g.Close()
			return fmt.Errorf("gateway: start session: %w", err)
		}
		s.codec = codec
	}
	s.gate = g
	s.toASR = &audio.FormatConverter{Target: audio.Format{SampleRate: recognizerRate, Channels: 1}}
	s.toClient = &audio.FormatConverter{Target: audio.Format{SampleRate: s.format.SampleRate, Channels: s.format.Channels}}
	s.window = session.NewWindow(session.WindowConfig{
		SystemPrompt: s.cfg.SystemPrompt,
		MaxTurns:     s.cfg.MaxTurns,
	})
	s.asr = transcribe.New(s.deps.Models, transcribe.Config{
		Language:  s.language,
		QueueSize: s.cfg.TranscribeQueue,
		Corrector: s.cfg.Corrector,
		Metrics:   s.deps.Metrics,
		Logger:    s.log,
	})
	s.synth = synth.New(s.deps.Models, synth.Config{
		Voice:          s.cfg.Voice,
		PhraseTimeout:  s.cfg.PhraseTimeout,
		Lookahead:      s.cfg.Lookahead,
		PhraseMaxChars: s.cfg.PhraseMaxChars,
		Metrics:        s.deps.Metrics,
		Logger:         s.log,
	})
	s.transition(StateReady)
	return nil
}

// ---- reader ----

func (s *Session) readLoop() error {
	// Reads are not bound to the session context: the writer closes the
	// socket once its final frames are out, which ends the read.
	rctx := context.WithoutCancel(s.ctx)
	for {
		typ, data, err := s.conn.Read(rctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			if websocket.CloseStatus(err) != -1 {
				s.cancel(errPeerClosed)
				return nil
			}
			return fmt.Errorf("gateway: read: %w", err)
		}
		s.touch()

		if typ == websocket.MessageBinary {
			if err := s.handleAudio(data); err != nil {
				return err
			}
			continue
		}
		msg, err := DecodeClientMessage(data)
		if err != nil {
			return err
		}
		done, err := s.handleMessage(msg)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

func (s *Session) handleMessage(msg ClientMessage) (done bool, err error) {
	switch msg.Type {
	case TypePing:
		s.send(pong())
	case TypeSessionStart:
		return false, fmt.Errorf("%w: session_start after handshake", ErrProtocolViolation)
	case TypeTextInput:
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			s.send(errorMessage(CodeBadRequest, "text_input requires text"))
			return false, nil
		}
		s.transitionFrom(StateReady, StateListening)
		s.enqueue(userTurn{text: text, language: s.language})
	case TypeInterrupt:
		s.interrupt()
	case TypeSessionEnd:
		s.end()
		return true, nil
	}
	return false, nil
}

// end handles session_end. The running turn is abandoned, trailing speech
// still in the gate is transcribed, and the session closes once the last
// transcript is queued for the client or endGrace has passed.
func (s *Session) end() {
	s.ending.Store(true)
	s.stopTurns()
	if seg, ok := s.gate.Flush(); ok {
		if err := s.asr.Submit(s.ctx, seg); err != nil {
			s.log.Debug("trailing speech dropped", "err", err)
		}
	}
	s.asr.Close()
	time.AfterFunc(endGrace, func() { s.cancel(errSessionEnded) })
}

func (s *Session) handleAudio(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	s.transitionFrom(StateReady, StateListening)

	frame := types.AudioFrame{Data: data, SampleRate: s.format.SampleRate, Channels: s.format.Channels}
	if s.codec != nil {
		pcm, err := s.codec.Decode(data)
		if err != nil {
			s.log.Debug("dropping undecodable opus packet", "err", err, "bytes", len(data))
			return nil
		}
		frame.Data = pcm
	}
	mono := s.toASR.Convert(frame).Data

	segs, err := s.gate.Write(mono)
	if err != nil {
		return fmt.Errorf("gateway: voice activity: %w", err)
	}
	for _, seg := range segs {
		if err := s.asr.Submit(s.ctx, seg); err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
	return nil
}

// ---- transcripts ----

func (s *Session) resultLoop() error {
	for r := range s.asr.Results() {
		s.handleResult(r)
	}
	if s.ending.Load() {
		s.cancel(errSessionEnded)
	}
	return nil
}

func (s *Session) handleResult(r transcribe.Result) {
	t := r.Transcript
	if r.Err != nil {
		if errors.Is(r.Err, pool.ErrModelInit) {
			s.log.Error("speech recognizer unavailable", "err", r.Err)
			s.send(errorMessage(CodeModelUnavailable, "speech recognizer unavailable"))
			return
		}
		s.log.Warn("transcription failed", "seq", t.Seq, "err", r.Err)
		s.send(finalTranscript("", t.Language))
		s.send(errorMessage(CodeASRDecode, "could not transcribe utterance"))
		return
	}
	if !t.IsFinal {
		s.send(partialTranscript(t.Text))
		return
	}
	for _, c := range r.Corrections {
		s.log.Debug("vocabulary correction", "from", c.Original, "to", c.Corrected)
	}
	s.send(finalTranscript(t.Text, t.Language))
	if t.Text == "" {
		return
	}
	s.enqueue(userTurn{seq: t.Seq, text: t.Text, language: t.Language, duration: t.Duration})
}

// enqueue hands a final to the turn loop. Finals arriving while a turn is
// running wait in the queue.
func (s *Session) enqueue(t userTurn) {
	if s.ending.Load() {
		return
	}
	select {
	case s.turns <- t:
	default:
		s.log.Warn("turn queue full, dropping utterance", "text_len", len(t.text))
		s.send(errorMessage(CodeOverloaded, "too many pending utterances"))
	}
}

// ---- turns ----

func (s *Session) turnLoop() error {
	for {
		select {
		case <-s.turnsCtx.Done():
			return nil
		case t := <-s.turns:
			s.runTurn(t)
		}
	}
}

// runTurn drives one THINKING → SPEAKING → LISTENING cycle.
func (s *Session) runTurn(t userTurn) {
	if !s.transition(StateThinking) {
		return
	}
	s.touch()
	defer s.touch()

	s.window.Append(types.Message{Role: types.RoleUser, Content: t.text})
	s.deps.Archive.Append(s.ctx, archive.Turn{
		SessionID: s.id,
		Role:      types.RoleUser,
		Text:      t.text,
		Language:  t.language,
		Duration:  t.duration,
	})

	spanCtx, span := observe.StartTurnSpan(s.turnsCtx, s.id, t.seq)
	turnCtx, turnCancel := context.WithCancel(spanCtx)
	defer turnCancel()

	prompt, err := s.window.Prompt(s.cfg.TokenBudget)
	if err != nil {
		observe.EndSpan(span, err)
		s.endTurn()
		s.log.Warn("turn dropped", "seq", t.seq, "err", err)
		s.send(errorMessage(CodeBadRequest, "utterance too long for the conversation window"))
		return
	}
	stream, err := s.deps.Engine.Invoke(turnCtx, prompt)
	if err != nil {
		observe.EndSpan(span, err)
		s.endTurn()
		if turnCtx.Err() == nil {
			s.dialogueFailed(err)
		}
		return
	}
	chunks := dialogue.Speakable(turnCtx, stream)

	synthCtx, synthCancel := context.WithCancel(turnCtx)
	defer synthCancel()
	text := make(chan string)
	relayed := s.relayAudio(synthCtx, s.synth.Stream(synthCtx, text))

	var (
		reply     strings.Builder
		streamErr error
		speaking  bool
	)
	for c := range chunks {
		if c.Err != nil {
			streamErr = c.Err
			break
		}
		reply.WriteString(c.Text)
		if !speaking {
			speaking = true
			if !s.beginSpeaking(synthCancel) {
				break
			}
		}
		if synthCtx.Err() != nil {
			// Interrupted: keep reading so the full reply reaches the window.
			continue
		}
		s.send(agentResponse(c.Text))
		select {
		case text <- c.Text:
		case <-synthCtx.Done():
		}
	}
	close(text)
	if streamErr != nil {
		synthCancel()
	}
	<-relayed
	// Only interrupt cancels synthCtx from here on, and it may land while
	// the last phrases are still being synthesized.
	interrupted := streamErr == nil && synthCtx.Err() != nil && turnCtx.Err() == nil
	span.SetAttributes(attribute.Int("turn.reply_chars", reply.Len()), attribute.Bool("turn.interrupted", interrupted))
	observe.EndSpan(span, streamErr)
	s.endTurn()

	if r := reply.String(); r != "" {
		s.window.Append(types.Message{Role: types.RoleAssistant, Content: r})
		s.deps.Archive.Append(s.ctx, archive.Turn{SessionID: s.id, Role: types.RoleAssistant, Text: r})
	}
	switch {
	case turnCtx.Err() != nil, interrupted:
	case streamErr != nil:
		s.dialogueFailed(streamErr)
	default:
		s.send(responseComplete())
	}
}

func (s *Session) dialogueFailed(err error) {
	s.log.Warn("dialogue engine failed", "err", err)
	s.send(errorMessage(CodeDialogueError, "dialogue engine failed"))
}

// relayAudio forwards synthesized phrases to the writer in the client's
// format. A synthesizer that failed to load is reported once per turn. The
// returned channel closes once the stream is exhausted.
func (s *Session) relayAudio(ctx context.Context, in <-chan synth.Audio) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		var reported bool
		for a := range in {
			if ctx.Err() != nil {
				continue
			}
			if a.Err != nil {
				if errors.Is(a.Err, pool.ErrModelInit) && !reported {
					reported = true
					s.log.Error("speech synthesizer unavailable", "err", a.Err)
					s.send(errorMessage(CodeModelUnavailable, "speech synthesizer unavailable"))
				}
				continue
			}
			s.sendAudio(ctx, a.Frame)
		}
		if s.codec == nil {
			return
		}
		if ctx.Err() != nil {
			s.codec.Discard()
			return
		}
		pkt, err := s.codec.Flush()
		if err != nil {
			s.log.Warn("opus flush failed", "err", err)
			return
		}
		if pkt != nil {
			s.sendBinary(ctx, pkt)
		}
	}()
	return done
}

func (s *Session) sendAudio(ctx context.Context, frame types.AudioFrame) {
	pcm := s.toClient.Convert(frame).Data
	if len(pcm) == 0 {
		return
	}
	if s.codec != nil {
		packets, err := s.codec.Encode(pcm)
		if err != nil {
			s.log.Warn("opus encode failed", "err", err)
		}
		for _, p := range packets {
			if !s.sendBinary(ctx, p) {
				return
			}
		}
		return
	}

	step := s.toClient.Target.BytesFor(pcmChunk)
	for len(pcm) > 0 {
		n := min(step, len(pcm))
		if !s.sendBinary(ctx, pcm[:n]) {
			return
		}
		pcm = pcm[n:]
	}
}

// ---- writer ----

func (s *Session) send(msg ServerMessage) {
	select {
	case s.out <- outbound{msg: &msg}:
	case <-s.ctx.Done():
	}
}

func (s *Session) sendBinary(turn context.Context, data []byte) bool {
	select {
	case s.out <- outbound{audio: data, turn: turn}:
		return true
	case <-turn.Done():
		return false
	}
}

func (s *Session) writeLoop() error {
	for {
		select {
		case <-s.ctx.Done():
			s.closeGracefully()
			return nil
		case o := <-s.out:
			if err := s.write(o); err != nil {
				s.conn.CloseNow()
				if s.ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("gateway: write: %w", err)
			}
		}
	}
}

func (s *Session) write(o outbound) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if o.msg == nil {
		if o.turn != nil && o.turn.Err() != nil {
			return nil
		}
		return s.conn.Write(ctx, websocket.MessageBinary, o.audio)
	}
	return s.writeNow(ctx, *o.msg)
}

func (s *Session) writeNow(ctx context.Context, msg ServerMessage) error {
	b, err := EncodeServerMessage(msg)
	if err != nil {
		return err
	}
	return s.conn.Write(ctx, websocket.MessageText, b)
}

// closeGracefully flushes queued text frames, sends the close-cause frame
// and performs the close handshake.
func (s *Session) closeGracefully() {
	cause := context.Cause(s.ctx)
	msg, code, reason := closeFrame(cause)
	if code < 0 {
		s.conn.CloseNow()
		return
	}
flush:
	for {
		select {
		case o := <-s.out:
			if o.msg == nil {
				continue
			}
			if err := s.write(o); err != nil {
				s.conn.CloseNow()
				return
			}
		default:
			break flush
		}
	}
	if msg != nil {
		if err := s.write(outbound{msg: msg}); err != nil {
			s.conn.CloseNow()
			return
		}
	}
	_ = s.conn.Close(code, reason)
}

// closeFrame maps a close cause to the final error frame and close status. A
// negative status means the socket is already unusable.
func closeFrame(cause error) (*ServerMessage, websocket.StatusCode, string) {
	switch {
	case errors.Is(cause, errSessionEnded):
		return nil, websocket.StatusNormalClosure, ""
	case errors.Is(cause, ErrSessionExpired):
		m := errorMessage(CodeSessionExpired, "session idle timeout")
		return &m, websocket.StatusNormalClosure, "session expired"
	case errors.Is(cause, ErrShutdown):
		return nil, websocket.StatusGoingAway, "server shutting down"
	case errors.Is(cause, ErrProtocolViolation):
		m := errorMessage(CodeBadRequest, cause.Error())
		return &m, websocket.StatusPolicyViolation, "protocol violation"
	case errors.Is(cause, errPeerClosed), errors.Is(cause, errKeepalive):
		return nil, -1, ""
	default:
		return nil, websocket.StatusInternalError, "internal error"
	}
}

// ---- keepalive ----

func (s *Session) keepaliveLoop() error {
	if s.cfg.KeepaliveInterval < 0 {
		return nil
	}
	t := time.NewTicker(s.cfg.KeepaliveInterval)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return nil
		case <-t.C:
			pctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), s.cfg.KeepaliveGrace)
			err := s.conn.Ping(pctx)
			cancel()
			if err != nil {
				if s.ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("%w: %v", errKeepalive, err)
			}
		}
	}
}
