// Package gateway serves the duplex voice protocol.
//
// A [Server] accepts WebSocket connections at [VoicePath], admits them
// through a [Registry] and runs one [Session] per connection. A session
// moves through INIT, READY, LISTENING, THINKING, SPEAKING and CLOSED:
// speech is segmented by the voice-activity gate, transcribed on the shared
// recognizer, handed to the dialogue engine with the bounded conversation
// window, and the reply is streamed back as text and phrase-ordered audio.
//
// The [Watchdog] expires idle sessions and sheds load when the heap stays
// above its high-water mark after a forced collection.
package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/voxgate/internal/observe"
)

// VoicePath is where the duplex protocol is served.
const VoicePath = "/v1/voice"

// Server is the http.Handler for [VoicePath].
type Server struct {
	deps   Deps
	reg    *Registry
	accept *websocket.AcceptOptions
	cfg    atomic.Pointer[SessionConfig]
}

// ServerOption configures a [Server].
type ServerOption func(*Server)

// WithOriginPatterns allows cross-origin browser clients whose Origin host
// matches one of patterns.
func WithOriginPatterns(patterns ...string) ServerOption {
	return func(s *Server) { s.accept.OriginPatterns = patterns }
}

// NewServer returns a handler that runs sessions with deps under reg.
func NewServer(deps Deps, reg *Registry, cfg SessionConfig, opts ...ServerOption) (*Server, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if reg == nil {
		return nil, errors.New("gateway: registry is required")
	}
	s := &Server{deps: deps, reg: reg, accept: &websocket.AcceptOptions{}}
	for _, o := range opts {
		o(s)
	}
	s.SetSessionConfig(cfg)
	return s, nil
}

// SetSessionConfig replaces the tunables used by sessions started from now
// on. Running sessions keep theirs.
func (s *Server) SetSessionConfig(cfg SessionConfig) {
	s.cfg.Store(&cfg)
}

// SessionConfig returns the tunables new sessions start with.
func (s *Server) SessionConfig() SessionConfig {
	return *s.cfg.Load()
}

// Registry returns the session registry.
func (s *Server) Registry() *Registry { return s.reg }

// ServeHTTP upgrades the request and serves one session until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	log := observe.Logger(r.Context())
	if err := s.reg.Admit(); err != nil {
		s.reg.recordRefused(err)
		log.Warn("gateway: refusing session", "err", err, "remote", r.RemoteAddr)
		refuse(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, s.accept)
	if err != nil {
		log.Debug("gateway: websocket accept failed", "err", err)
		return
	}

	id := uuid.NewString()
	sess := newSession(r.Context(), id, conn, s.deps, s.SessionConfig(), log.With("session_id", id))
	unregister, err := s.reg.Register(id, sess)
	if err != nil {
		// Lost a race with shedding or the session cap after the upgrade.
		log.Warn("gateway: refusing session", "err", err)
		_ = sess.writeNow(r.Context(), errorMessage(CodeOverloaded, err.Error()))
		_ = conn.Close(websocket.StatusTryAgainLater, "overloaded")
		return
	}
	defer unregister()

	log.Info("gateway: session connected", "session_id", id, "remote", r.RemoteAddr)
	if err := sess.Run(); err != nil {
		log.Warn("gateway: session ended", "session_id", id, "err", err)
	}
}

func refuse(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", "5")
	w.WriteHeader(http.StatusServiceUnavailable)
	_ = json.NewEncoder(w).Encode(errorMessage(CodeOverloaded, err.Error()))
}

// ActiveSessions reports the live session count. Used by health checks.
func (s *Server) ActiveSessions() int { return s.reg.Len() }

// Shedding reports whether admission is refused for memory pressure.
func (s *Server) Shedding() bool { return s.reg.Shedding() }

var _ http.Handler = (*Server)(nil)
