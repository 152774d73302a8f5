// Package session holds per-session conversation state that outlives a single
// turn: the conversation window handed to the dialogue engine.
package session

import (
	"errors"
	"sync"

	"github.com/MrWong99/voxgate/pkg/provider/llm"
	"github.com/MrWong99/voxgate/pkg/types"
)

// ErrTurnTooLong is returned by [Window.Prompt] when the newest turn alone
// does not fit the token budget.
var ErrTurnTooLong = errors.New("session: newest turn exceeds token budget")

// DefaultMaxTurns bounds the non-system history a Window retains.
const DefaultMaxTurns = 200

// WindowConfig configures a [Window].
type WindowConfig struct {
	// SystemPrompt, when non-empty, becomes the first system message.
	SystemPrompt string

	// MaxTurns caps retained non-system turns; the oldest are forgotten
	// first. Zero means DefaultMaxTurns.
	MaxTurns int
}

// Window is the ordered conversation history of one session. System
// messages are pinned; other turns are kept in arrival order.
//
// All methods are safe for concurrent use.
type Window struct {
	maxTurns int

	mu     sync.Mutex
	system []types.Message
	turns  []types.Message
	tokens int
}

// NewWindow returns an empty window.
func NewWindow(cfg WindowConfig) *Window {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	w := &Window{maxTurns: cfg.MaxTurns}
	if cfg.SystemPrompt != "" {
		w.system = append(w.system, types.Message{Role: types.RoleSystem, Content: cfg.SystemPrompt})
	}
	return w
}

// Append adds messages in order. System messages join the pinned prefix.
func (w *Window) Append(msgs ...types.Message) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, m := range msgs {
		if m.Role == types.RoleSystem {
			w.system = append(w.system, m)
			continue
		}
		w.turns = append(w.turns, m)
		w.tokens += estimateTokens(m)
	}
	if over := len(w.turns) - w.maxTurns; over > 0 {
		for _, m := range w.turns[:over] {
			w.tokens -= estimateTokens(m)
		}
		w.turns = append([]types.Message(nil), w.turns[over:]...)
	}
}

// Prompt is View for a turn about to be answered: it fails with
// ErrTurnTooLong instead of returning a view that omits the newest turn.
func (w *Window) Prompt(budget int) ([]types.Message, error) {
	view := w.View(budget)
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.turns) == 0 {
		return view, nil
	}
	if len(view) == 0 || view[len(view)-1] != w.turns[len(w.turns)-1] {
		return nil, ErrTurnTooLong
	}
	return view, nil
}

// View returns the longest suffix of the history whose estimated token count,
// together with the system messages, is at most budget. Oldest non-system
// turns are dropped first; system messages are dropped only when they alone
// exceed the budget. The result is a fresh slice.
func (w *Window) View(budget int) []types.Message {
	w.mu.Lock()
	defer w.mu.Unlock()

	if budget <= 0 {
		return nil
	}

	var (
		system []types.Message
		used   int
	)
	for _, m := range w.system {
		t := estimateTokens(m)
		if used+t > budget {
			break
		}
		system = append(system, m)
		used += t
	}

	start := len(w.turns)
	for start > 0 {
		t := estimateTokens(w.turns[start-1])
		if used+t > budget {
			break
		}
		used += t
		start--
	}

	out := make([]types.Message, 0, len(system)+len(w.turns)-start)
	out = append(out, system...)
	return append(out, w.turns[start:]...)
}

// Len returns the number of retained non-system turns.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.turns)
}

// TokenEstimate returns the estimated token count of the retained
// non-system turns.
func (w *Window) TokenEstimate() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tokens
}

// Reset forgets every non-system turn.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.turns = nil
	w.tokens = 0
}

func estimateTokens(m types.Message) int {
	return llm.EstimateTokens([]types.Message{m})
}
