// Package mock provides a test double for archive.Store.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxgate/internal/archive"
)

// Store is a mock implementation of archive.Store. Set AppendErr or PingErr
// to make the respective calls fail.
type Store struct {
	mu sync.Mutex

	AppendErr error
	PingErr   error

	turns []archive.Turn
	pings int
}

// Append records turn unless AppendErr is set.
func (s *Store) Append(_ context.Context, turn archive.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AppendErr != nil {
		return s.AppendErr
	}
	s.turns = append(s.turns, turn)
	return nil
}

// Ping returns PingErr.
func (s *Store) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pings++
	return s.PingErr
}

// SetAppendErr changes AppendErr under the lock.
func (s *Store) SetAppendErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AppendErr = err
}

// Turns returns a copy of the recorded turns.
func (s *Store) Turns() []archive.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]archive.Turn(nil), s.turns...)
}

var _ archive.Store = (*Store)(nil)
