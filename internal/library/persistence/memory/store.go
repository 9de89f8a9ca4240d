// Package memory implements an in-process persistence driver for tests and
// ephemeral sessions.
package memory

import (
	"context"
	"sync"

	"mezocore/internal/library/persistence"
)

// Store keeps the library snapshot in process memory.
type Store struct {
	mu   sync.Mutex
	snap persistence.Snapshot
	set  bool
}

// NewStore returns an empty in-memory driver.
func NewStore() *Store { return &Store{} }

// Load implements persistence.Store.
func (s *Store) Load(context.Context) (persistence.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set {
		return persistence.Snapshot{}, nil
	}
	return s.snap.Clone(), nil
}

// Save implements persistence.Store.
func (s *Store) Save(_ context.Context, snap persistence.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap.Clone()
	s.set = true
	return nil
}

// Close implements persistence.Store.
func (s *Store) Close() error { return nil }
