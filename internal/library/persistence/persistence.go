// Package persistence defines the snapshot contract between the sample
// library and its storage drivers. Drivers persist the whole library state
// as one atomic unit; partial writes never become visible.
package persistence

import (
	"context"

	"mezocore/pkg/domain"
)

// Snapshot is the full serializable library state: the sample catalog plus
// the saved mask state of every analyzed image, keyed by image id.
type Snapshot struct {
	Samples []domain.SampleRecord          `json:"samples"`
	Masks   map[string]domain.MaskSnapshot `json:"masks"`
}

// Clone deep-copies the snapshot.
func (s Snapshot) Clone() Snapshot {
	cp := Snapshot{
		Samples: make([]domain.SampleRecord, len(s.Samples)),
		Masks:   make(map[string]domain.MaskSnapshot, len(s.Masks)),
	}
	for i, rec := range s.Samples {
		cp.Samples[i] = rec.Clone()
	}
	for id, snap := range s.Masks {
		cp.Masks[id] = snap.Clone()
	}
	return cp
}

// Store is a library persistence driver.
type Store interface {
	// Load reads the persisted library state. An unreadable payload is
	// reported as *domain.CorruptStateError so callers can degrade to an
	// empty library instead of failing the open.
	Load(ctx context.Context) (Snapshot, error)
	// Save replaces the persisted state atomically.
	Save(ctx context.Context, snap Snapshot) error
	Close() error
}
