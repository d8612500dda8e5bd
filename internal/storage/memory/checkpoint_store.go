package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/edgar-index/internal/index"
)

// CheckpointStore keeps every saved snapshot in order.
type CheckpointStore struct {
	mu      sync.RWMutex
	history []index.Snapshot
}

// NewCheckpointStore constructs an empty CheckpointStore.
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{}
}

// Load returns the most recent snapshot, or an empty one.
func (s *CheckpointStore) Load(_ context.Context) (index.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.history) == 0 {
		return index.NewSnapshot(), nil
	}
	return index.FromSnapshot(s.history[len(s.history)-1]).Snapshot(), nil
}

// Save appends a copy of snap.
func (s *CheckpointStore) Save(_ context.Context, snap index.Snapshot) error {
	cp := index.FromSnapshot(snap).Snapshot()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, cp)
	return nil
}

// Saves returns copies of all saved snapshots, oldest first.
func (s *CheckpointStore) Saves() []index.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]index.Snapshot, 0, len(s.history))
	for _, snap := range s.history {
		out = append(out, index.FromSnapshot(snap).Snapshot())
	}
	return out
}
