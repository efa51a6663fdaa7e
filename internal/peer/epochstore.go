package peer

import (
	"context"
	"sync"
)

// EpochStore remembers the highest epoch observed per resource key and the
// instance generation, so that values minted after a restart stay strictly
// greater than anything handed out before.
type EpochStore interface {
	// Highest returns the highest epoch recorded for key, or 0.
	Highest(ctx context.Context, key string) (uint64, error)
	// Observe records epoch for key if it is higher than the stored value.
	Observe(ctx context.Context, key string, epoch uint64) error
	// NextGeneration returns a generation greater than every generation
	// previously returned and at least floor, and persists it.
	NextGeneration(ctx context.Context, floor uint64) (uint64, error)
	Close() error
}

// Compile-time interface check.
var _ EpochStore = (*MemoryEpochStore)(nil)

// MemoryEpochStore keeps epochs in memory. Monotonicity across restarts
// then relies on peers re-announcing their claims.
type MemoryEpochStore struct {
	mu         sync.Mutex
	epochs     map[string]uint64
	generation uint64
}

// NewMemoryEpochStore creates an empty in-memory store.
func NewMemoryEpochStore() *MemoryEpochStore {
	return &MemoryEpochStore{epochs: make(map[string]uint64)}
}

func (s *MemoryEpochStore) Highest(_ context.Context, key string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epochs[key], nil
}

func (s *MemoryEpochStore) Observe(_ context.Context, key string, epoch uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch > s.epochs[key] {
		s.epochs[key] = epoch
	}
	return nil
}

func (s *MemoryEpochStore) NextGeneration(_ context.Context, floor uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation = max(s.generation+1, floor)
	return s.generation, nil
}

func (s *MemoryEpochStore) Close() error { return nil }
