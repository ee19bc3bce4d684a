package store

import (
	"context"
	"sync"

	"github.com/gxo-labs/simloop/pkg/simloop/v1/collab"
	simerrors "github.com/gxo-labs/simloop/pkg/simloop/v1/errors"
	"github.com/gxo-labs/simloop/pkg/simloop/v1/trial"
)

// MemoryExperienceStore keeps experiences in insertion order behind a
// sync.RWMutex. Reads return deep copies, so callers can never mutate stored
// records through a returned value. It is volatile; Restore is a no-op.
type MemoryExperienceStore struct {
	mu       sync.RWMutex
	order    []string
	byID     map[string]trial.Experience
	capacity int
}

// NewMemoryExperienceStore returns an empty store. capacity > 0 bounds the
// store; the oldest records are evicted first.
func NewMemoryExperienceStore(capacity int) *MemoryExperienceStore {
	return &MemoryExperienceStore{
		byID:     make(map[string]trial.Experience),
		capacity: capacity,
	}
}

// Add stores a copy of exp. Re-adding an existing id replaces the record in
// place.
func (s *MemoryExperienceStore) Add(_ context.Context, exp trial.Experience) error {
	if err := ValidateExperience(exp); err != nil {
		return err
	}
	cpy := CloneExperience(exp)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[exp.ID]; !exists {
		s.order = append(s.order, exp.ID)
	}
	s.byID[exp.ID] = cpy
	if s.capacity > 0 && len(s.order) > s.capacity {
		evict := s.order[:len(s.order)-s.capacity]
		for _, id := range evict {
			delete(s.byID, id)
		}
		s.order = append([]string(nil), s.order[len(evict):]...)
	}
	return nil
}

// GetRecent returns up to n experiences, newest first.
func (s *MemoryExperienceStore) GetRecent(_ context.Context, n int) ([]trial.Experience, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 || n > len(s.order) {
		n = len(s.order)
	}
	out := make([]trial.Experience, 0, n)
	for i := len(s.order) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, CloneExperience(s.byID[s.order[i]]))
	}
	return out, nil
}

// Export returns every experience, oldest first.
func (s *MemoryExperienceStore) Export(_ context.Context) ([]trial.Experience, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]trial.Experience, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, CloneExperience(s.byID[id]))
	}
	return out, nil
}

// Delete removes one experience.
func (s *MemoryExperienceStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[id]; !exists {
		return NotFound("experience", id)
	}
	delete(s.byID, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// GetStats aggregates the stored experiences.
func (s *MemoryExperienceStore) GetStats(ctx context.Context) (trial.ExperienceStats, error) {
	all, err := s.Export(ctx)
	if err != nil {
		return trial.ExperienceStats{}, err
	}
	return trial.ComputeStats(all), nil
}

// Restore is a no-op; the store holds no external state.
func (s *MemoryExperienceStore) Restore(context.Context) error { return nil }

// Clear removes every experience.
func (s *MemoryExperienceStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = nil
	s.byID = make(map[string]trial.Experience)
	return nil
}

// Len returns the number of stored experiences.
func (s *MemoryExperienceStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// MemoryCheckpointLogger is an append-only checkpoint log held in memory.
type MemoryCheckpointLogger struct {
	mu          sync.RWMutex
	checkpoints []trial.Checkpoint
}

// NewMemoryCheckpointLogger returns an empty log.
func NewMemoryCheckpointLogger() *MemoryCheckpointLogger {
	return &MemoryCheckpointLogger{}
}

func (l *MemoryCheckpointLogger) Init(context.Context) error { return nil }

// LogCheckpoint appends a validated copy of cp.
func (l *MemoryCheckpointLogger) LogCheckpoint(_ context.Context, cp trial.Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return simerrors.NewValidationError("invalid checkpoint", err)
	}
	cpy := CloneCheckpoint(cp)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.checkpoints = append(l.checkpoints, cpy)
	return nil
}

// GetLastCheckpoint returns nil, nil when the log is empty.
func (l *MemoryCheckpointLogger) GetLastCheckpoint(context.Context) (*trial.Checkpoint, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.checkpoints) == 0 {
		return nil, nil
	}
	cp := CloneCheckpoint(l.checkpoints[len(l.checkpoints)-1])
	return &cp, nil
}

func (l *MemoryCheckpointLogger) GetAllCheckpoints(context.Context) ([]trial.Checkpoint, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]trial.Checkpoint, len(l.checkpoints))
	for i, cp := range l.checkpoints {
		out[i] = CloneCheckpoint(cp)
	}
	return out, nil
}

func (l *MemoryCheckpointLogger) Clear(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.checkpoints = nil
	return nil
}

var (
	_ collab.ExperienceStore  = (*MemoryExperienceStore)(nil)
	_ collab.CheckpointLogger = (*MemoryCheckpointLogger)(nil)
)
