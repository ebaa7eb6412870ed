package experiment

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "github.com/feedstack/recommender/pkg/errors"
)

// Store persists experiment definitions. Implementations must be safe for
// concurrent use.
type Store interface {
	GetExperiment(ctx context.Context, id string) (*Experiment, error)
	// ListExperiments returns experiments filtered by status; an empty
	// status returns all.
	ListExperiments(ctx context.Context, status Status) ([]*Experiment, error)
	SaveExperiment(ctx context.Context, exp *Experiment) error
	DeleteExperiment(ctx context.Context, id string) error
}

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu          sync.RWMutex
	experiments map[string]*Experiment
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{experiments: make(map[string]*Experiment)}
}

func (s *MemoryStore) GetExperiment(ctx context.Context, id string) (*Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exp, ok := s.experiments[id]
	if !ok {
		return nil, apperrors.ErrExperimentNotFound
	}
	cp := *exp
	return &cp, nil
}

func (s *MemoryStore) ListExperiments(ctx context.Context, status Status) ([]*Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Experiment, 0, len(s.experiments))
	for _, exp := range s.experiments {
		if status != "" && exp.Status != status {
			continue
		}
		cp := *exp
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) SaveExperiment(ctx context.Context, exp *Experiment) error {
	if err := exp.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *exp
	cp.UpdatedAt = time.Now()
	if existing, ok := s.experiments[exp.ID]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = cp.UpdatedAt
	}
	s.experiments[exp.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteExperiment(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.experiments[id]; !ok {
		return apperrors.ErrExperimentNotFound
	}
	delete(s.experiments, id)
	return nil
}
