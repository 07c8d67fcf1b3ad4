package execution

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var (
	// ErrNotFound is returned when no record has the requested id.
	ErrNotFound = errors.New("node execution not found")

	// ErrAlreadyExists is returned when creating a record whose id is taken.
	ErrAlreadyExists = errors.New("node execution already exists")

	// ErrNoChange may be returned by an update function to leave the record
	// untouched. Store.Update then returns the current record and ErrNoChange.
	ErrNoChange = errors.New("no change")
)

// UpdateFunc mutates a record in place inside Store.Update.
type UpdateFunc func(ne *NodeExecution) error

// Store persists node executions. Update must be atomic with respect to other
// updates of the same id: fn observes the latest committed record and its
// changes are committed only if nothing else wrote in between.
type Store interface {
	Create(ctx context.Context, ne *NodeExecution) error
	Get(ctx context.Context, id string) (*NodeExecution, error)
	Update(ctx context.Context, id string, fn UpdateFunc) (*NodeExecution, error)

	// ListByPlanExecution returns all records of a plan execution ordered by
	// CreatedAt.
	ListByPlanExecution(ctx context.Context, planExecutionID string) ([]*NodeExecution, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*NodeExecution
	byPlan map[string][]string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*NodeExecution),
		byPlan: make(map[string][]string),
	}
}

func (s *MemoryStore) Create(ctx context.Context, ne *NodeExecution) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[ne.ID]; ok {
		return ErrAlreadyExists
	}
	s.byID[ne.ID] = ne.Clone()
	s.byPlan[ne.PlanExecutionID] = append(s.byPlan[ne.PlanExecutionID], ne.ID)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*NodeExecution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ne, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return ne.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, fn UpdateFunc) (*NodeExecution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := current.Clone()
	if err := fn(next); err != nil {
		return current.Clone(), err
	}
	s.byID[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) ListByPlanExecution(ctx context.Context, planExecutionID string) ([]*NodeExecution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byPlan[planExecutionID]
	out := make([]*NodeExecution, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.byID[id].Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
