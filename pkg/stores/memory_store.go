package stores

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a process-local Store. It keeps the same compare-and-swap
// semantics as the SQL stores and is used for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	plans  map[string]*PlanRecord
	locks  map[string]*LockRecord
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		plans: make(map[string]*PlanRecord),
		locks: make(map[string]*LockRecord),
	}
}

func (s *MemoryStore) Init(_ context.Context) error    { return nil }
func (s *MemoryStore) Migrate(_ context.Context) error { return nil }

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStore) HealthCheck(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store closed")
	}
	return nil
}

func (s *MemoryStore) GetPlan(_ context.Context, id string) (*PlanRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.plans[id]
	if !ok {
		return nil, fmt.Errorf("plan %s: %w", id, ErrNotFound)
	}
	return copyPlan(rec), nil
}

func (s *MemoryStore) PutPlan(_ context.Context, rec *PlanRecord, etag *string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	existing, ok := s.plans[rec.ID]
	switch {
	case etag == nil && ok:
		return "", fmt.Errorf("plan %s: %w", rec.ID, ErrPreconditionFailed)
	case etag != nil && (!ok || existing.ETag != *etag):
		return "", fmt.Errorf("plan %s: %w", rec.ID, ErrPreconditionFailed)
	}

	stored := copyPlan(rec)
	stored.ETag = uuid.New().String()
	stored.UpdatedAt = now
	if ok {
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.CreatedAt = now
	}
	s.plans[rec.ID] = stored
	return stored.ETag, nil
}

func (s *MemoryStore) ListPlans(_ context.Context, filter PlanFilter) ([]*PlanRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	plans := []*PlanRecord{}
	for _, rec := range s.plans {
		if filter.Active != nil && rec.Active != *filter.Active {
			continue
		}
		if filter.Shard != nil && rec.Shard != *filter.Shard {
			continue
		}
		plans = append(plans, copyPlan(rec))
	}

	sort.Slice(plans, func(i, j int) bool {
		if !plans[i].CreatedAt.Equal(plans[j].CreatedAt) {
			return plans[i].CreatedAt.Before(plans[j].CreatedAt)
		}
		return plans[i].ID < plans[j].ID
	})
	return plans, nil
}

func (s *MemoryStore) GetLock(_ context.Context, name string) (*LockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.locks[name]
	if !ok {
		return nil, fmt.Errorf("lock %s: %w", name, ErrNotFound)
	}
	out := *rec
	out.Document = append([]byte(nil), rec.Document...)
	return &out, nil
}

func (s *MemoryStore) PutLock(_ context.Context, rec *LockRecord, etag *string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.locks[rec.Name]
	switch {
	case etag == nil && ok:
		return "", fmt.Errorf("lock %s: %w", rec.Name, ErrPreconditionFailed)
	case etag != nil && (!ok || existing.ETag != *etag):
		return "", fmt.Errorf("lock %s: %w", rec.Name, ErrPreconditionFailed)
	}

	stored := &LockRecord{
		Name:      rec.Name,
		Document:  append([]byte(nil), rec.Document...),
		ETag:      uuid.New().String(),
		UpdatedAt: time.Now().UTC(),
	}
	s.locks[rec.Name] = stored
	return stored.ETag, nil
}

func copyPlan(rec *PlanRecord) *PlanRecord {
	out := *rec
	out.Document = append([]byte(nil), rec.Document...)
	return &out
}
