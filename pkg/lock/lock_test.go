package lock

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/openfroyo/reshard/pkg/stores"
)

func TestLock_HeldThenReleased(t *testing.T) {
	ctx := context.Background()
	m := NewManager(stores.NewMemoryStore())

	if err := m.Lock(ctx, "critical_section", "A"); err != nil {
		t.Fatalf("A failed to lock: %v", err)
	}

	err := m.Lock(ctx, "critical_section", "B")
	owner, held := IsHeld(err)
	if !held {
		t.Fatalf("expected lock held error, got %v", err)
	}
	if owner != "A" {
		t.Errorf("expected owner A, got %q", owner)
	}

	if err := m.Unlock(ctx, "critical_section", "A"); err != nil {
		t.Fatalf("A failed to unlock: %v", err)
	}
	if err := m.Lock(ctx, "critical_section", "B"); err != nil {
		t.Fatalf("B failed to lock after release: %v", err)
	}
}

func TestLock_IdempotentForOwner(t *testing.T) {
	ctx := context.Background()
	m := NewManager(stores.NewMemoryStore())

	for i := 0; i < 3; i++ {
		if err := m.Lock(ctx, "x", "A"); err != nil {
			t.Fatalf("lock attempt %d failed: %v", i, err)
		}
	}

	doc, err := m.Inspect(ctx, "x")
	if err != nil {
		t.Fatalf("failed to inspect: %v", err)
	}
	// create + one lock; repeat claims do not write.
	if len(doc.Events) != 2 {
		t.Errorf("expected 2 audit events, got %d: %+v", len(doc.Events), doc.Events)
	}
	if doc.Events[0].Action != ActionCreate || doc.Events[1].Action != ActionLock {
		t.Errorf("unexpected audit log: %+v", doc.Events)
	}
}

func TestUnlock_NotOwner(t *testing.T) {
	ctx := context.Background()
	m := NewManager(stores.NewMemoryStore())

	if err := m.Unlock(ctx, "never", "A"); !errors.Is(err, ErrNotOwner) {
		t.Errorf("expected ErrNotOwner for missing lock, got %v", err)
	}

	if err := m.Lock(ctx, "x", "A"); err != nil {
		t.Fatalf("failed to lock: %v", err)
	}
	if err := m.Unlock(ctx, "x", "B"); !errors.Is(err, ErrNotOwner) {
		t.Errorf("expected ErrNotOwner for wrong owner, got %v", err)
	}
	if err := m.Unlock(ctx, "x", "A"); err != nil {
		t.Fatalf("failed to unlock: %v", err)
	}
	if err := m.Unlock(ctx, "x", "A"); !errors.Is(err, ErrNotOwner) {
		t.Errorf("expected ErrNotOwner for released lock, got %v", err)
	}
}

func TestLock_ConcurrentOwnersExclusive(t *testing.T) {
	ctx := context.Background()

	for round := 0; round < 20; round++ {
		m := NewManager(stores.NewMemoryStore())

		var wg sync.WaitGroup
		results := make(map[string]error)
		var mu sync.Mutex
		for _, owner := range []string{"A", "B"} {
			owner := owner
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := m.Lock(ctx, "x", owner)
				mu.Lock()
				results[owner] = err
				mu.Unlock()
			}()
		}
		wg.Wait()

		var winner, loser string
		switch {
		case results["A"] == nil && results["B"] == nil:
			t.Fatalf("round %d: both owners acquired the lock", round)
		case results["A"] == nil:
			winner, loser = "A", "B"
		case results["B"] == nil:
			winner, loser = "B", "A"
		default:
			t.Fatalf("round %d: neither owner acquired the lock: %v", round, results)
		}

		owner, held := IsHeld(results[loser])
		if !held || owner != winner {
			t.Fatalf("round %d: loser %s expected held by %s, got %v", round, loser, winner, results[loser])
		}

		if err := m.Unlock(ctx, "x", winner); err != nil {
			t.Fatalf("round %d: winner failed to unlock: %v", round, err)
		}
		if err := m.Lock(ctx, "x", loser); err != nil {
			t.Fatalf("round %d: loser failed to lock after release: %v", round, err)
		}
	}
}

// racingStore fails the first conditional lock write, as if another process
// had written in between.
type racingStore struct {
	*stores.MemoryStore
	mu     sync.Mutex
	raced  bool
	writes int
}

func (s *racingStore) PutLock(ctx context.Context, rec *stores.LockRecord, etag *string) (string, error) {
	s.mu.Lock()
	s.writes++
	race := etag != nil && !s.raced
	if race {
		s.raced = true
	}
	s.mu.Unlock()

	if race {
		return "", stores.ErrPreconditionFailed
	}
	return s.MemoryStore.PutLock(ctx, rec, etag)
}

func TestLock_RetriesLostSwap(t *testing.T) {
	store := &racingStore{MemoryStore: stores.NewMemoryStore()}
	m := NewManager(store)

	if err := m.Lock(context.Background(), "x", "A"); err != nil {
		t.Fatalf("expected lock to succeed after retry: %v", err)
	}
	if !store.raced {
		t.Fatal("expected the racing write to be exercised")
	}
	// create, lost claim, winning claim
	if store.writes != 3 {
		t.Errorf("expected 3 writes, got %d", store.writes)
	}
}

func TestLock_RequiresOwner(t *testing.T) {
	m := NewManager(stores.NewMemoryStore())
	if err := m.Lock(context.Background(), "x", ""); err == nil {
		t.Error("expected empty owner to be rejected")
	}
}
