package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/reshard/pkg/stores"
)

const testServer = "8d5e6a32-7a9b-4c59-9d6e-0c3b1b2c4d5e"

// flakyStore wraps a MemoryStore and fails the next failPuts plan writes.
// The next lostAcks writes are applied but still reported as failed.
type flakyStore struct {
	*stores.MemoryStore

	mu       sync.Mutex
	failPuts int
	lostAcks int
	failures int
	puts     int
}

func newFlakyStore() *flakyStore {
	return &flakyStore{MemoryStore: stores.NewMemoryStore()}
}

func (s *flakyStore) PutPlan(ctx context.Context, rec *stores.PlanRecord, etag *string) (string, error) {
	s.mu.Lock()
	s.puts++
	if s.failPuts > 0 {
		s.failPuts--
		s.failures++
		s.mu.Unlock()
		return "", errors.New("store unavailable")
	}
	lose := s.lostAcks > 0
	if lose {
		s.lostAcks--
		s.failures++
	}
	s.mu.Unlock()

	next, err := s.MemoryStore.PutPlan(ctx, rec, etag)
	if err == nil && lose {
		return "", errors.New("connection reset by peer")
	}
	return next, err
}

func (s *flakyStore) outage(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPuts = n
}

func (s *flakyStore) loseAcks(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lostAcks = n
}

func (s *flakyStore) failureCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// touch rewrites a plan behind its run's back.
func (s *flakyStore) touch(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	rec, err := s.MemoryStore.GetPlan(ctx, id)
	if err != nil {
		t.Fatalf("GetPlan: %v", err)
	}
	if _, err := s.MemoryStore.PutPlan(ctx, rec, &rec.ETag); err != nil {
		t.Fatalf("PutPlan: %v", err)
	}
}

type fakeConn struct {
	mu     sync.Mutex
	closed bool
	data   map[string]string
}

func (c *fakeConn) Ping(_ context.Context) error { return nil }

func (c *fakeConn) Get(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data[key], nil
}

func (c *fakeConn) Set(_ context.Context, key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeConnector fails the first failConnects attempts.
type fakeConnector struct {
	mu           sync.Mutex
	failConnects int
	attempts     int
	conns        []*fakeConn
}

func (f *fakeConnector) Connect(_ context.Context, _ string) (ShardConn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.failConnects > 0 {
		f.failConnects--
		return nil, errors.New("connection refused")
	}
	c := &fakeConn{data: make(map[string]string)}
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *fakeConnector) snapshot() (int, []*fakeConn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts, append([]*fakeConn(nil), f.conns...)
}

// invariants records invariant violations instead of exiting.
type invariants struct {
	mu   sync.Mutex
	errs []error
}

func (i *invariants) record(err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.errs = append(i.errs, err)
}

func (i *invariants) all() []error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]error(nil), i.errs...)
}

type harness struct {
	t     *testing.T
	ex    *Executor
	store *flakyStore
	conns *fakeConnector
	inv   *invariants
}

func newHarness(t *testing.T, order []string, phases map[string]Phase, mods ...func(*Options)) *harness {
	t.Helper()

	registry, err := NewRegistry(order, phases)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	h := &harness{
		t:     t,
		store: newFlakyStore(),
		conns: &fakeConnector{},
		inv:   &invariants{},
	}

	opts := Options{
		Store:     h.store,
		Registry:  registry,
		Connector: h.conns,
		Config: Config{
			ReconcileInterval: time.Hour,
			RetryDelay:        10 * time.Millisecond,
			CommitRetryDelay:  10 * time.Millisecond,
			ShardRetryDelay:   10 * time.Millisecond,
		},
		OnInvariant: h.inv.record,
	}
	for _, mod := range mods {
		mod(&opts)
	}

	h.ex, err = NewExecutor(opts)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.ex.Stop(ctx); err != nil {
			t.Errorf("Stop: %v", err)
		}
	})
	return h
}

func (h *harness) start() {
	h.t.Helper()
	if err := h.ex.Start(); err != nil {
		h.t.Fatalf("Start: %v", err)
	}
}

func (h *harness) create(shard string) *Plan {
	h.t.Helper()
	plan, err := h.ex.CreatePlan(context.Background(), CreateOptions{
		Shard:      shard,
		SplitCount: 2,
		ServerList: []string{testServer},
	})
	if err != nil {
		h.t.Fatalf("CreatePlan: %v", err)
	}
	return plan
}

// stored loads the plan as the store has it.
func (h *harness) stored(id string) *Plan {
	h.t.Helper()
	rec, err := h.store.GetPlan(context.Background(), id)
	if err != nil {
		h.t.Fatalf("GetPlan: %v", err)
	}
	plan, err := planFromRecord(rec)
	if err != nil {
		h.t.Fatalf("planFromRecord: %v", err)
	}
	return plan
}

func (h *harness) view(id string) *PlanView {
	h.t.Helper()
	v, err := h.ex.GetPlan(context.Background(), id)
	if err != nil {
		h.t.Fatalf("GetPlan: %v", err)
	}
	return v
}

func (h *harness) waitCompleted(id string) {
	h.t.Helper()
	waitFor(h.t, "plan completed", func() bool {
		v := h.view(id)
		return v.Completed && !v.Running
	})
}

func (h *harness) waitHeld(id string) *PlanView {
	h.t.Helper()
	var v *PlanView
	waitFor(h.t, "plan held", func() bool {
		v = h.view(id)
		return v.Held && !v.Running
	})
	return v
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func finish(ctl *Control) { ctl.Finish() }

// counter counts phase invocations.
type counter struct {
	mu sync.Mutex
	n  int
}

func (c *counter) inc() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.n
}

func (c *counter) get() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
