package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakePartitions map[string]bool

func (f fakePartitions) ShardExists(_ context.Context, shard string) (bool, error) {
	return f[shard], nil
}

type fakeAdmission struct {
	deny error
	last AdmissionRequest
}

func (f *fakeAdmission) Admit(_ context.Context, req AdmissionRequest) error {
	f.last = req
	return f.deny
}

func TestNewRegistry(t *testing.T) {
	tests := []struct {
		name    string
		order   []string
		phases  map[string]Phase
		wantErr bool
	}{
		{"valid", []string{"a", "b"}, map[string]Phase{"a": finish, "b": finish}, false},
		{"empty", nil, map[string]Phase{}, true},
		{"missing implementation", []string{"a", "b"}, map[string]Phase{"a": finish}, true},
		{"unlisted implementation", []string{"a"}, map[string]Phase{"a": finish, "b": finish}, true},
		{"duplicate", []string{"a", "a"}, map[string]Phase{"a": finish}, true},
		{"nil implementation", []string{"a"}, map[string]Phase{"a": nil}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.order, tt.phases)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewRegistry() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRegistry_Next(t *testing.T) {
	r, err := NewRegistry([]string{"a", "b", "c"}, map[string]Phase{"a": finish, "b": finish, "c": finish})
	if err != nil {
		t.Fatal(err)
	}

	if r.First() != "a" {
		t.Errorf("First() = %q", r.First())
	}
	if next, ok := r.Next("b"); !ok || next != "c" {
		t.Errorf("Next(b) = %q, %v", next, ok)
	}
	if _, ok := r.Next("c"); ok {
		t.Error("Next(c) should report the end of the list")
	}
	if _, ok := r.Next("zzz"); ok {
		t.Error("Next of an unknown phase should fail")
	}
	if r.Contains("zzz") {
		t.Error("Contains(zzz) = true")
	}
}

func TestNewExecutor_RequiresStoreAndRegistry(t *testing.T) {
	if _, err := NewExecutor(Options{}); err == nil {
		t.Error("expected error without store")
	}
	h := newHarness(t, []string{"a"}, map[string]Phase{"a": finish})
	if _, err := NewExecutor(Options{Store: h.store}); err == nil {
		t.Error("expected error without registry")
	}
}

func TestCreatePlan_Validation(t *testing.T) {
	h := newHarness(t, []string{"a"}, map[string]Phase{"a": finish})

	tests := []struct {
		name  string
		opts  CreateOptions
		field string
	}{
		{"empty shard", CreateOptions{Shard: "", SplitCount: 2, ServerList: []string{testServer}}, "shard"},
		{"bad shard", CreateOptions{Shard: "bad shard!", SplitCount: 2, ServerList: []string{testServer}}, "shard"},
		{"split three", CreateOptions{Shard: "1.moray", SplitCount: 3, ServerList: []string{testServer}}, "split_count"},
		{"no servers", CreateOptions{Shard: "1.moray", SplitCount: 2}, "server_list"},
		{"bad server", CreateOptions{Shard: "1.moray", SplitCount: 2, ServerList: []string{"not-a-uuid"}}, "server_list[0]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.ex.CreatePlan(context.Background(), tt.opts)
			if ErrorCode(err) != ErrCodeValidation {
				t.Fatalf("got %v, want %s", err, ErrCodeValidation)
			}
			var ee *EngineError
			if !errors.As(err, &ee) {
				t.Fatal("expected EngineError")
			}
			if _, ok := ee.Details[tt.field]; !ok {
				t.Errorf("details %v should name %s", ee.Details, tt.field)
			}
		})
	}

	plans, err := h.ex.ListPlans(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if len(plans) != 0 {
		t.Errorf("invalid requests stored %d plans", len(plans))
	}
}

func TestCreatePlan_Conflict(t *testing.T) {
	h := newHarness(t, []string{"a"}, map[string]Phase{"a": finish})
	first := h.create("1.moray")

	_, err := h.ex.CreatePlan(context.Background(), CreateOptions{
		Shard:      "1.moray",
		SplitCount: 2,
		ServerList: []string{testServer},
	})
	var cerr *ConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("got %v, want ConflictError", err)
	}
	if len(cerr.Plans) != 1 || cerr.Plans[0].ID != first.ID {
		t.Errorf("conflicting plans = %+v", cerr.Plans)
	}

	// Another shard is unaffected.
	h.create("2.moray")
}

func TestCreatePlan_ConcurrentSameShard(t *testing.T) {
	h := newHarness(t, []string{"a"}, map[string]Phase{"a": finish})

	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func() {
			_, err := h.ex.CreatePlan(context.Background(), CreateOptions{
				Shard:      "3.moray",
				SplitCount: 2,
				ServerList: []string{testServer},
			})
			errs <- err
		}()
	}

	created := 0
	for i := 0; i < 10; i++ {
		err := <-errs
		var cerr *ConflictError
		switch {
		case err == nil:
			created++
		case errors.As(err, &cerr):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if created != 1 {
		t.Errorf("created %d plans for one shard, want 1", created)
	}
}

func TestCreatePlan_Eligibility(t *testing.T) {
	h := newHarness(t, []string{"a"}, map[string]Phase{"a": finish}, func(o *Options) {
		o.Partitions = fakePartitions{"1.moray": true}
	})

	h.create("1.moray")
	_, err := h.ex.CreatePlan(context.Background(), CreateOptions{
		Shard:      "9.moray",
		SplitCount: 2,
		ServerList: []string{testServer},
	})
	if ErrorCode(err) != ErrCodeNotEligible {
		t.Errorf("got %v, want %s", err, ErrCodeNotEligible)
	}
}

func TestCreatePlan_Admission(t *testing.T) {
	adm := &fakeAdmission{}
	h := newHarness(t, []string{"a"}, map[string]Phase{"a": finish}, func(o *Options) {
		o.Admission = adm
	})

	h.create("1.moray")
	if adm.last.Shard != "1.moray" || adm.last.ActivePlans != 0 {
		t.Errorf("admission request = %+v", adm.last)
	}

	adm.deny = errors.New("too many concurrent plans")
	_, err := h.ex.CreatePlan(context.Background(), CreateOptions{
		Shard:      "2.moray",
		SplitCount: 2,
		ServerList: []string{testServer},
	})
	if ErrorCode(err) != ErrCodePolicyDenied {
		t.Errorf("got %v, want %s", err, ErrCodePolicyDenied)
	}
	if adm.last.ActivePlans != 1 {
		t.Errorf("active plans = %d, want 1", adm.last.ActivePlans)
	}
}

func TestReconcile_StartsStoredPlans(t *testing.T) {
	h := newHarness(t, []string{"a"}, map[string]Phase{"a": finish})
	plan := h.create("1.moray")

	if ids := h.ex.RunningIDs(); len(ids) != 0 {
		t.Fatalf("plans should not run before Start: %v", ids)
	}

	h.start()
	waitFor(t, "run started", func() bool { return len(h.ex.RunningIDs()) == 1 })
	h.waitCompleted(plan.ID)

	// A second pass over a consistent store is quiet.
	if err := h.ex.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if errs := h.inv.all(); len(errs) != 0 {
		t.Errorf("unexpected invariants: %v", errs)
	}
}

func TestReconcile_DetectsForeignWrite(t *testing.T) {
	hold := func(ctl *Control) { ctl.Hold(errors.New("parked")) }
	h := newHarness(t, []string{"a"}, map[string]Phase{"a": hold})
	h.start()
	plan := h.create("1.moray")
	h.waitHeld(plan.ID)

	h.store.touch(t, plan.ID)
	if err := h.ex.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	errs := h.inv.all()
	if len(errs) == 0 || !IsInvariant(errs[0]) {
		t.Errorf("invariants = %v", errs)
	}
}

func TestExecutor_NotRunning(t *testing.T) {
	h := newHarness(t, []string{"a"}, map[string]Phase{"a": finish})

	checks := map[string]error{
		"pause":   h.ex.Pause("missing", ""),
		"resume":  h.ex.Resume("missing"),
		"unhold":  h.ex.Unhold("missing"),
		"archive": h.ex.Archive("missing"),
		"tune":    h.ex.Tune("missing", "x", nil),
		"update":  h.ex.Update("missing", "token", nil),
	}
	for name, err := range checks {
		if ErrorCode(err) != ErrCodeNotRunning {
			t.Errorf("%s: got %v, want %s", name, err, ErrCodeNotRunning)
		}
	}

	if _, err := h.ex.GetPlan(context.Background(), "missing"); ErrorCode(err) != ErrCodeNotFound {
		t.Errorf("GetPlan: got %v, want %s", err, ErrCodeNotFound)
	}
}

func TestExecutor_Archive(t *testing.T) {
	gate := make(chan struct{})
	calls := &counter{}
	phase := func(ctl *Control) {
		if calls.inc() == 1 {
			select {
			case <-gate:
			case <-ctl.Context().Done():
				return
			}
			ctl.Hold(errors.New("needs operator"))
			return
		}
		ctl.Finish()
	}

	h := newHarness(t, []string{"a"}, map[string]Phase{"a": phase})
	h.start()
	plan := h.create("1.moray")
	waitFor(t, "phase started", func() bool { return calls.get() == 1 })

	if err := h.ex.Archive(plan.ID); ErrorCode(err) != ErrCodeBusy {
		t.Fatalf("archive during dispatch: got %v, want %s", err, ErrCodeBusy)
	}

	close(gate)
	h.waitHeld(plan.ID)

	if err := h.ex.Archive(plan.ID); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if ids := h.ex.RunningIDs(); len(ids) != 0 {
		t.Errorf("archived plan still running: %v", ids)
	}

	v := h.view(plan.ID)
	if v.Active || v.Running {
		t.Errorf("archived view active=%v running=%v", v.Active, v.Running)
	}

	_, conns := h.conns.snapshot()
	if len(conns) != 1 || !conns[0].isClosed() {
		t.Error("archive should close the shard connection")
	}

	active, err := h.ex.ListPlans(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 0 {
		t.Errorf("active plans = %d, want 0", len(active))
	}
	all, err := h.ex.ListPlans(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Errorf("all plans = %d, want 1", len(all))
	}

	// Reconciliation ignores archived plans, and the shard is free again.
	if err := h.ex.Reconcile(context.Background()); err != nil {
		t.Fatal(err)
	}
	if ids := h.ex.RunningIDs(); len(ids) != 0 {
		t.Errorf("reconcile restarted an archived plan: %v", ids)
	}
	h.create("1.moray")
}

func TestExecutor_StopClosesShards(t *testing.T) {
	hold := func(ctl *Control) { ctl.Hold(errors.New("parked")) }
	h := newHarness(t, []string{"a"}, map[string]Phase{"a": hold})
	h.start()
	plan := h.create("1.moray")
	h.waitHeld(plan.ID)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.ex.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	_, conns := h.conns.snapshot()
	if len(conns) != 1 || !conns[0].isClosed() {
		t.Error("Stop should close shard connections")
	}
	if err := h.ex.Start(); err == nil {
		t.Error("Start after Stop should fail")
	}
}

func TestExecutor_Phases(t *testing.T) {
	h := newHarness(t, []string{"x", "y"}, map[string]Phase{"x": finish, "y": finish})
	got := h.ex.Phases()
	if len(got) != 2 || got[0] != "x" || got[1] != "y" {
		t.Errorf("Phases() = %v", got)
	}
}
