package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/openfroyo/reshard/pkg/api"
	"github.com/openfroyo/reshard/pkg/engine"
)

type recorded struct {
	method string
	path   string
	query  string
	body   string
}

type fakeServer struct {
	mu   sync.Mutex
	reqs []recorded
}

func (f *fakeServer) last() recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[len(f.reqs)-1]
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.reqs = append(f.reqs, recorded{r.Method, r.URL.Path, r.URL.RawQuery, string(body)})
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == "/ping":
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	case r.URL.Path == "/phases":
		_ = json.NewEncoder(w).Encode(api.PhasesResponse{Phases: []string{"a", "b"}})
	case r.URL.Path == "/plan":
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{
			Error:  "shard busy",
			Code:   engine.ErrCodeConflict,
			Status: http.StatusConflict,
			Plans:  []*engine.Plan{{ID: "p0", Shard: "s1"}},
		})
	case r.URL.Path == "/plans":
		_ = json.NewEncoder(w).Encode(api.PlansResponse{Plans: []*engine.PlanView{{Plan: engine.Plan{ID: "p1"}, Held: true}}})
	case r.URL.Path == "/plans/p1" || r.URL.Path == "/plan/p1/pause" || r.URL.Path == "/plan/p1/resume":
		_ = json.NewEncoder(w).Encode(engine.PlanView{Plan: engine.Plan{ID: "p1"}})
	case r.URL.Path == "/plan/p1/tune" || r.URL.Path == "/plan/p1/tune/batch_size":
		_ = json.NewEncoder(w).Encode(api.TuningResponse{ID: "p1", Tuning: map[string]float64{"batch_size": 3}})
	case r.URL.Path == "/update/p1/tok":
		_, _ = w.Write([]byte(`{"status":"accepted"}`))
	default:
		http.Error(w, "404 page not found", http.StatusNotFound)
	}
}

func newTestClient(t *testing.T) (*Client, *fakeServer) {
	t.Helper()
	fake := &fakeServer{}
	ts := httptest.NewServer(fake)
	t.Cleanup(ts.Close)

	c, err := New(ts.URL, ts.Client())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, fake
}

func TestNew(t *testing.T) {
	c, err := New("127.0.0.1:8080/", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.baseURL != "http://127.0.0.1:8080" {
		t.Errorf("baseURL = %q", c.baseURL)
	}
	if _, err := New("http://", nil); err == nil {
		t.Error("expected error for an address without a host")
	}
}

func TestReads(t *testing.T) {
	c, fake := newTestClient(t)
	ctx := context.Background()

	if err := c.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	phases, err := c.Phases(ctx)
	if err != nil {
		t.Fatalf("Phases: %v", err)
	}
	if len(phases) != 2 || phases[0] != "a" {
		t.Errorf("Phases = %v", phases)
	}

	plans, err := c.ListPlans(ctx, true)
	if err != nil {
		t.Fatalf("ListPlans: %v", err)
	}
	if len(plans) != 1 || plans[0].ID != "p1" || !plans[0].Held {
		t.Errorf("ListPlans = %+v", plans)
	}
	if q := fake.last().query; q != "all=true" {
		t.Errorf("query = %q", q)
	}

	v, err := c.GetPlan(ctx, "p1")
	if err != nil {
		t.Fatalf("GetPlan: %v", err)
	}
	if v.ID != "p1" {
		t.Errorf("GetPlan id = %q", v.ID)
	}
}

func TestActions(t *testing.T) {
	c, fake := newTestClient(t)
	ctx := context.Background()

	if _, err := c.Pause(ctx, "p1", "wait_for_sync"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	got := fake.last()
	if got.method != http.MethodPost || got.path != "/plan/p1/pause" {
		t.Errorf("Pause sent %s %s", got.method, got.path)
	}
	if got.body != `{"pause_at_phase":"wait_for_sync"}` {
		t.Errorf("Pause body = %s", got.body)
	}

	if _, err := c.Pause(ctx, "p1", ""); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if body := fake.last().body; body != "" {
		t.Errorf("immediate pause should send no body, got %q", body)
	}

	if _, err := c.Resume(ctx, "p1"); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	tuning, err := c.Tune(ctx, "p1", "batch_size", nil)
	if err != nil {
		t.Fatalf("Tune: %v", err)
	}
	if tuning["batch_size"] != 3 {
		t.Errorf("Tune = %v", tuning)
	}
	if body := fake.last().body; body != `{"tuning_value":null}` {
		t.Errorf("Tune body = %s", body)
	}

	if _, err := c.Tuning(ctx, "p1"); err != nil {
		t.Fatalf("Tuning: %v", err)
	}

	if err := c.Update(ctx, "p1", "tok", map[string]string{"server": "x"}); err != nil {
		t.Fatalf("Update: %v", err)
	}
}

func TestErrors(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	_, err := c.CreatePlan(ctx, engine.CreateOptions{Shard: "s1", SplitCount: 2})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("CreatePlan error = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != engine.ErrCodeConflict {
		t.Errorf("APIError = %+v", apiErr)
	}
	if len(apiErr.Plans) != 1 || apiErr.Plans[0].ID != "p0" {
		t.Errorf("conflicting plans = %+v", apiErr.Plans)
	}

	_, err = c.Unhold(ctx, "p1")
	if !errors.As(err, &apiErr) {
		t.Fatalf("Unhold error = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Message != "404 page not found" {
		t.Errorf("APIError = %+v", apiErr)
	}
}
