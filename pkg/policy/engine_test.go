package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/reshard/pkg/engine"
)

var servers = []string{
	"0a4f1e2c-1111-4c59-9d6e-0c3b1b2c4d5e",
	"0a4f1e2c-2222-4c59-9d6e-0c3b1b2c4d5e",
	"0a4f1e2c-3333-4c59-9d6e-0c3b1b2c4d5e",
}

func newTestEngine(t *testing.T, limits Limits) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop(), limits)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t, Limits{})

	policies := eng.ListPolicies()
	expected := []string{"concurrency-limit", "distinct-servers", "peer-count", "shard-naming"}
	if len(policies) != len(expected) {
		t.Fatalf("Expected %d built-in policies, got %d", len(expected), len(policies))
	}
	for i, name := range expected {
		if policies[i].Name != name {
			t.Errorf("policy %d = %s, want %s", i, policies[i].Name, name)
		}
		if !policies[i].Builtin {
			t.Errorf("policy %s should be builtin", name)
		}
	}
}

func TestAdmit(t *testing.T) {
	tests := []struct {
		name       string
		limits     Limits
		req        engine.AdmissionRequest
		wantPolicy string
	}{
		{
			name: "allowed",
			req:  engine.AdmissionRequest{Shard: "1.moray", SplitCount: 2, ServerList: servers},
		},
		{
			name:       "duplicate servers",
			req:        engine.AdmissionRequest{Shard: "1.moray", SplitCount: 2, ServerList: []string{servers[0], servers[1], servers[0]}},
			wantPolicy: "distinct-servers",
		},
		{
			name:       "at the plan limit",
			limits:     Limits{MaxActivePlans: 2},
			req:        engine.AdmissionRequest{Shard: "1.moray", SplitCount: 2, ServerList: servers, ActivePlans: 2},
			wantPolicy: "concurrency-limit",
		},
		{
			name:   "under the plan limit",
			limits: Limits{MaxActivePlans: 2},
			req:    engine.AdmissionRequest{Shard: "1.moray", SplitCount: 2, ServerList: servers, ActivePlans: 1},
		},
		{
			name: "no limit",
			req:  engine.AdmissionRequest{Shard: "1.moray", SplitCount: 2, ServerList: servers, ActivePlans: 50},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := newTestEngine(t, tt.limits)
			err := eng.Admit(context.Background(), tt.req)

			if tt.wantPolicy == "" {
				if err != nil {
					t.Fatalf("Admit() = %v, want nil", err)
				}
				return
			}

			var denied *DeniedError
			if !errors.As(err, &denied) {
				t.Fatalf("Admit() = %v, want DeniedError", err)
			}
			if len(denied.Violations) != 1 || denied.Violations[0].Policy != tt.wantPolicy {
				t.Errorf("violations = %+v, want %s", denied.Violations, tt.wantPolicy)
			}
		})
	}
}

func TestEvaluate_WarningsDoNotBlock(t *testing.T) {
	eng := newTestEngine(t, Limits{})

	result, err := eng.Evaluate(context.Background(), &Input{
		Plan: PlanInput{Shard: "moray", SplitCount: 2, ServerList: servers[:1]},
	})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !result.Allowed {
		t.Errorf("warnings should not block: %+v", result.Violations)
	}

	got := map[string]bool{}
	for _, w := range result.Warnings {
		got[w.Policy] = true
		if w.Severity != SeverityWarning {
			t.Errorf("warning %s has severity %s", w.Policy, w.Severity)
		}
	}
	if !got["peer-count"] || !got["shard-naming"] {
		t.Errorf("warnings = %+v", result.Warnings)
	}
	if len(result.EvaluatedPolicies) != 4 {
		t.Errorf("evaluated %v", result.EvaluatedPolicies)
	}
}

func TestEvaluate_NilInput(t *testing.T) {
	eng := newTestEngine(t, Limits{})
	if _, err := eng.Evaluate(context.Background(), nil); err == nil {
		t.Error("expected error for nil input")
	}
}

func TestDisablePolicy(t *testing.T) {
	eng := newTestEngine(t, Limits{})
	req := engine.AdmissionRequest{Shard: "1.moray", SplitCount: 2, ServerList: []string{servers[0], servers[0], servers[1]}}

	if err := eng.Admit(context.Background(), req); err == nil {
		t.Fatal("duplicates should be denied")
	}

	if err := eng.DisablePolicy("distinct-servers"); err != nil {
		t.Fatalf("DisablePolicy() error = %v", err)
	}
	if err := eng.Admit(context.Background(), req); err != nil {
		t.Errorf("disabled policy still applied: %v", err)
	}

	if err := eng.EnablePolicy("distinct-servers"); err != nil {
		t.Fatalf("EnablePolicy() error = %v", err)
	}
	if err := eng.Admit(context.Background(), req); err == nil {
		t.Error("re-enabled policy should deny")
	}

	if err := eng.DisablePolicy("missing"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

const freezeRego = `package reshard.custom.freeze

import rego.v1

# Shard 0 is frozen.
deny contains msg if {
	input.plan.shard == "0.moray"
	msg := "shard 0 is frozen"
}
`

func TestReplacePolicies(t *testing.T) {
	eng := newTestEngine(t, Limits{})
	ctx := context.Background()
	frozen := engine.AdmissionRequest{Shard: "0.moray", SplitCount: 2, ServerList: servers}

	err := eng.ReplacePolicies(ctx, []Policy{{Name: "freeze", Rego: freezeRego, Severity: SeverityError, Enabled: true}})
	if err != nil {
		t.Fatalf("ReplacePolicies() error = %v", err)
	}

	err = eng.Admit(ctx, frozen)
	var denied *DeniedError
	if !errors.As(err, &denied) || denied.Violations[0].Message != "shard 0 is frozen" {
		t.Fatalf("Admit() = %v", err)
	}

	// A broken replacement leaves the current set in place.
	err = eng.ReplacePolicies(ctx, []Policy{{Name: "broken", Rego: "package x\ndeny[", Enabled: true}})
	if err == nil {
		t.Fatal("expected compile error")
	}
	if _, err := eng.GetPolicy("freeze"); err != nil {
		t.Errorf("freeze policy lost after failed reload: %v", err)
	}

	err = eng.ReplacePolicies(ctx, []Policy{{Name: "distinct-servers", Rego: freezeRego, Enabled: true}})
	if err == nil {
		t.Error("expected error when shadowing a built-in policy")
	}

	if err := eng.ReplacePolicies(ctx, nil); err != nil {
		t.Fatalf("ReplacePolicies(nil) error = %v", err)
	}
	if err := eng.Admit(ctx, frozen); err != nil {
		t.Errorf("removed policy still applied: %v", err)
	}
}
