package policy

import (
	"fmt"
	"strings"
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is reported but does not block plan creation.
	SeverityWarning Severity = "warning"

	// SeverityError blocks plan creation.
	SeverityError Severity = "error"

	// SeverityCritical blocks plan creation.
	SeverityCritical Severity = "critical"
)

func (s Severity) blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a Rego module whose deny set is evaluated on every plan request.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. The module must define a deny set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies compiled into the binary.
	Builtin bool `json:"builtin,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Violation is one entry of a policy's deny set.
type Violation struct {
	Policy   string   `json:"policy"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating every enabled policy.
type Result struct {
	// Allowed is false when any violation is blocking or any policy failed
	// to evaluate.
	Allowed bool `json:"allowed"`

	// Violations are the blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings are the non-blocking violations.
	Warnings []Violation `json:"warnings,omitempty"`

	// Errors lists policies that could not be evaluated.
	Errors []string `json:"errors,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// Input is the document policies see as `input`.
type Input struct {
	Plan    PlanInput `json:"plan"`
	Context Context   `json:"context"`
}

// PlanInput describes the plan being requested.
type PlanInput struct {
	Shard      string   `json:"shard"`
	SplitCount int      `json:"split_count"`
	ServerList []string `json:"server_list"`
}

// Context describes the cluster at the time of the request.
type Context struct {
	Timestamp   time.Time `json:"timestamp"`
	Operation   string    `json:"operation"`
	ActivePlans int       `json:"active_plans"`
	Limits      Limits    `json:"limits"`
}

// Limits are operator-configured bounds exposed to policies.
type Limits struct {
	// MaxActivePlans caps concurrent plans; zero disables the cap.
	MaxActivePlans int `json:"max_active_plans"`
}

// DeniedError is returned by Admit when a plan request is rejected.
type DeniedError struct {
	Violations []Violation
	Errors     []string
}

func (e *DeniedError) Error() string {
	msgs := make([]string, 0, len(e.Violations)+len(e.Errors))
	for _, v := range e.Violations {
		msgs = append(msgs, fmt.Sprintf("%s: %s", v.Policy, v.Message))
	}
	msgs = append(msgs, e.Errors...)
	return "denied by policy: " + strings.Join(msgs, "; ")
}
