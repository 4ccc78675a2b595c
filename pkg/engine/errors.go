package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents how the engine reacts to an error.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, a remote service briefly unavailable.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassHold indicates a condition an operator must resolve.
	// The plan is halted with a diagnostic record until it is unheld.
	ErrorClassHold ErrorClass = "hold"

	// ErrorClassInvariant indicates a condition that the engine's concurrency
	// discipline makes impossible. These are process-level faults.
	ErrorClassInvariant ErrorClass = "invariant"

	// ErrorClassPermanent indicates a rejected request.
	// Examples: invalid input, unknown plan, plan not running.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// PlanID is the plan the error concerns, if applicable.
	PlanID string `json:"plan_id,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Class, e.Message)
	if e.PlanID != "" && e.Operation != "" {
		fmt.Fprintf(&b, " (plan=%s, operation=%s)", e.PlanID, e.Operation)
	} else if e.PlanID != "" {
		fmt.Fprintf(&b, " (plan=%s)", e.PlanID)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewHoldError creates a new operator-actionable error.
func NewHoldError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassHold,
		Message: message,
		Err:     err,
	}
}

// NewInvariantError creates a new invariant violation.
func NewInvariantError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassInvariant,
		Message: message,
		Code:    ErrCodeInvariant,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithPlan adds plan context to an error.
func (e *EngineError) WithPlan(planID string) *EngineError {
	e.PlanID = planID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	return classOf(err) == ErrorClassTransient
}

// IsHold returns true if the error is classified as operator-actionable.
func IsHold(err error) bool {
	return classOf(err) == ErrorClassHold
}

// IsInvariant returns true if the error is an invariant violation.
func IsInvariant(err error) bool {
	return classOf(err) == ErrorClassInvariant
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	return classOf(err) == ErrorClassPermanent
}

// ErrorCode returns the code of the first EngineError in err's chain.
func ErrorCode(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func classOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// ConflictError is returned by CreatePlan when other active plans already
// target the requested shard.
type ConflictError struct {
	Shard string  `json:"shard"`
	Plans []*Plan `json:"plans"`
}

func (e *ConflictError) Error() string {
	ids := make([]string, 0, len(e.Plans))
	for _, p := range e.Plans {
		ids = append(ids, p.ID)
	}
	return fmt.Sprintf("shard %s already has active plan(s): %s", e.Shard, strings.Join(ids, ", "))
}

// ErrPaused is passed to a phase's Pausing callback when a pause is pending.
var ErrPaused = errors.New("plan paused")

// Common error codes.
const (
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeNotRunning    = "NOT_RUNNING"
	ErrCodeBusy          = "BUSY"
	ErrCodeInvariant     = "INVARIANT"
	ErrCodeUnknownPhase  = "UNKNOWN_PHASE"
	ErrCodePolicyDenied  = "POLICY_DENIED"
	ErrCodeNotEligible   = "NOT_ELIGIBLE"
	ErrCodePhaseContract = "PHASE_CONTRACT"
)
