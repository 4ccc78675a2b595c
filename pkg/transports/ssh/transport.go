// Package ssh runs commands on plan servers over SSH.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Remote runs commands on servers identified by name.
type Remote interface {
	Run(ctx context.Context, server, cmd string) (*ExecResult, error)
}

// ExecResult represents the result of a command execution.
type ExecResult struct {
	// Stdout is the standard output from the command
	Stdout string

	// Stderr is the standard error output from the command
	Stderr string

	// ExitCode is the command's exit code
	ExitCode int

	// Duration is the total execution time
	Duration time.Duration
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec")
	Op string

	// Host is the remote host
	Host string

	// Err is the underlying error
	Err error

	// Temporary indicates the operation may succeed if retried
	Temporary bool

	// AuthError indicates the error is related to authentication
	AuthError bool
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Host, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// CommandError is returned when a remote command exits non-zero.
type CommandError struct {
	Host     string
	Command  string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %q exited with code %d: %s", e.Host, e.Command, e.ExitCode, e.Stderr)
}

// IsTemporary reports whether err is a transport failure worth retrying.
func IsTemporary(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Temporary
}
