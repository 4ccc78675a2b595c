package stores

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrPreconditionFailed is returned when a conditional write loses: the
	// presented etag no longer matches, or an insert found an existing row.
	ErrPreconditionFailed = errors.New("precondition failed")
)

// PlanRecord is a stored plan document. Shard, Active and Completed are
// copies of document fields kept in indexed columns for queries.
type PlanRecord struct {
	ID        string    `json:"id"`
	Shard     string    `json:"shard"`
	Active    bool      `json:"active"`
	Completed bool      `json:"completed"`
	Document  []byte    `json:"document"` // JSON blob
	ETag      string    `json:"etag"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LockRecord is a stored advisory lock document.
type LockRecord struct {
	Name      string    `json:"name"`
	Document  []byte    `json:"document"` // JSON blob
	ETag      string    `json:"etag"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PlanFilter selects plans in ListPlans. Nil fields match everything.
type PlanFilter struct {
	Active *bool
	Shard  *string
}

// Store defines the interface for the persistence layer.
//
// Every write is a compare-and-swap: a nil etag means insert and fails with
// ErrPreconditionFailed if the document exists; a non-nil etag must match the
// stored value. Successful writes return the new etag.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Plan operations
	GetPlan(ctx context.Context, id string) (*PlanRecord, error)
	PutPlan(ctx context.Context, rec *PlanRecord, etag *string) (string, error)
	ListPlans(ctx context.Context, filter PlanFilter) ([]*PlanRecord, error)

	// Lock operations
	GetLock(ctx context.Context, name string) (*LockRecord, error)
	PutLock(ctx context.Context, rec *LockRecord, etag *string) (string, error)

	// Utility
	HealthCheck(ctx context.Context) error
}

// Config holds SQL store configuration.
type Config struct {
	// Driver selects the backend: "sqlite" (default), "postgres" or "memory".
	Driver string

	// Path is the SQLite database path, or ":memory:".
	Path string

	// DSN is the PostgreSQL connection string.
	DSN string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// New creates the store selected by cfg.Driver.
func New(cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return NewSQLiteStore(cfg)
	case "postgres":
		return NewPostgresStore(cfg)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, errors.New("unsupported store driver: " + cfg.Driver)
	}
}

// Bool returns a pointer to b, for building filters.
func Bool(b bool) *bool {
	return &b
}

// String returns a pointer to s, for building filters and etags.
func String(s string) *string {
	return &s
}
