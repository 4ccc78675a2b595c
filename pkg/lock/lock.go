package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/reshard/pkg/stores"
)

// Audit event actions.
const (
	ActionCreate = "create"
	ActionLock   = "lock"
	ActionUnlock = "unlock"
)

// ErrNotOwner is returned by Unlock when the caller does not hold the lock.
// It signals a consistency bug in the caller, not a condition to retry.
var ErrNotOwner = errors.New("lock not held by caller")

// HeldError is returned by Lock when another owner holds the lock.
type HeldError struct {
	Name  string
	Owner string
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("lock %q held by %q", e.Name, e.Owner)
}

// IsHeld reports whether err is a HeldError and returns the holder.
func IsHeld(err error) (string, bool) {
	var held *HeldError
	if errors.As(err, &held) {
		return held.Owner, true
	}
	return "", false
}

// Event is one entry in a lock's audit log.
type Event struct {
	Action string    `json:"action"`
	Owner  string    `json:"owner,omitempty"`
	Time   time.Time `json:"time"`
}

// Document is the stored form of a lock.
type Document struct {
	Name   string  `json:"name"`
	Owner  *string `json:"owner"`
	Events []Event `json:"events"`
}

// Manager acquires and releases named locks.
type Manager struct {
	store stores.Store
	now   func() time.Time
}

// NewManager creates a lock manager backed by store.
func NewManager(store stores.Store) *Manager {
	return &Manager{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Lock claims name for owner. Claiming a lock the caller already holds
// succeeds without writing. If a different owner holds it, Lock returns a
// *HeldError carrying that owner so the caller can back off and poll.
func (m *Manager) Lock(ctx context.Context, name, owner string) error {
	if owner == "" {
		return fmt.Errorf("lock %q: owner is required", name)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		doc, etag, err := m.load(ctx, name)
		if err != nil {
			return err
		}
		if doc == nil {
			// Losing the create race is fine; the next pass reads the winner.
			if err := m.create(ctx, name); err != nil && !errors.Is(err, stores.ErrPreconditionFailed) {
				return err
			}
			continue
		}

		if doc.Owner != nil {
			if *doc.Owner == owner {
				return nil
			}
			return &HeldError{Name: name, Owner: *doc.Owner}
		}

		doc.Owner = &owner
		doc.Events = append(doc.Events, Event{Action: ActionLock, Owner: owner, Time: m.now()})

		err = m.write(ctx, doc, &etag)
		if errors.Is(err, stores.ErrPreconditionFailed) {
			continue
		}
		return err
	}
}

// Unlock releases name. The caller must be the current owner; anything else
// returns an error wrapping ErrNotOwner.
func (m *Manager) Unlock(ctx context.Context, name, owner string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		doc, etag, err := m.load(ctx, name)
		if err != nil {
			return err
		}
		if doc == nil {
			return fmt.Errorf("unlock %q by %q: lock does not exist: %w", name, owner, ErrNotOwner)
		}
		if doc.Owner == nil || *doc.Owner != owner {
			current := ""
			if doc.Owner != nil {
				current = *doc.Owner
			}
			return fmt.Errorf("unlock %q by %q: owner is %q: %w", name, owner, current, ErrNotOwner)
		}

		doc.Owner = nil
		doc.Events = append(doc.Events, Event{Action: ActionUnlock, Owner: owner, Time: m.now()})

		err = m.write(ctx, doc, &etag)
		if errors.Is(err, stores.ErrPreconditionFailed) {
			continue
		}
		return err
	}
}

// Inspect returns the current lock document, or nil if it was never created.
func (m *Manager) Inspect(ctx context.Context, name string) (*Document, error) {
	doc, _, err := m.load(ctx, name)
	return doc, err
}

func (m *Manager) load(ctx context.Context, name string) (*Document, string, error) {
	rec, err := m.store.GetLock(ctx, name)
	if errors.Is(err, stores.ErrNotFound) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to load lock %q: %w", name, err)
	}

	var doc Document
	if err := json.Unmarshal(rec.Document, &doc); err != nil {
		return nil, "", fmt.Errorf("failed to decode lock %q: %w", name, err)
	}
	return &doc, rec.ETag, nil
}

func (m *Manager) create(ctx context.Context, name string) error {
	doc := &Document{
		Name:   name,
		Events: []Event{{Action: ActionCreate, Time: m.now()}},
	}
	return m.write(ctx, doc, nil)
}

func (m *Manager) write(ctx context.Context, doc *Document, etag *string) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode lock %q: %w", doc.Name, err)
	}
	_, err = m.store.PutLock(ctx, &stores.LockRecord{Name: doc.Name, Document: data}, etag)
	return err
}
