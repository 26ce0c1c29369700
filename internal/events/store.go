// Package events is the append-only permission event store.
package events

import (
	"context"
	"errors"
	"fmt"

	"gridconsent/internal/domain"
)

var (
	// ErrNotFound means no event exists for the permission id.
	ErrNotFound = errors.New("permission request not found")
	// ErrConflict means another writer already appended at the same sequence
	// number or the terminal status already exists.
	ErrConflict = errors.New("concurrent append for permission request")
)

// PersistenceError wraps a storage failure. The write may or may not have
// happened.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("event store %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Store persists permission events. Once Append returns nil the event is
// visible to every later read.
type Store interface {
	Append(ctx context.Context, e domain.Event) error
	FindByPermissionID(ctx context.Context, permissionID string) ([]domain.Event, error)
	FindLatest(ctx context.Context, permissionID string) (domain.Event, error)
	FindLatestStatus(ctx context.Context, permissionID string) (domain.Status, error)
	// ListByStatus returns the latest event of every aggregate whose current
	// status is one of statuses.
	ListByStatus(ctx context.Context, statuses ...domain.Status) ([]domain.Event, error)
	// EventsAfter pages through all events by their store position.
	EventsAfter(ctx context.Context, position int64, limit int) ([]domain.Event, error)
}

// terminalKey is set for dead-end statuses so the same one can only be
// recorded once per aggregate.
func terminalKey(e domain.Event) string {
	if e.Type.Internal() {
		return ""
	}
	switch e.Status {
	case domain.StatusFailedToTerminate:
		return ""
	}
	if e.Status.IsTerminal() {
		return string(e.Status)
	}
	return ""
}

func validate(e domain.Event) error {
	switch {
	case e.PermissionID == "":
		return errors.New("permission id is required")
	case e.ID == "":
		return errors.New("event id is required")
	case e.Seq <= 0:
		return errors.New("sequence must be positive")
	case !e.Type.Known():
		return fmt.Errorf("unknown event type %q", e.Type)
	case e.Status == "":
		return errors.New("status is required")
	case e.Created.IsZero():
		return errors.New("event created timestamp is required")
	}
	return nil
}
