// Package outbox is the only write path for permission events: it checks the
// transition, appends to the store and, once the append succeeded, runs the
// post-commit callbacks and emits on the bus. Writers for the same
// permission id are serialized.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"gridconsent/internal/domain"
	"gridconsent/internal/events"
	"gridconsent/internal/fsm"
)

const defaultConflictRetries = 3

// Emitter publishes committed events.
type Emitter interface {
	Emit(e domain.Event) error
}

// Callback runs after a successful append, before the event is emitted.
type Callback func(ctx context.Context, e domain.Event)

// ErrorObserver is told about every rejected or failed commit.
type ErrorObserver func(ctx context.Context, e domain.Event, err error)

type Options struct {
	Logger          *slog.Logger
	Now             func() time.Time
	Callbacks       []Callback
	OnError         ErrorObserver
	ConflictRetries int
}

type Outbox struct {
	store     events.Store
	emitter   Emitter
	callbacks []Callback
	onError   ErrorObserver
	locks     *keyedLocks
	now       func() time.Time
	logger    *slog.Logger
	retries   int
}

func New(store events.Store, emitter Emitter, opts Options) *Outbox {
	o := &Outbox{
		store:     store,
		emitter:   emitter,
		callbacks: append([]Callback(nil), opts.Callbacks...),
		onError:   opts.OnError,
		locks:     newKeyedLocks(),
		now:       opts.Now,
		logger:    opts.Logger,
		retries:   opts.ConflictRetries,
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With("component", "outbox")
	if o.retries <= 0 {
		o.retries = defaultConflictRetries
	}
	return o
}

// Commit persists e and announces it. The returned event carries the
// store-assigned id, sequence, status and timestamp. Transition errors come
// back as fsm.PastStateError or fsm.FutureStateError; storage failures as
// *events.PersistenceError, in which case nothing was emitted.
func (o *Outbox) Commit(ctx context.Context, e domain.Event) (domain.Event, error) {
	if e.PermissionID == "" {
		return e, errors.New("commit: permission id is required")
	}
	unlock, err := o.locks.lock(ctx, e.PermissionID)
	if err != nil {
		return e, fmt.Errorf("commit %s: %w", e.PermissionID, err)
	}
	defer unlock()

	for attempt := 0; ; attempt++ {
		stamped, err := o.prepare(ctx, e)
		if err != nil {
			o.failed(ctx, e, err)
			return e, err
		}
		err = o.store.Append(ctx, stamped)
		if errors.Is(err, events.ErrConflict) && attempt < o.retries {
			o.logger.WarnContext(ctx, "append lost a race, re-reading stream",
				"permission_id", e.PermissionID, "event_type", e.Type, "attempt", attempt+1)
			continue
		}
		if err != nil {
			o.failed(ctx, e, err)
			return e, err
		}
		o.afterCommit(ctx, stamped)
		return stamped, nil
	}
}

// prepare reads the current head and stamps e as its successor.
func (o *Outbox) prepare(ctx context.Context, e domain.Event) (domain.Event, error) {
	var current domain.Status
	var seq int64
	var previous time.Time
	head, err := o.store.FindLatest(ctx, e.PermissionID)
	switch {
	case errors.Is(err, events.ErrNotFound):
	case err != nil:
		return e, err
	default:
		current, seq, previous = head.Status, head.Seq, head.Created
		carryRouting(&e, head)
	}
	next, err := fsm.Next(current, e)
	if err != nil {
		return e, err
	}
	created := o.now().UTC()
	if created.Before(previous) {
		created = previous
	}
	e.Seq = seq + 1
	e.Status = next
	e.Created = created
	e.ID = ulid.MustNew(ulid.Timestamp(created), ulid.DefaultEntropy()).String()
	e.Position = 0
	return e, nil
}

// carryRouting copies the fields subscribers filter on from the stream head.
func carryRouting(e *domain.Event, head domain.Event) {
	if e.Region == "" {
		e.Region = head.Region
	}
	if e.ConnectionID == "" {
		e.ConnectionID = head.ConnectionID
	}
	if e.DataNeedID == "" {
		e.DataNeedID = head.DataNeedID
	}
}

func (o *Outbox) afterCommit(ctx context.Context, e domain.Event) {
	for i, cb := range o.callbacks {
		o.runCallback(ctx, i, cb, e)
	}
	if err := o.emitter.Emit(e); err != nil {
		o.logger.ErrorContext(ctx, "emit after commit failed",
			"permission_id", e.PermissionID, "event_type", e.Type, "error", err)
	}
}

func (o *Outbox) runCallback(ctx context.Context, i int, cb Callback, e domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.ErrorContext(ctx, "post-commit callback panicked",
				"callback", i, "permission_id", e.PermissionID, "event_type", e.Type, "error", fmt.Sprint(r))
		}
	}()
	cb(ctx, e)
}

func (o *Outbox) failed(ctx context.Context, e domain.Event, err error) {
	if fsm.IsTransitionError(err) {
		o.logger.WarnContext(ctx, "transition rejected",
			"permission_id", e.PermissionID, "event_type", e.Type, "error", err)
	} else {
		o.logger.ErrorContext(ctx, "commit failed",
			"permission_id", e.PermissionID, "event_type", e.Type, "error", err)
	}
	if o.onError != nil {
		o.onError(ctx, e, err)
	}
}

// Replay emits the latest status-changing event of a permission request
// again without persisting anything. Subscribers check the current status
// before acting, so replays of already handled events are harmless.
func (o *Outbox) Replay(ctx context.Context, permissionID string) (domain.Event, error) {
	unlock, err := o.locks.lock(ctx, permissionID)
	if err != nil {
		return domain.Event{}, err
	}
	defer unlock()
	stream, err := o.store.FindByPermissionID(ctx, permissionID)
	if err != nil {
		return domain.Event{}, err
	}
	if len(stream) == 0 {
		return domain.Event{}, events.ErrNotFound
	}
	head := stream[len(stream)-1]
	for i := len(stream) - 1; i >= 0; i-- {
		if !stream[i].Type.Internal() {
			head = stream[i]
			break
		}
	}
	if err := o.emitter.Emit(head); err != nil {
		return head, fmt.Errorf("replay %s: %w", permissionID, err)
	}
	return head, nil
}
