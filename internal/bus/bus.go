// Package bus fans committed events out to in-process subscribers.
//
// Emit places the event on the queue of every matching subscription, in
// subscription order, and returns. Each subscription owns one dispatcher
// goroutine that drains its queue in FIFO order, so a subscriber sees the
// events of one permission request in the order they were emitted while a
// slow subscriber never holds up the others. Nothing survives a restart.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"gridconsent/internal/domain"
)

// ErrClosed is returned by Subscribe and Emit after Close.
var ErrClosed = errors.New("event bus closed")

// Handler reacts to one event. Returned errors are logged, never retried.
type Handler func(ctx context.Context, e domain.Event) error

// Predicate selects the events a subscription receives.
type Predicate func(e domain.Event) bool

func Any() Predicate {
	return func(domain.Event) bool { return true }
}

// ByType matches events of the given types.
func ByType(types ...domain.EventType) Predicate {
	set := make(map[domain.EventType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return func(e domain.Event) bool { return set[e.Type] }
}

// ByStatus matches status-changing events establishing one of statuses.
func ByStatus(statuses ...domain.Status) Predicate {
	set := make(map[domain.Status]bool, len(statuses))
	for _, s := range statuses {
		set[s] = true
	}
	return func(e domain.Event) bool {
		target, ok := e.Type.TargetStatus()
		return ok && set[target]
	}
}

// StatusChanges matches every event that establishes a status.
func StatusChanges() Predicate {
	return func(e domain.Event) bool { return !e.Type.Internal() }
}

// FailureObserver is told about handler errors and panics.
type FailureObserver func(subscription string, e domain.Event, err error)

type Options struct {
	Logger    *slog.Logger
	OnFailure FailureObserver
}

// Bus is safe for concurrent use.
type Bus struct {
	logger    *slog.Logger
	onFailure FailureObserver

	mu     sync.RWMutex
	subs   []*subscription
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) *Bus {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		logger:    logger.With("component", "bus"),
		onFailure: opts.OnFailure,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Subscribe registers handler for events matching pred and starts its
// dispatcher. The name shows up in logs.
func (b *Bus) Subscribe(name string, pred Predicate, handler Handler) error {
	if pred == nil || handler == nil {
		return fmt.Errorf("subscription %s: predicate and handler are required", name)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	s := &subscription{name: name, pred: pred, handler: handler}
	s.cond = sync.NewCond(&s.mu)
	b.subs = append(b.subs, s)
	b.wg.Add(1)
	go b.dispatch(s)
	return nil
}

// Emit enqueues e for every matching subscription in subscription order.
func (b *Bus) Emit(e domain.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for _, s := range b.subs {
		if s.matches(e) {
			s.push(e)
		}
	}
	return nil
}

// Drain blocks until every queue is empty and no handler is running.
// Handlers may emit while others drain, so it loops until one full pass
// finds every subscription idle.
func (b *Bus) Drain(ctx context.Context) error {
	for {
		b.mu.RLock()
		subs := append([]*subscription(nil), b.subs...)
		b.mu.RUnlock()
		waited := false
		for _, s := range subs {
			w, err := s.waitIdle(ctx)
			if err != nil {
				return err
			}
			waited = waited || w
		}
		if !waited {
			return nil
		}
	}
}

// Close drains pending events, then stops all dispatchers.
func (b *Bus) Close(ctx context.Context) error {
	drainErr := b.Drain(ctx)
	b.mu.Lock()
	b.closed = true
	subs := b.subs
	b.mu.Unlock()
	for _, s := range subs {
		s.stop()
	}
	b.cancel()
	b.wg.Wait()
	return drainErr
}

func (b *Bus) dispatch(s *subscription) {
	defer b.wg.Done()
	for {
		e, ok := s.next()
		if !ok {
			return
		}
		b.deliver(s, e)
		s.done()
	}
}

func (b *Bus) deliver(s *subscription, e domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			b.logger.Error("subscriber panicked",
				"subscription", s.name,
				"permission_id", e.PermissionID,
				"event_type", e.Type,
				"error", err,
				"stack", string(debug.Stack()))
			b.fail(s.name, e, err)
		}
	}()
	if err := s.handler(b.ctx, e); err != nil {
		b.logger.Error("subscriber failed",
			"subscription", s.name,
			"permission_id", e.PermissionID,
			"event_type", e.Type,
			"status", e.Status,
			"error", err)
		b.fail(s.name, e, err)
	}
}

func (b *Bus) fail(name string, e domain.Event, err error) {
	if b.onFailure != nil {
		b.onFailure(name, e, err)
	}
}
