// Package handlers reacts to committed events by talking to permission
// administrators. One Engine serves every region: each concern (sending,
// polling, fulfillment, termination, cleanup) is subscribed once per
// region adapter so a slow administrator only delays its own queue.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"gridconsent/internal/bus"
	"gridconsent/internal/domain"
	"gridconsent/internal/fsm"
	"gridconsent/internal/region"
	"gridconsent/internal/repo"
)

// Committer is the outbox.
type Committer interface {
	Commit(ctx context.Context, e domain.Event) (domain.Event, error)
}

// Reader is the read model.
type Reader interface {
	Get(ctx context.Context, permissionID string) (domain.PermissionRequest, error)
	ListByStatus(ctx context.Context, statuses ...domain.Status) ([]domain.PermissionRequest, error)
}

type Subscriber interface {
	Subscribe(name string, pred bus.Predicate, handler bus.Handler) error
}

// Recorder receives handler timings; telemetry implements it.
type Recorder interface {
	HandlerDone(ctx context.Context, handler string, d time.Duration, err error)
}

type Config struct {
	// Timeout bounds every administrator call.
	Timeout       time.Duration
	Workers       int
	PollInterval  time.Duration
	StaleAfter    time.Duration
	SweepInterval time.Duration
}

type Options struct {
	Logger      *slog.Logger
	Now         func() time.Time
	Credentials repo.CredentialStore
	Metrics     Recorder
}

type Engine struct {
	commits  Committer
	reads    Reader
	creds    repo.CredentialStore
	metrics  Recorder
	cfg      Config
	now      func() time.Time
	logger   *slog.Logger
	adapters map[string]region.Adapter
}

func New(commits Committer, reads Reader, cfg Config, opts Options) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 7 * 24 * time.Hour
	}
	e := &Engine{
		commits:  commits,
		reads:    reads,
		creds:    opts.Credentials,
		metrics:  opts.Metrics,
		cfg:      cfg,
		now:      opts.Now,
		logger:   opts.Logger,
		adapters: map[string]region.Adapter{},
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("component", "handlers")
	return e
}

// concern is one reaction, independent of the region it runs for.
type concern struct {
	name string
	pred bus.Predicate
	run  func(ctx context.Context, a region.Adapter, pr domain.PermissionRequest, ev domain.Event) error
}

func (e *Engine) concerns() []concern {
	return []concern{
		{name: "sending", pred: bus.ByStatus(domain.StatusValidated), run: e.send},
		{name: "polling", pred: bus.ByStatus(domain.StatusAccepted), run: e.poll},
		{name: "fulfillment", pred: bus.ByType(domain.EventMeterReading), run: e.fulfill},
		{name: "termination", pred: bus.ByStatus(domain.StatusRequiresExternalTermination), run: e.terminate},
		{name: "cleanup", pred: bus.ByStatus(domain.StatusRevoked, domain.StatusExternallyTerminated, domain.StatusFulfilled), run: e.cleanup},
	}
}

// Attach subscribes every concern for every adapter.
func (e *Engine) Attach(sub Subscriber, adapters ...region.Adapter) error {
	for _, a := range adapters {
		if _, dup := e.adapters[a.ID()]; dup {
			return fmt.Errorf("region %s attached twice", a.ID())
		}
		e.adapters[a.ID()] = a
		for _, c := range e.concerns() {
			name := a.ID() + "/" + c.name
			if err := sub.Subscribe(name, inRegion(a.ID(), c.pred), e.handler(name, c, a)); err != nil {
				return fmt.Errorf("subscribe %s: %w", name, err)
			}
		}
	}
	return nil
}

func inRegion(id string, pred bus.Predicate) bus.Predicate {
	return func(ev domain.Event) bool { return ev.Region == id && pred(ev) }
}

func (e *Engine) handler(name string, c concern, a region.Adapter) bus.Handler {
	return func(ctx context.Context, ev domain.Event) error {
		pr, err := e.reads.Get(ctx, ev.PermissionID)
		if isNotFound(err) {
			e.logger.WarnContext(ctx, "event for unknown request", "handler", name, "permission_id", ev.PermissionID, "event_type", ev.Type)
			return nil
		}
		if err != nil {
			return fmt.Errorf("load %s: %w", ev.PermissionID, err)
		}
		return e.observe(ctx, name, func() error { return c.run(ctx, a, pr, ev) })
	}
}

// observe times fn and drops transition errors: they mean another trigger
// already moved the request on.
func (e *Engine) observe(ctx context.Context, name string, fn func() error) error {
	started := e.now()
	err := fn()
	if fsm.IsTransitionError(err) {
		err = nil
	}
	if e.metrics != nil {
		e.metrics.HandlerDone(ctx, name, e.now().Sub(started), err)
	}
	return err
}

// call bounds one administrator round trip.
func (e *Engine) call(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.cfg.Timeout)
}

func (e *Engine) commit(ctx context.Context, evs ...domain.Event) error {
	for _, ev := range evs {
		if _, err := e.commits.Commit(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// Run drives the poll and stale-request tickers until ctx ends. A batch
// in flight finishes before Run returns.
func (e *Engine) Run(ctx context.Context) error {
	var pollC, sweepC <-chan time.Time
	if e.cfg.PollInterval > 0 {
		t := time.NewTicker(e.cfg.PollInterval)
		defer t.Stop()
		pollC = t.C
	}
	if e.cfg.SweepInterval > 0 {
		t := time.NewTicker(e.cfg.SweepInterval)
		defer t.Stop()
		sweepC = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-pollC:
			if err := e.PollAccepted(context.WithoutCancel(ctx)); err != nil {
				e.logger.ErrorContext(ctx, "poll batch failed", "error", err)
			}
		case <-sweepC:
			if err := e.SweepStale(context.WithoutCancel(ctx)); err != nil {
				e.logger.ErrorContext(ctx, "stale sweep failed", "error", err)
			}
		}
	}
}

// PollAccepted polls every accepted request once.
func (e *Engine) PollAccepted(ctx context.Context) error {
	prs, err := e.reads.ListByStatus(ctx, domain.StatusAccepted)
	if err != nil {
		return err
	}
	return e.each(ctx, prs, "polling", func(ctx context.Context, a region.Adapter, pr domain.PermissionRequest) error {
		return e.poll(ctx, a, pr, domain.Event{})
	})
}

// SweepStale times out requests the administrator never answered.
func (e *Engine) SweepStale(ctx context.Context) error {
	prs, err := e.reads.ListByStatus(ctx, domain.StatusPendingAcknowledgement, domain.StatusSentToAdministrator)
	if err != nil {
		return err
	}
	cutoff := e.now().Add(-e.cfg.StaleAfter)
	var stale []domain.PermissionRequest
	for _, pr := range prs {
		if pr.Updated.Before(cutoff) {
			stale = append(stale, pr)
		}
	}
	return e.each(ctx, stale, "sweeper", func(ctx context.Context, _ region.Adapter, pr domain.PermissionRequest) error {
		return e.commit(ctx, domain.StatusEvent(pr.PermissionID, domain.EventTimedOut, "no answer from permission administrator"))
	})
}

// each fans fn out over a bounded pool; failures are logged per request.
func (e *Engine) each(ctx context.Context, prs []domain.PermissionRequest, concernName string, fn func(context.Context, region.Adapter, domain.PermissionRequest) error) error {
	var g errgroup.Group
	g.SetLimit(e.cfg.Workers)
	for _, pr := range prs {
		a, ok := e.adapters[pr.Region]
		if !ok {
			e.logger.WarnContext(ctx, "no adapter for region", "permission_id", pr.PermissionID, "region", pr.Region)
			continue
		}
		g.Go(func() error {
			name := a.ID() + "/" + concernName
			err := e.observe(ctx, name, func() error { return fn(ctx, a, pr) })
			if err != nil {
				e.logger.ErrorContext(ctx, "handler failed",
					"handler", name, "permission_id", pr.PermissionID, "status", pr.Status, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

func isNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}
