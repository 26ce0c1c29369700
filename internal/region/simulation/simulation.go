// Package simulation is an in-process permission administrator used for
// local runs and tests. Its behaviour is scripted through Config and the
// Fail* helpers.
package simulation

import (
	"context"
	"sync"
	"time"

	"gridconsent/internal/domain"
	"gridconsent/internal/region"
)

type Config struct {
	ID      string
	Country string
	// Decision returned by Send; defaults to accepted.
	Decision region.Decision
	// IssueCredentials makes Send hand out per-permission credentials.
	IssueCredentials bool
	// ReadingStep is how far each poll advances the data; defaults to a day.
	ReadingStep time.Duration
	// Latency is added to every call.
	Latency time.Duration
	Now     func() time.Time
}

type Adapter struct {
	cfg Config

	mu            sync.Mutex
	calls         map[string]int
	sendErrs      []error
	pollErrs      []error
	terminateErrs []error
	granularity   domain.Granularity
}

func New(cfg Config) *Adapter {
	if cfg.ID == "" {
		cfg.ID = "sim"
	}
	if cfg.Decision == "" {
		cfg.Decision = region.DecisionAccepted
	}
	if cfg.ReadingStep <= 0 {
		cfg.ReadingStep = 24 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Adapter{cfg: cfg, calls: map[string]int{}}
}

func (a *Adapter) ID() string      { return a.cfg.ID }
func (a *Adapter) Country() string { return a.cfg.Country }

// FailNextSend queues an error for the next Send call.
func (a *Adapter) FailNextSend(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sendErrs = append(a.sendErrs, err)
}

func (a *Adapter) FailNextPoll(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pollErrs = append(a.pollErrs, err)
}

func (a *Adapter) FailNextTermination(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.terminateErrs = append(a.terminateErrs, err)
}

// ReportGranularity makes later polls report g as the delivered granularity.
func (a *Adapter) ReportGranularity(g domain.Granularity) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.granularity = g
}

// Calls returns how often op ("send", "poll", "terminate", "retransmit") ran.
func (a *Adapter) Calls(op string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[op]
}

func (a *Adapter) begin(ctx context.Context, op string, queue *[]error) error {
	a.mu.Lock()
	a.calls[op]++
	var err error
	if len(*queue) > 0 {
		err = (*queue)[0]
		*queue = (*queue)[1:]
	}
	a.mu.Unlock()
	if a.cfg.Latency > 0 {
		t := time.NewTimer(a.cfg.Latency)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (a *Adapter) Send(ctx context.Context, pr domain.PermissionRequest) (region.SendResult, error) {
	if err := a.begin(ctx, "send", &a.sendErrs); err != nil {
		return region.SendResult{}, err
	}
	res := region.SendResult{Decision: a.cfg.Decision, ExternalID: "sim-" + pr.PermissionID}
	if a.cfg.IssueCredentials {
		res.Credentials = &region.Credentials{Username: pr.PermissionID, Secret: "sim-secret-" + pr.PermissionID}
	}
	if a.cfg.Decision == region.DecisionRejected {
		res.Message = "rejected by simulated customer"
	}
	return res, nil
}

// Poll delivers one ReadingStep of data after from, never past the current
// day.
func (a *Adapter) Poll(ctx context.Context, pr domain.PermissionRequest, from time.Time) (region.PollResult, error) {
	a.mu.Lock()
	g := a.granularity
	a.mu.Unlock()
	if err := a.begin(ctx, "poll", &a.pollErrs); err != nil {
		return region.PollResult{}, err
	}
	if from.Before(pr.Start) {
		from = pr.Start
	}
	next := from.Add(a.cfg.ReadingStep)
	if limit := a.cfg.Now().UTC().Truncate(24 * time.Hour); next.After(limit) {
		next = limit
	}
	if !next.After(from) {
		return region.PollResult{Granularity: g}, nil
	}
	readings := int(next.Sub(from) / time.Hour)
	if readings == 0 {
		readings = 1
	}
	return region.PollResult{Readings: readings, LatestReading: &next, Granularity: g}, nil
}

func (a *Adapter) Terminate(ctx context.Context, _ domain.PermissionRequest) error {
	return a.begin(ctx, "terminate", &a.terminateErrs)
}

func (a *Adapter) Retransmit(ctx context.Context, _ domain.PermissionRequest, from, to time.Time) (region.PollResult, error) {
	var none []error
	if err := a.begin(ctx, "retransmit", &none); err != nil {
		return region.PollResult{}, err
	}
	latest := to
	return region.PollResult{Readings: int(to.Sub(from) / time.Hour), LatestReading: &latest}, nil
}
