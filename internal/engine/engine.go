// Package engine holds the inbound triggers: everything an API client,
// the CLI or an administrator callback can ask of a permission request.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"gridconsent/internal/config"
	"gridconsent/internal/domain"
	"gridconsent/internal/events"
	"gridconsent/internal/region"
	"gridconsent/internal/repo"
)

// Outbox commits events and re-emits the latest one.
type Outbox interface {
	Commit(ctx context.Context, e domain.Event) (domain.Event, error)
	Replay(ctx context.Context, permissionID string) (domain.Event, error)
}

type Reader interface {
	Get(ctx context.Context, permissionID string) (domain.PermissionRequest, error)
	History(ctx context.Context, permissionID string) ([]domain.Event, error)
	ListByStatus(ctx context.Context, statuses ...domain.Status) ([]domain.PermissionRequest, error)
}

type Regions interface {
	Lookup(key string) (region.Adapter, error)
}

type Engine struct {
	Outbox  Outbox
	Repo    Reader
	Regions Regions
	Config  *config.Config
	Logger  *slog.Logger
	Now     func() time.Time
	NewID   func() string
}

func New(ob Outbox, r Reader, regions Regions, cfg *config.Config, logger *slog.Logger) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return Engine{
		Outbox:  ob,
		Repo:    r,
		Regions: regions,
		Config:  cfg,
		Logger:  logger.With("component", "engine"),
		Now:     time.Now,
		NewID:   uuid.NewString,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// ValidationError is returned for requests that were recorded as MALFORMED.
type ValidationError struct {
	PermissionID string
	Errors       []domain.AttributeError
}

func (v *ValidationError) Error() string {
	parts := make([]string, len(v.Errors))
	for i, a := range v.Errors {
		parts[i] = a.Attribute + ": " + a.Message
	}
	return "malformed permission request: " + strings.Join(parts, "; ")
}

// Fields maps attribute to message, the first message per attribute wins.
func (v *ValidationError) Fields() map[string]string {
	out := make(map[string]string, len(v.Errors))
	for _, a := range v.Errors {
		if _, ok := out[a.Attribute]; !ok {
			out[a.Attribute] = a.Message
		}
	}
	return out
}

// CreateOptions are the fields of a new permission request.
type CreateOptions struct {
	ConnectionID    string
	DataNeedID      string
	Region          string
	MeteringPointID string
	Start           time.Time
	End             time.Time
	Granularity     string
}

// CreatePermissionRequest records CREATED and then VALIDATED, or MALFORMED
// together with a *ValidationError naming every bad attribute.
func (e Engine) CreatePermissionRequest(ctx context.Context, opts CreateOptions) (domain.PermissionRequest, error) {
	id := e.newID()
	regionID := strings.TrimSpace(opts.Region)
	var regionCfg *config.Region
	if a, err := e.Regions.Lookup(regionID); err == nil {
		regionID = a.ID()
		regionCfg = e.regionConfig(regionID)
	}
	granularity := domain.Granularity(opts.Granularity)
	if granularity == "" {
		if dn, ok := e.Config.DataNeeds[opts.DataNeedID]; ok {
			granularity = domain.Granularity(dn.Granularity)
		}
	}
	start, end := day(opts.Start), day(opts.End)

	created := domain.CreatedEvent(id, regionID, opts.ConnectionID, opts.DataNeedID, opts.MeteringPointID, start, end, granularity)
	if _, err := e.Outbox.Commit(ctx, created); err != nil {
		return domain.PermissionRequest{}, fmt.Errorf("create %s: %w", id, err)
	}

	errs := e.validate(opts, regionID, regionCfg, granularity, start, end)
	if len(errs) > 0 {
		if _, err := e.Outbox.Commit(ctx, domain.MalformedEvent(id, errs)); err != nil {
			return domain.PermissionRequest{}, err
		}
		e.logger().InfoContext(ctx, "permission request malformed", "permission_id", id, "errors", len(errs))
		pr, err := e.Repo.Get(ctx, id)
		if err != nil {
			return domain.PermissionRequest{}, err
		}
		return pr, &ValidationError{PermissionID: id, Errors: errs}
	}
	if _, err := e.Outbox.Commit(ctx, domain.StatusEvent(id, domain.EventValidated, "")); err != nil {
		return domain.PermissionRequest{}, err
	}
	return e.Repo.Get(ctx, id)
}

func (e Engine) validate(opts CreateOptions, regionID string, regionCfg *config.Region, g domain.Granularity, start, end time.Time) []domain.AttributeError {
	var errs []domain.AttributeError
	add := func(attr, msg string) {
		errs = append(errs, domain.AttributeError{Attribute: attr, Message: msg})
	}
	if strings.TrimSpace(opts.ConnectionID) == "" {
		add("connection_id", "must not be blank")
	}
	switch {
	case strings.TrimSpace(opts.DataNeedID) == "":
		add("data_need_id", "must not be blank")
	case len(e.Config.DataNeeds) > 0:
		if _, ok := e.Config.DataNeeds[opts.DataNeedID]; !ok {
			add("data_need_id", "unknown data need")
		}
	}
	switch {
	case regionID == "":
		add("region", "must not be blank")
	case regionCfg == nil:
		add("region", "unknown region connector")
	}
	switch {
	case g == "":
		add("granularity", "must not be blank")
	case !g.Valid():
		add("granularity", "unknown granularity")
	}
	if regionCfg != nil && regionCfg.RequiresMeteringPoint && strings.TrimSpace(opts.MeteringPointID) == "" {
		add("metering_point_id", "required by region connector")
	}
	if opts.Start.IsZero() {
		add("start", "must not be blank")
	}
	if opts.End.IsZero() {
		add("end", "must not be blank")
	}
	if opts.Start.IsZero() || opts.End.IsZero() {
		return errs
	}
	if start.After(end) {
		add("start", "start must be before or equal to end")
	}
	today := day(e.now())
	if n := e.Config.Validation.MaxHistoryMonths; n > 0 && start.Before(today.AddDate(0, -n, 0)) {
		add("start", fmt.Sprintf("must not be more than %d months in the past", n))
	}
	if n := e.Config.Validation.MaxFutureMonths; n > 0 && end.After(today.AddDate(0, n, 0)) {
		add("end", fmt.Sprintf("must not be more than %d months in the future", n))
	}
	return errs
}

func (e Engine) regionConfig(id string) *config.Region {
	for i := range e.Config.Regions {
		if strings.EqualFold(e.Config.Regions[i].ID, id) {
			return &e.Config.Regions[i]
		}
	}
	return &config.Region{ID: id}
}

// day truncates to midnight UTC of t's UTC date.
func day(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (e Engine) Get(ctx context.Context, id string) (domain.PermissionRequest, error) {
	return e.Repo.Get(ctx, id)
}

func (e Engine) History(ctx context.Context, id string) ([]domain.Event, error) {
	return e.Repo.History(ctx, id)
}

// List returns requests in any of statuses, or all requests when none are given.
func (e Engine) List(ctx context.Context, statuses ...domain.Status) ([]domain.PermissionRequest, error) {
	if len(statuses) == 0 {
		statuses = domain.Statuses
	}
	return e.Repo.ListByStatus(ctx, statuses...)
}

// IsNotFound reports errors meaning no such permission request.
func IsNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound) || errors.Is(err, events.ErrNotFound)
}
