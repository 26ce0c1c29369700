package outbound

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"gridconsent/internal/config"
	"gridconsent/internal/domain"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// EventLog pages through committed events by store position.
type EventLog interface {
	EventsAfter(ctx context.Context, position int64, limit int) ([]domain.Event, error)
}

// Dispatcher delivers status messages to webhooks at least once. Each hook
// keeps its own cursor; a failed delivery stops that hook until the next
// round.
type Dispatcher struct {
	log      EventLog
	cursors  Cursors
	hooks    []config.Webhook
	client   *http.Client
	interval time.Duration
	logger   *slog.Logger
}

type DispatcherOptions struct {
	Interval time.Duration
	Client   *http.Client
	Logger   *slog.Logger
}

func NewDispatcher(log EventLog, cursors Cursors, hooks []config.Webhook, opts DispatcherOptions) *Dispatcher {
	d := &Dispatcher{
		log:      log,
		cursors:  cursors,
		hooks:    hooks,
		client:   opts.Client,
		interval: opts.Interval,
		logger:   opts.Logger,
	}
	if d.client == nil {
		d.client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	if d.interval <= 0 {
		d.interval = defaultWebhookInterval
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	d.logger = d.logger.With("component", "webhooks")
	return d
}

// Run dispatches until ctx ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	if len(d.hooks) == 0 {
		return nil
	}
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) DispatchAll(ctx context.Context) {
	for _, hook := range d.hooks {
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		if err := d.dispatch(ctx, hook); err != nil {
			d.logger.WarnContext(ctx, "webhook delivery stopped", "webhook", hookName(hook), "error", err)
		}
	}
}

func hookName(h config.Webhook) string {
	if h.Name != "" {
		return h.Name
	}
	return h.URL
}

func (d *Dispatcher) dispatch(ctx context.Context, hook config.Webhook) error {
	name := "webhook:" + hookName(hook)
	cursor, err := d.cursors.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	filter := newStatusFilter(hook.Statuses)
	for {
		evts, err := d.log.EventsAfter(ctx, cursor, defaultWebhookBatch)
		if err != nil {
			return fmt.Errorf("fetch events: %w", err)
		}
		if len(evts) == 0 {
			return nil
		}
		for _, e := range evts {
			if !e.Type.Internal() && filter.match(e.Status) {
				if err := d.post(ctx, hook, e); err != nil {
					return err
				}
			}
			cursor = e.Position
			if err := d.cursors.Save(ctx, name, cursor); err != nil {
				return fmt.Errorf("save cursor: %w", err)
			}
		}
		if len(evts) < defaultWebhookBatch {
			return nil
		}
	}
}

func (d *Dispatcher) post(ctx context.Context, hook config.Webhook, e domain.Event) error {
	data, err := json.Marshal(StatusMessage(e))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Gridconsent-Status", string(e.Status))
	req.Header.Set("X-Gridconsent-Delivery", e.ID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Gridconsent-Secret", hook.Secret)
	}
	res, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type statusFilter struct {
	all bool
	set map[domain.Status]struct{}
}

func newStatusFilter(statuses []string) statusFilter {
	set := make(map[domain.Status]struct{}, len(statuses))
	for _, s := range statuses {
		key := strings.ToUpper(strings.TrimSpace(s))
		if key == "" {
			continue
		}
		set[domain.Status(key)] = struct{}{}
	}
	if len(set) == 0 {
		return statusFilter{all: true}
	}
	return statusFilter{set: set}
}

func (f statusFilter) match(s domain.Status) bool {
	if f.all {
		return true
	}
	_, ok := f.set[s]
	return ok
}
