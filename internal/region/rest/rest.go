// Package rest talks JSON over HTTP to a permission administrator.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"gridconsent/internal/domain"
	"gridconsent/internal/region"
)

type Config struct {
	ID      string
	Country string
	BaseURL string
	Token   string
	// Rate is requests per second; zero means unlimited.
	Rate       float64
	Burst      int
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	HTTPClient *http.Client
}

type Adapter struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	sleep   func(ctx context.Context, d time.Duration) error
}

func New(cfg Config) (*Adapter, error) {
	if _, err := url.Parse(cfg.BaseURL); err != nil || cfg.BaseURL == "" {
		return nil, fmt.Errorf("region %s: base url %q is invalid", cfg.ID, cfg.BaseURL)
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 200 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Adapter{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
		sleep:   sleepContext,
	}, nil
}

func (a *Adapter) ID() string      { return a.cfg.ID }
func (a *Adapter) Country() string { return a.cfg.Country }

type sendRequest struct {
	PermissionID    string    `json:"permission_id"`
	ConnectionID    string    `json:"connection_id"`
	MeteringPointID string    `json:"metering_point_id,omitempty"`
	Start           string    `json:"start"`
	End             string    `json:"end"`
	Granularity     string    `json:"granularity,omitempty"`
	RequestedAt     time.Time `json:"requested_at"`
}

type sendResponse struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Message     string `json:"message,omitempty"`
	Credentials *struct {
		Username string `json:"username"`
		Password string `json:"password"`
	} `json:"credentials,omitempty"`
}

type readingsResponse struct {
	Readings []struct {
		Timestamp time.Time `json:"timestamp"`
		Value     float64   `json:"value"`
	} `json:"readings"`
	Granularity   string `json:"granularity,omitempty"`
	Unfulfillable bool   `json:"unfulfillable,omitempty"`
}

func (a *Adapter) Send(ctx context.Context, pr domain.PermissionRequest) (region.SendResult, error) {
	body := sendRequest{
		PermissionID:    pr.PermissionID,
		ConnectionID:    pr.ConnectionID,
		MeteringPointID: pr.MeteringPointID,
		Start:           pr.Start.Format("2006-01-02"),
		End:             pr.End.Format("2006-01-02"),
		Granularity:     string(pr.Granularity),
		RequestedAt:     time.Now().UTC(),
	}
	var resp sendResponse
	if err := a.do(ctx, http.MethodPost, "/permission-requests", body, &resp); err != nil {
		return region.SendResult{}, err
	}
	res := region.SendResult{ExternalID: resp.ID, Message: resp.Message}
	switch strings.ToLower(resp.Status) {
	case "accepted", "granted":
		res.Decision = region.DecisionAccepted
	case "rejected", "denied":
		res.Decision = region.DecisionRejected
	case "pending", "queued":
		res.Decision = region.DecisionPending
	default:
		res.Decision = region.DecisionReceived
	}
	if resp.Credentials != nil {
		res.Credentials = &region.Credentials{Username: resp.Credentials.Username, Secret: resp.Credentials.Password}
	}
	return res, nil
}

func (a *Adapter) Poll(ctx context.Context, pr domain.PermissionRequest, from time.Time) (region.PollResult, error) {
	q := url.Values{}
	q.Set("from", from.UTC().Format(time.RFC3339))
	return a.readings(ctx, "/permission-requests/"+url.PathEscape(externalID(pr))+"/readings?"+q.Encode(), http.MethodGet, nil)
}

func (a *Adapter) Retransmit(ctx context.Context, pr domain.PermissionRequest, from, to time.Time) (region.PollResult, error) {
	body := map[string]string{
		"from": from.UTC().Format("2006-01-02"),
		"to":   to.UTC().Format("2006-01-02"),
	}
	return a.readings(ctx, "/permission-requests/"+url.PathEscape(externalID(pr))+"/retransmissions", http.MethodPost, body)
}

func (a *Adapter) readings(ctx context.Context, endpoint, method string, body any) (region.PollResult, error) {
	var resp readingsResponse
	if err := a.do(ctx, method, endpoint, body, &resp); err != nil {
		return region.PollResult{}, err
	}
	if resp.Unfulfillable {
		return region.PollResult{}, region.NewError(region.KindUnfulfillable, "administrator holds no data for this customer")
	}
	res := region.PollResult{Readings: len(resp.Readings), Granularity: domain.Granularity(resp.Granularity)}
	for _, r := range resp.Readings {
		ts := r.Timestamp.UTC()
		if res.LatestReading == nil || ts.After(*res.LatestReading) {
			res.LatestReading = &ts
		}
	}
	return res, nil
}

func (a *Adapter) Terminate(ctx context.Context, pr domain.PermissionRequest) error {
	err := a.do(ctx, http.MethodDelete, "/permission-requests/"+url.PathEscape(externalID(pr)), nil, nil)
	if region.KindOf(err) == region.KindNotFound {
		// already gone on the administrator side
		return nil
	}
	return err
}

func externalID(pr domain.PermissionRequest) string {
	if pr.ExternalID != "" {
		return pr.ExternalID
	}
	return pr.PermissionID
}

// do performs one logical call with bounded retries for transient failures.
func (a *Adapter) do(ctx context.Context, method, endpoint string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	var lastErr error
	for attempt := 0; attempt <= a.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := a.sleep(ctx, a.backoff(attempt)); err != nil {
				return err
			}
		}
		lastErr = a.once(ctx, method, endpoint, payload, out)
		if lastErr == nil || !region.Retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (a *Adapter) backoff(attempt int) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	d := a.cfg.BaseDelay * time.Duration(1<<uint(attempt-1))
	if d > a.cfg.MaxDelay {
		d = a.cfg.MaxDelay
	}
	return d
}

func (a *Adapter) once(ctx context.Context, method, endpoint string, payload []byte, out any) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	target := strings.TrimRight(a.cfg.BaseURL, "/") + endpoint
	var rdr io.Reader
	if payload != nil {
		rdr = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.Token)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &region.Error{Kind: region.KindUnavailable, Message: "read response", Err: err}
	}
	if resp.StatusCode >= 300 {
		return statusError(resp.StatusCode, data)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &region.Error{Kind: region.KindInvalid, Message: "malformed administrator response", Err: err}
	}
	return nil
}

func transportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &region.Error{Kind: region.KindUnavailable, Message: "unknown host " + dnsErr.Name, Err: err}
	}
	return &region.Error{Kind: region.KindUnavailable, Message: err.Error(), Err: err}
}

func statusError(code int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	var envelope struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil {
		if envelope.Message != "" {
			msg = envelope.Message
		} else if envelope.Error != "" {
			msg = envelope.Error
		}
	}
	if msg == "" {
		msg = http.StatusText(code)
	}
	kind := region.KindUnavailable
	switch {
	case code == http.StatusUnauthorized:
		kind = region.KindUnauthorized
	case code == http.StatusForbidden:
		kind = region.KindForbidden
	case code == http.StatusNotFound:
		kind = region.KindNotFound
	case code == http.StatusTooManyRequests:
		kind = region.KindRateLimited
	case code == http.StatusBadRequest, code == http.StatusConflict, code == http.StatusUnprocessableEntity:
		kind = region.KindInvalid
	}
	return &region.Error{Kind: kind, Message: fmt.Sprintf("administrator returned %d: %s", code, msg)}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
