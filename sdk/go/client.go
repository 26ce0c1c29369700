package gridconsentsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal gridconsent HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. http://localhost:8080/v1.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// PermissionRequest mirrors the API model.
type PermissionRequest struct {
	PermissionID          string            `json:"permission_id"`
	ConnectionID          string            `json:"connection_id"`
	DataNeedID            string            `json:"data_need_id"`
	Region                string            `json:"region"`
	MeteringPointID       string            `json:"metering_point_id,omitempty"`
	Status                string            `json:"status"`
	Created               time.Time         `json:"created"`
	Updated               time.Time         `json:"updated"`
	Start                 time.Time         `json:"start"`
	End                   time.Time         `json:"end"`
	Granularity           string            `json:"granularity,omitempty"`
	ExternalID            string            `json:"external_id,omitempty"`
	LatestMeterReading    *time.Time        `json:"latest_meter_reading,omitempty"`
	Message               string            `json:"message,omitempty"`
	Errors                []AttributeError  `json:"errors,omitempty"`
	DataSourceInformation map[string]string `json:"data_source_information,omitempty"`
	Version               int64             `json:"version"`
}

type AttributeError struct {
	Attribute string `json:"attribute"`
	Message   string `json:"message"`
}

// StatusMessage is the connection status message of the request.
type StatusMessage struct {
	ConnectionID string    `json:"connection_id"`
	PermissionID string    `json:"permission_id"`
	DataNeedID   string    `json:"data_need_id"`
	Region       string    `json:"region"`
	Status       string    `json:"status"`
	Message      string    `json:"message,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Event is one entry of a request's history.
type Event struct {
	ID           string     `json:"id"`
	PermissionID string     `json:"permission_id"`
	Seq          int64      `json:"seq"`
	Type         string     `json:"type"`
	Status       string     `json:"status"`
	Created      time.Time  `json:"created"`
	ExternalID   string     `json:"external_id,omitempty"`
	Message      string     `json:"message,omitempty"`
	Reading      *time.Time `json:"reading,omitempty"`
}

// CreateRequest holds the fields of a new permission request. Dates use
// YYYY-MM-DD.
type CreateRequest struct {
	ConnectionID    string `json:"connection_id,omitempty"`
	DataNeedID      string `json:"data_need_id,omitempty"`
	Region          string `json:"region,omitempty"`
	MeteringPointID string `json:"metering_point_id,omitempty"`
	Start           string `json:"start,omitempty"`
	End             string `json:"end,omitempty"`
	Granularity     string `json:"granularity,omitempty"`
}

type RetransmissionResult struct {
	PermissionID string    `json:"permission_id"`
	Result       string    `json:"result"`
	Reason       string    `json:"reason,omitempty"`
	Readings     int       `json:"readings,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

type envelope struct {
	PermissionRequest PermissionRequest `json:"permission_request"`
	StatusMessage     StatusMessage     `json:"status_message"`
}

// Create submits a permission request. A malformed request comes back as an
// *APIError with code malformed_request and per-field details.
func (c *Client) Create(ctx context.Context, req CreateRequest) (PermissionRequest, error) {
	var resp envelope
	err := c.do(ctx, http.MethodPost, "permission-requests", req, &resp)
	return resp.PermissionRequest, err
}

// Get fetches a permission request by id.
func (c *Client) Get(ctx context.Context, id string) (PermissionRequest, error) {
	var resp envelope
	err := c.do(ctx, http.MethodGet, "permission-requests/"+url.PathEscape(id), nil, &resp)
	return resp.PermissionRequest, err
}

// List returns permission requests, optionally filtered by status.
func (c *Client) List(ctx context.Context, statuses ...string) ([]PermissionRequest, error) {
	endpoint := "permission-requests"
	if len(statuses) > 0 {
		endpoint += "?status=" + url.QueryEscape(strings.Join(statuses, ","))
	}
	var resp struct {
		Items []PermissionRequest `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Events returns the history of a permission request.
func (c *Client) Events(ctx context.Context, id string) ([]Event, error) {
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "permission-requests/"+url.PathEscape(id)+"/events", nil, &resp)
	return resp.Items, err
}

// Terminate ends an accepted permission.
func (c *Client) Terminate(ctx context.Context, id, reason string) (PermissionRequest, error) {
	return c.transition(ctx, id, "terminate", reason)
}

// RetryTermination asks the administrator again to terminate.
func (c *Client) RetryTermination(ctx context.Context, id string) (PermissionRequest, error) {
	return c.transition(ctx, id, "retry-termination", "")
}

// Revoke records that the customer withdrew consent.
func (c *Client) Revoke(ctx context.Context, id, reason string) (PermissionRequest, error) {
	return c.transition(ctx, id, "revoke", reason)
}

// Retransmit requests data for [from, to] again. Dates use YYYY-MM-DD.
func (c *Client) Retransmit(ctx context.Context, id, from, to string) (RetransmissionResult, error) {
	var resp RetransmissionResult
	body := map[string]string{"from": from, "to": to}
	err := c.do(ctx, http.MethodPost, "permission-requests/"+url.PathEscape(id)+"/retransmissions", body, &resp)
	return resp, err
}

func (c *Client) transition(ctx context.Context, id, action, reason string) (PermissionRequest, error) {
	endpoint := fmt.Sprintf("permission-requests/%s/%s", url.PathEscape(id), action)
	if reason != "" {
		endpoint += "?reason=" + url.QueryEscape(reason)
	}
	var resp envelope
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp.PermissionRequest, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var rdr io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		rdr = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
