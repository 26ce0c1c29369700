// Package region defines what the handler engine needs from a permission
// administrator: send a request, poll for data, terminate.
package region

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gridconsent/internal/domain"
)

// Adapter is implemented once per administrator integration.
type Adapter interface {
	// ID is the region-connector id, e.g. "fi-fingrid".
	ID() string
	// Country is the ISO 3166 alpha-2 code served by the adapter.
	Country() string
	Send(ctx context.Context, pr domain.PermissionRequest) (SendResult, error)
	Poll(ctx context.Context, pr domain.PermissionRequest, from time.Time) (PollResult, error)
	Terminate(ctx context.Context, pr domain.PermissionRequest) error
}

// Retransmitter is implemented by adapters that can re-deliver a time frame.
type Retransmitter interface {
	Retransmit(ctx context.Context, pr domain.PermissionRequest, from, to time.Time) (PollResult, error)
}

// Decision is the administrator's answer to a sent request.
type Decision string

const (
	// DecisionPending means the administrator has not acknowledged receipt.
	DecisionPending Decision = "pending"
	// DecisionReceived means receipt was acknowledged, the customer decides later.
	DecisionReceived Decision = "received"
	DecisionAccepted Decision = "accepted"
	DecisionRejected Decision = "rejected"
)

type Credentials struct {
	Username string
	Secret   string
}

type SendResult struct {
	Decision    Decision
	ExternalID  string
	Credentials *Credentials
	Message     string
}

// PollResult summarises the data retrieved by one poll.
type PollResult struct {
	Readings      int
	LatestReading *time.Time
	Granularity   domain.Granularity
}

// ErrorKind classifies transport failures.
type ErrorKind string

const (
	KindUnavailable   ErrorKind = "unavailable"
	KindRateLimited   ErrorKind = "rate_limited"
	KindUnauthorized  ErrorKind = "unauthorized"
	KindForbidden     ErrorKind = "forbidden"
	KindInvalid       ErrorKind = "invalid"
	KindNotFound      ErrorKind = "not_found"
	KindUnfulfillable ErrorKind = "unfulfillable"
	KindTimeout       ErrorKind = "timeout"
)

// Error is the typed failure adapters return.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" && e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf classifies any error; context deadlines count as timeouts and
// unknown errors as unavailable.
func KindOf(err error) ErrorKind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnavailable
}

// Reason renders err as the human readable message stored on events.
func Reason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var re *Error
	if errors.As(err, &re) && re.Message != "" {
		return re.Message
	}
	return err.Error()
}

// Retryable reports whether repeating the call may succeed.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindUnavailable, KindRateLimited:
		return true
	}
	return false
}
