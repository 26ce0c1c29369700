package engine

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"gridconsent/internal/domain"
	"gridconsent/internal/fsm"
	"gridconsent/internal/repo"
)

var (
	ErrUnauthorizedCallback = errors.New("callback secret does not match")
	ErrCallbackStatus       = errors.New("status cannot be reported by a callback")
)

// Terminate ends an accepted permission on the customer's behalf and asks
// the administrator to do the same.
func (e Engine) Terminate(ctx context.Context, id, reason string) (domain.PermissionRequest, error) {
	if _, err := e.Repo.Get(ctx, id); err != nil {
		return domain.PermissionRequest{}, err
	}
	if _, err := e.Outbox.Commit(ctx, domain.StatusEvent(id, domain.EventTerminated, reason)); err != nil {
		return domain.PermissionRequest{}, err
	}
	if _, err := e.Outbox.Commit(ctx, domain.StatusEvent(id, domain.EventRequiresExternalTermination, "")); err != nil {
		return domain.PermissionRequest{}, err
	}
	return e.Repo.Get(ctx, id)
}

// RetryTermination hands a failed external termination back to the
// termination handler.
func (e Engine) RetryTermination(ctx context.Context, id string) (domain.PermissionRequest, error) {
	pr, err := e.Repo.Get(ctx, id)
	if err != nil {
		return domain.PermissionRequest{}, err
	}
	if pr.Status != domain.StatusFailedToTerminate && pr.Status != domain.StatusTerminated {
		return domain.PermissionRequest{}, fsm.PastStateError{Current: pr.Status, Operation: fsm.OpRequireExternalTermination}
	}
	if _, err := e.Outbox.Commit(ctx, domain.StatusEvent(id, domain.EventRequiresExternalTermination, "retry")); err != nil {
		return domain.PermissionRequest{}, err
	}
	return e.Repo.Get(ctx, id)
}

func (e Engine) Revoke(ctx context.Context, id, reason string) (domain.PermissionRequest, error) {
	if _, err := e.Repo.Get(ctx, id); err != nil {
		return domain.PermissionRequest{}, err
	}
	if _, err := e.Outbox.Commit(ctx, domain.StatusEvent(id, domain.EventRevoked, reason)); err != nil {
		return domain.PermissionRequest{}, err
	}
	return e.Repo.Get(ctx, id)
}

// callbackStatuses may be reported by an administrator.
var callbackStatuses = map[domain.Status]bool{
	domain.StatusSentToAdministrator:  true,
	domain.StatusAccepted:             true,
	domain.StatusRejected:             true,
	domain.StatusInvalid:              true,
	domain.StatusRevoked:              true,
	domain.StatusUnfulfillable:        true,
	domain.StatusExternallyTerminated: true,
}

type CallbackOptions struct {
	Region       string
	Secret       string
	PermissionID string
	Status       string
	Message      string
}

type CallbackOutcome string

const (
	CallbackApplied CallbackOutcome = "applied"
	CallbackIgnored CallbackOutcome = "ignored"
)

type CallbackResult struct {
	PermissionID string          `json:"permission_id"`
	Outcome      CallbackOutcome `json:"outcome"`
	Status       domain.Status   `json:"status"`
	Reason       string          `json:"reason,omitempty"`
}

// HandleCallback applies a status notification from an administrator. A
// notification the state machine refuses is reported as ignored.
func (e Engine) HandleCallback(ctx context.Context, opts CallbackOptions) (CallbackResult, error) {
	a, err := e.Regions.Lookup(opts.Region)
	if err != nil {
		return CallbackResult{}, err
	}
	cfg := e.regionConfig(a.ID())
	if cfg.CallbackSecret != "" && subtle.ConstantTimeCompare([]byte(cfg.CallbackSecret), []byte(opts.Secret)) != 1 {
		return CallbackResult{}, ErrUnauthorizedCallback
	}
	status, err := domain.ParseStatus(strings.ToUpper(strings.TrimSpace(opts.Status)))
	if err != nil || !callbackStatuses[status] {
		return CallbackResult{}, fmt.Errorf("%w: %q", ErrCallbackStatus, opts.Status)
	}
	pr, err := e.Repo.Get(ctx, opts.PermissionID)
	if err != nil {
		return CallbackResult{}, err
	}
	if pr.Region != a.ID() {
		return CallbackResult{}, fmt.Errorf("permission %s is not served by %s: %w", opts.PermissionID, a.ID(), repo.ErrNotFound)
	}
	_, err = e.Outbox.Commit(ctx, domain.StatusEvent(pr.PermissionID, domain.EventTypeFor(status), opts.Message))
	if fsm.IsTransitionError(err) {
		e.logger().WarnContext(ctx, "callback ignored",
			"permission_id", pr.PermissionID, "status", pr.Status, "reported", status, "error", err)
		return CallbackResult{PermissionID: pr.PermissionID, Outcome: CallbackIgnored, Status: pr.Status, Reason: err.Error()}, nil
	}
	if err != nil {
		return CallbackResult{}, err
	}
	return CallbackResult{PermissionID: pr.PermissionID, Outcome: CallbackApplied, Status: status}, nil
}

// Resync re-emits the latest event of every request that can still move, so
// subscribers pick up work lost with a previous process. A request left
// TERMINATED by an interrupted Terminate gets its external termination
// committed. It returns how many requests were resynced.
func (e Engine) Resync(ctx context.Context) (int, error) {
	candidates := append(domain.NonTerminalStatuses(), domain.StatusTerminated)
	prs, err := e.Repo.ListByStatus(ctx, candidates...)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, pr := range prs {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if pr.Status == domain.StatusTerminated {
			_, err = e.Outbox.Commit(ctx, domain.StatusEvent(pr.PermissionID, domain.EventRequiresExternalTermination, "resync"))
		} else {
			_, err = e.Outbox.Replay(ctx, pr.PermissionID)
		}
		if err != nil {
			e.logger().ErrorContext(ctx, "resync failed", "permission_id", pr.PermissionID, "status", pr.Status, "error", err)
			continue
		}
		n++
	}
	e.logger().InfoContext(ctx, "resync finished", "resynced", n, "candidates", len(prs))
	return n, nil
}
