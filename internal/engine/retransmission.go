package engine

import (
	"context"
	"fmt"
	"time"

	"gridconsent/internal/domain"
	"gridconsent/internal/region"
)

type RetransmissionKind string

const (
	RetransmissionNotFound         RetransmissionKind = "PERMISSION_REQUEST_NOT_FOUND"
	RetransmissionNoActive         RetransmissionKind = "NO_ACTIVE_PERMISSION"
	RetransmissionNotSupported     RetransmissionKind = "NOT_SUPPORTED"
	RetransmissionOutsideTimeframe RetransmissionKind = "NO_PERMISSION_FOR_TIMEFRAME"
	RetransmissionFailure          RetransmissionKind = "FAILURE"
	RetransmissionNoData           RetransmissionKind = "DATA_NOT_AVAILABLE"
	RetransmissionSuccess          RetransmissionKind = "SUCCESS"
)

type RetransmissionResult struct {
	PermissionID string             `json:"permission_id"`
	Kind         RetransmissionKind `json:"result"`
	Reason       string             `json:"reason,omitempty"`
	Readings     int                `json:"readings,omitempty"`
	Timestamp    time.Time          `json:"timestamp" format:"date-time"`
}

// RequestRetransmission asks the administrator to deliver [from, to] again.
// Every outcome is a result; the error is reserved for storage failures.
func (e Engine) RequestRetransmission(ctx context.Context, id string, from, to time.Time) (RetransmissionResult, error) {
	now := e.now()
	res := RetransmissionResult{PermissionID: id, Timestamp: now}
	pr, err := e.Repo.Get(ctx, id)
	if IsNotFound(err) {
		res.Kind = RetransmissionNotFound
		return res, nil
	}
	if err != nil {
		return res, err
	}
	if pr.Status != domain.StatusAccepted && pr.Status != domain.StatusFulfilled {
		res.Kind = RetransmissionNoActive
		res.Reason = fmt.Sprintf("permission request is %s", pr.Status)
		return res, nil
	}
	if dn, ok := e.Config.DataNeeds[pr.DataNeedID]; ok && !dn.RetransmissionAllowed() {
		res.Kind = RetransmissionNotSupported
		res.Reason = fmt.Sprintf("retransmission of data need %s not supported", pr.DataNeedID)
		return res, nil
	}
	a, err := e.Regions.Lookup(pr.Region)
	if err != nil {
		res.Kind = RetransmissionNotSupported
		res.Reason = err.Error()
		return res, nil
	}
	rt, ok := a.(region.Retransmitter)
	if !ok {
		res.Kind = RetransmissionNotSupported
		res.Reason = fmt.Sprintf("region connector %s cannot retransmit", a.ID())
		return res, nil
	}
	from, to = day(from), day(to)
	if from.IsZero() || to.IsZero() || from.After(to) {
		res.Kind = RetransmissionFailure
		res.Reason = "from must be before or equal to to"
		return res, nil
	}
	if from.Before(pr.Start) || to.After(pr.End) {
		res.Kind = RetransmissionOutsideTimeframe
		return res, nil
	}
	if !to.Before(day(now)) {
		res.Kind = RetransmissionNotSupported
		res.Reason = "Retransmission to date needs to be before today"
		return res, nil
	}

	timeout := e.Config.Handlers.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	poll, err := rt.Retransmit(cctx, pr, from, to)
	if err != nil {
		e.logger().WarnContext(ctx, "retransmission failed", "permission_id", id, "region", a.ID(), "error", err)
		res.Kind = RetransmissionFailure
		res.Reason = region.Reason(err)
		return res, nil
	}
	if poll.Readings == 0 {
		res.Kind = RetransmissionNoData
		return res, nil
	}
	res.Kind = RetransmissionSuccess
	res.Readings = poll.Readings
	return res, nil
}
