package handlers

import (
	"context"
	"fmt"

	"gridconsent/internal/domain"
	"gridconsent/internal/fsm"
	"gridconsent/internal/region"
	"gridconsent/internal/repo"
)

func (e *Engine) send(ctx context.Context, a region.Adapter, pr domain.PermissionRequest, _ domain.Event) error {
	if pr.Status != domain.StatusValidated {
		return nil
	}
	cctx, cancel := e.call(ctx)
	res, err := a.Send(cctx, pr)
	cancel()
	if err != nil {
		e.logger.WarnContext(ctx, "sending to administrator failed",
			"permission_id", pr.PermissionID, "region", a.ID(), "error", err)
		switch region.KindOf(err) {
		case region.KindUnauthorized, region.KindInvalid:
			return e.commit(ctx, domain.StatusEvent(pr.PermissionID, domain.EventInvalid, region.Reason(err)))
		default:
			return e.commit(ctx, domain.UnableToSendEvent(pr.PermissionID, region.Reason(err)))
		}
	}

	// The administrator has the request now. Leave VALIDATED first so a
	// failure on the follow-ups below cannot get it sent twice.
	sent := domain.StatusEvent(pr.PermissionID, domain.EventSentToAdministrator, res.Message)
	var decision *domain.Event
	switch res.Decision {
	case region.DecisionPending:
		sent = domain.StatusEvent(pr.PermissionID, domain.EventPendingAcknowledgement, res.Message)
	case region.DecisionAccepted:
		sent.Message = ""
		d := domain.StatusEvent(pr.PermissionID, domain.EventAccepted, res.Message)
		decision = &d
	case region.DecisionRejected:
		sent.Message = ""
		d := domain.StatusEvent(pr.PermissionID, domain.EventRejected, res.Message)
		decision = &d
	}
	if err := e.commit(ctx, sent); err != nil {
		if !fsm.IsTransitionError(err) {
			e.markUnableToSend(ctx, pr.PermissionID, err)
		}
		return err
	}

	var evs []domain.Event
	if res.ExternalID != "" {
		evs = append(evs, domain.ExternalIDReceivedEvent(pr.PermissionID, res.ExternalID))
	}
	if res.Credentials != nil && e.creds != nil {
		if err := e.creds.Put(ctx, repo.Credential{
			PermissionID: pr.PermissionID,
			Username:     res.Credentials.Username,
			Secret:       res.Credentials.Secret,
			CreatedAt:    e.now().UTC(),
		}); err != nil {
			return fmt.Errorf("store credentials: %w", err)
		}
		evs = append(evs, domain.CredentialsCreatedEvent(pr.PermissionID, res.Credentials.Username))
	}
	if decision != nil {
		evs = append(evs, *decision)
	}
	return e.commit(ctx, evs...)
}

// markUnableToSend records that the send outcome could not be stored, so
// the request does not stay VALIDATED and get sent again on resync.
func (e *Engine) markUnableToSend(ctx context.Context, permissionID string, cause error) {
	reason := "storing the administrator response failed: " + cause.Error()
	if _, err := e.commits.Commit(ctx, domain.UnableToSendEvent(permissionID, reason)); err != nil {
		e.logger.ErrorContext(ctx, "recording unable to send failed",
			"permission_id", permissionID, "error", err, "cause", cause)
	}
}

func (e *Engine) poll(ctx context.Context, a region.Adapter, pr domain.PermissionRequest, _ domain.Event) error {
	if pr.Status != domain.StatusAccepted {
		return nil
	}
	from := pr.Start
	if pr.LatestMeterReading != nil {
		from = *pr.LatestMeterReading
	}
	cctx, cancel := e.call(ctx)
	res, err := a.Poll(cctx, pr, from)
	cancel()
	if err != nil {
		switch region.KindOf(err) {
		case region.KindUnauthorized, region.KindForbidden:
			return e.commit(ctx, domain.StatusEvent(pr.PermissionID, domain.EventRevoked, region.Reason(err)))
		case region.KindUnfulfillable:
			return e.commit(ctx, domain.StatusEvent(pr.PermissionID, domain.EventUnfulfillable, region.Reason(err)))
		}
		return fmt.Errorf("poll %s: %w", pr.PermissionID, err)
	}
	var evs []domain.Event
	if res.Granularity != "" && res.Granularity != pr.Granularity {
		evs = append(evs, domain.GranularityUpdateEvent(pr.PermissionID, res.Granularity))
	}
	if res.LatestReading != nil && (pr.LatestMeterReading == nil || res.LatestReading.After(*pr.LatestMeterReading)) {
		evs = append(evs, domain.MeterReadingEvent(pr.PermissionID, res.LatestReading.UTC()))
	}
	return e.commit(ctx, evs...)
}

// fulfill closes the request once data up to the end of its last day arrived.
func (e *Engine) fulfill(ctx context.Context, _ region.Adapter, pr domain.PermissionRequest, _ domain.Event) error {
	if pr.Status != domain.StatusAccepted || pr.LatestMeterReading == nil {
		return nil
	}
	if pr.LatestMeterReading.Before(pr.EndOfDataDay()) {
		return nil
	}
	return e.commit(ctx, domain.StatusEvent(pr.PermissionID, domain.EventFulfilled, ""))
}

func (e *Engine) terminate(ctx context.Context, a region.Adapter, pr domain.PermissionRequest, _ domain.Event) error {
	if pr.Status != domain.StatusRequiresExternalTermination {
		return nil
	}
	cctx, cancel := e.call(ctx)
	err := a.Terminate(cctx, pr)
	cancel()
	if err != nil {
		e.logger.WarnContext(ctx, "external termination failed",
			"permission_id", pr.PermissionID, "region", a.ID(), "error", err)
		return e.commit(ctx, domain.FailedToTerminateEvent(pr.PermissionID, region.Reason(err)))
	}
	return e.commit(ctx, domain.StatusEvent(pr.PermissionID, domain.EventExternallyTerminated, ""))
}

func (e *Engine) cleanup(ctx context.Context, _ region.Adapter, pr domain.PermissionRequest, _ domain.Event) error {
	if e.creds == nil {
		return nil
	}
	if err := e.creds.Delete(ctx, pr.PermissionID); err != nil {
		return fmt.Errorf("delete credentials: %w", err)
	}
	return nil
}
