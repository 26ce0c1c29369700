// Package fsm holds the permission request transition table. Every legal
// (status, operation) pair is listed in Accepts; everything else is an error
// whose kind depends on the phase of the operation relative to the status.
package fsm

import (
	"errors"
	"fmt"

	"gridconsent/internal/domain"
)

// Operation is a transition attempt on a permission request.
type Operation string

const (
	OpCreate                       Operation = "create"
	OpValidate                     Operation = "validate"
	OpSendToAdministrator          Operation = "sendToAdministrator"
	OpReceiveAdministratorResponse Operation = "receiveAdministratorResponse"
	OpAccept                       Operation = "accept"
	OpReject                       Operation = "reject"
	OpInvalid                      Operation = "invalid"
	OpTimeOut                      Operation = "timeOut"
	OpUnfulfillable                Operation = "unfulfillable"
	OpTerminate                    Operation = "terminate"
	OpRevoke                       Operation = "revoke"
	OpFulfill                      Operation = "fulfill"
	OpRequireExternalTermination   Operation = "requireExternalTermination"
	OpExternallyTerminate          Operation = "externallyTerminate"
)

// Operations lists every operation except create.
var Operations = []Operation{
	OpValidate,
	OpSendToAdministrator,
	OpReceiveAdministratorResponse,
	OpAccept,
	OpReject,
	OpInvalid,
	OpTimeOut,
	OpUnfulfillable,
	OpTerminate,
	OpRevoke,
	OpFulfill,
	OpRequireExternalTermination,
	OpExternallyTerminate,
}

// PastStateError reports an operation that belongs to a phase already left.
type PastStateError struct {
	Current   domain.Status
	Operation Operation
}

func (e PastStateError) Error() string {
	return fmt.Sprintf("operation %s belongs to the past of state %s", e.Operation, e.Current)
}

// FutureStateError reports an operation that needs a phase not reached yet.
type FutureStateError struct {
	Current   domain.Status
	Operation Operation
}

func (e FutureStateError) Error() string {
	if e.Current == "" {
		return fmt.Sprintf("operation %s requires an existing permission request", e.Operation)
	}
	return fmt.Sprintf("operation %s requires a later state than %s", e.Operation, e.Current)
}

// IsTransitionError reports whether err is a past or future state error.
func IsTransitionError(err error) bool {
	var past PastStateError
	var future FutureStateError
	return errors.As(err, &past) || errors.As(err, &future)
}

// OperationFor returns the operation whose outcome is the given status.
func OperationFor(s domain.Status) Operation {
	switch s {
	case domain.StatusCreated:
		return OpCreate
	case domain.StatusValidated, domain.StatusMalformed:
		return OpValidate
	case domain.StatusPendingAcknowledgement, domain.StatusUnableToSend:
		return OpSendToAdministrator
	case domain.StatusSentToAdministrator:
		return OpReceiveAdministratorResponse
	case domain.StatusAccepted:
		return OpAccept
	case domain.StatusRejected:
		return OpReject
	case domain.StatusInvalid:
		return OpInvalid
	case domain.StatusTimedOut:
		return OpTimeOut
	case domain.StatusUnfulfillable:
		return OpUnfulfillable
	case domain.StatusTerminated:
		return OpTerminate
	case domain.StatusRevoked:
		return OpRevoke
	case domain.StatusFulfilled:
		return OpFulfill
	case domain.StatusRequiresExternalTermination:
		return OpRequireExternalTermination
	case domain.StatusFailedToTerminate, domain.StatusExternallyTerminated:
		return OpExternallyTerminate
	}
	return ""
}

// Outcomes returns the statuses an operation can establish.
func Outcomes(op Operation) []domain.Status {
	switch op {
	case OpCreate:
		return []domain.Status{domain.StatusCreated}
	case OpValidate:
		return []domain.Status{domain.StatusValidated, domain.StatusMalformed}
	case OpSendToAdministrator:
		return []domain.Status{domain.StatusPendingAcknowledgement, domain.StatusUnableToSend}
	case OpReceiveAdministratorResponse:
		return []domain.Status{domain.StatusSentToAdministrator}
	case OpAccept:
		return []domain.Status{domain.StatusAccepted}
	case OpReject:
		return []domain.Status{domain.StatusRejected}
	case OpInvalid:
		return []domain.Status{domain.StatusInvalid}
	case OpTimeOut:
		return []domain.Status{domain.StatusTimedOut}
	case OpUnfulfillable:
		return []domain.Status{domain.StatusUnfulfillable}
	case OpTerminate:
		return []domain.Status{domain.StatusTerminated}
	case OpRevoke:
		return []domain.Status{domain.StatusRevoked}
	case OpFulfill:
		return []domain.Status{domain.StatusFulfilled}
	case OpRequireExternalTermination:
		return []domain.Status{domain.StatusRequiresExternalTermination}
	case OpExternallyTerminate:
		return []domain.Status{domain.StatusExternallyTerminated, domain.StatusFailedToTerminate}
	}
	return nil
}

// Accepts reports whether the status accepts the operation.
func Accepts(current domain.Status, op Operation) bool {
	switch current {
	case domain.StatusCreated:
		return op == OpValidate
	case domain.StatusValidated:
		switch op {
		case OpSendToAdministrator, OpReceiveAdministratorResponse, OpAccept, OpReject, OpInvalid:
			return true
		}
	case domain.StatusPendingAcknowledgement:
		switch op {
		case OpReceiveAdministratorResponse, OpInvalid, OpTimeOut:
			return true
		}
	case domain.StatusSentToAdministrator:
		switch op {
		case OpAccept, OpReject, OpInvalid, OpTimeOut, OpUnfulfillable:
			return true
		}
	case domain.StatusAccepted:
		switch op {
		case OpTerminate, OpRevoke, OpFulfill, OpRequireExternalTermination, OpUnfulfillable:
			return true
		}
	case domain.StatusTerminated:
		return op == OpRequireExternalTermination
	case domain.StatusRequiresExternalTermination:
		return op == OpExternallyTerminate
	case domain.StatusFailedToTerminate:
		return op == OpExternallyTerminate || op == OpRequireExternalTermination
	case domain.StatusMalformed, domain.StatusUnableToSend, domain.StatusRejected,
		domain.StatusInvalid, domain.StatusTimedOut, domain.StatusUnfulfillable,
		domain.StatusRevoked, domain.StatusFulfilled, domain.StatusExternallyTerminated:
		return false
	}
	return false
}

const finalPhase = 8

func statusPhase(s domain.Status) int {
	switch s {
	case domain.StatusCreated:
		return 0
	case domain.StatusValidated:
		return 1
	case domain.StatusPendingAcknowledgement:
		return 2
	case domain.StatusSentToAdministrator:
		return 3
	case domain.StatusAccepted:
		return 4
	case domain.StatusTerminated:
		return 5
	case domain.StatusRequiresExternalTermination:
		return 6
	case domain.StatusFailedToTerminate:
		return 7
	}
	return finalPhase
}

func operationPhase(op Operation) int {
	switch op {
	case OpCreate:
		return 0
	case OpValidate:
		return 1
	case OpSendToAdministrator:
		return 2
	case OpReceiveAdministratorResponse:
		return 3
	case OpAccept, OpReject, OpInvalid, OpTimeOut, OpUnfulfillable:
		return 4
	case OpTerminate, OpRevoke, OpFulfill:
		return 5
	case OpRequireExternalTermination:
		return 6
	case OpExternallyTerminate:
		return 7
	}
	return finalPhase
}

func illegal(current domain.Status, op Operation) error {
	if operationPhase(op) <= statusPhase(current) {
		return PastStateError{Current: current, Operation: op}
	}
	return FutureStateError{Current: current, Operation: op}
}

// Transition applies op to current, yielding outcome when legal.
func Transition(current domain.Status, op Operation, outcome domain.Status) (domain.Status, error) {
	if !isOutcome(op, outcome) {
		return current, fmt.Errorf("status %s is not an outcome of %s", outcome, op)
	}
	if !Accepts(current, op) {
		return current, illegal(current, op)
	}
	return outcome, nil
}

func isOutcome(op Operation, s domain.Status) bool {
	for _, o := range Outcomes(op) {
		if o == s {
			return true
		}
	}
	return false
}

// Next decides the status after event e given the current status, where an
// empty current status means the stream does not exist yet. Internal events
// keep the status and are only accepted while the request is still open.
func Next(current domain.Status, e domain.Event) (domain.Status, error) {
	if current == "" {
		if e.Type == domain.EventCreated {
			return domain.StatusCreated, nil
		}
		return "", FutureStateError{Operation: operationForEvent(e)}
	}
	if e.Type == domain.EventCreated {
		return current, PastStateError{Current: current, Operation: OpCreate}
	}
	if e.Type.Internal() {
		if current.IsTerminal() {
			return current, PastStateError{Current: current, Operation: Operation(e.Type)}
		}
		return current, nil
	}
	target, ok := e.Type.TargetStatus()
	if !ok {
		return current, fmt.Errorf("unknown event type %q", e.Type)
	}
	return Transition(current, OperationFor(target), target)
}

func operationForEvent(e domain.Event) Operation {
	if s, ok := e.Type.TargetStatus(); ok {
		return OperationFor(s)
	}
	return Operation(e.Type)
}

// Replay folds an ordered stream into the aggregate, checking every step.
func Replay(events []domain.Event) (domain.PermissionRequest, error) {
	var pr domain.PermissionRequest
	if len(events) == 0 {
		return pr, fmt.Errorf("empty event stream")
	}
	var current domain.Status
	for i, e := range events {
		next, err := Next(current, e)
		if err != nil {
			return pr, fmt.Errorf("event %d (%s): %w", i, e.Type, err)
		}
		pr.Apply(e)
		current = next
	}
	return pr, nil
}
