package domain

import (
	"time"
)

// EventType discriminates the event variants.
type EventType string

const (
	EventCreated                     EventType = "created"
	EventValidated                   EventType = "validated"
	EventMalformed                   EventType = "malformed"
	EventPendingAcknowledgement      EventType = "pending_acknowledgement"
	EventUnableToSend                EventType = "unable_to_send"
	EventSentToAdministrator         EventType = "sent_to_administrator"
	EventAccepted                    EventType = "accepted"
	EventRejected                    EventType = "rejected"
	EventInvalid                     EventType = "invalid"
	EventTimedOut                    EventType = "timed_out"
	EventUnfulfillable               EventType = "unfulfillable"
	EventTerminated                  EventType = "terminated"
	EventRevoked                     EventType = "revoked"
	EventFulfilled                   EventType = "fulfilled"
	EventRequiresExternalTermination EventType = "requires_external_termination"
	EventFailedToTerminate           EventType = "failed_to_terminate"
	EventExternallyTerminated        EventType = "externally_terminated"

	// Internal events carry side information and never change the status.
	EventCredentialsCreated EventType = "credentials_created"
	EventExternalIDReceived EventType = "external_id_received"
	EventGranularityUpdate  EventType = "granularity_update"
	EventMeterReading       EventType = "meter_reading"
)

var statusByType = map[EventType]Status{
	EventCreated:                     StatusCreated,
	EventValidated:                   StatusValidated,
	EventMalformed:                   StatusMalformed,
	EventPendingAcknowledgement:      StatusPendingAcknowledgement,
	EventUnableToSend:                StatusUnableToSend,
	EventSentToAdministrator:         StatusSentToAdministrator,
	EventAccepted:                    StatusAccepted,
	EventRejected:                    StatusRejected,
	EventInvalid:                     StatusInvalid,
	EventTimedOut:                    StatusTimedOut,
	EventUnfulfillable:               StatusUnfulfillable,
	EventTerminated:                  StatusTerminated,
	EventRevoked:                     StatusRevoked,
	EventFulfilled:                   StatusFulfilled,
	EventRequiresExternalTermination: StatusRequiresExternalTermination,
	EventFailedToTerminate:           StatusFailedToTerminate,
	EventExternallyTerminated:        StatusExternallyTerminated,
}

// TargetStatus returns the status a status-changing event establishes.
func (t EventType) TargetStatus() (Status, bool) {
	s, ok := statusByType[t]
	return s, ok
}

// Internal reports whether the event leaves the status untouched.
func (t EventType) Internal() bool {
	switch t {
	case EventCredentialsCreated, EventExternalIDReceived, EventGranularityUpdate, EventMeterReading:
		return true
	}
	return false
}

func (t EventType) Known() bool {
	_, ok := statusByType[t]
	return ok || t.Internal()
}

// EventTypeFor is the inverse of TargetStatus.
func EventTypeFor(s Status) EventType {
	for t, st := range statusByType {
		if st == s {
			return t
		}
	}
	return ""
}

// AttributeError describes one invalid attribute of a malformed request.
type AttributeError struct {
	Attribute string `json:"attribute"`
	Message   string `json:"message"`
}

// Event is an immutable fact in a permission request's history. Only the
// fields relevant to the Type are set.
type Event struct {
	ID           string    `json:"id"`
	Position     int64     `json:"position,omitempty"`
	PermissionID string    `json:"permission_id"`
	Seq          int64     `json:"seq"`
	Type         EventType `json:"type"`
	Status       Status    `json:"status"`
	Created      time.Time `json:"created" format:"date-time"`

	Region          string            `json:"region,omitempty"`
	ConnectionID    string            `json:"connection_id,omitempty"`
	DataNeedID      string            `json:"data_need_id,omitempty"`
	MeteringPointID string            `json:"metering_point_id,omitempty"`
	Start           *time.Time        `json:"start,omitempty" format:"date"`
	End             *time.Time        `json:"end,omitempty" format:"date"`
	Granularity     Granularity       `json:"granularity,omitempty"`
	ExternalID      string            `json:"external_id,omitempty"`
	Message         string            `json:"message,omitempty"`
	Errors          []AttributeError  `json:"errors,omitempty"`
	Reading         *time.Time        `json:"reading,omitempty" format:"date-time"`
	Data            map[string]string `json:"data,omitempty"`
}

// CreatedEvent opens a new permission request stream.
func CreatedEvent(permissionID, region, connectionID, dataNeedID, meteringPointID string, start, end time.Time, granularity Granularity) Event {
	return Event{
		PermissionID:    permissionID,
		Type:            EventCreated,
		Region:          region,
		ConnectionID:    connectionID,
		DataNeedID:      dataNeedID,
		MeteringPointID: meteringPointID,
		Start:           &start,
		End:             &end,
		Granularity:     granularity,
	}
}

// StatusEvent is a status change carrying at most a message.
func StatusEvent(permissionID string, t EventType, message string) Event {
	return Event{PermissionID: permissionID, Type: t, Message: message}
}

func MalformedEvent(permissionID string, errs []AttributeError) Event {
	return Event{PermissionID: permissionID, Type: EventMalformed, Errors: errs}
}

func UnableToSendEvent(permissionID, reason string) Event {
	return StatusEvent(permissionID, EventUnableToSend, reason)
}

func FailedToTerminateEvent(permissionID, message string) Event {
	return StatusEvent(permissionID, EventFailedToTerminate, message)
}

func MeterReadingEvent(permissionID string, latest time.Time) Event {
	return Event{PermissionID: permissionID, Type: EventMeterReading, Reading: &latest}
}

func GranularityUpdateEvent(permissionID string, g Granularity) Event {
	return Event{PermissionID: permissionID, Type: EventGranularityUpdate, Granularity: g}
}

func ExternalIDReceivedEvent(permissionID, externalID string) Event {
	return Event{PermissionID: permissionID, Type: EventExternalIDReceived, ExternalID: externalID}
}

// CredentialsCreatedEvent records that credentials were issued; the secret
// itself stays in the credential store.
func CredentialsCreatedEvent(permissionID, username string) Event {
	return Event{PermissionID: permissionID, Type: EventCredentialsCreated, Data: map[string]string{"username": username}}
}
