package domain

import (
	"fmt"
	"strings"
	"time"
)

// Status is the externally visible lifecycle state of a permission request.
type Status string

const (
	StatusCreated                     Status = "CREATED"
	StatusValidated                   Status = "VALIDATED"
	StatusMalformed                   Status = "MALFORMED"
	StatusPendingAcknowledgement      Status = "PENDING_ACKNOWLEDGEMENT"
	StatusUnableToSend                Status = "UNABLE_TO_SEND"
	StatusSentToAdministrator         Status = "SENT_TO_PERMISSION_ADMINISTRATOR"
	StatusAccepted                    Status = "ACCEPTED"
	StatusRejected                    Status = "REJECTED"
	StatusInvalid                     Status = "INVALID"
	StatusTimedOut                    Status = "TIMED_OUT"
	StatusUnfulfillable               Status = "UNFULFILLABLE"
	StatusTerminated                  Status = "TERMINATED"
	StatusRevoked                     Status = "REVOKED"
	StatusFulfilled                   Status = "FULFILLED"
	StatusRequiresExternalTermination Status = "REQUIRES_EXTERNAL_TERMINATION"
	StatusFailedToTerminate           Status = "FAILED_TO_TERMINATE"
	StatusExternallyTerminated        Status = "EXTERNALLY_TERMINATED"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusCreated,
	StatusValidated,
	StatusMalformed,
	StatusPendingAcknowledgement,
	StatusUnableToSend,
	StatusSentToAdministrator,
	StatusAccepted,
	StatusRejected,
	StatusInvalid,
	StatusTimedOut,
	StatusUnfulfillable,
	StatusTerminated,
	StatusRevoked,
	StatusFulfilled,
	StatusRequiresExternalTermination,
	StatusFailedToTerminate,
	StatusExternallyTerminated,
}

// ParseStatus accepts the canonical upper-case name, case-insensitively.
func ParseStatus(s string) (Status, error) {
	want := Status(strings.ToUpper(strings.TrimSpace(s)))
	for _, st := range Statuses {
		if st == want {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// IsTerminal reports whether the status ends the regular lifecycle.
// TERMINATED and FAILED_TO_TERMINATE still accept the external termination
// follow-ups, everything else terminal accepts nothing.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusMalformed, StatusUnableToSend, StatusRejected, StatusInvalid,
		StatusTimedOut, StatusUnfulfillable, StatusTerminated, StatusRevoked,
		StatusFulfilled, StatusFailedToTerminate, StatusExternallyTerminated:
		return true
	}
	return false
}

// NonTerminalStatuses returns every status that still expects work.
func NonTerminalStatuses() []Status {
	var out []Status
	for _, s := range Statuses {
		if !s.IsTerminal() {
			out = append(out, s)
		}
	}
	return out
}

// Granularity of metered data, ISO 8601 durations.
type Granularity string

const (
	GranularityPT15M Granularity = "PT15M"
	GranularityPT1H  Granularity = "PT1H"
	GranularityP1D   Granularity = "P1D"
	GranularityP1M   Granularity = "P1M"
	GranularityP1Y   Granularity = "P1Y"
)

func (g Granularity) Valid() bool {
	switch g {
	case GranularityPT15M, GranularityPT1H, GranularityP1D, GranularityP1M, GranularityP1Y:
		return true
	}
	return false
}

// PermissionRequest is the aggregate projected from a permission's event stream.
type PermissionRequest struct {
	PermissionID          string            `json:"permission_id"`
	ConnectionID          string            `json:"connection_id"`
	DataNeedID            string            `json:"data_need_id"`
	Region                string            `json:"region"`
	MeteringPointID       string            `json:"metering_point_id,omitempty"`
	Status                Status            `json:"status"`
	Created               time.Time         `json:"created" format:"date-time"`
	Updated               time.Time         `json:"updated" format:"date-time"`
	Start                 time.Time         `json:"start" format:"date"`
	End                   time.Time         `json:"end" format:"date"`
	Granularity           Granularity       `json:"granularity,omitempty"`
	ExternalID            string            `json:"external_id,omitempty"`
	LatestMeterReading    *time.Time        `json:"latest_meter_reading,omitempty"`
	Message               string            `json:"message,omitempty"`
	Errors                []AttributeError  `json:"errors,omitempty"`
	DataSourceInformation map[string]string `json:"data_source_information,omitempty"`
	Version               int64             `json:"version"`
}

// ConnectionStatusMessage is what downstream consumers receive on every status change.
type ConnectionStatusMessage struct {
	ConnectionID string    `json:"connection_id"`
	PermissionID string    `json:"permission_id"`
	DataNeedID   string    `json:"data_need_id"`
	Region       string    `json:"region"`
	Status       Status    `json:"status"`
	Message      string    `json:"message,omitempty"`
	Timestamp    time.Time `json:"timestamp" format:"date-time"`
}

// StatusMessage builds the message announcing the request's current status.
func (p PermissionRequest) StatusMessage() ConnectionStatusMessage {
	return ConnectionStatusMessage{
		ConnectionID: p.ConnectionID,
		PermissionID: p.PermissionID,
		DataNeedID:   p.DataNeedID,
		Region:       p.Region,
		Status:       p.Status,
		Message:      p.Message,
		Timestamp:    p.Updated,
	}
}

// EndOfDataDay is the first instant after the permission's end date, in UTC.
func (p PermissionRequest) EndOfDataDay() time.Time {
	y, m, d := p.End.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}
