package server

import (
	"fmt"
	"strings"
	"time"

	"gridconsent/internal/domain"
)

const dateLayout = "2006-01-02"

// Request payloads

type CreatePermissionRequestBody struct {
	ConnectionID    string `json:"connection_id,omitempty" example:"conn-42"`
	DataNeedID      string `json:"data_need_id,omitempty" example:"historical-consumption"`
	Region          string `json:"region,omitempty" doc:"Region-connector id or ISO country code" example:"sim"`
	MeteringPointID string `json:"metering_point_id,omitempty"`
	Start           string `json:"start,omitempty" doc:"First day of data, YYYY-MM-DD" example:"2024-01-01"`
	End             string `json:"end,omitempty" doc:"Last day of data, YYYY-MM-DD" example:"2024-01-31"`
	Granularity     string `json:"granularity,omitempty" doc:"Defaults from the data need" example:"PT1H"`
}

type RetransmissionBody struct {
	From string `json:"from" doc:"YYYY-MM-DD" example:"2024-01-01"`
	To   string `json:"to" doc:"YYYY-MM-DD" example:"2024-01-07"`
}

type CallbackBody struct {
	PermissionID string `json:"permission_id"`
	Status       string `json:"status" example:"ACCEPTED"`
	Message      string `json:"message,omitempty"`
}

// Response payloads

type PermissionRequestResponse struct {
	PermissionRequest domain.PermissionRequest       `json:"permission_request"`
	StatusMessage     domain.ConnectionStatusMessage `json:"status_message"`
}

func permissionResponse(pr domain.PermissionRequest) PermissionRequestResponse {
	return PermissionRequestResponse{PermissionRequest: pr, StatusMessage: pr.StatusMessage()}
}

type PermissionRequestList struct {
	Items []domain.PermissionRequest `json:"items"`
}

type EventList struct {
	Items []domain.Event `json:"items"`
}

// parseDate accepts YYYY-MM-DD. Blank yields the zero time, left for the
// engine to report.
func parseDate(field, v string, errs map[string]string) time.Time {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(dateLayout, v)
	if err != nil {
		errs[field] = "must be a date (YYYY-MM-DD)"
		return time.Time{}
	}
	return t
}

func parseStatuses(raw string) ([]domain.Status, error) {
	var out []domain.Status
	for _, part := range strings.Split(raw, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		s, err := domain.ParseStatus(part)
		if err != nil {
			return nil, fmt.Errorf("status: %w", err)
		}
		out = append(out, s)
	}
	return out, nil
}
