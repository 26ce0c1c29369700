// Package outbound publishes ConnectionStatusMessages to downstream
// consumers: live over websockets and durably through webhooks.
package outbound

import "gridconsent/internal/domain"

// StatusMessage renders a committed status-changing event.
func StatusMessage(e domain.Event) domain.ConnectionStatusMessage {
	return domain.ConnectionStatusMessage{
		ConnectionID: e.ConnectionID,
		PermissionID: e.PermissionID,
		DataNeedID:   e.DataNeedID,
		Region:       e.Region,
		Status:       e.Status,
		Message:      e.Message,
		Timestamp:    e.Created,
	}
}
