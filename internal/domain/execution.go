// internal/domain/execution.go
package domain

import "time"

// ExecutionView is the read-side reconstruction of one execution from its log events.
// It is computed on every read and never persisted.
type ExecutionView struct {
	ExecutionID string         `json:"execution_id"`
	Logs        []LogEvent     `json:"logs"`
	StartedAt   time.Time      `json:"started_at"`
	LastUpdate  time.Time      `json:"last_update"`
	Status      LogStatus      `json:"status"`
	Metadata    map[string]any `json:"metadata"`
	NodeCount   int            `json:"node_count"`
}

// IsStatusUpdate reports the display hint stored in the view metadata.
func (v *ExecutionView) IsStatusUpdate() bool {
	flag, _ := v.Metadata["is_status_update"].(bool)
	return flag
}
