// internal/domain/log_event.go
package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// LogStatus is the status carried by a single execution log event.
type LogStatus string

const (
	LogStatusRunning LogStatus = "running"
	LogStatusSuccess LogStatus = "success"
	LogStatusError   LogStatus = "error"
)

// Sentinel node names bracketing an execution.
const (
	NodeStart = "_START"
	NodeEnd   = "_END"
)

// MetadataMessageType is the metadata key inspected to flag status-update executions.
const (
	MetadataMessageType     = "message_type"
	MessageTypeStatusUpdate = "status_update"
)

// Known reports whether s is one of the three defined statuses.
func (s LogStatus) Known() bool {
	switch s {
	case LogStatusRunning, LogStatusSuccess, LogStatusError:
		return true
	}
	return false
}

// Normalize maps unknown statuses to running.
func (s LogStatus) Normalize() LogStatus {
	if s.Known() {
		return s
	}
	return LogStatusRunning
}

// IsSentinel reports whether name is _START or _END.
func IsSentinel(name string) bool {
	return name == NodeStart || name == NodeEnd
}

// ErrorDetail captures a failed node's error.
type ErrorDetail struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
	Name    string `json:"name,omitempty"`
}

// LogEvent is one append-only fact about an execution.
type LogEvent struct {
	ID          int64           `json:"id,omitempty"`
	ExecutionID string          `json:"execution_id"`
	Seq         int64           `json:"seq"`
	NodeName    string          `json:"node_name"`
	Status      LogStatus       `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	TenantID    string          `json:"client_id,omitempty"`
	InputData   json.RawMessage `json:"input_data,omitempty"`
	OutputData  json.RawMessage `json:"output_data,omitempty"`
	Error       *ErrorDetail    `json:"error,omitempty"`
	DurationMS  *int64          `json:"duration_ms,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

// Validate checks the fields a writer must always set.
func (e *LogEvent) Validate() error {
	if e.ExecutionID == "" {
		return fmt.Errorf("log event execution id cannot be empty")
	}
	if e.NodeName == "" {
		return fmt.Errorf("log event node name cannot be empty")
	}
	if !e.Status.Known() {
		return fmt.Errorf("invalid log event status: %q", e.Status)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("log event timestamp cannot be zero")
	}
	return nil
}

// NodeClosure closes the running events of one node with a terminal status.
type NodeClosure struct {
	ExecutionID string          `json:"execution_id"`
	NodeName    string          `json:"node_name"`
	Status      LogStatus       `json:"status"`
	OutputData  json.RawMessage `json:"output_data,omitempty"`
	Error       *ErrorDetail    `json:"error,omitempty"`
	DurationMS  *int64          `json:"duration_ms,omitempty"`
}

// Validate checks that the closure targets a node and carries a terminal status.
func (c *NodeClosure) Validate() error {
	if c.ExecutionID == "" || c.NodeName == "" {
		return fmt.Errorf("node closure requires execution id and node name")
	}
	if c.Status != LogStatusSuccess && c.Status != LogStatusError {
		return fmt.Errorf("node closure status must be terminal, got %q", c.Status)
	}
	return nil
}

// Apply closes e in place when it is a running event of the targeted node.
// It reports whether e was modified.
func (c *NodeClosure) Apply(e *LogEvent) bool {
	if e.ExecutionID != c.ExecutionID || e.NodeName != c.NodeName || e.Status != LogStatusRunning {
		return false
	}
	e.Status = c.Status
	if c.OutputData != nil {
		e.OutputData = c.OutputData
	}
	if c.Error != nil {
		e.Error = c.Error
	}
	if c.DurationMS != nil {
		e.DurationMS = c.DurationMS
	}
	return true
}
