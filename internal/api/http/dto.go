// internal/api/http/dto.go
package http

import (
	"net/url"
	"strconv"
	"time"

	"chatbot-execlog/internal/domain"
	"chatbot-execlog/internal/usecase"
)

// StreamRequest is the DTO for GET /api/backend/stream query parameters.
type StreamRequest struct {
	ExecutionID string `validate:"omitempty,max=128"`
	Limit       string `validate:"omitempty,number"`
	Since       string `validate:"omitempty,rfc3339"`
}

func parseStreamRequest(values url.Values) StreamRequest {
	return StreamRequest{
		ExecutionID: values.Get("execution_id"),
		Limit:       values.Get("limit"),
		Since:       values.Get("since"),
	}
}

// ToQuery converts a validated request into a store query for tenantID. Limits
// above the maximum are capped rather than rejected.
func (r *StreamRequest) ToQuery(tenantID string) domain.LogQuery {
	q := domain.LogQuery{
		TenantID:    tenantID,
		ExecutionID: r.ExecutionID,
	}
	if r.Limit != "" {
		limit, err := strconv.Atoi(r.Limit)
		if err != nil {
			// only out-of-range digit strings get here
			limit = domain.MaxQueryLimit
		}
		q.Limit = min(limit, domain.MaxQueryLimit)
	}
	if r.Since != "" {
		q.Since, _ = time.Parse(time.RFC3339, r.Since)
	}
	return q
}

// StreamResponse is the body of a successful stream request.
type StreamResponse struct {
	Success    bool                   `json:"success"`
	Executions []domain.ExecutionView `json:"executions"`
	Total      int                    `json:"total"`
	Rejected   int                    `json:"rejected"`
	Timestamp  time.Time              `json:"timestamp"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// DebugResponse is the body of GET /api/backend/debug-logs.
type DebugResponse struct {
	Success   bool      `json:"success"`
	Debug     DebugInfo `json:"debug"`
	Timestamp time.Time `json:"timestamp"`
}

type DebugInfo struct {
	Caller        DebugCaller     `json:"authenticated_user"`
	Database      DebugDatabase   `json:"database"`
	RecentLogs    []DebugLogEntry `json:"recent_logs"`
	ClientIDMatch string          `json:"client_id_match"`
	Diagnosis     []string        `json:"diagnosis"`
}

type DebugCaller struct {
	ID       string `json:"id,omitempty"`
	ClientID string `json:"client_id,omitempty"`
}

type DebugDatabase struct {
	TotalExecutionLogs  int64    `json:"total_execution_logs"`
	LogsWithoutClientID int64    `json:"logs_without_client_id"`
	LogsWithClientID    int64    `json:"logs_with_client_id"`
	UniqueClientIDs     []string `json:"unique_client_ids_in_logs"`
}

type DebugLogEntry struct {
	ID          int64            `json:"id"`
	ExecutionID string           `json:"execution_id"`
	NodeName    string           `json:"node_name"`
	ClientID    string           `json:"client_id,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
	Status      domain.LogStatus `json:"status"`
}

func toDebugResponse(d *usecase.Diagnosis, subject string, now time.Time) DebugResponse {
	recent := make([]DebugLogEntry, 0, len(d.Stats.RecentLogs))
	for _, e := range d.Stats.RecentLogs {
		recent = append(recent, DebugLogEntry{
			ID:          e.ID,
			ExecutionID: shortID(e.ExecutionID),
			NodeName:    e.NodeName,
			ClientID:    e.TenantID,
			Timestamp:   e.Timestamp,
			Status:      e.Status,
		})
	}

	match := "client_id NOT FOUND in execution logs"
	if d.TenantFound {
		match = "client_id EXISTS in execution logs"
	}

	return DebugResponse{
		Success: true,
		Debug: DebugInfo{
			Caller: DebugCaller{ID: subject, ClientID: d.TenantID},
			Database: DebugDatabase{
				TotalExecutionLogs:  d.Stats.Total,
				LogsWithoutClientID: d.Stats.Unscoped,
				LogsWithClientID:    d.Stats.Total - d.Stats.Unscoped,
				UniqueClientIDs:     d.Stats.TenantIDs,
			},
			RecentLogs:    recent,
			ClientIDMatch: match,
			Diagnosis:     d.Findings,
		},
		Timestamp: now,
	}
}

// shortID keeps the first 8 characters of an execution id.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8] + "..."
}
