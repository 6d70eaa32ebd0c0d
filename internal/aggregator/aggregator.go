// Package aggregator reduces flat execution log events into per-execution views.
//
// Aggregate is a pure function of its input: it performs no I/O, keeps no state
// between calls and produces the same output for the same input slice.
package aggregator

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"chatbot-execlog/internal/domain"
)

// Result is the output of one aggregation pass.
type Result struct {
	// Executions are ordered by StartedAt, most recent first.
	Executions []domain.ExecutionView
	// Rejected holds events that could not be grouped (missing execution id).
	Rejected []domain.LogEvent
}

// Aggregate groups events by execution id, orders each group chronologically and
// derives the display status of every execution.
//
// Events without an execution id are returned in Result.Rejected. Events with a
// zero timestamp are kept but sort after every timestamped event of their group.
// Ties are broken by the ingestor sequence number and then by input order.
func Aggregate(events []domain.LogEvent) Result {
	groups := make(map[string][]domain.LogEvent)
	var order []string
	var rejected []domain.LogEvent

	for _, e := range events {
		if e.ExecutionID == "" {
			rejected = append(rejected, e)
			continue
		}
		if _, ok := groups[e.ExecutionID]; !ok {
			order = append(order, e.ExecutionID)
		}
		groups[e.ExecutionID] = append(groups[e.ExecutionID], e)
	}

	views := make([]domain.ExecutionView, 0, len(order))
	for _, id := range order {
		views = append(views, buildViewIsolated(id, groups[id]))
	}

	slices.SortStableFunc(views, func(a, b domain.ExecutionView) int {
		return compareTimeDesc(a.StartedAt, b.StartedAt)
	})

	return Result{Executions: views, Rejected: rejected}
}

// buildViewIsolated keeps a failure in one group from failing the whole batch.
func buildViewIsolated(id string, logs []domain.LogEvent) (view domain.ExecutionView) {
	defer func() {
		if r := recover(); r != nil {
			view = domain.ExecutionView{
				ExecutionID: id,
				Logs:        logs,
				Status:      domain.LogStatusRunning,
				NodeCount:   len(logs),
				Metadata:    map[string]any{"aggregation_error": fmt.Sprint(r)},
			}
		}
	}()
	return buildView(id, logs)
}

func buildView(id string, logs []domain.LogEvent) domain.ExecutionView {
	slices.SortStableFunc(logs, compareEvents)

	first := &logs[0]
	last := &logs[len(logs)-1]

	metadata := make(map[string]any, len(first.Metadata)+1)
	for k, v := range first.Metadata {
		metadata[k] = v
	}
	metadata["is_status_update"] = isStatusUpdate(first)

	return domain.ExecutionView{
		ExecutionID: id,
		Logs:        logs,
		StartedAt:   first.Timestamp,
		LastUpdate:  last.Timestamp,
		Status:      DeriveStatus(logs),
		Metadata:    metadata,
		NodeCount:   len(logs),
	}
}

// DeriveStatus applies the status precedence to one chronologically ordered group:
//
//  1. any error event                                  -> error
//  2. an _END event                                    -> its status
//  3. every non-sentinel node's latest status success  -> success
//  4. otherwise                                        -> running
//
// Rule 3 reports executions whose _END was lost as finished. It also reports an
// execution as success while its next node has not been logged yet.
func DeriveStatus(logs []domain.LogEvent) domain.LogStatus {
	var end *domain.LogEvent
	latest := make(map[string]domain.LogStatus)

	for i := range logs {
		e := &logs[i]
		if e.Status == domain.LogStatusError {
			return domain.LogStatusError
		}
		switch e.NodeName {
		case domain.NodeEnd:
			if end == nil {
				end = e
			}
		case domain.NodeStart:
		default:
			// A later event for the same node closes the earlier one.
			latest[e.NodeName] = e.Status.Normalize()
		}
	}

	if end != nil {
		return end.Status.Normalize()
	}
	if len(latest) == 0 {
		return domain.LogStatusRunning
	}
	for _, status := range latest {
		if status != domain.LogStatusSuccess {
			return domain.LogStatusRunning
		}
	}
	return domain.LogStatusSuccess
}

// whatsappWebhook is the subset of a WhatsApp Cloud API webhook needed to spot
// delivery/read receipts: entry[0].changes[0].value.statuses.
type whatsappWebhook struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Statuses json.RawMessage `json:"statuses"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// isStatusUpdate checks metadata.message_type first, then the webhook payload.
func isStatusUpdate(first *domain.LogEvent) bool {
	if mt, ok := first.Metadata[domain.MetadataMessageType].(string); ok && mt == domain.MessageTypeStatusUpdate {
		return true
	}
	if len(first.InputData) == 0 {
		return false
	}

	var hook whatsappWebhook
	if err := json.Unmarshal(first.InputData, &hook); err != nil {
		return false
	}
	if len(hook.Entry) == 0 || len(hook.Entry[0].Changes) == 0 {
		return false
	}
	statuses := hook.Entry[0].Changes[0].Value.Statuses
	return len(statuses) > 0 && string(statuses) != "null"
}

func compareEvents(a, b domain.LogEvent) int {
	if c := compareTimeAsc(a.Timestamp, b.Timestamp); c != 0 {
		return c
	}
	switch {
	case a.Seq < b.Seq:
		return -1
	case a.Seq > b.Seq:
		return 1
	}
	return 0
}

// compareTimeAsc orders zero times after every non-zero time.
func compareTimeAsc(a, b time.Time) int {
	switch {
	case a.IsZero() && b.IsZero():
		return 0
	case a.IsZero():
		return 1
	case b.IsZero():
		return -1
	}
	return a.Compare(b)
}

// compareTimeDesc orders newest first, zero times last.
func compareTimeDesc(a, b time.Time) int {
	switch {
	case a.IsZero() && b.IsZero():
		return 0
	case a.IsZero():
		return 1
	case b.IsZero():
		return -1
	}
	return b.Compare(a)
}
