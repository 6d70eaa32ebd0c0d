// internal/usecase/execution_service.go
package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"chatbot-execlog/internal/aggregator"
	"chatbot-execlog/internal/domain"
	"chatbot-execlog/internal/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DiagnosticRecentLogs is how many of the newest events Diagnose reports.
const DiagnosticRecentLogs = 10

// StreamResult is one dashboard refresh.
type StreamResult struct {
	Executions []domain.ExecutionView
	Events     int
	Rejected   int
}

// Diagnosis explains why a tenant may not see its executions.
type Diagnosis struct {
	TenantID    string
	Stats       domain.LogStats
	TenantFound bool
	Findings    []string
}

// ExecutionService serves the read side of the execution log.
type ExecutionService struct {
	reader domain.LogReader
	logger *slog.Logger
	tracer trace.Tracer
}

// NewExecutionService creates a new ExecutionService instance.
func NewExecutionService(reader domain.LogReader, logger *slog.Logger) *ExecutionService {
	return &ExecutionService{
		reader: reader,
		logger: logger.With("component", "execution-service"),
		tracer: otel.Tracer("execlog-usecase"),
	}
}

// Stream reads the most recent events visible to q and aggregates them into
// execution views, newest execution first.
func (s *ExecutionService) Stream(ctx context.Context, q domain.LogQuery) (*StreamResult, error) {
	ctx, span := s.tracer.Start(ctx, "service.Stream")
	defer span.End()

	if q.Limit < 0 || q.Limit > domain.MaxQueryLimit {
		err := fmt.Errorf("%w: limit must be between 0 and %d", domain.ErrInvalidQuery, domain.MaxQueryLimit)
		span.RecordError(err)
		return nil, err
	}
	q = q.Normalize()
	span.SetAttributes(
		attribute.Bool("tenant.scoped", q.TenantID != ""),
		attribute.String("execution.id", q.ExecutionID),
		attribute.Int("limit", q.Limit),
	)

	events, err := s.reader.Recent(ctx, q)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read log events from store")
		return nil, fmt.Errorf("failed to read log events: %w", err)
	}

	result := aggregator.Aggregate(events)
	for _, view := range result.Executions {
		metrics.ExecutionsAggregatedTotal.WithLabelValues(string(view.Status)).Inc()
	}
	if n := len(result.Rejected); n > 0 {
		metrics.RejectedEventsTotal.Add(float64(n))
		s.logger.Warn("log events without execution id skipped", "count", n, "client_id", q.TenantID)
	}

	span.SetAttributes(
		attribute.Int("events", len(events)),
		attribute.Int("executions", len(result.Executions)),
	)
	s.logger.Debug("execution stream built", "client_id", q.TenantID, "events", len(events), "executions", len(result.Executions))

	return &StreamResult{
		Executions: result.Executions,
		Events:     len(events),
		Rejected:   len(result.Rejected),
	}, nil
}

// Diagnose inspects the whole store, ignoring tenant scoping, and reports the
// most likely reason tenantID sees no executions.
func (s *ExecutionService) Diagnose(ctx context.Context, tenantID string) (*Diagnosis, error) {
	ctx, span := s.tracer.Start(ctx, "service.Diagnose")
	defer span.End()

	stats, err := s.reader.Stats(ctx, DiagnosticRecentLogs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read log stats from store")
		return nil, fmt.Errorf("failed to read log stats: %w", err)
	}

	d := &Diagnosis{
		TenantID:    tenantID,
		Stats:       stats,
		TenantFound: tenantID != "" && slices.Contains(stats.TenantIDs, tenantID),
	}
	d.Findings = diagnose(stats, tenantID, d.TenantFound)
	return d, nil
}

func diagnose(stats domain.LogStats, tenantID string, found bool) []string {
	switch {
	case stats.Total == 0:
		return []string{
			"NO LOGS IN STORE: no execution log events exist at all",
			"solution: run an execution (send a test message) to create logs",
		}
	case stats.Unscoped == stats.Total:
		return []string{
			"ALL LOGS MISSING client_id: tenant scoping hides every log from tenant users",
			"solution: the ingestor is not given a tenant id when executions start",
		}
	case tenantID == "":
		return []string{
			"CALLER HAS NO client_id: the token is not linked to a tenant",
			"solution: issue the token with a client_id claim",
		}
	case !found:
		return []string{
			"CLIENT_ID MISMATCH: the caller's client_id has no logs",
			"caller client_id: " + tenantID,
			"client ids in logs: " + strings.Join(stats.TenantIDs, ", "),
			"solution: fix the caller's tenant or generate logs with the matching client_id",
		}
	default:
		return []string{
			"CONFIGURATION LOOKS CORRECT",
			"logs exist with the caller's client_id",
			"the problem may be in the dashboard or in the query filters",
		}
	}
}
