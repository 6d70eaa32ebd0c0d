// internal/infra/etcd/etcd_log_repository.go
package etcd

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"

	"chatbot-execlog/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// LogDir is the root of all execution log keys.
	LogDir = "/execlog/logs/"

	closeRetries = 3
)

// LogKey returns the key of one event: /execlog/logs/{execution_id}/{seq:020d}.
func LogKey(executionID string, seq int64) string {
	return fmt.Sprintf("%s%s/%020d", LogDir, executionID, seq)
}

func executionPrefix(executionID string) string {
	return LogDir + executionID + "/"
}

// LogRepository stores execution log events as JSON values in etcd.
// Reads scan the key range and filter in process, so it suits small deployments.
type LogRepository struct {
	client *clientv3.Client
	logger *slog.Logger
	tracer trace.Tracer
}

// NewLogRepository creates a log store backed by etcd.
func NewLogRepository(client *clientv3.Client, logger *slog.Logger) *LogRepository {
	return &LogRepository{
		client: client,
		logger: logger.With("component", "etcd-log-repo"),
		tracer: otel.Tracer("execlog-etcd-log-repo"),
	}
}

// Insert stores event under its sequence key. The put only succeeds if the key
// is new; the key's create revision is reported as the event id on read.
func (r *LogRepository) Insert(ctx context.Context, event domain.LogEvent) error {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.Insert")
	defer span.End()

	if err := event.Validate(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to insert log event: %w", err)
	}

	key := LogKey(event.ExecutionID, event.Seq)
	span.SetAttributes(
		attribute.String("execution.id", event.ExecutionID),
		attribute.String("node.name", event.NodeName),
		attribute.String("etcd.key", key),
	)

	eventJSON, err := json.Marshal(event)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal log event")
		return fmt.Errorf("failed to marshal log event of execution %s: %w", event.ExecutionID, err)
	}

	resp, err := r.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(eventJSON))).
		Commit()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to put log event to etcd")
		return fmt.Errorf("failed to save log event %s to etcd: %w", key, err)
	}
	if !resp.Succeeded {
		return fmt.Errorf("log event %s already exists", key)
	}
	return nil
}

// CloseRunning rewrites the running events of one node. Each rewrite is guarded
// by the key's mod revision and retried when a concurrent writer got there first.
func (r *LogRepository) CloseRunning(ctx context.Context, closure domain.NodeClosure) error {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.CloseRunning")
	defer span.End()
	span.SetAttributes(
		attribute.String("execution.id", closure.ExecutionID),
		attribute.String("node.name", closure.NodeName),
	)

	if err := closure.Validate(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to close running node: %w", err)
	}

	for attempt := 1; attempt <= closeRetries; attempt++ {
		done, err := r.tryCloseRunning(ctx, closure)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to close running node")
			return err
		}
		if done {
			return nil
		}
		r.logger.Debug("concurrent update while closing node, retrying",
			"execution_id", closure.ExecutionID, "node_name", closure.NodeName, "attempt", attempt)
	}
	err := fmt.Errorf("failed to close node %s of execution %s: too many concurrent updates", closure.NodeName, closure.ExecutionID)
	span.RecordError(err)
	span.SetStatus(codes.Error, "too many concurrent updates")
	return err
}

func (r *LogRepository) tryCloseRunning(ctx context.Context, closure domain.NodeClosure) (bool, error) {
	resp, err := r.client.Get(ctx, executionPrefix(closure.ExecutionID), clientv3.WithPrefix())
	if err != nil {
		return false, fmt.Errorf("failed to list log events of execution %s: %w", closure.ExecutionID, err)
	}

	var (
		conds []clientv3.Cmp
		ops   []clientv3.Op
	)
	for _, kv := range resp.Kvs {
		var event domain.LogEvent
		if err := json.Unmarshal(kv.Value, &event); err != nil {
			r.logger.Warn("failed to unmarshal log event from etcd", "key", string(kv.Key), "error", err)
			continue
		}
		if !closure.Apply(&event) {
			continue
		}
		eventJSON, err := json.Marshal(event)
		if err != nil {
			return false, fmt.Errorf("failed to marshal log event %s: %w", kv.Key, err)
		}
		conds = append(conds, clientv3.Compare(clientv3.ModRevision(string(kv.Key)), "=", kv.ModRevision))
		ops = append(ops, clientv3.OpPut(string(kv.Key), string(eventJSON)))
	}
	if len(ops) == 0 {
		return true, nil
	}

	txn, err := r.client.Txn(ctx).If(conds...).Then(ops...).Commit()
	if err != nil {
		return false, fmt.Errorf("failed to update log events of execution %s: %w", closure.ExecutionID, err)
	}
	return txn.Succeeded, nil
}

func (r *LogRepository) Recent(ctx context.Context, q domain.LogQuery) ([]domain.LogEvent, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.Recent")
	defer span.End()

	q = q.Normalize()
	prefix := LogDir
	if q.ExecutionID != "" {
		prefix = executionPrefix(q.ExecutionID)
	}

	events, err := r.scan(ctx, prefix)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list log events")
		return nil, err
	}

	visible := events[:0]
	for i := range events {
		if q.Visible(&events[i]) {
			visible = append(visible, events[i])
		}
	}
	sortNewestFirst(visible)
	if len(visible) > q.Limit {
		visible = visible[:q.Limit]
	}
	span.SetAttributes(attribute.Int("records_returned", len(visible)))
	return visible, nil
}

func (r *LogRepository) Stats(ctx context.Context, recent int) (domain.LogStats, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.Stats")
	defer span.End()

	events, err := r.scan(ctx, LogDir)
	if err != nil {
		span.RecordError(err)
		return domain.LogStats{}, err
	}

	stats := domain.LogStats{Total: int64(len(events)), TenantIDs: []string{}}
	for _, e := range events {
		if e.TenantID == "" {
			stats.Unscoped++
		} else if !slices.Contains(stats.TenantIDs, e.TenantID) {
			stats.TenantIDs = append(stats.TenantIDs, e.TenantID)
		}
	}
	slices.Sort(stats.TenantIDs)

	sortNewestFirst(events)
	if recent >= 0 && len(events) > recent {
		events = events[:recent]
	}
	stats.RecentLogs = events
	return stats, nil
}

func (r *LogRepository) Close() error {
	return r.client.Close()
}

func (r *LogRepository) scan(ctx context.Context, prefix string) ([]domain.LogEvent, error) {
	resp, err := r.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list log events under %s from etcd: %w", prefix, err)
	}

	events := make([]domain.LogEvent, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var event domain.LogEvent
		if err := json.Unmarshal(kv.Value, &event); err != nil {
			r.logger.Warn("failed to unmarshal log event from etcd", "key", string(kv.Key), "error", err)
			continue
		}
		event.ID = kv.CreateRevision
		events = append(events, event)
	}
	return events, nil
}

func sortNewestFirst(events []domain.LogEvent) {
	slices.SortStableFunc(events, func(a, b domain.LogEvent) int {
		if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
}
