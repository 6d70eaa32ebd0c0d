// internal/infra/postgres/log_store.go
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chatbot-execlog/internal/domain"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const logColumns = `id, execution_id, seq, node_name, status, timestamp, client_id,
	input_data, output_data, error, duration_ms, metadata`

type logRow struct {
	ID          int64          `db:"id"`
	ExecutionID string         `db:"execution_id"`
	Seq         int64          `db:"seq"`
	NodeName    string         `db:"node_name"`
	Status      string         `db:"status"`
	Timestamp   time.Time      `db:"timestamp"`
	ClientID    sql.NullString `db:"client_id"`
	InputData   []byte         `db:"input_data"`
	OutputData  []byte         `db:"output_data"`
	Error       []byte         `db:"error"`
	DurationMS  sql.NullInt64  `db:"duration_ms"`
	Metadata    []byte         `db:"metadata"`
}

// LogStore persists execution log events in the execution_logs table.
type LogStore struct {
	db     *sqlx.DB
	logger *slog.Logger
	tracer trace.Tracer
}

// Open connects to Postgres at dsn and verifies the connection.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*LogStore, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return NewLogStore(db, logger), nil
}

// NewLogStore wraps an existing connection pool.
func NewLogStore(db *sqlx.DB, logger *slog.Logger) *LogStore {
	return &LogStore{
		db:     db,
		logger: logger.With("component", "postgres-log-store"),
		tracer: otel.Tracer("execlog-postgres"),
	}
}

func (s *LogStore) Insert(ctx context.Context, event domain.LogEvent) error {
	ctx, span := s.tracer.Start(ctx, "repo.postgres.Insert")
	defer span.End()
	span.SetAttributes(
		attribute.String("execution.id", event.ExecutionID),
		attribute.String("node.name", event.NodeName),
	)

	if err := event.Validate(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to insert log event: %w", err)
	}
	errJSON, err := marshalNullable(event.Error)
	if err != nil {
		return fmt.Errorf("failed to marshal error of log event: %w", err)
	}
	metaJSON, err := marshalNullable(event.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata of log event: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO execution_logs
		(execution_id, seq, node_name, status, timestamp, client_id, input_data, output_data, error, duration_ms, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9::jsonb, $10, $11::jsonb)`,
		event.ExecutionID, event.Seq, event.NodeName, string(event.Status), event.Timestamp.UTC(),
		nullString(event.TenantID), jsonParam(event.InputData), jsonParam(event.OutputData),
		errJSON, event.DurationMS, metaJSON,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to insert log event")
		return fmt.Errorf("failed to insert log event for execution %s: %w", event.ExecutionID, err)
	}
	return nil
}

func (s *LogStore) CloseRunning(ctx context.Context, closure domain.NodeClosure) error {
	ctx, span := s.tracer.Start(ctx, "repo.postgres.CloseRunning")
	defer span.End()
	span.SetAttributes(
		attribute.String("execution.id", closure.ExecutionID),
		attribute.String("node.name", closure.NodeName),
		attribute.String("status", string(closure.Status)),
	)

	if err := closure.Validate(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to close running node: %w", err)
	}
	errJSON, err := marshalNullable(closure.Error)
	if err != nil {
		return fmt.Errorf("failed to marshal error of node closure: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `UPDATE execution_logs SET
			status = $1,
			output_data = COALESCE($2::jsonb, output_data),
			error = COALESCE($3::jsonb, error),
			duration_ms = COALESCE($4, duration_ms)
		WHERE execution_id = $5 AND node_name = $6 AND status = 'running'`,
		string(closure.Status), jsonParam(closure.OutputData), errJSON, closure.DurationMS,
		closure.ExecutionID, closure.NodeName,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to close running node")
		return fmt.Errorf("failed to close node %s of execution %s: %w", closure.NodeName, closure.ExecutionID, err)
	}
	if n, err := res.RowsAffected(); err == nil {
		span.SetAttributes(attribute.Int64("rows_updated", n))
		if n == 0 {
			s.logger.Debug("no running event to close", "execution_id", closure.ExecutionID, "node_name", closure.NodeName)
		}
	}
	return nil
}

func (s *LogStore) Recent(ctx context.Context, q domain.LogQuery) ([]domain.LogEvent, error) {
	ctx, span := s.tracer.Start(ctx, "repo.postgres.Recent")
	defer span.End()

	q = q.Normalize()
	query, args := recentQuery(q)
	span.SetAttributes(attribute.Int("limit", q.Limit), attribute.Bool("scoped", q.TenantID != ""))

	var rows []logRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to query log events")
		return nil, fmt.Errorf("failed to query log events: %w", err)
	}
	span.SetAttributes(attribute.Int("records_returned", len(rows)))
	return s.toEvents(rows), nil
}

// recentQuery builds the tenant scoped selection. An empty tenant matches only
// rows whose client_id is NULL.
func recentQuery(q domain.LogQuery) (string, []any) {
	conds := []string{"client_id IS NOT DISTINCT FROM $1"}
	args := []any{nullString(q.TenantID)}

	if q.ExecutionID != "" {
		args = append(args, q.ExecutionID)
		conds = append(conds, fmt.Sprintf("execution_id = $%d", len(args)))
	}
	if !q.Since.IsZero() {
		args = append(args, q.Since.UTC())
		conds = append(conds, fmt.Sprintf("timestamp > $%d", len(args)))
	}
	args = append(args, q.Limit)

	query := fmt.Sprintf("SELECT %s FROM execution_logs WHERE %s ORDER BY timestamp DESC, id DESC LIMIT $%d",
		logColumns, strings.Join(conds, " AND "), len(args))
	return query, args
}

func (s *LogStore) Stats(ctx context.Context, recent int) (domain.LogStats, error) {
	ctx, span := s.tracer.Start(ctx, "repo.postgres.Stats")
	defer span.End()

	var counts struct {
		Total    int64 `db:"total"`
		Unscoped int64 `db:"unscoped"`
	}
	err := s.db.GetContext(ctx, &counts,
		`SELECT COUNT(*) AS total, COUNT(*) FILTER (WHERE client_id IS NULL) AS unscoped FROM execution_logs`)
	if err != nil {
		span.RecordError(err)
		return domain.LogStats{}, fmt.Errorf("failed to count log events: %w", err)
	}

	stats := domain.LogStats{Total: counts.Total, Unscoped: counts.Unscoped, TenantIDs: []string{}}
	err = s.db.SelectContext(ctx, &stats.TenantIDs,
		`SELECT DISTINCT client_id FROM execution_logs WHERE client_id IS NOT NULL ORDER BY client_id`)
	if err != nil {
		span.RecordError(err)
		return domain.LogStats{}, fmt.Errorf("failed to list tenants: %w", err)
	}

	var rows []logRow
	err = s.db.SelectContext(ctx, &rows,
		fmt.Sprintf("SELECT %s FROM execution_logs ORDER BY timestamp DESC, id DESC LIMIT $1", logColumns), recent)
	if err != nil {
		span.RecordError(err)
		return domain.LogStats{}, fmt.Errorf("failed to list recent log events: %w", err)
	}
	stats.RecentLogs = s.toEvents(rows)
	return stats, nil
}

func (s *LogStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying pool for health checks.
func (s *LogStore) DB() *sqlx.DB {
	return s.db
}

func (s *LogStore) toEvents(rows []logRow) []domain.LogEvent {
	events := make([]domain.LogEvent, 0, len(rows))
	for _, r := range rows {
		event := domain.LogEvent{
			ID:          r.ID,
			ExecutionID: r.ExecutionID,
			Seq:         r.Seq,
			NodeName:    r.NodeName,
			Status:      domain.LogStatus(r.Status),
			Timestamp:   r.Timestamp,
			TenantID:    r.ClientID.String,
			InputData:   r.InputData,
			OutputData:  r.OutputData,
		}
		if r.DurationMS.Valid {
			ms := r.DurationMS.Int64
			event.DurationMS = &ms
		}
		if len(r.Error) > 0 {
			var detail domain.ErrorDetail
			if err := json.Unmarshal(r.Error, &detail); err != nil {
				s.logger.Warn("failed to unmarshal error column", "id", r.ID, "error", err)
			} else {
				event.Error = &detail
			}
		}
		if len(r.Metadata) > 0 {
			if err := json.Unmarshal(r.Metadata, &event.Metadata); err != nil {
				s.logger.Warn("failed to unmarshal metadata column", "id", r.ID, "error", err)
			}
		}
		events = append(events, event)
	}
	return events
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// jsonParam passes raw JSON as text; lib/pq would otherwise send []byte as bytea.
func jsonParam(raw json.RawMessage) sql.NullString {
	return sql.NullString{String: string(raw), Valid: len(raw) > 0}
}

func marshalNullable(v any) (sql.NullString, error) {
	switch t := v.(type) {
	case *domain.ErrorDetail:
		if t == nil {
			return sql.NullString{}, nil
		}
	case map[string]any:
		if t == nil {
			return sql.NullString{}, nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}
