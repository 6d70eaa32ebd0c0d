// Package ingest records the lifecycle of one unit of work as execution log events.
//
// An ExecutionLogger is created per unit of work and passed to the code it
// observes. Every write is fire-and-forget: losing a log event never fails the
// work it describes.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatbot-execlog/internal/domain"

	"github.com/google/uuid"
)

const previewLimit = 200

// Option configures an ExecutionLogger.
type Option func(*ExecutionLogger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *ExecutionLogger) { l.now = now }
}

// WithIDGenerator overrides execution id generation.
func WithIDGenerator(newID func() string) Option {
	return func(l *ExecutionLogger) { l.newID = newID }
}

// ExecutionLogger emits the log events of one execution. It is safe for
// concurrent use by the nodes of that execution.
type ExecutionLogger struct {
	writer     domain.LogWriter
	dispatcher *Dispatcher
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string

	mu          sync.Mutex
	executionID string
	tenantID    string
	seq         int64
	tail        chan struct{} // closed when the last dispatched write finished
}

// NewExecutionLogger creates a logger writing through dispatcher to writer.
// A nil writer keeps local logging and id generation but persists nothing.
func NewExecutionLogger(writer domain.LogWriter, dispatcher *Dispatcher, logger *slog.Logger, opts ...Option) *ExecutionLogger {
	l := &ExecutionLogger{
		writer:     writer,
		dispatcher: dispatcher,
		logger:     logger.With("component", "execution-logger"),
		now:        time.Now,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ExecutionID returns the active execution id, or "" before StartExecution.
func (l *ExecutionLogger) ExecutionID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.executionID
}

// StartExecution begins a new execution for tenantID and emits its _START event.
func (l *ExecutionLogger) StartExecution(ctx context.Context, metadata map[string]any, tenantID string) string {
	if metadata == nil {
		metadata = map[string]any{}
	}

	l.mu.Lock()
	l.executionID = l.newID()
	l.tenantID = tenantID
	l.seq = 0
	l.tail = nil
	id := l.executionID
	l.mu.Unlock()

	l.logger.Info("execution started", "execution_id", id, "client_id", tenantID, "metadata", metadata)
	l.emit(ctx, "insert", func(seq int64, tenant string) func(context.Context) error {
		event := newEvent(l.now(), id, seq, tenant, domain.NodeStart, domain.LogStatusRunning)
		event.Metadata = metadata
		return func(ctx context.Context) error { return l.writer.Insert(ctx, event) }
	}, "node_name", domain.NodeStart)
	return id
}

// LogNodeStart emits a running event for node. It is a no-op without an active execution.
func (l *ExecutionLogger) LogNodeStart(ctx context.Context, node string, input any) {
	id := l.ExecutionID()
	if id == "" {
		return
	}
	startedAt := l.now()
	raw := l.marshal(node, "input", input)

	l.logger.Info("node started", "execution_id", id, "node_name", node, "input", preview(raw))
	l.emit(ctx, "insert", func(seq int64, tenant string) func(context.Context) error {
		event := newEvent(startedAt, id, seq, tenant, node, domain.LogStatusRunning)
		event.InputData = raw
		event.Metadata = map[string]any{"start_time": startedAt.UnixMilli()}
		return func(ctx context.Context) error { return l.writer.Insert(ctx, event) }
	}, "node_name", node)
}

// LogNodeSuccess closes node's running event as success. The duration is recorded
// when startedAt is non-zero.
func (l *ExecutionLogger) LogNodeSuccess(ctx context.Context, node string, output any, startedAt time.Time) {
	id := l.ExecutionID()
	if id == "" {
		return
	}
	raw := l.marshal(node, "output", output)
	closure := domain.NodeClosure{
		ExecutionID: id,
		NodeName:    node,
		Status:      domain.LogStatusSuccess,
		OutputData:  raw,
	}
	if !startedAt.IsZero() {
		ms := l.now().Sub(startedAt).Milliseconds()
		closure.DurationMS = &ms
	}

	l.logger.Info("node succeeded", "execution_id", id, "node_name", node, "duration_ms", closure.DurationMS, "output", preview(raw))
	l.emit(ctx, "close", func(int64, string) func(context.Context) error {
		return func(ctx context.Context) error { return l.writer.CloseRunning(ctx, closure) }
	}, "node_name", node)
}

// LogNodeError closes node's running event as error with err's details.
func (l *ExecutionLogger) LogNodeError(ctx context.Context, node string, err error) {
	id := l.ExecutionID()
	if id == "" {
		return
	}
	detail := describeError(err)
	closure := domain.NodeClosure{
		ExecutionID: id,
		NodeName:    node,
		Status:      domain.LogStatusError,
		Error:       detail,
	}

	l.logger.Error("node failed", "execution_id", id, "node_name", node, "error", detail.Message, "error_name", detail.Name)
	l.emit(ctx, "close", func(int64, string) func(context.Context) error {
		return func(ctx context.Context) error { return l.writer.CloseRunning(ctx, closure) }
	}, "node_name", node)
}

// FinishExecution emits the _END event with a terminal status.
func (l *ExecutionLogger) FinishExecution(ctx context.Context, status domain.LogStatus) {
	l.mu.Lock()
	id, tenant := l.executionID, l.tenantID
	l.mu.Unlock()
	if id == "" {
		return
	}

	l.logger.Info("execution finished", "execution_id", id, "client_id", tenant, "status", status)
	l.emit(ctx, "insert", func(seq int64, tenant string) func(context.Context) error {
		event := newEvent(l.now(), id, seq, tenant, domain.NodeEnd, status)
		return func(ctx context.Context) error { return l.writer.Insert(ctx, event) }
	}, "node_name", domain.NodeEnd)
}

// ExecuteNode logs node's start, runs fn and logs its success or error. The error
// is logged before it is returned; a panic in fn is logged and re-raised.
func ExecuteNode[T any](ctx context.Context, l *ExecutionLogger, node string, input any, fn func(ctx context.Context) (T, error)) (result T, err error) {
	startedAt := l.now()
	l.LogNodeStart(ctx, node, input)

	defer func() {
		if r := recover(); r != nil {
			l.LogNodeError(ctx, node, fmt.Errorf("panic: %v", r))
			panic(r)
		}
	}()

	result, err = fn(ctx)
	if err != nil {
		l.LogNodeError(ctx, node, err)
		return result, err
	}
	l.LogNodeSuccess(ctx, node, result, startedAt)
	return result, nil
}

// emit assigns the next sequence number and chains the write after the previous
// one, so events of one execution reach the store in the order they were issued.
// Each write gets the full write timeout once its predecessor has finished.
func (l *ExecutionLogger) emit(ctx context.Context, op string, build func(seq int64, tenant string) func(context.Context) error, attrs ...any) {
	if l.writer == nil || l.dispatcher == nil {
		return
	}

	l.mu.Lock()
	l.seq++
	seq, tenant, id := l.seq, l.tenantID, l.executionID
	prev := l.tail
	done := make(chan struct{})
	l.tail = done
	l.mu.Unlock()

	write := build(seq, tenant)

	accepted := l.dispatcher.GoAfter(ctx, op, prev, func(ctx context.Context) error {
		defer close(done)
		return write(ctx)
	}, append([]any{"execution_id", id}, attrs...)...)
	if !accepted {
		close(done)
	}
}

func newEvent(ts time.Time, id string, seq int64, tenant, node string, status domain.LogStatus) domain.LogEvent {
	return domain.LogEvent{
		ExecutionID: id,
		Seq:         seq,
		NodeName:    node,
		Status:      status,
		Timestamp:   ts,
		TenantID:    tenant,
	}
}

func (l *ExecutionLogger) marshal(node, field string, v any) json.RawMessage {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		l.logger.Warn("payload is not JSON serialisable", "node_name", node, "field", field, "error", err)
		raw, _ = json.Marshal(fmt.Sprint(v))
	}
	return raw
}

func preview(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "none"
	}
	if len(raw) > previewLimit {
		return string(raw[:previewLimit])
	}
	return string(raw)
}
