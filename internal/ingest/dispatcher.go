// internal/ingest/dispatcher.go
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatbot-execlog/internal/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultWriteTimeout bounds a single dispatched write.
const DefaultWriteTimeout = 5 * time.Second

// Dispatcher runs log writes in the background. The caller never waits for a
// write and never sees its error: failures are logged and counted, not retried.
type Dispatcher struct {
	logger  *slog.Logger
	tracer  trace.Tracer
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher whose writes time out after timeout.
func NewDispatcher(logger *slog.Logger, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	return &Dispatcher{
		logger:  logger.With("component", "ingest-dispatcher"),
		tracer:  otel.Tracer("execlog-ingest"),
		timeout: timeout,
	}
}

// Go dispatches write and returns immediately. The write runs with ctx's values
// but not its cancellation, so it may outlive the request that issued it.
// It reports whether the write was accepted.
func (d *Dispatcher) Go(ctx context.Context, op string, write func(ctx context.Context) error, attrs ...any) bool {
	return d.GoAfter(ctx, op, nil, write, attrs...)
}

// GoAfter is Go for a write that must not start before after is closed. The
// write timeout starts once after is closed; a nil after does not wait.
func (d *Dispatcher) GoAfter(ctx context.Context, op string, after <-chan struct{}, write func(ctx context.Context) error, attrs ...any) bool {
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		metrics.LogWritesTotal.WithLabelValues(op, "dropped").Inc()
		d.logger.Warn("dispatcher closed, dropping log write", append([]any{"op", op}, attrs...)...)
		return false
	}
	d.wg.Add(1)
	d.mu.RUnlock()

	metrics.InflightWrites.Inc()
	detached := context.WithoutCancel(ctx)

	go func() {
		defer d.wg.Done()
		defer metrics.InflightWrites.Dec()

		if after != nil {
			<-after
		}

		ctx, cancel := context.WithTimeout(detached, d.timeout)
		defer cancel()
		ctx, span := d.tracer.Start(ctx, "ingest."+op)
		defer span.End()

		err := d.run(ctx, write)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "log write failed")
			metrics.LogWritesTotal.WithLabelValues(op, "failed").Inc()
			d.logger.Error("log write failed", append([]any{"op", op, "error", err}, attrs...)...)
			return
		}
		metrics.LogWritesTotal.WithLabelValues(op, "ok").Inc()
	}()
	return true
}

func (d *Dispatcher) run(ctx context.Context, write func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("log write panicked: %v", r)
		}
	}()
	return write(ctx)
}

// Close stops accepting writes and waits for in-flight ones until ctx is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("all log writes flushed")
		return nil
	case <-ctx.Done():
		d.logger.Warn("gave up waiting for in-flight log writes", "error", ctx.Err())
		return ctx.Err()
	}
}
