package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"chatbot-execlog/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	mu       sync.Mutex
	events   []domain.LogEvent
	closures []domain.NodeClosure
	ops      []string
	delay    time.Duration
	err      error
}

func (w *recordingWriter) Insert(ctx context.Context, event domain.LogEvent) error {
	if w.delay > 0 {
		time.Sleep(w.delay)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ops = append(w.ops, "insert:"+event.NodeName)
	if w.err != nil {
		return w.err
	}
	w.events = append(w.events, event)
	return nil
}

func (w *recordingWriter) CloseRunning(ctx context.Context, closure domain.NodeClosure) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ops = append(w.ops, "close:"+closure.NodeName)
	if w.err != nil {
		return w.err
	}
	w.closures = append(w.closures, closure)
	for i := range w.events {
		closure.Apply(&w.events[i])
	}
	return nil
}

func (w *recordingWriter) snapshot() ([]domain.LogEvent, []domain.NodeClosure, []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]domain.LogEvent(nil), w.events...),
		append([]domain.NodeClosure(nil), w.closures...),
		append([]string(nil), w.ops...)
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(10 * time.Millisecond)
	return c.now
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestLogger(w domain.LogWriter) (*ExecutionLogger, *Dispatcher) {
	d := NewDispatcher(discardLogger(), time.Second)
	clock := &stepClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	l := NewExecutionLogger(w, d, discardLogger(),
		WithClock(clock.Now),
		WithIDGenerator(func() string { return "exec-1" }),
	)
	return l, d
}

func flush(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))
}

func TestExecutionLogger_FullLifecycle(t *testing.T) {
	w := &recordingWriter{}
	l, d := newTestLogger(w)
	ctx := context.Background()

	id := l.StartExecution(ctx, map[string]any{"phone": "+5511999"}, "tenant-a")
	assert.Equal(t, "exec-1", id)
	assert.Equal(t, "exec-1", l.ExecutionID())

	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	l.LogNodeStart(ctx, "classify", map[string]string{"text": "hi"})
	l.LogNodeSuccess(ctx, "classify", map[string]string{"intent": "greeting"}, start)
	l.FinishExecution(ctx, domain.LogStatusSuccess)
	flush(t, d)

	events, closures, ops := w.snapshot()
	assert.Equal(t, []string{"insert:_START", "insert:classify", "close:classify", "insert:_END"}, ops)
	require.Len(t, events, 3)
	require.Len(t, closures, 1)

	for _, e := range events {
		assert.Equal(t, "exec-1", e.ExecutionID)
		assert.Equal(t, "tenant-a", e.TenantID)
		assert.False(t, e.Timestamp.IsZero())
	}
	assert.Less(t, events[0].Seq, events[1].Seq)
	assert.Less(t, events[1].Seq, events[2].Seq)

	assert.Equal(t, domain.NodeStart, events[0].NodeName)
	assert.Equal(t, "+5511999", events[0].Metadata["phone"])

	node := events[1]
	assert.Equal(t, domain.LogStatusSuccess, node.Status)
	assert.JSONEq(t, `{"text":"hi"}`, string(node.InputData))
	assert.JSONEq(t, `{"intent":"greeting"}`, string(node.OutputData))
	require.NotNil(t, node.DurationMS)
	assert.Positive(t, *node.DurationMS)

	assert.Equal(t, domain.NodeEnd, events[2].NodeName)
	assert.Equal(t, domain.LogStatusSuccess, events[2].Status)
}

func TestExecutionLogger_NoActiveExecutionIsNoop(t *testing.T) {
	w := &recordingWriter{}
	l, d := newTestLogger(w)
	ctx := context.Background()

	l.LogNodeStart(ctx, "classify", nil)
	l.LogNodeSuccess(ctx, "classify", nil, time.Time{})
	l.LogNodeError(ctx, "classify", errors.New("boom"))
	l.FinishExecution(ctx, domain.LogStatusError)
	flush(t, d)

	_, _, ops := w.snapshot()
	assert.Empty(t, ops)
	assert.Empty(t, l.ExecutionID())
}

func TestExecutionLogger_NilWriterPersistsNothing(t *testing.T) {
	d := NewDispatcher(discardLogger(), time.Second)
	l := NewExecutionLogger(nil, d, discardLogger())
	ctx := context.Background()

	id := l.StartExecution(ctx, nil, "")
	assert.NotEmpty(t, id)
	assert.NotPanics(t, func() {
		l.LogNodeStart(ctx, "n", "x")
		l.LogNodeSuccess(ctx, "n", "y", time.Now())
		l.FinishExecution(ctx, domain.LogStatusSuccess)
	})
	flush(t, d)
}

func TestExecutionLogger_WriteFailuresAreSwallowed(t *testing.T) {
	w := &recordingWriter{err: errors.New("database is down")}
	l, d := newTestLogger(w)
	ctx := context.Background()

	assert.NotPanics(t, func() {
		l.StartExecution(ctx, nil, "tenant-a")
		l.LogNodeStart(ctx, "reply", nil)
		l.LogNodeError(ctx, "reply", errors.New("send failed"))
		l.FinishExecution(ctx, domain.LogStatusError)
	})
	flush(t, d)

	_, _, ops := w.snapshot()
	assert.Len(t, ops, 4)
}

func TestExecutionLogger_PreservesOrderWithSlowWriter(t *testing.T) {
	w := &recordingWriter{delay: 5 * time.Millisecond}
	l, d := newTestLogger(w)
	ctx := context.Background()

	l.StartExecution(ctx, nil, "")
	for _, node := range []string{"a", "b", "c"} {
		l.LogNodeStart(ctx, node, nil)
		l.LogNodeSuccess(ctx, node, nil, time.Time{})
	}
	l.FinishExecution(ctx, domain.LogStatusSuccess)
	flush(t, d)

	_, _, ops := w.snapshot()
	assert.Equal(t, []string{
		"insert:_START",
		"insert:a", "close:a",
		"insert:b", "close:b",
		"insert:c", "close:c",
		"insert:_END",
	}, ops)
}

func TestExecutionLogger_QueuedWritesGetTheirOwnTimeout(t *testing.T) {
	// Each write takes 40ms against a 100ms timeout; six chained writes need
	// 240ms in total, so the timeout must not include time spent queued.
	w := &recordingWriter{delay: 40 * time.Millisecond}
	d := NewDispatcher(discardLogger(), 100*time.Millisecond)
	l := NewExecutionLogger(w, d, discardLogger(), WithIDGenerator(func() string { return "exec-1" }))
	ctx := context.Background()

	l.StartExecution(ctx, nil, "acme")
	for _, node := range []string{"a", "b", "c", "d"} {
		l.LogNodeStart(ctx, node, nil)
	}
	l.FinishExecution(ctx, domain.LogStatusSuccess)
	flush(t, d)

	events, _, _ := w.snapshot()
	names := make([]string, 0, len(events))
	for _, e := range events {
		names = append(names, e.NodeName)
	}
	assert.Equal(t, []string{domain.NodeStart, "a", "b", "c", "d", domain.NodeEnd}, names)
}

func TestExecutionLogger_LogNodeErrorRecordsDetails(t *testing.T) {
	w := &recordingWriter{}
	l, d := newTestLogger(w)
	ctx := context.Background()

	l.StartExecution(ctx, nil, "tenant-b")
	l.LogNodeStart(ctx, "send", nil)
	l.LogNodeError(ctx, "send", errors.New("whatsapp api returned 500"))
	flush(t, d)

	events, closures, _ := w.snapshot()
	require.Len(t, closures, 1)
	assert.Equal(t, domain.LogStatusError, closures[0].Status)
	require.NotNil(t, closures[0].Error)
	assert.Equal(t, "whatsapp api returned 500", closures[0].Error.Message)

	require.Len(t, events, 2)
	assert.Equal(t, domain.LogStatusError, events[1].Status)
	assert.Nil(t, events[1].DurationMS)
}

func TestExecutionLogger_UnserialisablePayload(t *testing.T) {
	w := &recordingWriter{}
	l, d := newTestLogger(w)
	ctx := context.Background()

	l.StartExecution(ctx, nil, "")
	l.LogNodeStart(ctx, "odd", make(chan int))
	flush(t, d)

	events, _, _ := w.snapshot()
	require.Len(t, events, 2)
	var s string
	require.NoError(t, json.Unmarshal(events[1].InputData, &s))
	assert.NotEmpty(t, s)
}

func TestExecutionLogger_RestartResetsSequence(t *testing.T) {
	w := &recordingWriter{}
	d := NewDispatcher(discardLogger(), time.Second)
	ids := []string{"first", "second"}
	l := NewExecutionLogger(w, d, discardLogger(), WithIDGenerator(func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}))
	ctx := context.Background()

	assert.Equal(t, "first", l.StartExecution(ctx, nil, "t1"))
	assert.Equal(t, "second", l.StartExecution(ctx, nil, "t2"))
	flush(t, d)

	events, _, _ := w.snapshot()
	require.Len(t, events, 2)
	tenants := map[string]string{}
	for _, e := range events {
		assert.Equal(t, int64(1), e.Seq)
		tenants[e.ExecutionID] = e.TenantID
	}
	assert.Equal(t, map[string]string{"first": "t1", "second": "t2"}, tenants)
}

func TestExecuteNode(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		w := &recordingWriter{}
		l, d := newTestLogger(w)
		ctx := context.Background()
		l.StartExecution(ctx, nil, "")

		got, err := ExecuteNode(ctx, l, "lookup", "in", func(ctx context.Context) (int, error) {
			return 42, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 42, got)
		flush(t, d)

		events, _, _ := w.snapshot()
		require.Len(t, events, 2)
		assert.Equal(t, domain.LogStatusSuccess, events[1].Status)
		assert.JSONEq(t, `42`, string(events[1].OutputData))
		require.NotNil(t, events[1].DurationMS)
	})

	t.Run("error is logged before it is returned", func(t *testing.T) {
		w := &recordingWriter{}
		l, d := newTestLogger(w)
		ctx := context.Background()
		l.StartExecution(ctx, nil, "")

		wantErr := errors.New("no such contact")
		_, err := ExecuteNode(ctx, l, "lookup", nil, func(ctx context.Context) (string, error) {
			return "", wantErr
		})
		assert.ErrorIs(t, err, wantErr)
		flush(t, d)

		events, _, _ := w.snapshot()
		require.Len(t, events, 2)
		assert.Equal(t, domain.LogStatusError, events[1].Status)
		assert.Equal(t, "no such contact", events[1].Error.Message)
	})

	t.Run("panic is logged and re-raised", func(t *testing.T) {
		w := &recordingWriter{}
		l, d := newTestLogger(w)
		ctx := context.Background()
		l.StartExecution(ctx, nil, "")

		assert.PanicsWithValue(t, "kaboom", func() {
			_, _ = ExecuteNode(ctx, l, "explode", nil, func(ctx context.Context) (int, error) {
				panic("kaboom")
			})
		})
		flush(t, d)

		events, _, _ := w.snapshot()
		require.Len(t, events, 2)
		assert.Equal(t, domain.LogStatusError, events[1].Status)
		assert.Contains(t, events[1].Error.Message, "kaboom")
	})
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "none", preview(nil))
	assert.Equal(t, `"x"`, preview(json.RawMessage(`"x"`)))

	long := make([]byte, 500)
	for i := range long {
		long[i] = 'a'
	}
	assert.Len(t, preview(long), previewLimit)
}
