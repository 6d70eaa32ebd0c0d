package grpcsink

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"chatbot-execlog/internal/domain"
	"chatbot-execlog/internal/infra/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const bufTarget = "passthrough:///bufnet"

func startServer(t *testing.T, writer domain.LogWriter) *Client {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	Register(gs, NewServer(writer, logger))
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	client := NewClient(StaticAddrs{bufTarget}, logger,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestClientServer_RoundTrip(t *testing.T) {
	store := memory.NewLogStore()
	client := startServer(t, store)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, client.Insert(ctx, domain.LogEvent{
		ExecutionID: "e1",
		Seq:         2,
		NodeName:    "classify",
		Status:      domain.LogStatusRunning,
		Timestamp:   ts,
		TenantID:    "acme",
		InputData:   []byte(`{"entry":[{"changes":[{"value":{"messages":[]}}]}]}`),
		Metadata:    map[string]any{"start_time": float64(ts.UnixMilli())},
	}))

	ms := int64(1234567)
	require.NoError(t, client.CloseRunning(ctx, domain.NodeClosure{
		ExecutionID: "e1",
		NodeName:    "classify",
		Status:      domain.LogStatusError,
		Error:       &domain.ErrorDetail{Message: "boom", Stack: "main.go:1", Name: "*errors.errorString"},
		DurationMS:  &ms,
	}))

	got, err := store.Recent(ctx, domain.LogQuery{TenantID: "acme"})
	require.NoError(t, err)
	require.Len(t, got, 1)

	e := got[0]
	assert.Equal(t, "e1", e.ExecutionID)
	assert.Equal(t, int64(2), e.Seq)
	assert.True(t, ts.Equal(e.Timestamp))
	assert.Equal(t, domain.LogStatusError, e.Status)
	assert.JSONEq(t, `{"entry":[{"changes":[{"value":{"messages":[]}}]}]}`, string(e.InputData))
	require.NotNil(t, e.Error)
	assert.Equal(t, "boom", e.Error.Message)
	require.NotNil(t, e.DurationMS)
	assert.Equal(t, int64(1234567), *e.DurationMS)
	assert.Equal(t, float64(ts.UnixMilli()), e.Metadata["start_time"])
}

func TestServer_RejectsInvalidEvents(t *testing.T) {
	client := startServer(t, memory.NewLogStore())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := client.Insert(ctx, domain.LogEvent{NodeName: "n", Status: domain.LogStatusRunning, Timestamp: time.Now()})
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	conn, _, err := client.pick()
	require.NoError(t, err)
	bad, err := structpb.NewStruct(map[string]any{"status": 42})
	require.NoError(t, err)
	err = conn.Invoke(ctx, CloseRunningMethod, bad, new(emptypb.Empty))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestServer_StoreFailureIsInternal(t *testing.T) {
	store := memory.NewLogStore()
	require.NoError(t, store.Close())
	client := startServer(t, store)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := client.Insert(ctx, domain.LogEvent{
		ExecutionID: "e1", NodeName: "n", Status: domain.LogStatusRunning, Timestamp: time.Now(),
	})
	require.Error(t, err)
	assert.Equal(t, codes.Internal, status.Code(err))
}

func TestClient_NoInstances(t *testing.T) {
	client := NewClient(StaticAddrs{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	err := client.Insert(context.Background(), domain.LogEvent{})
	assert.ErrorIs(t, err, ErrNoInstances)
}
