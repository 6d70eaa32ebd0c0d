package postgres

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"chatbot-execlog/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestRecentQuery(t *testing.T) {
	since := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("unscoped", func(t *testing.T) {
		query, args := recentQuery(domain.LogQuery{}.Normalize())
		assert.Contains(t, query, "client_id IS NOT DISTINCT FROM $1")
		assert.Contains(t, query, "LIMIT $2")
		require.Len(t, args, 2)
		assert.Equal(t, nullString(""), args[0])
		assert.Equal(t, domain.DefaultQueryLimit, args[1])
	})

	t.Run("all filters", func(t *testing.T) {
		query, args := recentQuery(domain.LogQuery{TenantID: "acme", ExecutionID: "e1", Since: since, Limit: 900}.Normalize())
		assert.Contains(t, query, "execution_id = $2")
		assert.Contains(t, query, "timestamp > $3")
		assert.Contains(t, query, "ORDER BY timestamp DESC, id DESC LIMIT $4")
		assert.Equal(t, []any{nullString("acme"), "e1", since, domain.MaxQueryLimit}, args)
	})
}

// startPostgres runs a disposable Postgres container. Set EXECLOG_PG_TESTS=1 to
// enable; the tests need a working Docker daemon.
func startPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() || os.Getenv("EXECLOG_PG_TESTS") == "" {
		t.Skip("postgres integration tests disabled; set EXECLOG_PG_TESTS=1")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:15",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "execlog",
				"POSTGRES_PASSWORD": "execlog",
				"POSTGRES_DB":       "execlog",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)
	return fmt.Sprintf("postgres://execlog:execlog@%s:%s/execlog?sslmode=disable", host, port.Port())
}

func TestLogStore_Postgres(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	applied, err := Migrate(dsn)
	require.NoError(t, err)
	assert.True(t, applied)
	applied, err = Migrate(dsn)
	require.NoError(t, err)
	assert.False(t, applied)

	store, err := Open(ctx, dsn, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer store.Close()

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	insert := func(exec, tenant, node string, offset time.Duration) {
		require.NoError(t, store.Insert(ctx, domain.LogEvent{
			ExecutionID: exec,
			NodeName:    node,
			Status:      domain.LogStatusRunning,
			Timestamp:   base.Add(offset),
			TenantID:    tenant,
			InputData:   []byte(`{"text":"oi"}`),
			Metadata:    map[string]any{"message_type": "text"},
		}))
	}
	insert("e1", "acme", domain.NodeStart, 0)
	insert("e1", "acme", "classify", time.Second)
	insert("e2", "", domain.NodeStart, 2*time.Second)
	insert("e3", "globex", domain.NodeStart, 3*time.Second)

	t.Run("tenant scoping", func(t *testing.T) {
		got, err := store.Recent(ctx, domain.LogQuery{TenantID: "acme"})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "classify", got[0].NodeName)
		assert.Equal(t, "acme", got[0].TenantID)
		assert.JSONEq(t, `{"text":"oi"}`, string(got[0].InputData))
		assert.Equal(t, "text", got[0].Metadata["message_type"])

		got, err = store.Recent(ctx, domain.LogQuery{})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "e2", got[0].ExecutionID)
	})

	t.Run("since is exclusive", func(t *testing.T) {
		got, err := store.Recent(ctx, domain.LogQuery{TenantID: "acme", Since: base})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "classify", got[0].NodeName)
	})

	t.Run("close running", func(t *testing.T) {
		ms := int64(120)
		require.NoError(t, store.CloseRunning(ctx, domain.NodeClosure{
			ExecutionID: "e1",
			NodeName:    "classify",
			Status:      domain.LogStatusError,
			Error:       &domain.ErrorDetail{Message: "boom", Name: "*errors.errorString"},
			DurationMS:  &ms,
		}))

		got, err := store.Recent(ctx, domain.LogQuery{TenantID: "acme", ExecutionID: "e1"})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, domain.LogStatusError, got[0].Status)
		require.NotNil(t, got[0].Error)
		assert.Equal(t, "boom", got[0].Error.Message)
		assert.Equal(t, int64(120), *got[0].DurationMS)
		assert.JSONEq(t, `{"text":"oi"}`, string(got[0].InputData))
		assert.Equal(t, domain.LogStatusRunning, got[1].Status)
	})

	t.Run("stats", func(t *testing.T) {
		stats, err := store.Stats(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, int64(4), stats.Total)
		assert.Equal(t, int64(1), stats.Unscoped)
		assert.Equal(t, []string{"acme", "globex"}, stats.TenantIDs)
		require.Len(t, stats.RecentLogs, 2)
		assert.Equal(t, "e3", stats.RecentLogs[0].ExecutionID)
	})
}
