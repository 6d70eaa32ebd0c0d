package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"chatbot-execlog/internal/domain"
	"chatbot-execlog/internal/infra/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newService(t *testing.T, events ...domain.LogEvent) *ExecutionService {
	t.Helper()
	store := memory.NewLogStore()
	for _, e := range events {
		require.NoError(t, store.Insert(context.Background(), e))
	}
	return NewExecutionService(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func ev(exec, tenant, node string, status domain.LogStatus, offset time.Duration) domain.LogEvent {
	return domain.LogEvent{
		ExecutionID: exec,
		NodeName:    node,
		Status:      status,
		Timestamp:   base.Add(offset),
		TenantID:    tenant,
	}
}

func TestExecutionService_Stream(t *testing.T) {
	svc := newService(t,
		ev("e1", "acme", domain.NodeStart, domain.LogStatusRunning, 0),
		ev("e1", "acme", "classify", domain.LogStatusSuccess, time.Second),
		ev("e1", "acme", domain.NodeEnd, domain.LogStatusSuccess, 2*time.Second),
		ev("e2", "acme", domain.NodeStart, domain.LogStatusRunning, 3*time.Second),
		ev("e2", "acme", "reply", domain.LogStatusError, 4*time.Second),
		ev("e3", "globex", domain.NodeStart, domain.LogStatusRunning, 5*time.Second),
	)

	res, err := svc.Stream(context.Background(), domain.LogQuery{TenantID: "acme"})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Events)
	assert.Zero(t, res.Rejected)
	require.Len(t, res.Executions, 2)

	assert.Equal(t, "e2", res.Executions[0].ExecutionID)
	assert.Equal(t, domain.LogStatusError, res.Executions[0].Status)
	assert.Equal(t, "e1", res.Executions[1].ExecutionID)
	assert.Equal(t, domain.LogStatusSuccess, res.Executions[1].Status)
	assert.Equal(t, 3, res.Executions[1].NodeCount)
}

func TestExecutionService_StreamSingleExecution(t *testing.T) {
	svc := newService(t,
		ev("e1", "", domain.NodeStart, domain.LogStatusRunning, 0),
		ev("e2", "", domain.NodeStart, domain.LogStatusRunning, time.Second),
	)

	res, err := svc.Stream(context.Background(), domain.LogQuery{ExecutionID: "e2"})
	require.NoError(t, err)
	require.Len(t, res.Executions, 1)
	assert.Equal(t, "e2", res.Executions[0].ExecutionID)
	assert.Equal(t, domain.LogStatusRunning, res.Executions[0].Status)
}

func TestExecutionService_StreamRejectsBadLimit(t *testing.T) {
	svc := newService(t)

	_, err := svc.Stream(context.Background(), domain.LogQuery{Limit: domain.MaxQueryLimit + 1})
	assert.ErrorIs(t, err, domain.ErrInvalidQuery)
	_, err = svc.Stream(context.Background(), domain.LogQuery{Limit: -1})
	assert.ErrorIs(t, err, domain.ErrInvalidQuery)
}

type failingReader struct{}

func (failingReader) Recent(context.Context, domain.LogQuery) ([]domain.LogEvent, error) {
	return nil, errors.New("connection refused")
}

func (failingReader) Stats(context.Context, int) (domain.LogStats, error) {
	return domain.LogStats{}, errors.New("connection refused")
}

func TestExecutionService_StoreErrors(t *testing.T) {
	svc := NewExecutionService(failingReader{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := svc.Stream(context.Background(), domain.LogQuery{})
	assert.ErrorContains(t, err, "connection refused")
	_, err = svc.Diagnose(context.Background(), "acme")
	assert.ErrorContains(t, err, "connection refused")
}

func TestExecutionService_Diagnose(t *testing.T) {
	tests := []struct {
		name      string
		events    []domain.LogEvent
		tenant    string
		wantFirst string
		wantFound bool
	}{
		{
			name:      "empty store",
			tenant:    "acme",
			wantFirst: "NO LOGS IN STORE",
		},
		{
			name:      "all logs unscoped",
			events:    []domain.LogEvent{ev("e1", "", domain.NodeStart, domain.LogStatusRunning, 0)},
			tenant:    "acme",
			wantFirst: "ALL LOGS MISSING client_id",
		},
		{
			name:      "caller without tenant",
			events:    []domain.LogEvent{ev("e1", "acme", domain.NodeStart, domain.LogStatusRunning, 0)},
			wantFirst: "CALLER HAS NO client_id",
		},
		{
			name:      "tenant mismatch",
			events:    []domain.LogEvent{ev("e1", "globex", domain.NodeStart, domain.LogStatusRunning, 0)},
			tenant:    "acme",
			wantFirst: "CLIENT_ID MISMATCH",
		},
		{
			name:      "looks correct",
			events:    []domain.LogEvent{ev("e1", "acme", domain.NodeStart, domain.LogStatusRunning, 0)},
			tenant:    "acme",
			wantFirst: "CONFIGURATION LOOKS CORRECT",
			wantFound: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newService(t, tt.events...)
			d, err := svc.Diagnose(context.Background(), tt.tenant)
			require.NoError(t, err)
			require.NotEmpty(t, d.Findings)
			assert.Contains(t, d.Findings[0], tt.wantFirst)
			assert.Equal(t, tt.wantFound, d.TenantFound)
			assert.Equal(t, int64(len(tt.events)), d.Stats.Total)
		})
	}
}

func TestExecutionService_DiagnoseMismatchListsTenants(t *testing.T) {
	svc := newService(t,
		ev("e1", "globex", domain.NodeStart, domain.LogStatusRunning, 0),
		ev("e2", "initech", domain.NodeStart, domain.LogStatusRunning, time.Second),
	)

	d, err := svc.Diagnose(context.Background(), "acme")
	require.NoError(t, err)
	assert.Contains(t, d.Findings, "caller client_id: acme")
	assert.Contains(t, d.Findings, "client ids in logs: globex, initech")
}
