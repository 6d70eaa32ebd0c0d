// internal/domain/log_repository.go
package domain

import (
	"context"
	"errors"
	"time"
)

const (
	// DefaultQueryLimit is used when a query does not set Limit.
	DefaultQueryLimit = 100
	// MaxQueryLimit bounds every read from the log store.
	MaxQueryLimit = 500
)

var (
	// ErrInvalidQuery is returned for a LogQuery outside the accepted bounds.
	ErrInvalidQuery = errors.New("invalid log query")
	// ErrStoreClosed is returned by stores used after Close.
	ErrStoreClosed = errors.New("log store closed")
)

// LogQuery selects the most recent events visible to one tenant.
type LogQuery struct {
	TenantID    string
	ExecutionID string
	Since       time.Time
	Limit       int
}

// Normalize applies the default limit and caps it at MaxQueryLimit.
func (q LogQuery) Normalize() LogQuery {
	if q.Limit <= 0 {
		q.Limit = DefaultQueryLimit
	}
	if q.Limit > MaxQueryLimit {
		q.Limit = MaxQueryLimit
	}
	return q
}

// Visible reports whether e passes the query filters. A tenant-scoped query sees
// only its own tenant's events; an unscoped query sees only unscoped events.
func (q LogQuery) Visible(e *LogEvent) bool {
	if e.TenantID != q.TenantID {
		return false
	}
	if q.ExecutionID != "" && e.ExecutionID != q.ExecutionID {
		return false
	}
	if !q.Since.IsZero() && !e.Timestamp.After(q.Since) {
		return false
	}
	return true
}

// LogStats summarises the whole log table, ignoring tenant scoping.
type LogStats struct {
	Total      int64      `json:"total"`
	Unscoped   int64      `json:"unscoped"`
	TenantIDs  []string   `json:"tenant_ids"`
	RecentLogs []LogEvent `json:"recent_logs"`
}

// LogWriter is the best-effort write side of the log store.
type LogWriter interface {
	// Insert appends one event.
	Insert(ctx context.Context, event LogEvent) error
	// CloseRunning updates every running event matching the closure's execution and node.
	CloseRunning(ctx context.Context, closure NodeClosure) error
}

// LogReader is the query side of the log store.
type LogReader interface {
	// Recent returns at most q.Limit events visible to q, newest first.
	Recent(ctx context.Context, q LogQuery) ([]LogEvent, error)
	// Stats returns unscoped diagnostics over the whole store.
	Stats(ctx context.Context, recent int) (LogStats, error)
}

// LogStore is a full log store backend.
type LogStore interface {
	LogWriter
	LogReader
	Close() error
}
