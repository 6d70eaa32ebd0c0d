// internal/infra/memory/log_store.go
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"chatbot-execlog/internal/domain"
)

// LogStore keeps execution log events in process memory.
type LogStore struct {
	mu     sync.RWMutex
	events []domain.LogEvent
	nextID int64
	closed bool
}

// NewLogStore creates an empty in-memory log store.
func NewLogStore() *LogStore {
	return &LogStore{}
}

func (s *LogStore) Insert(ctx context.Context, event domain.LogEvent) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("failed to insert log event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.ErrStoreClosed
	}
	s.nextID++
	event.ID = s.nextID
	s.events = append(s.events, event)
	return nil
}

func (s *LogStore) CloseRunning(ctx context.Context, closure domain.NodeClosure) error {
	if err := closure.Validate(); err != nil {
		return fmt.Errorf("failed to close running node: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.ErrStoreClosed
	}
	for i := range s.events {
		closure.Apply(&s.events[i])
	}
	return nil
}

func (s *LogStore) Recent(ctx context.Context, q domain.LogQuery) ([]domain.LogEvent, error) {
	q = q.Normalize()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, domain.ErrStoreClosed
	}

	out := make([]domain.LogEvent, 0, min(len(s.events), q.Limit))
	for i := range s.events {
		if q.Visible(&s.events[i]) {
			out = append(out, s.events[i])
		}
	}
	sortNewestFirst(out)
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *LogStore) Stats(ctx context.Context, recent int) (domain.LogStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return domain.LogStats{}, domain.ErrStoreClosed
	}

	stats := domain.LogStats{Total: int64(len(s.events)), TenantIDs: []string{}}
	seen := make(map[string]struct{})
	for _, e := range s.events {
		if e.TenantID == "" {
			stats.Unscoped++
			continue
		}
		if _, ok := seen[e.TenantID]; !ok {
			seen[e.TenantID] = struct{}{}
			stats.TenantIDs = append(stats.TenantIDs, e.TenantID)
		}
	}
	slices.Sort(stats.TenantIDs)

	latest := slices.Clone(s.events)
	sortNewestFirst(latest)
	if recent >= 0 && len(latest) > recent {
		latest = latest[:recent]
	}
	stats.RecentLogs = latest
	return stats, nil
}

func (s *LogStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// sortNewestFirst orders by timestamp descending, then by insertion id descending.
func sortNewestFirst(events []domain.LogEvent) {
	slices.SortStableFunc(events, func(a, b domain.LogEvent) int {
		if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
}
