// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu        sync.RWMutex
	exchanges []*Exchange          // in insertion order
	byID      map[string]*Exchange // keyed by exchange ID
	resets    map[string]time.Time // keyed by actor ID
	audit     []AuditEntry
	closed    bool
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		byID:   make(map[string]*Exchange),
		resets: make(map[string]time.Time),
	}
}

// SaveExchange stores an exchange.
func (m *MockStore) SaveExchange(ctx context.Context, ex *Exchange) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ex.ID == "" {
		ex.ID = uuid.New().String()
	}
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = time.Now().UTC()
	}
	if _, ok := m.byID[ex.ID]; ok {
		return ErrDuplicateExchange
	}

	// Make a copy to avoid external modification
	c := *ex
	m.exchanges = append(m.exchanges, &c)
	m.byID[c.ID] = &c
	return nil
}

// GetExchange retrieves an exchange by ID.
func (m *MockStore) GetExchange(ctx context.Context, id string) (*Exchange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ex, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *ex
	return &c, nil
}

// sortedFor returns copies of the actor's exchanges in chronological order.
// Must be called with the lock held.
func (m *MockStore) sortedFor(actorID string, after time.Time) []*Exchange {
	var out []*Exchange
	for _, ex := range m.exchanges {
		if actorID != "" && ex.ActorID != actorID {
			continue
		}
		if !after.IsZero() && !ex.CreatedAt.After(after) {
			continue
		}
		c := *ex
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// RecentExchanges returns the actor's latest exchanges oldest first.
func (m *MockStore) RecentExchanges(ctx context.Context, actorID string, limit int) ([]*Exchange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		return []*Exchange{}, nil
	}
	out := m.sortedFor(actorID, m.resets[actorID])
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	if out == nil {
		out = []*Exchange{}
	}
	return out, nil
}

// ListExchanges returns the actor's exchanges newest first.
func (m *MockStore) ListExchanges(ctx context.Context, actorID string, limit int) ([]*Exchange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := m.sortedFor(actorID, time.Time{})
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if limit = normalizeLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	if out == nil {
		out = []*Exchange{}
	}
	return out, nil
}

// ExchangeStats summarizes the stored exchanges.
func (m *MockStore) ExchangeStats(ctx context.Context) (*ExchangeStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &ExchangeStats{ByStatus: make(map[DeliveryStatus]int64)}
	actors := make(map[string]struct{})
	for _, ex := range m.exchanges {
		stats.Total++
		stats.ByStatus[ex.DeliveryStatus]++
		stats.CostUSD += ex.CostUSD
		stats.InputTokens += ex.InputTokens
		stats.OutputTokens += ex.OutputTokens
		actors[ex.ActorID] = struct{}{}

		t := ex.CreatedAt
		if stats.FirstSeen == nil || t.Before(*stats.FirstSeen) {
			stats.FirstSeen = &t
		}
		if stats.LastSeen == nil || t.After(*stats.LastSeen) {
			stats.LastSeen = &t
		}
	}
	stats.Actors = int64(len(actors))
	return stats, nil
}

// ResetContext records a context reset for the actor.
func (m *MockStore) ResetContext(ctx context.Context, actorID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.resets[actorID] = at
	return nil
}

// AppendAuditLog appends an audit entry.
func (m *MockStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prepareAuditEntry(e)
	m.audit = append(m.audit, *e)
	return nil
}

// ListAuditLog returns audit entries newest first.
func (m *MockStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := []AuditEntry{}
	for i := len(m.audit) - 1; i >= 0; i-- {
		e := m.audit[i]
		if f.Since != nil && e.Timestamp.Before(*f.Since) {
			continue
		}
		if f.Until != nil && e.Timestamp.After(*f.Until) {
			continue
		}
		if f.Actor != nil && e.Actor != *f.Actor {
			continue
		}
		if f.Action != nil && e.Action != *f.Action {
			continue
		}
		if f.TargetType != nil && e.TargetType != *f.TargetType {
			continue
		}
		if f.TargetID != nil && e.TargetID != *f.TargetID {
			continue
		}
		entries = append(entries, e)
	}
	if limit := normalizeLimit(f.Limit); len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// Ping always succeeds until the store is closed.
func (m *MockStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrClosed
	}
	return nil
}

// Close marks the store closed.
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

// Compile-time check
var _ Store = (*MockStore)(nil)
