package billing

import (
	"context"
	"sync"
)

// MemoryStore keeps ledger entries in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]*Entry // by tenant, oldest first
}

// NewMemoryStore creates an in-memory entry store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]*Entry)}
}

func (m *MemoryStore) Append(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.entries[e.TenantID] = append(m.entries[e.TenantID], &cp)
	return nil
}

func (m *MemoryStore) History(_ context.Context, tenantID string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.entries[tenantID]
	out := make([]*Entry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		cp := *entries[i]
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

var _ EntryStore = (*MemoryStore)(nil)
