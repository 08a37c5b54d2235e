package notify

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{endpoints: make(map[string]*Endpoint)}
}

func (m *MemoryStore) Create(_ context.Context, e *Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endpoints[e.ID] = copyEndpoint(e)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, tenantID, id string) (*Endpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.endpoints[id]
	if !ok || e.TenantID != tenantID {
		return nil, ErrEndpointNotFound
	}
	return copyEndpoint(e), nil
}

func (m *MemoryStore) ListByTenant(_ context.Context, tenantID string) ([]*Endpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Endpoint
	for _, e := range m.endpoints {
		if e.TenantID == tenantID {
			out = append(out, copyEndpoint(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) RecordDelivery(_ context.Context, id string, at time.Time, deliveryErr string, disable bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.endpoints[id]
	if !ok {
		return ErrEndpointNotFound
	}
	if deliveryErr == "" {
		e.LastSuccess = &at
		e.LastError = ""
		e.ConsecutiveFailures = 0
		return nil
	}
	e.LastError = deliveryErr
	e.ConsecutiveFailures++
	if disable {
		e.Active = false
	}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.endpoints[id]
	if !ok || e.TenantID != tenantID {
		return ErrEndpointNotFound
	}
	delete(m.endpoints, id)
	return nil
}

func copyEndpoint(e *Endpoint) *Endpoint {
	cp := *e
	cp.Kinds = append([]Kind(nil), e.Kinds...)
	if e.LastSuccess != nil {
		t := *e.LastSuccess
		cp.LastSuccess = &t
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
