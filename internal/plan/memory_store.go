package plan

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory plan store for demo/development.
type MemoryStore struct {
	mu    sync.RWMutex
	plans map[Name]*Plan
}

// NewMemoryStore creates a new in-memory plan store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{plans: make(map[Name]*Plan)}
}

func (m *MemoryStore) Get(_ context.Context, name Name) (*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.plans[name]
	if !ok {
		return nil, ErrPlanNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context) ([]*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Plan, 0, len(m.plans))
	for _, p := range m.plans {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Price.Cmp(out[j].Price); c != 0 {
			return c < 0
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (m *MemoryStore) Seed(_ context.Context, p *Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.plans[p.Name]; ok {
		existing.Limits = p.Limits
		existing.UpdatedAt = time.Now()
		return nil
	}
	cp := *p
	cp.UpdatedAt = time.Now()
	m.plans[p.Name] = &cp
	return nil
}

func (m *MemoryStore) SetPrice(_ context.Context, name Name, price decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.plans[name]
	if !ok {
		return ErrPlanNotFound
	}
	p.Price = price
	p.UpdatedAt = time.Now()
	return nil
}

var _ Store = (*MemoryStore)(nil)
