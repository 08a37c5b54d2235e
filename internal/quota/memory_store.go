package quota

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pricewatch/pricewatch/internal/idgen"
)

// MemoryStore is an in-memory quota store for demo/development.
type MemoryStore struct {
	mu        sync.RWMutex
	templates map[string]*Template // by ID
	byValue   map[templateKey]string
	usage     map[string]*Usage // by tenant ID
}

type templateKey struct {
	name   string
	limits Limits
}

// NewMemoryStore creates a new in-memory quota store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		templates: make(map[string]*Template),
		byValue:   make(map[templateKey]string),
		usage:     make(map[string]*Usage),
	}
}

func (m *MemoryStore) FindOrCreateTemplate(_ context.Context, t *Template) (*Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := templateKey{name: t.Name, limits: t.Limits}
	if id, ok := m.byValue[key]; ok {
		cp := *m.templates[id]
		return &cp, nil
	}

	cp := *t
	if cp.ID == "" {
		cp.ID = idgen.WithPrefix("qt_")
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.templates[cp.ID] = &cp
	m.byValue[key] = cp.ID
	out := cp
	return &out, nil
}

func (m *MemoryStore) GetTemplate(_ context.Context, id string) (*Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.templates[id]
	if !ok {
		return nil, ErrTemplateNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) ListTemplates(_ context.Context) ([]*Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Template, 0, len(m.templates))
	for _, t := range m.templates {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) GetUsage(_ context.Context, tenantID string) (*Usage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.usage[tenantID]
	if !ok {
		return nil, ErrNoQuota
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) PutUsage(_ context.Context, u *Usage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.templates[u.TemplateID]; !ok {
		return ErrTemplateNotFound
	}
	cp := *u
	m.usage[u.TenantID] = &cp
	return nil
}

func (m *MemoryStore) Consume(_ context.Context, tenantID string, r Resource, amount int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.usage[tenantID]
	if !ok {
		return 0, ErrNoQuota
	}
	counter := m.counter(u, r)
	if amount > *counter {
		return *counter, &ExceededError{Resource: r, Requested: amount, Remaining: *counter}
	}
	*counter -= amount
	return *counter, nil
}

func (m *MemoryStore) Release(_ context.Context, tenantID string, r Resource, amount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.usage[tenantID]
	if !ok {
		return ErrNoQuota
	}
	limit := m.templates[u.TemplateID].Limits.ParseUnitsLimit
	if r == SKUs {
		limit = m.templates[u.TemplateID].Limits.SKUsLimit
	}
	counter := m.counter(u, r)
	*counter = min(*counter+amount, limit)
	return nil
}

func (m *MemoryStore) counter(u *Usage, r Resource) *int {
	if r == SKUs {
		return &u.SKUsRemaining
	}
	return &u.ParseUnitsRemaining
}

var _ Store = (*MemoryStore)(nil)
