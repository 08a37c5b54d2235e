package tenant

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pricewatch/pricewatch/internal/idgen"
	"github.com/pricewatch/pricewatch/internal/pagination"
)

// MemoryStore is an in-memory tenant store for demo/development.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant // by ID
	users   map[string]*User   // by ID
	emails  map[string]string  // lowercased email → user ID
	history map[string][]*HistoryEntry
}

// NewMemoryStore creates a new in-memory tenant store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants: make(map[string]*Tenant),
		users:   make(map[string]*User),
		emails:  make(map[string]string),
		history: make(map[string][]*HistoryEntry),
	}
}

func (m *MemoryStore) Create(_ context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *t
	m.tenants[t.ID] = &cp
	return m.appendHistory(&cp, "created")
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrTenantNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context, after *pagination.Cursor, limit int) ([]*Tenant, error) {
	return m.filter(limit, func(t *Tenant) bool { return after.After(t.CreatedAt, t.ID) }), nil
}

func (m *MemoryStore) ListBillingDue(_ context.Context, cutoff time.Time, limit int) ([]*Tenant, error) {
	return m.filter(limit, func(t *Tenant) bool { return !t.BillingStartedAt.After(cutoff) }), nil
}

func (m *MemoryStore) filter(limit int, keep func(*Tenant) bool) []*Tenant {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Tenant
	for _, t := range m.tenants {
		if keep(t) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryStore) Mutate(_ context.Context, id, change string, fn MutateFunc) (*Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.tenants[id]
	if !ok {
		return nil, ErrTenantNotFound
	}
	cp := *current
	if err := fn(&cp); err != nil {
		return nil, err
	}
	cp.ID = id
	cp.UpdatedAt = time.Now()
	m.tenants[id] = &cp
	if err := m.appendHistory(&cp, change); err != nil {
		return nil, err
	}
	out := cp
	return &out, nil
}

// caller holds m.mu
func (m *MemoryStore) appendHistory(t *Tenant, change string) error {
	e, err := newHistoryEntry(idgen.WithPrefix("th_"), t, change)
	if err != nil {
		return err
	}
	m.history[t.ID] = append(m.history[t.ID], e)
	return nil
}

func (m *MemoryStore) History(_ context.Context, tenantID string, limit int) ([]*HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.history[tenantID]
	out := make([]*HistoryEntry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		cp := *entries[i]
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateUser(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tenants[u.TenantID]; !ok {
		return ErrTenantNotFound
	}
	email := strings.ToLower(u.Email)
	if _, taken := m.emails[email]; taken {
		return ErrEmailTaken
	}
	cp := *u
	m.users[u.ID] = &cp
	m.emails[email] = u.ID
	return nil
}

func (m *MemoryStore) GetUser(_ context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) ListUsers(_ context.Context, tenantID string) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*User
	for _, u := range m.users {
		if u.TenantID == tenantID {
			cp := *u
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) HasActiveSuperuser(_ context.Context, tenantID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, u := range m.users {
		if u.TenantID == tenantID && u.IsSuperuser && u.IsActive {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) DeactivateExpiredDemos(_ context.Context, now time.Time) ([]*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*User
	for _, u := range m.users {
		if u.IsDemo && u.IsActive && u.DemoExpiresAt != nil && u.DemoExpiresAt.Before(now) {
			u.IsActive = false
			cp := *u
			out = append(out, &cp)
		}
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
