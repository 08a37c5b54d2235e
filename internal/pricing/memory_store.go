package pricing

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for demo/development.
type MemoryStore struct {
	mu     sync.RWMutex
	items  map[string]*Item // by ID
	prices map[string][]PricePoint
	alerts map[string]*Alert // by ID
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:  make(map[string]*Item),
		prices: make(map[string][]PricePoint),
		alerts: make(map[string]*Alert),
	}
}

func (m *MemoryStore) CreateItem(_ context.Context, it *Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.items {
		if other.TenantID == it.TenantID && other.SKU == it.SKU {
			return ErrDuplicateSKU
		}
	}
	cp := *it
	m.items[it.ID] = &cp
	return nil
}

func (m *MemoryStore) GetItem(_ context.Context, tenantID, id string) (*Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.items[id]
	if !ok || it.TenantID != tenantID {
		return nil, ErrItemNotFound
	}
	cp := *it
	return &cp, nil
}

func (m *MemoryStore) ListItems(_ context.Context, tenantID string) ([]*Item, error) {
	return m.filterItems(func(it *Item) bool { return it.TenantID == tenantID }), nil
}

func (m *MemoryStore) ItemsBySKU(_ context.Context, tenantID string, skus []string) ([]*Item, error) {
	want := make(map[string]bool, len(skus))
	for _, s := range skus {
		want[s] = true
	}
	return m.filterItems(func(it *Item) bool { return it.TenantID == tenantID && want[it.SKU] }), nil
}

func (m *MemoryStore) filterItems(keep func(*Item) bool) []*Item {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []*Item{}
	for _, it := range m.items {
		if keep(it) {
			cp := *it
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].SKU < out[j].SKU
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *MemoryStore) CountItems(_ context.Context, tenantID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, it := range m.items {
		if it.TenantID == tenantID {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ApplyScrape(_ context.Context, it *Item) (*Item, error) {
	return m.modify(it.TenantID, it.ID, func(cur *Item) {
		cur.Name = it.Name
		cur.Brand = it.Brand
		cur.Price = it.Price
		cur.SellerPrice = it.SellerPrice
		cur.SPP = it.SPP
		cur.InStock = it.InStock
		cur.UpdatedAt = it.UpdatedAt
	})
}

func (m *MemoryStore) SetFlags(_ context.Context, tenantID, id string, parser, notifier *bool, at time.Time) (*Item, error) {
	return m.modify(tenantID, id, func(cur *Item) {
		if parser != nil {
			cur.IsParserActive = *parser
		}
		if notifier != nil {
			cur.IsNotifierActive = *notifier
		}
		cur.UpdatedAt = at
	})
}

func (m *MemoryStore) modify(tenantID, id string, fn func(*Item)) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.items[id]
	if !ok || cur.TenantID != tenantID {
		return nil, ErrItemNotFound
	}
	fn(cur)
	cp := *cur
	return &cp, nil
}

func (m *MemoryStore) DeleteItem(_ context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok || it.TenantID != tenantID {
		return ErrItemNotFound
	}
	delete(m.items, id)
	delete(m.prices, id)
	for aid, a := range m.alerts {
		if a.TenantID != tenantID {
			continue
		}
		kept := a.ItemIDs[:0:0]
		for _, x := range a.ItemIDs {
			if x != id {
				kept = append(kept, x)
			}
		}
		if len(kept) == 0 {
			delete(m.alerts, aid)
			continue
		}
		a.ItemIDs = kept
	}
	return nil
}

func (m *MemoryStore) AppendPrice(_ context.Context, p *PricePoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[p.ItemID]; !ok {
		return ErrItemNotFound
	}
	m.prices[p.ItemID] = append(m.prices[p.ItemID], *p)
	return nil
}

func (m *MemoryStore) RecentPrices(_ context.Context, itemIDs []string, n int) (map[string][]PricePoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]PricePoint, len(itemIDs))
	for _, id := range itemIDs {
		out[id] = newestFirst(m.prices[id], n)
	}
	return out, nil
}

func (m *MemoryStore) PriceHistory(_ context.Context, itemID string, limit int) ([]PricePoint, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return newestFirst(m.prices[itemID], limit), nil
}

// newestFirst copies up to n trailing points in reverse order. Points are
// appended in time order.
func newestFirst(points []PricePoint, n int) []PricePoint {
	out := []PricePoint{}
	for i := len(points) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, points[i])
	}
	return out
}

func (m *MemoryStore) CreateAlert(_ context.Context, a *Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts[a.ID] = copyAlert(a)
	return nil
}

func (m *MemoryStore) GetAlert(_ context.Context, tenantID, id string) (*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	if !ok || a.TenantID != tenantID {
		return nil, ErrAlertNotFound
	}
	return copyAlert(a), nil
}

func (m *MemoryStore) ListAlerts(_ context.Context, tenantID string) ([]*Alert, error) {
	return m.filterAlerts(func(a *Alert) bool { return a.TenantID == tenantID }), nil
}

func (m *MemoryStore) ActiveAlertsForItems(_ context.Context, tenantID string, itemIDs []string) ([]*Alert, error) {
	want := make(map[string]bool, len(itemIDs))
	for _, id := range itemIDs {
		want[id] = true
	}
	return m.filterAlerts(func(a *Alert) bool {
		if a.TenantID != tenantID || !a.IsActive {
			return false
		}
		for _, id := range a.ItemIDs {
			if want[id] {
				return true
			}
		}
		return false
	}), nil
}

func (m *MemoryStore) filterAlerts(keep func(*Alert) bool) []*Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []*Alert{}
	for _, a := range m.alerts {
		if keep(a) {
			out = append(out, copyAlert(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *MemoryStore) ClaimAlert(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok || !a.IsActive {
		return false, nil
	}
	a.IsActive = false
	a.LastTriggeredAt = &at
	return true, nil
}

func (m *MemoryStore) UpdateAlert(_ context.Context, a *Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.alerts[a.ID]
	if !ok || cur.TenantID != a.TenantID {
		return ErrAlertNotFound
	}
	m.alerts[a.ID] = copyAlert(a)
	return nil
}

func (m *MemoryStore) DeleteAlert(_ context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok || a.TenantID != tenantID {
		return ErrAlertNotFound
	}
	delete(m.alerts, id)
	return nil
}

func copyAlert(a *Alert) *Alert {
	cp := *a
	cp.ItemIDs = append([]string(nil), a.ItemIDs...)
	if a.LastTriggeredAt != nil {
		t := *a.LastTriggeredAt
		cp.LastTriggeredAt = &t
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
