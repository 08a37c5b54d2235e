package payment

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps orders and payments in memory.
type MemoryStore struct {
	mu       sync.RWMutex
	orders   map[string]*Order
	payments map[string]*Payment // by provider payment id
}

// NewMemoryStore creates an in-memory payment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:   make(map[string]*Order),
		payments: make(map[string]*Payment),
	}
}

func (m *MemoryStore) CreateOrder(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.orders[o.OrderID] = &cp
	return nil
}

func (m *MemoryStore) GetOrder(_ context.Context, orderID string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) ListOrders(_ context.Context, tenantID string, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Order
	for _, o := range m.orders {
		if o.TenantID == tenantID {
			cp := *o
			out = append(out, &cp)
		}
	}
	// ULIDs sort by creation time.
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID > out[j].OrderID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) SetPaymentURL(_ context.Context, orderID, url, providerPaymentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	o.PaymentURL = url
	o.ProviderPaymentID = providerPaymentID
	o.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) TransitionOrder(_ context.Context, orderID string, from, to OrderStatus, providerPaymentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if o.Status != from {
		return ErrStatusConflict
	}
	o.Status = to
	if providerPaymentID != "" {
		o.ProviderPaymentID = providerPaymentID
	}
	o.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) CreatePayment(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.payments[p.ProviderPaymentID]; dup && p.ProviderPaymentID != "" {
		return ErrDuplicatePayment
	}
	cp := *p
	m.payments[p.ProviderPaymentID] = &cp
	return nil
}

func (m *MemoryStore) ListPayments(_ context.Context, tenantID string, limit int) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Payment
	for _, p := range m.payments {
		if p.TenantID == tenantID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
