// Package notify delivers price notifications to tenants.
//
// A Notification is produced by the pricing engine and travels through the
// task queue before a Sink delivers it. Tenants receive notifications over
// signed webhooks (Dispatcher) and over the WebSocket stream.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrEndpointNotFound = errors.New("notify: endpoint not found")
	ErrInvalidKind      = errors.New("notify: unknown notification kind")
)

// Kind is the notification type.
type Kind string

const (
	KindPriceDrop  Kind = "price_drop"
	KindPriceAlert Kind = "price_alert"
)

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindPriceDrop, KindPriceAlert:
		return Kind(s), nil
	}
	return "", ErrInvalidKind
}

// ItemChange is one item's price movement inside a notification.
type ItemChange struct {
	ItemID        string          `json:"itemId"`
	SKU           string          `json:"sku"`
	Name          string          `json:"name,omitempty"`
	OldPrice      decimal.Decimal `json:"oldPrice"`
	NewPrice      decimal.Decimal `json:"newPrice"`
	ChangePercent decimal.Decimal `json:"changePercent"`
}

// Notification is a tenant-scoped price event.
type Notification struct {
	ID          string           `json:"id"`
	TenantID    string           `json:"tenantId"`
	Kind        Kind             `json:"kind"`
	AlertID     string           `json:"alertId,omitempty"`
	TargetPrice *decimal.Decimal `json:"targetPrice,omitempty"`
	Items       []ItemChange     `json:"items"`
	Message     string           `json:"message"`
	CreatedAt   time.Time        `json:"createdAt"`
}

// Sink delivers a notification somewhere.
type Sink interface {
	Send(ctx context.Context, n *Notification) error
}

// Fanout sends to every sink and joins their errors.
type Fanout []Sink

func (f Fanout) Send(ctx context.Context, n *Notification) error {
	var errs []error
	for _, s := range f {
		if err := s.Send(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Endpoint is a tenant webhook subscription.
type Endpoint struct {
	ID                  string     `json:"id"`
	TenantID            string     `json:"tenantId"`
	URL                 string     `json:"url"`
	Secret              string     `json:"-"` // HMAC key
	Kinds               []Kind     `json:"kinds"`
	Active              bool       `json:"active"`
	CreatedAt           time.Time  `json:"createdAt"`
	LastSuccess         *time.Time `json:"lastSuccess,omitempty"`
	LastError           string     `json:"lastError,omitempty"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
}

// Wants reports whether the endpoint subscribes to k. No kinds means all.
func (e *Endpoint) Wants(k Kind) bool {
	if len(e.Kinds) == 0 {
		return true
	}
	for _, want := range e.Kinds {
		if want == k {
			return true
		}
	}
	return false
}

// Store persists endpoints.
type Store interface {
	Create(ctx context.Context, e *Endpoint) error
	Get(ctx context.Context, tenantID, id string) (*Endpoint, error)
	ListByTenant(ctx context.Context, tenantID string) ([]*Endpoint, error)
	// RecordDelivery stores the outcome of one delivery attempt.
	RecordDelivery(ctx context.Context, id string, at time.Time, deliveryErr string, disable bool) error
	Delete(ctx context.Context, tenantID, id string) error
}
