// Package payment handles plan purchases and balance top-ups through the
// acquiring provider: order creation, the provider Init call, and the
// signed status callback that credits the tenant.
package payment

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pricewatch/pricewatch/internal/plan"
)

var (
	ErrOrderNotFound       = errors.New("payment: order not found")
	ErrStatusConflict      = errors.New("payment: order is not in the expected status")
	ErrInvalidIntent       = errors.New("payment: invalid intent")
	ErrInvalidAmount       = errors.New("payment: invalid amount")
	ErrPlanNotPurchasable  = errors.New("payment: plan has no price")
	ErrDuplicatePayment    = errors.New("payment: provider payment already recorded")
	ErrMalformedPayload    = errors.New("payment: malformed callback payload")
	ErrProviderUnavailable = errors.New("payment: provider unavailable")
)

// Intent is what an order pays for.
type Intent string

const (
	IntentSwitchPlan   Intent = "SWITCH_PLAN"
	IntentAddToBalance Intent = "ADD_TO_BALANCE"
)

// Valid reports whether i is a known intent.
func (i Intent) Valid() bool {
	return i == IntentSwitchPlan || i == IntentAddToBalance
}

// OrderStatus is the order lifecycle state.
type OrderStatus string

const (
	StatusPending    OrderStatus = "PENDING"
	StatusPaid       OrderStatus = "PAID"
	StatusProcessing OrderStatus = "PROCESSING"
	StatusCompleted  OrderStatus = "COMPLETED"
	StatusCanceled   OrderStatus = "CANCELED"
	StatusFailed     OrderStatus = "FAILED"
	StatusRefunded   OrderStatus = "REFUNDED"
)

// Abandoned reports whether the order was closed without being paid.
func (s OrderStatus) Abandoned() bool {
	return s == StatusCanceled || s == StatusFailed
}

// Order is a purchase awaiting (or having received) provider confirmation.
type Order struct {
	OrderID           string          `json:"orderId"`
	TenantID          string          `json:"tenantId"`
	Amount            decimal.Decimal `json:"amount"`
	Intent            Intent          `json:"intent"`
	TargetPlan        plan.Name       `json:"targetPlan,omitempty"`
	Status            OrderStatus     `json:"status"`
	PaymentURL        string          `json:"paymentUrl,omitempty"`
	ProviderPaymentID string          `json:"providerPaymentId,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// Payment is the immutable record of confirmed money received.
type Payment struct {
	ID                string          `json:"id"`
	TenantID          string          `json:"tenantId"`
	OrderID           string          `json:"orderId,omitempty"`
	ProviderPaymentID string          `json:"providerPaymentId"`
	Amount            decimal.Decimal `json:"amount"`
	CreatedAt         time.Time       `json:"createdAt"`
}

// Store persists orders and payments.
type Store interface {
	CreateOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	ListOrders(ctx context.Context, tenantID string, limit int) ([]*Order, error)
	SetPaymentURL(ctx context.Context, orderID, url, providerPaymentID string) error
	// TransitionOrder moves the order from one status to another and returns
	// ErrStatusConflict when the current status is not from.
	TransitionOrder(ctx context.Context, orderID string, from, to OrderStatus, providerPaymentID string) error
	CreatePayment(ctx context.Context, p *Payment) error
	ListPayments(ctx context.Context, tenantID string, limit int) ([]*Payment, error)
}
