// Package pricing tracks tenant items, their price history, and target-price
// alerts, and decides which price movements are worth a notification.
package pricing

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrItemNotFound  = errors.New("pricing: item not found")
	ErrAlertNotFound = errors.New("pricing: alert not found")
	ErrDuplicateSKU  = errors.New("pricing: SKU already tracked")
	ErrInvalidTarget = errors.New("pricing: target price must be positive")
	ErrNoAlertItems  = errors.New("pricing: alert needs at least one item")
	ErrNegativePrice = errors.New("pricing: price must not be negative")
	ErrAlertActive   = errors.New("pricing: alert is already active")
	ErrUnknownGate   = errors.New("pricing: unknown notification gate")
	ErrUnknownPolicy = errors.New("pricing: unknown alert policy")
	ErrNoScheduler   = errors.New("pricing: no scrape scheduler configured")
)

// Item is a tracked marketplace article.
type Item struct {
	ID               string          `json:"id"`
	TenantID         string          `json:"tenantId"`
	SKU              string          `json:"sku"`
	Name             string          `json:"name"`
	Brand            string          `json:"brand"`
	Price            decimal.Decimal `json:"price"`
	SellerPrice      decimal.Decimal `json:"sellerPrice"`
	SPP              decimal.Decimal `json:"spp"`
	InStock          bool            `json:"inStock"`
	IsParserActive   bool            `json:"isParserActive"`
	IsNotifierActive bool            `json:"isNotifierActive"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// PricePoint is one snapshot in an item's append-only price history.
type PricePoint struct {
	ItemID    string          `json:"itemId"`
	Price     decimal.Decimal `json:"price"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Direction is the crossing an alert waits for.
type Direction string

const (
	DirectionUp   Direction = "UP"
	DirectionDown Direction = "DOWN"
)

// Alert fires once when any of its items crosses TargetPrice in Direction.
type Alert struct {
	ID              string          `json:"id"`
	TenantID        string          `json:"tenantId"`
	ItemIDs         []string        `json:"itemIds"`
	TargetPrice     decimal.Decimal `json:"targetPrice"`
	Direction       Direction       `json:"direction"`
	IsActive        bool            `json:"isActive"`
	LastTriggeredAt *time.Time      `json:"lastTriggeredAt,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// Store persists items, price history and alerts.
type Store interface {
	CreateItem(ctx context.Context, it *Item) error
	GetItem(ctx context.Context, tenantID, id string) (*Item, error)
	ListItems(ctx context.Context, tenantID string) ([]*Item, error)
	ItemsBySKU(ctx context.Context, tenantID string, skus []string) ([]*Item, error)
	// CountItems reports how many items the tenant tracks.
	CountItems(ctx context.Context, tenantID string) (int, error)
	// ApplyScrape writes the scraped columns of it (name, brand, prices,
	// stock, updated_at) and returns the stored row. The activity flags are
	// never written here.
	ApplyScrape(ctx context.Context, it *Item) (*Item, error)
	// SetFlags changes the non-nil activity flags only.
	SetFlags(ctx context.Context, tenantID, id string, parser, notifier *bool, at time.Time) (*Item, error)
	// DeleteItem removes the item with its history and drops it from the
	// tenant's alerts; alerts left without items are deleted.
	DeleteItem(ctx context.Context, tenantID, id string) error

	AppendPrice(ctx context.Context, p *PricePoint) error
	// RecentPrices returns up to n snapshots per item, newest first.
	RecentPrices(ctx context.Context, itemIDs []string, n int) (map[string][]PricePoint, error)
	PriceHistory(ctx context.Context, itemID string, limit int) ([]PricePoint, error)

	CreateAlert(ctx context.Context, a *Alert) error
	GetAlert(ctx context.Context, tenantID, id string) (*Alert, error)
	ListAlerts(ctx context.Context, tenantID string) ([]*Alert, error)
	ActiveAlertsForItems(ctx context.Context, tenantID string, itemIDs []string) ([]*Alert, error)
	// ClaimAlert flips an active alert to inactive and stamps at. It reports
	// false when another caller already claimed it.
	ClaimAlert(ctx context.Context, id string, at time.Time) (bool, error)
	UpdateAlert(ctx context.Context, a *Alert) error
	DeleteAlert(ctx context.Context, tenantID, id string) error
}
