package plan

import (
	"context"

	"github.com/shopspring/decimal"
)

// Store persists the plan catalogue.
type Store interface {
	Get(ctx context.Context, name Name) (*Plan, error)
	List(ctx context.Context) ([]*Plan, error)
	// Seed inserts p, or refreshes its limits when it exists. An existing
	// price is kept so admin corrections survive restarts.
	Seed(ctx context.Context, p *Plan) error
	SetPrice(ctx context.Context, name Name, price decimal.Decimal) error
}
