// Package plan holds the payment plan catalogue.
package plan

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pricewatch/pricewatch/internal/quota"
)

var (
	ErrInvalidPlan   = errors.New("plan: invalid plan")
	ErrPlanNotFound  = errors.New("plan: not found")
	ErrInvalidPrice  = errors.New("plan: price must not be negative")
	ErrIncompleteRow = errors.New("plan: catalogue entry incomplete")
)

// Name identifies a payment plan.
type Name string

const (
	Test         Name = "TEST"
	Free         Name = "FREE"
	Business     Name = "BUSINESS"
	Professional Name = "PROFESSIONAL"
	Corporate    Name = "CORPORATE"
)

// DefaultTemplateName is the quota template shared by every FREE tenant.
const DefaultTemplateName = "DEFAULT"

// Parse normalizes s and checks it against the known plan names.
func Parse(s string) (Name, error) {
	n := Name(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := defaults[n]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidPlan, s)
	}
	return n, nil
}

// TemplateName returns the quota template a plan maps to.
func (n Name) TemplateName() string {
	if n == Free {
		return DefaultTemplateName
	}
	return string(n)
}

// Paid reports whether tenants on this plan are charged each period.
func (p *Plan) Paid() bool {
	return p.Price.IsPositive()
}

// Plan is a catalogue entry.
type Plan struct {
	Name      Name            `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Limits    quota.Limits    `json:"limits"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// BillingPeriod is the length of one paid subscription cycle.
const BillingPeriod = 30 * 24 * time.Hour

var defaults = map[Name]Plan{
	Test: {
		Name:   Test,
		Price:  decimal.Zero,
		Limits: quota.Limits{TotalHours: 3, SKUsLimit: 10, ParseUnitsLimit: 100},
	},
	Free: {
		Name:   Free,
		Price:  decimal.Zero,
		Limits: quota.Limits{TotalHours: 720, SKUsLimit: 50, ParseUnitsLimit: 5000},
	},
	Business: {
		Name:   Business,
		Price:  decimal.NewFromInt(1990),
		Limits: quota.Limits{TotalHours: 720, SKUsLimit: 500, ParseUnitsLimit: 50000},
	},
	Professional: {
		Name:   Professional,
		Price:  decimal.NewFromInt(4990),
		Limits: quota.Limits{TotalHours: 720, SKUsLimit: 2000, ParseUnitsLimit: 200000},
	},
	Corporate: {
		Name:   Corporate,
		Price:  decimal.NewFromInt(9990),
		Limits: quota.Limits{TotalHours: 720, SKUsLimit: 10000, ParseUnitsLimit: 1000000},
	},
}

// Catalogue returns the built-in plans ordered by price.
func Catalogue() []Plan {
	order := []Name{Test, Free, Business, Professional, Corporate}
	out := make([]Plan, 0, len(order))
	for _, n := range order {
		out = append(out, defaults[n])
	}
	return out
}

// Default returns the built-in entry for n.
func Default(n Name) (Plan, bool) {
	p, ok := defaults[n]
	return p, ok
}

// Validate checks that every known plan has a price and limits. It is run
// at startup so a broken catalogue fails fast.
func Validate(plans []Plan) error {
	seen := make(map[Name]bool, len(plans))
	for _, p := range plans {
		if _, ok := defaults[p.Name]; !ok {
			return fmt.Errorf("%w: %q", ErrInvalidPlan, p.Name)
		}
		if p.Price.IsNegative() {
			return fmt.Errorf("%s: %w", p.Name, ErrInvalidPrice)
		}
		if err := p.Limits.Validate(); err != nil {
			return fmt.Errorf("%s: %w", p.Name, err)
		}
		if p.Limits == (quota.Limits{}) {
			return fmt.Errorf("%s: %w: no limits", p.Name, ErrIncompleteRow)
		}
		seen[p.Name] = true
	}
	for n := range defaults {
		if !seen[n] {
			return fmt.Errorf("%s: %w: missing", n, ErrIncompleteRow)
		}
	}
	return nil
}
