// Package scraper fetches product cards from the Wildberries catalogue API
// and feeds them to the price engine.
package scraper

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/pricewatch/pricewatch/internal/validation"
)

var (
	ErrInvalidSKU           = errors.New("scraper: invalid SKU")
	ErrNoSKUs               = errors.New("scraper: no SKUs given")
	ErrScrapeRetryExhausted = errors.New("scraper: retries exhausted")
)

var skuSeparators = regexp.MustCompile(`[\s,]+`)

// ParseSKUs splits a user-supplied blob on whitespace and commas. Every
// token must be a numeric article; duplicates are dropped, order is kept.
func ParseSKUs(blob string) ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	for _, tok := range skuSeparators.Split(strings.TrimSpace(blob), -1) {
		if tok == "" {
			continue
		}
		if !validation.IsValidSKU(tok) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidSKU, tok)
		}
		if !seen[tok] {
			seen[tok] = true
			out = append(out, tok)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoSKUs
	}
	return out, nil
}

// Product is one scraped card, prices in rubles.
type Product struct {
	SKU         string          `json:"sku"`
	Name        string          `json:"name"`
	Brand       string          `json:"brand"`
	Price       decimal.Decimal `json:"price"`
	SellerPrice decimal.Decimal `json:"sellerPrice"`
	SPP         decimal.Decimal `json:"spp"`
	InStock     bool            `json:"inStock"`
}

var hundred = decimal.NewFromInt(100)

// KopecksToRubles converts a minor-unit price.
func KopecksToRubles(k int64) decimal.Decimal {
	return decimal.NewFromInt(k).Div(hundred)
}

// SPP is the marketplace discount share in percent:
// (sellerPrice - price) / sellerPrice * 100, rounded to two places. It is
// zero when the seller price is unknown.
func SPP(sellerPrice, price decimal.Decimal) decimal.Decimal {
	if !sellerPrice.IsPositive() {
		return decimal.Zero
	}
	return sellerPrice.Sub(price).Div(sellerPrice).Mul(hundred).Round(2)
}
