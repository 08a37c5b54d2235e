package scraper

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pricewatch/pricewatch/internal/logging"
	"github.com/pricewatch/pricewatch/internal/metrics"
	"github.com/pricewatch/pricewatch/internal/quota"
	"github.com/pricewatch/pricewatch/internal/traces"
)

// Fetcher retrieves products by SKU.
type Fetcher interface {
	Fetch(ctx context.Context, skus []string) (*FetchResult, error)
}

// Processor consumes scraped products for a tenant.
type Processor interface {
	Ingest(ctx context.Context, tenantID string, products []Product) error
}

// Scraper runs a tenant's scrape: quota, fetch, hand-off.
type Scraper struct {
	fetcher   Fetcher
	quotas    *quota.Ledger
	processor Processor
}

// New creates a scraper.
func New(fetcher Fetcher, quotas *quota.Ledger, processor Processor) *Scraper {
	return &Scraper{fetcher: fetcher, quotas: quotas, processor: processor}
}

// Report is the per-SKU outcome of one scrape.
type Report struct {
	TenantID  string            `json:"tenantId"`
	Requested int               `json:"requested"`
	Fetched   []string          `json:"fetched"`
	NotFound  []string          `json:"notFound,omitempty"`
	Failed    map[string]string `json:"failed,omitempty"`
}

// ScrapeTenant spends one parse unit per SKU before any network call, then
// fetches and processes what was found. A quota error aborts the scrape
// with nothing spent. When the fetch or the processing fails the units are
// given back, so a retried task is charged once.
func (s *Scraper) ScrapeTenant(ctx context.Context, tenantID string, skus []string) (*Report, error) {
	if len(skus) == 0 {
		return nil, ErrNoSKUs
	}
	ctx, span := traces.StartSpan(ctx, "scraper.ScrapeTenant", traces.TenantID(tenantID), traces.SKUCount(len(skus)))
	defer span.End()

	if err := s.quotas.Consume(ctx, tenantID, quota.ParseUnits, len(skus)); err != nil {
		return nil, err
	}

	res, err := s.fetcher.Fetch(ctx, skus)
	if err != nil {
		traces.RecordError(span, err)
		s.refund(ctx, tenantID, len(skus))
		return nil, err
	}

	report := &Report{TenantID: tenantID, Requested: len(skus), Failed: make(map[string]string)}
	products := make([]Product, 0, len(res.Products))
	for _, sku := range skus {
		if p, ok := res.Products[sku]; ok {
			products = append(products, p)
			report.Fetched = append(report.Fetched, sku)
			metrics.ScrapeResultsTotal.WithLabelValues("ok").Inc()
			continue
		}
		if ferr, ok := res.Failed[sku]; ok {
			report.Failed[sku] = ferr.Error()
			metrics.ScrapeResultsTotal.WithLabelValues("failed").Inc()
			continue
		}
		report.NotFound = append(report.NotFound, sku)
		metrics.ScrapeResultsTotal.WithLabelValues("not_found").Inc()
	}

	if len(products) > 0 {
		if err := s.processor.Ingest(ctx, tenantID, products); err != nil {
			traces.RecordError(span, err)
			s.refund(ctx, tenantID, len(skus))
			return report, fmt.Errorf("process scraped products: %w", err)
		}
	}

	logging.L(ctx).Info("tenant scraped",
		zap.Int("requested", report.Requested),
		zap.Int("fetched", len(report.Fetched)),
		zap.Int("not_found", len(report.NotFound)),
		zap.Int("failed", len(report.Failed)))
	return report, nil
}

func (s *Scraper) refund(ctx context.Context, tenantID string, units int) {
	if err := s.quotas.Release(context.WithoutCancel(ctx), tenantID, quota.ParseUnits, units); err != nil {
		logging.L(ctx).Warn("release parse units", zap.Int("units", units), zap.Error(err))
	}
}
