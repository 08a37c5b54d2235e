package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/pricewatch/pricewatch/internal/dbtx"
	"github.com/pricewatch/pricewatch/internal/idgen"
	"github.com/pricewatch/pricewatch/internal/logging"
	"github.com/pricewatch/pricewatch/internal/quota"
	"github.com/pricewatch/pricewatch/internal/scraper"
)

// ScrapeScheduler queues a scrape of skus for a tenant.
type ScrapeScheduler interface {
	ScheduleScrape(ctx context.Context, tenantID string, skus []string) error
}

// Service manages a tenant's tracked items and alerts.
type Service struct {
	store     Store
	quotas    *quota.Ledger
	tx        dbtx.Runner
	scheduler ScrapeScheduler
	now       func() time.Time
}

// NewService creates an item and alert service. scheduler may be nil, in
// which case new items wait for the next periodic scrape.
func NewService(store Store, quotas *quota.Ledger, tx dbtx.Runner, scheduler ScrapeScheduler) *Service {
	return &Service{
		store:     store,
		quotas:    quotas,
		tx:        tx,
		scheduler: scheduler,
		now:       time.Now,
	}
}

// AddItems starts tracking every SKU in blob that the tenant does not track
// yet. One SKU quota unit is spent per new item; the whole request fails
// when the quota cannot cover it. New items are queued for a first scrape.
func (s *Service) AddItems(ctx context.Context, tenantID, blob string) ([]*Item, error) {
	skus, err := scraper.ParseSKUs(blob)
	if err != nil {
		return nil, err
	}
	existing, err := s.store.ItemsBySKU(ctx, tenantID, skus)
	if err != nil {
		return nil, err
	}
	have := make(map[string]bool, len(existing))
	for _, it := range existing {
		have[it.SKU] = true
	}
	var fresh []string
	for _, sku := range skus {
		if !have[sku] {
			fresh = append(fresh, sku)
		}
	}
	if len(fresh) == 0 {
		return []*Item{}, nil
	}

	now := s.now()
	created := make([]*Item, 0, len(fresh))
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		created = created[:0]
		if err := s.quotas.Consume(ctx, tenantID, quota.SKUs, len(fresh)); err != nil {
			return err
		}
		for _, sku := range fresh {
			it := &Item{
				ID:               idgen.WithPrefix("itm_"),
				TenantID:         tenantID,
				SKU:              sku,
				IsParserActive:   true,
				IsNotifierActive: true,
				CreatedAt:        now,
				UpdatedAt:        now,
			}
			if err := s.store.CreateItem(ctx, it); err != nil {
				// In-memory units are not rolled back, so hand the quota back here.
				if dbtx.RollsBack(ctx) {
					return fmt.Errorf("create item %s: %w", sku, err)
				}
				if rerr := s.quotas.Release(ctx, tenantID, quota.SKUs, len(fresh)-len(created)); rerr != nil {
					logging.L(ctx).Warn("release unused sku quota", zap.Error(rerr))
				}
				return fmt.Errorf("create item %s: %w", sku, err)
			}
			created = append(created, it)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logging.L(ctx).Info("items added", zap.Int("count", len(created)))
	s.schedule(ctx, tenantID, fresh)
	return created, nil
}

func (s *Service) schedule(ctx context.Context, tenantID string, skus []string) {
	if s.scheduler == nil || len(skus) == 0 {
		return
	}
	if err := s.scheduler.ScheduleScrape(ctx, tenantID, skus); err != nil {
		logging.L(ctx).Warn("schedule scrape", zap.Int("skus", len(skus)), zap.Error(err))
	}
}

// ListItems returns the tenant's items.
func (s *Service) ListItems(ctx context.Context, tenantID string) ([]*Item, error) {
	return s.store.ListItems(ctx, tenantID)
}

// GetItem returns one of the tenant's items.
func (s *Service) GetItem(ctx context.Context, tenantID, id string) (*Item, error) {
	return s.store.GetItem(ctx, tenantID, id)
}

// UpdateItemRequest toggles an item's flags. Nil fields are left alone.
type UpdateItemRequest struct {
	IsParserActive   *bool `json:"isParserActive"`
	IsNotifierActive *bool `json:"isNotifierActive"`
}

// UpdateItem applies req to one of the tenant's items. Only the flags are
// written, so a scrape running at the same time keeps its prices.
func (s *Service) UpdateItem(ctx context.Context, tenantID, id string, req UpdateItemRequest) (*Item, error) {
	return s.store.SetFlags(ctx, tenantID, id, req.IsParserActive, req.IsNotifierActive, s.now())
}

// DeleteItem stops tracking an item and gives its SKU quota unit back.
func (s *Service) DeleteItem(ctx context.Context, tenantID, id string) error {
	return s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.store.DeleteItem(ctx, tenantID, id); err != nil {
			return err
		}
		return s.quotas.Release(ctx, tenantID, quota.SKUs, 1)
	})
}

// PriceHistory returns an item's snapshots, newest first.
func (s *Service) PriceHistory(ctx context.Context, tenantID, itemID string, limit int) ([]PricePoint, error) {
	if _, err := s.store.GetItem(ctx, tenantID, itemID); err != nil {
		return nil, err
	}
	return s.store.PriceHistory(ctx, itemID, limit)
}

// ParserActiveSKUs lists the SKUs of items that should be scraped.
func (s *Service) ParserActiveSKUs(ctx context.Context, tenantID string) ([]string, error) {
	items, err := s.store.ListItems(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	var skus []string
	for _, it := range items {
		if it.IsParserActive {
			skus = append(skus, it.SKU)
		}
	}
	return skus, nil
}

// RequestScrape queues a scrape of every parser-active item and returns
// the SKUs queued.
func (s *Service) RequestScrape(ctx context.Context, tenantID string) ([]string, error) {
	skus, err := s.ParserActiveSKUs(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if len(skus) == 0 {
		return nil, scraper.ErrNoSKUs
	}
	if s.scheduler == nil {
		return nil, ErrNoScheduler
	}
	if err := s.scheduler.ScheduleScrape(ctx, tenantID, skus); err != nil {
		return nil, err
	}
	return skus, nil
}

// CreateAlertRequest describes a new target-price alert.
type CreateAlertRequest struct {
	ItemIDs     []string        `json:"itemIds"`
	TargetPrice decimal.Decimal `json:"targetPrice"`
}

// CreateAlert registers an alert over items the tenant owns. Its direction
// is fixed from the first item's current price: a target above it waits
// for a rise, anything else for a fall.
func (s *Service) CreateAlert(ctx context.Context, tenantID string, req CreateAlertRequest) (*Alert, error) {
	if !req.TargetPrice.IsPositive() {
		return nil, ErrInvalidTarget
	}
	ids := dedupe(req.ItemIDs)
	if len(ids) == 0 {
		return nil, ErrNoAlertItems
	}

	var first *Item
	for _, id := range ids {
		it, err := s.store.GetItem(ctx, tenantID, id)
		if err != nil {
			return nil, err
		}
		if first == nil {
			first = it
		}
	}

	a := &Alert{
		ID:          idgen.WithPrefix("alr_"),
		TenantID:    tenantID,
		ItemIDs:     ids,
		TargetPrice: req.TargetPrice,
		Direction:   DirectionFor(req.TargetPrice, first.Price),
		IsActive:    true,
		CreatedAt:   s.now(),
	}
	if err := s.store.CreateAlert(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// ListAlerts returns the tenant's alerts.
func (s *Service) ListAlerts(ctx context.Context, tenantID string) ([]*Alert, error) {
	return s.store.ListAlerts(ctx, tenantID)
}

// DeleteAlert removes one of the tenant's alerts.
func (s *Service) DeleteAlert(ctx context.Context, tenantID, id string) error {
	return s.store.DeleteAlert(ctx, tenantID, id)
}

// ReactivateAlert re-arms a fired alert. The direction is recomputed from
// the first item's current price.
func (s *Service) ReactivateAlert(ctx context.Context, tenantID, id string) (*Alert, error) {
	a, err := s.store.GetAlert(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if a.IsActive {
		return nil, ErrAlertActive
	}
	if len(a.ItemIDs) == 0 {
		return nil, ErrNoAlertItems
	}
	first, err := s.store.GetItem(ctx, tenantID, a.ItemIDs[0])
	if err != nil {
		return nil, err
	}
	a.Direction = DirectionFor(a.TargetPrice, first.Price)
	a.IsActive = true
	if err := s.store.UpdateAlert(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
