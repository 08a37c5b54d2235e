package tasks

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pricewatch/pricewatch/internal/pagination"
	"github.com/pricewatch/pricewatch/internal/tenant"
)

const tenantPageSize = 500

// TenantLister lists tenants to scrape.
type TenantLister interface {
	List(ctx context.Context, after *pagination.Cursor, limit int) ([]*tenant.Tenant, error)
}

// SKUSource returns the SKUs a tenant wants scraped.
type SKUSource interface {
	ParserActiveSKUs(ctx context.Context, tenantID string) ([]string, error)
}

// ScrapeTimer periodically queues a scrape of every tenant's active items.
type ScrapeTimer struct {
	tenants  TenantLister
	skus     SKUSource
	producer *Producer
	interval time.Duration
	logger   *zap.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewScrapeTimer creates a periodic scrape scheduler.
func NewScrapeTimer(tenants TenantLister, skus SKUSource, producer *Producer, interval time.Duration, logger *zap.Logger) *ScrapeTimer {
	if interval <= 0 {
		interval = time.Hour
	}
	return &ScrapeTimer{
		tenants:  tenants,
		skus:     skus,
		producer: producer,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is active.
func (s *ScrapeTimer) Running() bool {
	return s.running.Load()
}

// Start runs the loop until ctx is done or Stop is called. Call in a goroutine.
func (s *ScrapeTimer) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSchedule(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (s *ScrapeTimer) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *ScrapeTimer) safeSchedule(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in scrape timer", zap.String("panic", fmt.Sprint(r)))
		}
	}()
	s.ScheduleAll(ctx)
}

// ScheduleAll queues one round of scrapes and returns how many tenants got
// work.
func (s *ScrapeTimer) ScheduleAll(ctx context.Context) int {
	scheduled := 0
	var after *pagination.Cursor
	for {
		tenants, err := s.tenants.List(ctx, after, tenantPageSize)
		if err != nil {
			s.logger.Warn("failed to list tenants for scraping", zap.Error(err))
			break
		}
		scheduled += s.schedulePage(ctx, tenants)
		if len(tenants) < tenantPageSize {
			break
		}
		last := tenants[len(tenants)-1]
		after = &pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	if scheduled > 0 {
		s.logger.Info("periodic scrape queued", zap.Int("tenants", scheduled))
	}
	return scheduled
}

func (s *ScrapeTimer) schedulePage(ctx context.Context, tenants []*tenant.Tenant) int {
	scheduled := 0
	for _, t := range tenants {
		skus, err := s.skus.ParserActiveSKUs(ctx, t.ID)
		if err != nil {
			s.logger.Warn("failed to list items", zap.String("tenant_id", t.ID), zap.Error(err))
			continue
		}
		if len(skus) == 0 {
			continue
		}
		if err := s.producer.ScheduleScrape(ctx, t.ID, skus); err != nil {
			s.logger.Warn("failed to queue scrape", zap.String("tenant_id", t.ID), zap.Error(err))
			continue
		}
		scheduled++
	}
	return scheduled
}
