package tasks

import (
	"context"
	"errors"

	"github.com/pricewatch/pricewatch/internal/notify"
	"github.com/pricewatch/pricewatch/internal/quota"
	"github.com/pricewatch/pricewatch/internal/retry"
	"github.com/pricewatch/pricewatch/internal/scraper"
	"github.com/pricewatch/pricewatch/internal/tenant"
)

// Producer turns domain requests into queued tasks.
type Producer struct {
	queue     Queue
	chunkSize int
}

// NewProducer creates a producer. Scrape requests larger than chunkSize
// SKUs are split into several tasks.
func NewProducer(queue Queue, chunkSize int) *Producer {
	if chunkSize <= 0 {
		chunkSize = 500
	}
	return &Producer{queue: queue, chunkSize: chunkSize}
}

// Publish queues a notification for delivery.
func (p *Producer) Publish(ctx context.Context, n *notify.Notification) error {
	t, err := NewTask(TypeNotify, n.TenantID, n)
	if err != nil {
		return err
	}
	return p.queue.Enqueue(ctx, t)
}

// ScheduleScrape queues scrape tasks for skus.
func (p *Producer) ScheduleScrape(ctx context.Context, tenantID string, skus []string) error {
	for start := 0; start < len(skus); start += p.chunkSize {
		end := min(start+p.chunkSize, len(skus))
		t, err := NewTask(TypeScrape, tenantID, ScrapePayload{SKUs: skus[start:end]})
		if err != nil {
			return err
		}
		if err := p.queue.Enqueue(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// ScrapeHandler runs scrape tasks through s. Quota and input errors are
// not retried.
func ScrapeHandler(s *scraper.Scraper) Handler {
	return func(ctx context.Context, t *Task) error {
		var p ScrapePayload
		if err := t.Decode(&p); err != nil {
			return retry.Permanent(err)
		}
		_, err := s.ScrapeTenant(ctx, t.TenantID, p.SKUs)
		if err == nil {
			return nil
		}
		if errors.Is(err, quota.ErrQuotaExceeded) || errors.Is(err, quota.ErrQuotaExpired) ||
			errors.Is(err, quota.ErrNoQuota) || errors.Is(err, scraper.ErrNoSKUs) ||
			errors.Is(err, tenant.ErrTenantNotFound) {
			return retry.Permanent(err)
		}
		return err
	}
}

// NotifyHandler delivers notification tasks to sink. The sink owns its
// own retries, so failures here are final.
func NotifyHandler(sink notify.Sink) Handler {
	return func(ctx context.Context, t *Task) error {
		var n notify.Notification
		if err := t.Decode(&n); err != nil {
			return retry.Permanent(err)
		}
		if err := sink.Send(ctx, &n); err != nil {
			return retry.Permanent(err)
		}
		return nil
	}
}
