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
	"github.com/pricewatch/pricewatch/internal/metrics"
	"github.com/pricewatch/pricewatch/internal/notify"
	"github.com/pricewatch/pricewatch/internal/scraper"
	"github.com/pricewatch/pricewatch/internal/syncutil"
	"github.com/pricewatch/pricewatch/internal/tenant"
	"github.com/pricewatch/pricewatch/internal/traces"
)

// Publisher hands a notification to the delivery side.
type Publisher interface {
	Publish(ctx context.Context, n *notify.Notification) error
}

// TenantReader is the part of the tenant store the engine needs.
type TenantReader interface {
	Get(ctx context.Context, id string) (*tenant.Tenant, error)
	HasActiveSuperuser(ctx context.Context, tenantID string) (bool, error)
}

// BatchResult summarizes one processed batch.
type BatchResult struct {
	Updated       int                    `json:"updated"`
	Unknown       []string               `json:"unknown,omitempty"`
	Notifications []*notify.Notification `json:"notifications,omitempty"`
}

// Engine applies scraped prices to tracked items and decides what to
// notify. Batches for the same tenant are processed one at a time.
type Engine struct {
	store     Store
	tenants   TenantReader
	publisher Publisher
	tx        dbtx.Runner
	locks     *syncutil.KeyedMutex
	gate      Gate
	policy    AlertPolicy
	now       func() time.Time
}

// NewEngine creates an engine. A nil publisher drops notifications after
// they are counted.
func NewEngine(store Store, tenants TenantReader, publisher Publisher, tx dbtx.Runner, gate Gate, policy AlertPolicy) *Engine {
	return &Engine{
		store:     store,
		tenants:   tenants,
		publisher: publisher,
		tx:        tx,
		locks:     syncutil.NewKeyedMutex(),
		gate:      gate,
		policy:    policy,
		now:       time.Now,
	}
}

// Ingest implements scraper.Processor.
func (e *Engine) Ingest(ctx context.Context, tenantID string, products []scraper.Product) error {
	_, err := e.ProcessBatch(ctx, tenantID, products)
	return err
}

// ProcessBatch writes the scraped values of every known item, appends a
// price snapshot per item, then publishes at most one drop notice for the
// batch and one notification per triggered alert. Failures after the
// write are logged and never undo it.
func (e *Engine) ProcessBatch(ctx context.Context, tenantID string, products []scraper.Product) (*BatchResult, error) {
	ctx, span := traces.StartSpan(ctx, "pricing.ProcessBatch",
		traces.TenantID(tenantID), traces.SKUCount(len(products)))
	defer span.End()

	unlock, err := e.locks.LockContext(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ten, err := e.tenants.Get(ctx, tenantID)
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	skus := make([]string, 0, len(products))
	for _, p := range products {
		skus = append(skus, p.SKU)
	}
	known, err := e.store.ItemsBySKU(ctx, tenantID, skus)
	if err != nil {
		return nil, fmt.Errorf("load items: %w", err)
	}
	bySKU := make(map[string]*Item, len(known))
	for _, it := range known {
		bySKU[it.SKU] = it
	}

	res := &BatchResult{}
	now := e.now()
	var touched []*Item
	err = e.tx.InTx(ctx, func(ctx context.Context) error {
		touched = touched[:0]
		for _, p := range products {
			it, ok := bySKU[p.SKU]
			if !ok {
				continue
			}
			applyProduct(it, p, now)
			// flags come back as stored, a toggle made since the read wins
			stored, err := e.store.ApplyScrape(ctx, it)
			if err != nil {
				return fmt.Errorf("update item %s: %w", it.SKU, err)
			}
			if err := e.store.AppendPrice(ctx, &PricePoint{ItemID: stored.ID, Price: stored.Price, CreatedAt: now}); err != nil {
				return fmt.Errorf("append price %s: %w", stored.SKU, err)
			}
			touched = append(touched, stored)
		}
		return nil
	})
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}
	for _, p := range products {
		if _, ok := bySKU[p.SKU]; !ok {
			res.Unknown = append(res.Unknown, p.SKU)
		}
	}
	res.Updated = len(touched)
	if len(touched) == 0 {
		return res, nil
	}

	ids := make([]string, len(touched))
	for i, it := range touched {
		ids[i] = it.ID
	}
	recent, err := e.store.RecentPrices(ctx, ids, 2)
	if err != nil {
		logging.L(ctx).Error("load recent prices", zap.Error(err))
		return res, nil
	}
	moves := make(map[string]move, len(touched))
	for _, it := range touched {
		h := recent[it.ID]
		if len(h) < 2 {
			logging.L(ctx).Debug("no previous price to compare",
				zap.String("item_id", it.ID),
				zap.String("sku", it.SKU))
			continue
		}
		m := move{prev: h[1].Price, cur: h[0].Price}
		if _, ok := PercentChange(m.prev, m.cur); !ok {
			logging.L(ctx).Debug("price change not comparable",
				zap.String("item_id", it.ID),
				zap.String("sku", it.SKU),
				zap.String("previous", m.prev.String()),
				zap.String("current", m.cur.String()))
		}
		moves[it.ID] = m
	}

	if n := e.dropNotice(ctx, ten, touched, moves); n != nil {
		res.Notifications = append(res.Notifications, n)
	}
	res.Notifications = append(res.Notifications, e.fireAlerts(ctx, tenantID, touched, moves)...)

	for _, n := range res.Notifications {
		metrics.PriceNotificationsTotal.WithLabelValues(string(n.Kind)).Inc()
		if e.publisher == nil {
			continue
		}
		if err := e.publisher.Publish(ctx, n); err != nil {
			logging.L(ctx).Error("publish notification",
				zap.String("notification_id", n.ID),
				zap.String("kind", string(n.Kind)),
				zap.Error(err))
		}
	}
	return res, nil
}

type move struct {
	prev, cur decimal.Decimal
}

func applyProduct(it *Item, p scraper.Product, now time.Time) {
	if p.Name != "" {
		it.Name = p.Name
	}
	if p.Brand != "" {
		it.Brand = p.Brand
	}
	it.Price = p.Price
	it.SellerPrice = p.SellerPrice
	it.SPP = p.SPP
	it.InStock = p.InStock
	it.UpdatedAt = now
}

func (e *Engine) dropNotice(ctx context.Context, ten *tenant.Tenant, items []*Item, moves map[string]move) *notify.Notification {
	if e.gate == GateOff {
		return nil
	}
	aud := Audience{
		Threshold:            ten.PriceChangeThreshold,
		NotificationsEnabled: ten.NotificationsEnabled,
	}
	if e.gate == GateSuperuser {
		ok, err := e.tenants.HasActiveSuperuser(ctx, ten.ID)
		if err != nil {
			logging.L(ctx).Warn("superuser check failed", zap.Error(err))
			return nil
		}
		aud.HasActiveSuperuser = ok
	}

	var changes []notify.ItemChange
	for _, it := range items {
		m, ok := moves[it.ID]
		if !ok || !QualifiesForDropNotice(e.gate, aud, it, m.prev, m.cur) {
			continue
		}
		changes = append(changes, itemChange(it, m))
	}
	if len(changes) == 0 {
		return nil
	}

	msg := fmt.Sprintf("%d items dropped in price", len(changes))
	if len(changes) == 1 {
		c := changes[0]
		msg = fmt.Sprintf("%s (%s) dropped by %s%%: %s -> %s",
			c.Name, c.SKU, c.ChangePercent.Abs().StringFixed(2), c.OldPrice, c.NewPrice)
	}
	return &notify.Notification{
		ID:        idgen.WithPrefix("ntf_"),
		TenantID:  ten.ID,
		Kind:      notify.KindPriceDrop,
		Items:     changes,
		Message:   msg,
		CreatedAt: e.now(),
	}
}

func (e *Engine) fireAlerts(ctx context.Context, tenantID string, items []*Item, moves map[string]move) []*notify.Notification {
	ids := make([]string, 0, len(moves))
	byID := make(map[string]*Item, len(items))
	for _, it := range items {
		byID[it.ID] = it
		if _, ok := moves[it.ID]; ok {
			ids = append(ids, it.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	alerts, err := e.store.ActiveAlertsForItems(ctx, tenantID, ids)
	if err != nil {
		logging.L(ctx).Error("load alerts", zap.Error(err))
		return nil
	}

	var out []*notify.Notification
	for _, a := range alerts {
		var hits []notify.ItemChange
		for _, id := range a.ItemIDs {
			it, ok := byID[id]
			if !ok {
				continue
			}
			m, ok := moves[id]
			if ok && AlertTriggered(a, m.prev, m.cur) {
				hits = append(hits, itemChange(it, m))
			}
		}
		if len(hits) == 0 {
			continue
		}

		claimed, err := e.store.ClaimAlert(ctx, a.ID, e.now())
		if err != nil {
			logging.L(ctx).Error("claim alert", zap.String("alert_id", a.ID), zap.Error(err))
			continue
		}
		if !claimed {
			continue
		}
		if e.policy == PolicyDelete {
			if err := e.store.DeleteAlert(ctx, tenantID, a.ID); err != nil {
				logging.L(ctx).Warn("delete fired alert", zap.String("alert_id", a.ID), zap.Error(err))
			}
		}

		target := a.TargetPrice
		h := hits[0]
		msg := fmt.Sprintf("%s (%s) crossed target %s: %s -> %s", h.Name, h.SKU, target, h.OldPrice, h.NewPrice)
		out = append(out, &notify.Notification{
			ID:          idgen.WithPrefix("ntf_"),
			TenantID:    tenantID,
			Kind:        notify.KindPriceAlert,
			AlertID:     a.ID,
			TargetPrice: &target,
			Items:       hits,
			Message:     msg,
			CreatedAt:   e.now(),
		})
	}
	return out
}

func itemChange(it *Item, m move) notify.ItemChange {
	pct, _ := PercentChange(m.prev, m.cur)
	return notify.ItemChange{
		ItemID:        it.ID,
		SKU:           it.SKU,
		Name:          it.Name,
		OldPrice:      m.prev,
		NewPrice:      m.cur,
		ChangePercent: pct.Round(2),
	}
}
