package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Billing and quota
var (
	QuotaRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_rejections_total",
			Help:      "Quota consumption attempts refused, by resource.",
		},
		[]string{"resource"},
	)

	BalanceMutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "balance_mutations_total",
			Help:      "Balance mutations by kind (credit, debit) and result.",
		},
		[]string{"kind", "result"},
	)

	PlanSwitchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plan_switches_total",
			Help:      "Plan assignments by target plan.",
		},
		[]string{"plan"},
	)

	PaymentCallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_callbacks_total",
			Help:      "Payment provider callbacks by outcome (applied, rejected, duplicate, error).",
		},
		[]string{"outcome"},
	)
)

// Price monitoring
var (
	PriceNotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "price_notifications_total",
			Help:      "Notifications emitted by the detector, by kind.",
		},
		[]string{"kind"},
	)

	ScrapeResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scrape_results_total",
			Help:      "Per-SKU catalogue lookups by result (ok, not_found, failed).",
		},
		[]string{"result"},
	)
)

// Workers, delivery and API edge
var (
	TasksProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "processed_total",
			Help:      "Background tasks processed by type and result.",
		},
		[]string{"type", "result"},
	)

	TaskQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "tasks",
		Name:      "queue_depth",
		Help:      "Tasks waiting to be picked up.",
	})

	WebhookDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Outbound webhook deliveries by result.",
		},
		[]string{"result"},
	)

	RateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests refused by the API rate limiter, by scope (tenant, ip).",
		},
		[]string{"scope"},
	)

	ActiveWebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_websocket_clients",
		Help:      "Connected realtime clients.",
	})
)
