package reconciliation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func opts(name, help string) prometheus.Opts {
	return prometheus.Opts{Namespace: "pricewatch", Subsystem: "reconciliation", Name: name, Help: help}
}

var (
	mismatchGauge = promauto.NewGauge(prometheus.GaugeOpts(
		opts("balance_mismatches", "Tenants whose balance disagreed with the ledger in the last pass.")))

	checkedGauge = promauto.NewGauge(prometheus.GaugeOpts(
		opts("tenants_checked", "Tenants examined in the last pass.")))

	lastPassGauge = promauto.NewGauge(prometheus.GaugeOpts(
		opts("last_pass_timestamp_seconds", "Unix time the last pass started.")))

	errorCounter = promauto.NewCounter(prometheus.CounterOpts(
		opts("errors_total", "Per-tenant check failures.")))

	passDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pricewatch",
		Subsystem: "reconciliation",
		Name:      "pass_duration_seconds",
		Help:      "Wall time of reconciliation passes.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 11),
	})
)

func observe(r *Report) {
	mismatchGauge.Set(float64(len(r.Mismatches)))
	checkedGauge.Set(float64(r.TenantsChecked))
	lastPassGauge.Set(float64(r.StartedAt.Unix()))
	errorCounter.Add(float64(r.Errors))
	passDuration.Observe(r.Duration.Seconds())
}
