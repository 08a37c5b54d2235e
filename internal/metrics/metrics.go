// Package metrics holds the Prometheus collectors shared across packages
// and the /metrics handler that exposes them.
package metrics

import (
	"database/sql"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pricewatch"

// RegisterDB exposes connection pool statistics for db as the go_sql_*
// series labelled db_name="pricewatch". Registering twice is not an error.
func RegisterDB(db *sql.DB) error {
	return register(prometheus.DefaultRegisterer, dbCollector(db))
}

func dbCollector(db *sql.DB) prometheus.Collector {
	return collectors.NewDBStatsCollector(db, namespace)
}

func register(r prometheus.Registerer, c prometheus.Collector) error {
	err := r.Register(c)
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		return nil
	}
	return err
}

// Handler serves the default registry in the Prometheus text format.
func Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	return gin.WrapH(h)
}
