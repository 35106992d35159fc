package metrics

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"

	"hermes/pkg/logger"
)

// StoreCollector exposes aggregate gauges read from the usage tables on
// each scrape.
type StoreCollector struct {
	log *logger.Logger
	db  *sqlx.DB

	totalSessions *prometheus.Desc
	totalThreads  *prometheus.Desc
	totalLogs     *prometheus.Desc
	todayCost     *prometheus.Desc
	todayRequests *prometheus.Desc
}

// NewStoreCollector creates a collector over the usage store.
func NewStoreCollector(log *logger.Logger, db *sqlx.DB) *StoreCollector {
	return &StoreCollector{
		log: log,
		db:  db,

		totalSessions: prometheus.NewDesc(
			"hermes_store_sessions",
			"Total number of metered sessions",
			nil, nil,
		),
		totalThreads: prometheus.NewDesc(
			"hermes_store_threads",
			"Total number of metered threads",
			nil, nil,
		),
		totalLogs: prometheus.NewDesc(
			"hermes_store_log_entries",
			"Total number of usage log entries",
			nil, nil,
		),
		todayCost: prometheus.NewDesc(
			"hermes_store_today_cost_usd",
			"Accumulated cost of the current calendar day",
			nil, nil,
		),
		todayRequests: prometheus.NewDesc(
			"hermes_store_today_requests",
			"Request count of the current calendar day",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector
func (c *StoreCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.totalSessions
	ch <- c.totalThreads
	ch <- c.totalLogs
	ch <- c.todayCost
	ch <- c.todayRequests
}

// Collect implements prometheus.Collector
func (c *StoreCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c.collectCount(ctx, ch, c.totalSessions, `SELECT COUNT(*) FROM usage_sessions`)
	c.collectCount(ctx, ch, c.totalThreads, `SELECT COUNT(*) FROM usage_threads`)
	c.collectCount(ctx, ch, c.totalLogs, `SELECT COUNT(*) FROM usage_logs`)

	var cost float64
	var requests int64
	err := c.db.QueryRowContext(ctx, `
		SELECT COALESCE(total_cost, 0), COALESCE(total_requests, 0)
		FROM usage_daily WHERE day = CURRENT_DATE
	`).Scan(&cost, &requests)
	if err == nil {
		ch <- prometheus.MustNewConstMetric(c.todayCost, prometheus.GaugeValue, cost)
		ch <- prometheus.MustNewConstMetric(c.todayRequests, prometheus.GaugeValue, float64(requests))
	}
}

func (c *StoreCollector) collectCount(ctx context.Context, ch chan<- prometheus.Metric, desc *prometheus.Desc, query string) {
	var count int64
	if err := c.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		c.log.Debugf("store collector query failed: %v", err)
		return
	}
	ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(count))
}
