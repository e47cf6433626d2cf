// Package extdb – Prometheus instrumentation for external pools.
//
// Each pool gets one collector reading database/sql stats at scrape time, with
// a constant "pool" label carrying the tenant key. The collector holds the
// pool behind an atomic pointer so Recreate can swap the underlying pool
// without deregistering: the metric series for a key stays live across the
// swap, and eviction removes it entirely.
package extdb

import (
	"database/sql"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// poolStatsCollector exports gauges for one pool slot.
type poolStatsCollector struct {
	db  atomic.Pointer[sql.DB]
	key TenantKey

	openDesc    *prometheus.Desc
	inUseDesc   *prometheus.Desc
	idleDesc    *prometheus.Desc
	waitDesc    *prometheus.Desc
	maxOpenDesc *prometheus.Desc
}

func newPoolStatsCollector(key TenantKey, db *sql.DB) *poolStatsCollector {
	labels := prometheus.Labels{"pool": string(key)}
	c := &poolStatsCollector{
		key: key,
		openDesc: prometheus.NewDesc(
			"external_db_pool_open_connections",
			"Open connections (in use plus idle) in the external pool.",
			nil, labels,
		),
		inUseDesc: prometheus.NewDesc(
			"external_db_pool_in_use_connections",
			"Connections currently in use in the external pool.",
			nil, labels,
		),
		idleDesc: prometheus.NewDesc(
			"external_db_pool_idle_connections",
			"Idle connections in the external pool.",
			nil, labels,
		),
		waitDesc: prometheus.NewDesc(
			"external_db_pool_wait_count_total",
			"Total number of connection waits on the external pool.",
			nil, labels,
		),
		maxOpenDesc: prometheus.NewDesc(
			"external_db_pool_max_open_connections",
			"Configured maximum open connections for the external pool.",
			nil, labels,
		),
	}
	c.db.Store(db)
	return c
}

// swap replaces the instrumented pool and returns the previous one.
func (c *poolStatsCollector) swap(db *sql.DB) *sql.DB {
	return c.db.Swap(db)
}

// Describe implements prometheus.Collector.
func (c *poolStatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.openDesc
	ch <- c.inUseDesc
	ch <- c.idleDesc
	ch <- c.waitDesc
	ch <- c.maxOpenDesc
}

// Collect implements prometheus.Collector.
func (c *poolStatsCollector) Collect(ch chan<- prometheus.Metric) {
	db := c.db.Load()
	if db == nil {
		return
	}
	s := db.Stats()
	ch <- prometheus.MustNewConstMetric(c.openDesc, prometheus.GaugeValue, float64(s.OpenConnections))
	ch <- prometheus.MustNewConstMetric(c.inUseDesc, prometheus.GaugeValue, float64(s.InUse))
	ch <- prometheus.MustNewConstMetric(c.idleDesc, prometheus.GaugeValue, float64(s.Idle))
	ch <- prometheus.MustNewConstMetric(c.waitDesc, prometheus.CounterValue, float64(s.WaitCount))
	ch <- prometheus.MustNewConstMetric(c.maxOpenDesc, prometheus.GaugeValue, float64(s.MaxOpenConnections))
}
