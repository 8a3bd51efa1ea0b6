// Package pgmetrics exposes pgpool/preparedcache/subscriber occupancy as
// Prometheus gauges, following the periodic-scrape shape of
// openwengo-pgbouncer_exporter (a ticker loop reading live stats into
// gauges) but using promauto-registered vectors instead of a hand-rolled
// prometheus.Collector, since this package's metric set is static and
// known ahead of time.
package pgmetrics

import (
	"context"
	"time"

	"github.com/erlorenz/pgunify/preparedcache"
	"github.com/erlorenz/pgunify/subscriber"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

// statsProvider is satisfied structurally by pgpool's pooledPool,
// taggedPool, and singleConnPool (each adds CacheStats/SubscriberStats
// alongside the exported Pool contract) without pgpool importing this
// package.
type statsProvider interface {
	PoolSize() int
	CacheStats() preparedcache.Stats
	SubscriberStats() subscriber.Stats
}

// Metrics is the set of gauges this package maintains. Construct one per
// process with NewMetrics and call Watch to start the scrape loop.
type Metrics struct {
	poolSize            prometheus.Gauge
	cacheObjectConns    prometheus.Gauge
	cacheStringConns    prometheus.Gauge
	subscriberChannels  prometheus.Gauge
	subscriberConsumers prometheus.Gauge

	logger *logrus.Entry
}

// NewMetrics registers every gauge this package owns against reg (typically
// prometheus.DefaultRegisterer) under the given namespace, e.g. "pgunify".
func NewMetrics(reg prometheus.Registerer, namespace string, logger *logrus.Entry) *Metrics {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	factory := promauto.With(reg)

	return &Metrics{
		poolSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "size",
			Help: "Configured maximum connection count for the active backend.",
		}),
		cacheObjectConns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "prepared_cache", Name: "object_keyed_connections",
			Help: "Connections tracked by pointer identity in the prepared-statement cache.",
		}),
		cacheStringConns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "prepared_cache", Name: "string_keyed_connections",
			Help: "Connections tracked by string key in the prepared-statement cache.",
		}),
		subscriberChannels: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "subscriber", Name: "active_channels",
			Help: "NOTIFY channels with a live physical LISTEN.",
		}),
		subscriberConsumers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "subscriber", Name: "consumers",
			Help: "Consumers registered across every active channel.",
		}),
		logger: logger,
	}
}

// Scrape reads pool's current stats into the gauges once.
func (m *Metrics) Scrape(pool statsProvider) {
	m.poolSize.Set(float64(pool.PoolSize()))

	cs := pool.CacheStats()
	m.cacheObjectConns.Set(float64(cs.ObjectKeyedConnections))
	m.cacheStringConns.Set(float64(cs.StringKeyedConnections))

	ss := pool.SubscriberStats()
	m.subscriberChannels.Set(float64(ss.ActiveChannels))
	m.subscriberConsumers.Set(float64(ss.TotalConsumers))
}

// Watch runs Scrape on interval until ctx is canceled. A pool that has
// already been released is not treated specially and nothing is logged:
// Scrape simply reads whatever values its stats accessors still report.
func (m *Metrics) Watch(ctx context.Context, pool statsProvider, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.Scrape(pool)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Scrape(pool)
		}
	}
}
