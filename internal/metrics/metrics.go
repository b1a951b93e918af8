// Package metrics exports cache activity to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lucasew/imagecache"
)

// Metrics holds the cache event counters. It implements imagecache.Observer.
type Metrics struct {
	Hits       *prometheus.CounterVec
	Misses     prometheus.Counter
	Evictions  *prometheus.CounterVec
	DiskErrors *prometheus.CounterVec
}

var _ imagecache.Observer = (*Metrics)(nil)

// NewMetrics creates and registers all counters with the provided registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	hits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "imagecache_hits_total",
		Help: "Cache lookups answered, by tier",
	}, []string{"tier"})

	misses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "imagecache_misses_total",
		Help: "Cache lookups found in neither tier",
	})

	evictions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "imagecache_evictions_total",
		Help: "Entries evicted for space, by tier",
	}, []string{"tier"})

	diskErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "imagecache_disk_errors_total",
		Help: "Disk tier failures that did not fail the caller, by operation",
	}, []string{"op"})

	reg.MustRegister(hits, misses, evictions, diskErrors)

	// make both tiers show up before the first event
	for _, tier := range []imagecache.Tier{imagecache.TierMemory, imagecache.TierDisk} {
		hits.WithLabelValues(string(tier))
		evictions.WithLabelValues(string(tier))
	}

	return &Metrics{
		Hits:       hits,
		Misses:     misses,
		Evictions:  evictions,
		DiskErrors: diskErrors,
	}
}

func (m *Metrics) Hit(tier imagecache.Tier) {
	m.Hits.WithLabelValues(string(tier)).Inc()
}

func (m *Metrics) Miss() {
	m.Misses.Inc()
}

func (m *Metrics) Evicted(tier imagecache.Tier, _ string) {
	m.Evictions.WithLabelValues(string(tier)).Inc()
}

func (m *Metrics) DiskError(op string, _ error) {
	m.DiskErrors.WithLabelValues(op).Inc()
}

var (
	bytesDesc = prometheus.NewDesc(
		"imagecache_bytes",
		"Bytes held by each tier",
		[]string{"tier"}, nil,
	)
	capacityDesc = prometheus.NewDesc(
		"imagecache_capacity_bytes",
		"Capacity of each tier",
		[]string{"tier"}, nil,
	)
	entriesDesc = prometheus.NewDesc(
		"imagecache_entries",
		"Entries held by each tier",
		[]string{"tier"}, nil,
	)
	readyDesc = prometheus.NewDesc(
		"imagecache_ready",
		"1 when the cache is ready, 0 otherwise",
		nil, nil,
	)
)

// statsCollector reads a Stats snapshot on every scrape.
type statsCollector struct {
	stats func() imagecache.Stats
}

// RegisterStats exposes the tier sizes reported by stats.
func RegisterStats(reg prometheus.Registerer, stats func() imagecache.Stats) {
	reg.MustRegister(&statsCollector{stats: stats})
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- bytesDesc
	ch <- capacityDesc
	ch <- entriesDesc
	ch <- readyDesc
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.stats()
	tier := func(name imagecache.Tier, ts imagecache.TierStats) {
		label := string(name)
		ch <- prometheus.MustNewConstMetric(bytesDesc, prometheus.GaugeValue, float64(ts.Bytes), label)
		ch <- prometheus.MustNewConstMetric(capacityDesc, prometheus.GaugeValue, float64(ts.Capacity), label)
		ch <- prometheus.MustNewConstMetric(entriesDesc, prometheus.GaugeValue, float64(ts.Entries), label)
	}
	tier(imagecache.TierMemory, st.Memory)
	if st.Disk != nil {
		tier(imagecache.TierDisk, *st.Disk)
	}

	ready := 0.0
	if st.State == imagecache.StateReady.String() {
		ready = 1
	}
	ch <- prometheus.MustNewConstMetric(readyDesc, prometheus.GaugeValue, ready)
}
