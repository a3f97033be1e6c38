// Package metrics provides internal metrics collection for the retrieval
// core. This package is internal and should not be imported by external
// projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector aggregates prometheus instruments for the retrieval pipeline.
type Collector struct {
	// Query metrics
	searchesTotal  *prometheus.CounterVec
	searchDuration prometheus.Histogram
	searchResults  prometheus.Histogram

	// Ingestion metrics
	ingestsTotal   *prometheus.CounterVec
	ingestDuration prometheus.Histogram
	chunksIndexed  prometheus.Counter

	// Index state
	indexLiveVectors prometheus.Gauge
	indexTombstones  prometheus.Gauge

	// Answer cache
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	logger *zap.Logger
}

// NewCollector creates a collector registered against reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.searchesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "searches_total",
			Help:      "Total retrieval queries by outcome.",
		},
		[]string{"outcome"},
	)
	c.searchDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_duration_seconds",
			Help:      "Retrieval query latency.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	c.searchResults = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_results",
			Help:      "Number of chunks returned per query.",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
		},
	)

	c.ingestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingests_total",
			Help:      "Total document ingestions by outcome.",
		},
		[]string{"outcome"},
	)
	c.ingestDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_duration_seconds",
			Help:      "Document ingestion latency.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)
	c.chunksIndexed = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_indexed_total",
			Help:      "Total chunks added to the vector index.",
		},
	)

	c.indexLiveVectors = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "index_live_vectors",
			Help:      "Live (non-tombstoned) vectors in the index.",
		},
	)
	c.indexTombstones = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "index_tombstones",
			Help:      "Tombstoned vectors awaiting rebuild.",
		},
	)

	c.cacheHits = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "answer_cache_hits_total",
			Help:      "Answer cache hits.",
		},
	)
	c.cacheMisses = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "answer_cache_misses_total",
			Help:      "Answer cache misses.",
		},
	)

	return c
}

// RecordSearch records one retrieval query.
func (c *Collector) RecordSearch(duration time.Duration, results int, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.searchesTotal.WithLabelValues(outcome).Inc()
	c.searchDuration.Observe(duration.Seconds())
	if err == nil {
		c.searchResults.Observe(float64(results))
	}
}

// RecordIngest records one document ingestion.
func (c *Collector) RecordIngest(duration time.Duration, chunks int, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.ingestsTotal.WithLabelValues(outcome).Inc()
	c.ingestDuration.Observe(duration.Seconds())
	if chunks > 0 {
		c.chunksIndexed.Add(float64(chunks))
	}
}

// SetIndexState updates the index gauges.
func (c *Collector) SetIndexState(live, tombstones int) {
	c.indexLiveVectors.Set(float64(live))
	c.indexTombstones.Set(float64(tombstones))
}

// RecordCacheHit counts an answer cache hit.
func (c *Collector) RecordCacheHit() { c.cacheHits.Inc() }

// RecordCacheMiss counts an answer cache miss.
func (c *Collector) RecordCacheMiss() { c.cacheMisses.Inc() }
