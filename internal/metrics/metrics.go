// Package metrics defines the prometheus instruments shared by the catalog,
// the enrichment cache and the summarizer. A nil *Metrics is valid and
// records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheFlushes   prometheus.Counter
	CatalogQueries *prometheus.CounterVec
	QueryLatency   prometheus.Histogram
	UpsertOutcomes *prometheus.CounterVec
	EnrichedEvents *prometheus.CounterVec
	Summaries      *prometheus.CounterVec
	NarrativeWords prometheus.Histogram
}

// New registers every instrument on reg under namespace.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Event-name resolutions served from the enrichment cache.",
		}),
		CacheMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Event-name resolutions that required a catalog lookup.",
		}),
		CacheFlushes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "flushes_total",
			Help:      "Cache invalidations caused by catalog writes.",
		}),
		CatalogQueries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "catalog",
			Name:      "queries_total",
			Help:      "Nearest-neighbour queries by result.",
		}, []string{"result"}),
		QueryLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "catalog",
			Name:      "query_seconds",
			Help:      "Nearest-neighbour query latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		UpsertOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "catalog",
			Name:      "upserts_total",
			Help:      "Catalog entries processed by upsert, by outcome.",
		}, []string{"outcome"}),
		EnrichedEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "enrich",
			Name:      "events_total",
			Help:      "Enriched events by whether a description was found.",
		}, []string{"described"}),
		Summaries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "summarizer",
			Name:      "narratives_total",
			Help:      "Narratives produced, by terminal state.",
		}, []string{"state"}),
		NarrativeWords: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "summarizer",
			Name:      "narrative_words",
			Help:      "Word count of produced narratives.",
			Buckets:   []float64{10, 25, 50, 100, 150, 200, 300, 500},
		}),
	}
}

func (m *Metrics) CacheHit() {
	if m != nil {
		m.CacheHits.Inc()
	}
}

func (m *Metrics) CacheMiss() {
	if m != nil {
		m.CacheMisses.Inc()
	}
}

func (m *Metrics) CacheFlush() {
	if m != nil {
		m.CacheFlushes.Inc()
	}
}

// CatalogQuery records one nearest-neighbour query.
func (m *Metrics) CatalogQuery(err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.CatalogQueries.WithLabelValues(result).Inc()
	m.QueryLatency.Observe(elapsed.Seconds())
}

// Upserted adds n entries under outcome (written, unchanged, failed, skipped).
func (m *Metrics) Upserted(outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.UpsertOutcomes.WithLabelValues(outcome).Add(float64(n))
}

func (m *Metrics) Enriched(described bool) {
	if m == nil {
		return
	}
	label := "false"
	if described {
		label = "true"
	}
	m.EnrichedEvents.WithLabelValues(label).Inc()
}

// Narrative records the terminal state and length of a summary.
func (m *Metrics) Narrative(state string, words int) {
	if m == nil {
		return
	}
	m.Summaries.WithLabelValues(state).Inc()
	m.NarrativeWords.Observe(float64(words))
}
