// Package metrics provides Prometheus collectors for guide ingestion.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/savid/iptvguide/internal/epg"
)

// Fetch outcomes.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
	OutcomeEmpty = "empty"
)

// Cache lookup results.
const (
	CacheHit   = "hit"
	CacheMiss  = "miss"
	CacheError = "error"
)

// Guide request paths.
const (
	PathMemory  = "memory"
	PathRematch = "rematch"
	PathFetch   = "fetch"
	PathShared  = "shared"
)

// strategyNone labels unmatched channels.
const strategyNone = "none"

// Metrics holds the guide collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	SourceFetches *prometheus.CounterVec
	SourceBytes   *prometheus.GaugeVec
	ParseDuration *prometheus.HistogramVec
	CacheLookups  *prometheus.CounterVec
	Matches       *prometheus.CounterVec
	GuideRequests *prometheus.CounterVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SourceFetches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "iptvguide_source_fetch_total",
			Help: "Guide source fetches, by country and outcome.",
		}, []string{"country", "outcome"}),
		SourceBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "iptvguide_source_bytes",
			Help: "Size of the last downloaded guide payload, by country.",
		}, []string{"country"}),
		ParseDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "iptvguide_parse_duration_seconds",
			Help:    "Time spent decompressing and parsing one guide document, by parser backend.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"backend"}),
		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "iptvguide_cache_lookups_total",
			Help: "Persistent cache lookups, by result.",
		}, []string{"result"}),
		Matches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "iptvguide_match_total",
			Help: "Channel match results, by strategy.",
		}, []string{"strategy"}),
		GuideRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "iptvguide_guide_requests_total",
			Help: "Guide requests, by the path that served them.",
		}, []string{"path"}),
	}
}

// ObserveFetch records one source fetch.
func (m *Metrics) ObserveFetch(country, outcome string, size int) {
	if m == nil {
		return
	}

	m.SourceFetches.WithLabelValues(country, outcome).Inc()

	if outcome != OutcomeError {
		m.SourceBytes.WithLabelValues(country).Set(float64(size))
	}
}

// ObserveParse records the duration of one parse.
func (m *Metrics) ObserveParse(backend string, d time.Duration) {
	if m == nil {
		return
	}

	m.ParseDuration.WithLabelValues(backend).Observe(d.Seconds())
}

// ObserveCache records one persistent cache lookup.
func (m *Metrics) ObserveCache(result string) {
	if m == nil {
		return
	}

	m.CacheLookups.WithLabelValues(result).Inc()
}

// ObserveMatches records a match summary.
func (m *Metrics) ObserveMatches(summary epg.Summary) {
	if m == nil {
		return
	}

	for strategy, n := range summary {
		label := string(strategy)
		if strategy == epg.StrategyNone {
			label = strategyNone
		}

		m.Matches.WithLabelValues(label).Add(float64(n))
	}
}

// ObserveRequest records which path served a guide request.
func (m *Metrics) ObserveRequest(path string) {
	if m == nil {
		return
	}

	m.GuideRequests.WithLabelValues(path).Inc()
}
