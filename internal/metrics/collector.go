package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collector for the round controller and its collaborators.
type Collector struct {
	// Round metrics
	RoundDuration *prometheus.HistogramVec
	RoundVerdicts *prometheus.CounterVec
	RunsTotal     *prometheus.CounterVec

	// Convergence metrics
	MinSimilarity prometheus.Histogram
	DissentCount  *prometheus.CounterVec

	// Provider metrics
	ProviderLatency *prometheus.HistogramVec
	ProviderErrors  *prometheus.CounterVec
	ProviderRetries *prometheus.CounterVec

	// Trust metrics
	TrustScore     *prometheus.GaugeVec
	RegretTotal    prometheus.Counter
	OverridesTotal prometheus.Counter

	// Safeguard metrics
	AdvocateSelections *prometheus.CounterVec
	DriftChecks        *prometheus.CounterVec

	// Similarity cache metrics
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter

	registry *prometheus.Registry
}

// NewCollector creates the collector on its own registry so tests can run
// in parallel without duplicate-registration panics.
func NewCollector() *Collector {
	c := &Collector{
		RoundDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vorsting_round_duration_seconds",
				Help:    "Round duration in seconds by phase",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"phase"},
		),
		RoundVerdicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vorsting_round_verdicts_total",
				Help: "Round verdicts by outcome",
			},
			[]string{"verdict"},
		),
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vorsting_runs_total",
				Help: "Completed runs by terminal verdict",
			},
			[]string{"verdict"},
		),
		MinSimilarity: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vorsting_min_similarity",
				Help:    "Minimum pairwise artifact similarity per round",
				Buckets: prometheus.LinearBuckets(0, 0.1, 11),
			},
		),
		DissentCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vorsting_dissents_total",
				Help: "Recorded dissents by class",
			},
			[]string{"class"},
		),
		ProviderLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vorsting_provider_latency_seconds",
				Help:    "Content model call latency in seconds",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"operation"},
		),
		ProviderErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vorsting_provider_errors_total",
				Help: "Content model call failures by operation and class",
			},
			[]string{"operation", "class"},
		),
		ProviderRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vorsting_provider_retries_total",
				Help: "Content model call retry attempts by operation",
			},
			[]string{"operation"},
		),
		TrustScore: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vorsting_agent_trust_score",
				Help: "Current trust score per agent",
			},
			[]string{"agent"},
		),
		RegretTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "vorsting_override_regrets_total",
				Help: "Overrides marked as regretted",
			},
		),
		OverridesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "vorsting_overrides_total",
				Help: "Recorded human overrides",
			},
		),
		AdvocateSelections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vorsting_advocate_selections_total",
				Help: "Devil's Advocate selection outcomes",
			},
			[]string{"outcome"},
		),
		DriftChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vorsting_rubric_drift_checks_total",
				Help: "Rubric drift checks by severity",
			},
			[]string{"severity"},
		),
		CacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "vorsting_similarity_cache_hits_total",
				Help: "Similarity cache hits",
			},
		),
		CacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "vorsting_similarity_cache_misses_total",
				Help: "Similarity cache misses",
			},
		),
		registry: prometheus.NewRegistry(),
	}

	c.registry.MustRegister(
		c.RoundDuration,
		c.RoundVerdicts,
		c.RunsTotal,
		c.MinSimilarity,
		c.DissentCount,
		c.ProviderLatency,
		c.ProviderErrors,
		c.ProviderRetries,
		c.TrustScore,
		c.RegretTotal,
		c.OverridesTotal,
		c.AdvocateSelections,
		c.DriftChecks,
		c.CacheHits,
		c.CacheMisses,
	)
	return c
}

// Handler returns the HTTP handler serving this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the registry for tests.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }
