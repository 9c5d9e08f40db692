// Package metrics exposes step engine counters in Prometheus format. All
// methods are safe on a nil *Metrics, which records nothing.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"freelab/internal/articulation"
)

const namespace = "freelab"

// Metrics holds the engine collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	steps           *prometheus.CounterVec
	stepDuration    *prometheus.HistogramVec
	tokens          *prometheus.CounterVec
	cost            prometheus.Counter
	backendDuration prometheus.Histogram
	repairs         *prometheus.CounterVec
	droppedRefs     prometheus.Counter
}

// New registers the collectors, plus Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Simulation steps by outcome code.",
		}, []string{"code"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "End-to-end step latency by outcome code.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2, 4, 8, 15, 30, 60},
		}, []string{"code"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_tokens_total",
			Help:      "Tokens billed by the generative backend.",
		}, []string{"direction"}),
		cost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_cost_micro_usd_total",
			Help:      "Metered backend cost in micro-USD.",
		}),
		backendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_call_duration_seconds",
			Help:      "Latency of generative backend calls.",
			Buckets:   []float64{.1, .25, .5, 1, 2, 4, 8, 15, 30, 60},
		}),
		repairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "normalizer_repairs_total",
			Help:      "Values the normalizer clamped, by field.",
		}, []string{"field"}),
		droppedRefs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_references_total",
			Help:      "Diff entries removed for naming unknown ids.",
		}),
	}
	m.registry.MustRegister(
		m.steps, m.stepDuration, m.tokens, m.cost, m.backendDuration, m.repairs, m.droppedRefs,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveStep records one finished step.
func (m *Metrics) ObserveStep(code string, d time.Duration) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(code).Inc()
	m.stepDuration.WithLabelValues(code).Observe(d.Seconds())
}

// ObserveBackend records one backend call latency.
func (m *Metrics) ObserveBackend(d time.Duration) {
	if m == nil {
		return
	}
	m.backendDuration.Observe(d.Seconds())
}

// AddUsage records metered tokens and cost.
func (m *Metrics) AddUsage(tokensIn, tokensOut int, costMicroUSD int64) {
	if m == nil {
		return
	}
	m.tokens.WithLabelValues("in").Add(float64(tokensIn))
	m.tokens.WithLabelValues("out").Add(float64(tokensOut))
	m.cost.Add(float64(costMicroUSD))
}

// AddRepair counts one normalizer repair on field.
func (m *Metrics) AddRepair(field string) {
	if m == nil {
		return
	}
	m.repairs.WithLabelValues(field).Inc()
}

// AddDroppedReferences counts diff entries removed by reference filtering.
func (m *Metrics) AddDroppedReferences(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.droppedRefs.Add(float64(n))
}

// normalizerCollector reads normalizer outcome counts at scrape time.
type normalizerCollector struct {
	desc  *prometheus.Desc
	stats func() articulation.Stats
}

func (c *normalizerCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *normalizerCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	for outcome, v := range map[string]int64{
		"direct":          s.Direct,
		"fenced":          s.Fenced,
		"extracted":       s.Extracted,
		"malformed":       s.Malformed,
		"schema_rejected": s.SchemaRejected,
	} {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.CounterValue, float64(v), outcome)
	}
}

// WatchNormalizer exports the counts returned by stats, normally
// (*articulation.Normalizer).Stats, as freelab_normalizer_outputs_total.
// Only the first source registered on m is exported.
func (m *Metrics) WatchNormalizer(stats func() articulation.Stats) error {
	if m == nil || stats == nil {
		return nil
	}
	err := m.registry.Register(&normalizerCollector{
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "normalizer", "outputs_total"),
			"Backend outputs seen by the normalizer, by how they were parsed or why they were rejected.",
			[]string{"outcome"}, nil,
		),
		stats: stats,
	})
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		return nil
	}
	return err
}
