// Package observability groups the Prometheus instruments for the memory
// core. Degraded retrieval paths are deliberately not errors, so they are
// counted here instead to keep them operable.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the memory core.
// A nil *Metrics is valid and records nothing, so wiring metrics stays
// optional.
type Metrics struct {
	TurnsHandled      prometheus.Counter
	TierDegraded      *prometheus.CounterVec
	ConsolidationRuns *prometheus.CounterVec
	FactsUpserted     prometheus.Counter
	EpisodesWritten   prometheus.Counter
	Evictions         prometheus.Counter
	WorkingTurns      prometheus.Gauge
}

// NewMetrics registers the instrument set on reg. Pass a private registry
// in tests; prometheus.DefaultRegisterer in production.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		TurnsHandled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_handled_total",
			Help:      "Conversational turns processed by the orchestrator.",
		}),
		TierDegraded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tier_degraded_total",
			Help:      "Memory tier queries that degraded to an empty contribution.",
		}, []string{"tier"}),
		ConsolidationRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consolidation_runs_total",
			Help:      "Consolidation attempts by outcome.",
		}, []string{"outcome"}),
		FactsUpserted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "facts_upserted_total",
			Help:      "Semantic facts written or refreshed by consolidation.",
		}),
		EpisodesWritten: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "episodes_written_total",
			Help:      "Episodic records appended.",
		}),
		Evictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "working_evictions_total",
			Help:      "Turns evicted from working-memory windows.",
		}),
		WorkingTurns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "working_turns",
			Help:      "Turns currently held across all working-memory windows.",
		}),
	}
}

// ObserveTierDegraded counts a tier query that fell back to empty.
func (m *Metrics) ObserveTierDegraded(tier string) {
	if m == nil {
		return
	}
	m.TierDegraded.WithLabelValues(tier).Inc()
}

// ObserveConsolidation counts a consolidation attempt by outcome
// (success, failure, skipped).
func (m *Metrics) ObserveConsolidation(outcome string) {
	if m == nil {
		return
	}
	m.ConsolidationRuns.WithLabelValues(outcome).Inc()
}

// ObserveTurn counts a handled turn and updates the working-memory gauge.
func (m *Metrics) ObserveTurn(workingTurns int) {
	if m == nil {
		return
	}
	m.TurnsHandled.Inc()
	m.WorkingTurns.Set(float64(workingTurns))
}

// ObserveEviction counts evicted turns.
func (m *Metrics) ObserveEviction(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Evictions.Add(float64(n))
}

// ObserveFactUpsert counts an upserted fact.
func (m *Metrics) ObserveFactUpsert() {
	if m == nil {
		return
	}
	m.FactsUpserted.Inc()
}

// ObserveEpisode counts an appended episodic record.
func (m *Metrics) ObserveEpisode() {
	if m == nil {
		return
	}
	m.EpisodesWritten.Inc()
}

// Handler exposes the default registry for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}
