// Package metrics exposes prometheus collectors for generation runs, model
// turns, tool calls and credit decisions.
package metrics

import (
	"net/http"
	"time"

	"vibe/internal/orchestrator"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vibe"

// Metrics implements the observer hooks of the tools, orchestrator and
// generation packages.
type Metrics struct {
	registry *prometheus.Registry

	generations      *prometheus.CounterVec
	generationTime   *prometheus.HistogramVec
	repairs          *prometheus.CounterVec
	modelTurns       *prometheus.CounterVec
	modelTurnLatency prometheus.Histogram
	runs             *prometheus.CounterVec
	runIterations    prometheus.Histogram
	toolCalls        *prometheus.CounterVec
	toolLatency      *prometheus.HistogramVec
	credits          *prometheus.CounterVec
}

// New registers every collector on a fresh registry, plus the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		// Labels: mode (agent, fast), outcome (success, failed, denied)
		generations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "requests_total",
			Help:      "Generation requests by mode and outcome",
		}, []string{"mode", "outcome"}),
		generationTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "duration_seconds",
			Help:      "End-to-end generation latency",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
		}, []string{"mode", "outcome"}),
		repairs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "self_heal_total",
			Help:      "Self-heal checks by whether a repair was applied",
		}, []string{"applied"}),
		modelTurns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "turns_total",
			Help:      "Model turns by status",
		}, []string{"status"}),
		modelTurnLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "turn_duration_seconds",
			Help:      "Model turn latency",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "runs_total",
			Help:      "Loop passes by final state",
		}, []string{"state"}),
		runIterations: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "iterations",
			Help:      "Model turns per loop pass",
			Buckets:   prometheus.LinearBuckets(1, 1, 15),
		}),
		toolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tools",
			Name:      "calls_total",
			Help:      "Tool calls by tool and status",
		}, []string{"tool", "status"}),
		toolLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tools",
			Name:      "duration_seconds",
			Help:      "Tool call latency",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 120},
		}, []string{"tool"}),
		// Labels: outcome (allowed, denied), window (daily, monthly, "")
		credits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "decisions_total",
			Help:      "Credit decisions by outcome and denying window",
		}, []string{"outcome", "window"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveGeneration(mode, outcome string, d time.Duration) {
	m.generations.WithLabelValues(mode, outcome).Inc()
	m.generationTime.WithLabelValues(mode, outcome).Observe(d.Seconds())
}

func (m *Metrics) ObserveRepair(applied bool) {
	m.repairs.WithLabelValues(boolLabel(applied)).Inc()
}

func (m *Metrics) ObserveModelTurn(d time.Duration, err error) {
	m.modelTurns.WithLabelValues(statusLabel(err == nil)).Inc()
	m.modelTurnLatency.Observe(d.Seconds())
}

func (m *Metrics) ObserveRun(final orchestrator.State, iterations int) {
	m.runs.WithLabelValues(final.String()).Inc()
	m.runIterations.Observe(float64(iterations))
}

func (m *Metrics) ObserveTool(name string, ok bool, d time.Duration) {
	m.toolCalls.WithLabelValues(name, statusLabel(ok)).Inc()
	m.toolLatency.WithLabelValues(name).Observe(d.Seconds())
}

// ObserveCredit records one consume decision. window is empty when allowed.
func (m *Metrics) ObserveCredit(allowed bool, window string) {
	outcome := "allowed"
	if !allowed {
		outcome = "denied"
	}
	m.credits.WithLabelValues(outcome, window).Inc()
}

func statusLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
