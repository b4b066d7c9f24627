// Package metrics exposes Prometheus collectors for the modification pipeline.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fraude"

// Metrics holds the pipeline collectors registered on one registry.
type Metrics struct {
	registry *prometheus.Registry

	Transitions     *prometheus.CounterVec
	Outcomes        *prometheus.CounterVec
	StageDuration   *prometheus.HistogramVec
	Hunks           *prometheus.CounterVec
	CompletionText  *prometheus.CounterVec
	CompletionUsage *prometheus.CounterVec
	StagedChanges   *prometheus.CounterVec
	ApplyErrors     prometheus.Counter
	ActiveWorkflows prometheus.Gauge
	ReindexedFiles  *prometheus.CounterVec

	startTime time.Time
}

var (
	global     *Metrics
	globalOnce sync.Once
)

// Global returns the process-wide metrics instance.
func Global() *Metrics {
	globalOnce.Do(func() {
		global = New(prometheus.NewRegistry())
	})
	return global
}

// New registers every collector on reg.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "transitions_total",
			Help:      "Workflow state transitions",
		}, []string{"from", "to"}),
		Outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "outcomes_total",
			Help:      "Workflows reaching a terminal state",
		}, []string{"state"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each workflow stage",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"stage"}),
		Hunks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "patch",
			Name:      "hunks_total",
			Help:      "Patch sections by result",
		}, []string{"result"}),
		CompletionText: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "completion",
			Name:      "streamed_bytes_total",
			Help:      "Bytes of completion text received",
		}, []string{"purpose"}),
		CompletionUsage: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "completion",
			Name:      "tokens_total",
			Help:      "Tokens reported by the completion service",
		}, []string{"direction"}),
		StagedChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "staging",
			Name:      "changes_total",
			Help:      "Changes staged by kind",
		}, []string{"kind"}),
		ApplyErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "staging",
			Name:      "apply_errors_total",
			Help:      "Failed writes of staged changes",
		}),
		ActiveWorkflows: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "active",
			Help:      "Workflows not yet in a terminal state",
		}),
		ReindexedFiles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reindex",
			Name:      "files_total",
			Help:      "Files re-analyzed after persistence by result",
		}, []string{"result"}),
		startTime: time.Now(),
	}
}

// RecordTransition counts a state change.
func (m *Metrics) RecordTransition(from, to string) {
	m.Transitions.WithLabelValues(from, to).Inc()
}

// RecordStage observes how long a stage took.
func (m *Metrics) RecordStage(stage string, d time.Duration) {
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordHunks counts applied and skipped patch sections.
func (m *Metrics) RecordHunks(applied, skipped int) {
	if applied > 0 {
		m.Hunks.WithLabelValues("applied").Add(float64(applied))
	}
	if skipped > 0 {
		m.Hunks.WithLabelValues("skipped").Add(float64(skipped))
	}
}

// RecordCompletion counts streamed completion bytes for a purpose.
func (m *Metrics) RecordCompletion(purpose string, n int) {
	if purpose == "" {
		purpose = "unspecified"
	}
	m.CompletionText.WithLabelValues(purpose).Add(float64(n))
}

// RecordUsage counts prompt and completion tokens.
func (m *Metrics) RecordUsage(input, output int) {
	m.CompletionUsage.WithLabelValues("input").Add(float64(input))
	m.CompletionUsage.WithLabelValues("output").Add(float64(output))
}

// Uptime returns time since the metrics were created.
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
