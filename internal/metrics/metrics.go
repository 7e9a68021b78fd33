// Package metrics holds the worker's prometheus collectors. All methods are
// safe on a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relay"

type Metrics struct {
	registry *prometheus.Registry

	JobTransitions     *prometheus.CounterVec
	ListenerLogs       *prometheus.CounterVec
	ListenerCursor     prometheus.Gauge
	ProofRequests      *prometheus.CounterVec
	DestinationTxs     *prometheus.CounterVec
	DemoModeRefused    prometheus.Counter
	SubmitterCycles    prometheus.Counter
	SubmitterCycleTime prometheus.Histogram
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,

		JobTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_transitions_total",
			Help:      "Job status transitions by target status",
		}, []string{"status"}),

		ListenerLogs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_logs_total",
			Help:      "Source logs processed by outcome",
		}, []string{"result"}),

		ListenerCursor: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "listener_cursor_block",
			Help:      "Next source block the listener will scan",
		}),

		ProofRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proof_requests_total",
			Help:      "Proof acquisitions by outcome",
		}, []string{"result"}),

		DestinationTxs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "destination_txs_total",
			Help:      "Destination record transactions by outcome",
		}, []string{"result"}),

		DemoModeRefused: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "demo_mode_refused_total",
			Help:      "Submissions skipped because the destination is in demo mode",
		}),

		SubmitterCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submitter_cycles_total",
			Help:      "Completed submitter cycles",
		}),

		SubmitterCycleTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "submitter_cycle_seconds",
			Help:      "Submitter cycle duration",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
	}

	reg.MustRegister(
		m.JobTransitions,
		m.ListenerLogs,
		m.ListenerCursor,
		m.ProofRequests,
		m.DestinationTxs,
		m.DemoModeRefused,
		m.SubmitterCycles,
		m.SubmitterCycleTime,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) JobTransition(status string) {
	if m == nil {
		return
	}
	m.JobTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) ListenerLog(result string) {
	if m == nil {
		return
	}
	m.ListenerLogs.WithLabelValues(result).Inc()
}

func (m *Metrics) SetCursor(block uint64) {
	if m == nil {
		return
	}
	m.ListenerCursor.Set(float64(block))
}

func (m *Metrics) ProofRequest(result string) {
	if m == nil {
		return
	}
	m.ProofRequests.WithLabelValues(result).Inc()
}

func (m *Metrics) DestinationTx(result string) {
	if m == nil {
		return
	}
	m.DestinationTxs.WithLabelValues(result).Inc()
}

func (m *Metrics) DemoRefused() {
	if m == nil {
		return
	}
	m.DemoModeRefused.Inc()
}

func (m *Metrics) Cycle(seconds float64) {
	if m == nil {
		return
	}
	m.SubmitterCycles.Inc()
	m.SubmitterCycleTime.Observe(seconds)
}
