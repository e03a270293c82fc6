// SPDX-License-Identifier: GPL-3.0-or-later

package dispatchd

import "github.com/prometheus/client_golang/prometheus"

// Metrics contains the dispatcher's Prometheus collectors.
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Accepted counts the connections handed to a handler.
	Accepted prometheus.Counter

	// Rejected counts the connections closed because shutdown had started.
	Rejected prometheus.Counter

	// InFlight is the number of registered handlers.
	InFlight prometheus.Gauge

	// Outcomes counts finished handlers by outcome label.
	Outcomes *prometheus.CounterVec

	// SleepSeconds observes the effective sleep requested by clients.
	SleepSeconds prometheus.Histogram
}

// Handler outcome labels used with [Metrics.Outcomes].
const (
	OutcomeAbortedBeforeRead = "aborted_before_read"
	OutcomeAbortedBeforeSend = "aborted_before_send"
	OutcomeExitCommand       = "exit_command"
	OutcomeFailed            = "failed"
	OutcomeReadFailed        = "read_failed"
	OutcomeResponded         = "responded"
)

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dispatchd",
			Name:      "connections_accepted_total",
			Help:      "Connections handed to a handler.",
		}),
		Rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dispatchd",
			Name:      "connections_rejected_total",
			Help:      "Connections closed because shutdown had started.",
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dispatchd",
			Name:      "handlers_in_flight",
			Help:      "Handlers that have started and not finished.",
		}),
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatchd",
			Name:      "handlers_finished_total",
			Help:      "Finished handlers by outcome.",
		}, []string{"outcome"}),
		SleepSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dispatchd",
			Name:      "handler_sleep_seconds",
			Help:      "Effective sleep requested through the sleep header.",
			Buckets:   []float64{1, 5, 10, 30, 60},
		}),
	}
	reg.MustRegister(m.Accepted, m.Rejected, m.InFlight, m.Outcomes, m.SleepSeconds)
	return m
}

func (m *Metrics) accepted() {
	if m != nil {
		m.Accepted.Inc()
		m.InFlight.Inc()
	}
}

func (m *Metrics) rejected() {
	if m != nil {
		m.Rejected.Inc()
	}
}

func (m *Metrics) finished(outcome string) {
	if m != nil {
		m.InFlight.Dec()
		m.Outcomes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) slept(seconds float64) {
	if m != nil {
		m.SleepSeconds.Observe(seconds)
	}
}
