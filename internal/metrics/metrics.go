package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for relay_events_total.
const (
	OutcomeHandshake   = "handshake"
	OutcomeIgnored     = "ignored"
	OutcomeInvalid     = "invalid"
	OutcomeDuplicate   = "duplicate"
	OutcomeReplied     = "replied"
	OutcomeSendFailed  = "send_failed"
	OutcomeStorageFail = "storage_error"
)

// Metrics holds the relay's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	events             *prometheus.CounterVec
	completionFailures prometheus.Counter
	sendFailures       prometheus.Counter
	dispatchFailures   prometheus.Counter
	pipelineDuration   prometheus.Histogram
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_events_total",
				Help: "Inbound webhook deliveries by outcome",
			},
			[]string{"outcome"},
		),
		completionFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_completion_failures_total",
				Help: "Completion calls that failed or timed out and fell back to a placeholder reply",
			},
		),
		sendFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_send_failures_total",
				Help: "Replies that could not be delivered to the chat",
			},
		),
		dispatchFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_dispatch_failures_total",
				Help: "Background pipeline tasks that ended with an error",
			},
		),
		pipelineDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "relay_pipeline_duration_seconds",
				Help:    "Duration from accepted event to finished reply",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.events, m.completionFailures, m.sendFailures, m.dispatchFailures, m.pipelineDuration)
	}
	return m
}

func (m *Metrics) ObserveEvent(outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CompletionFailed() {
	if m == nil {
		return
	}
	m.completionFailures.Inc()
}

func (m *Metrics) SendFailed() {
	if m == nil {
		return
	}
	m.sendFailures.Inc()
}

func (m *Metrics) DispatchFailed() {
	if m == nil {
		return
	}
	m.dispatchFailures.Inc()
}

func (m *Metrics) ObservePipeline(d time.Duration) {
	if m == nil {
		return
	}
	m.pipelineDuration.Observe(d.Seconds())
}
