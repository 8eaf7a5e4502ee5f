package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors the relay exposes: queue
// depth, send duration, and retry/outcome counters, per SPEC_FULL
// §4.I's ambient-metrics entry.
type Metrics struct {
	QueueReadyDepth    prometheus.Gauge
	QueueInFlightDepth prometheus.Gauge

	MessagesSentTotal     prometheus.Counter
	MessagesFailedTotal   prometheus.Counter
	MessagesRequeuedTotal prometheus.Counter

	SendDuration prometheus.Histogram

	SMTPConnectionsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers every collector with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		QueueReadyDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "mtarelay",
			Subsystem: "queue",
			Name:      "ready_depth",
			Help:      "Number of messages currently waiting to be dispatched.",
		}),
		QueueInFlightDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "mtarelay",
			Subsystem: "queue",
			Name:      "in_flight_depth",
			Help:      "Number of messages currently owned by the forwarding worker.",
		}),
		MessagesSentTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mtarelay",
			Subsystem: "worker",
			Name:      "messages_sent_total",
			Help:      "Total number of messages delivered to the upstream and marked sent.",
		}),
		MessagesFailedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mtarelay",
			Subsystem: "worker",
			Name:      "messages_failed_total",
			Help:      "Total number of messages that exhausted their retry budget.",
		}),
		MessagesRequeuedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mtarelay",
			Subsystem: "worker",
			Name:      "messages_requeued_total",
			Help:      "Total number of messages re-enqueued for another retry attempt.",
		}),
		SendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mtarelay",
			Subsystem: "worker",
			Name:      "send_duration_seconds",
			Help:      "Time to deliver one message to the upstream SMTP server.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		SMTPConnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mtarelay",
			Subsystem: "upstream",
			Name:      "connections_total",
			Help:      "Total upstream SMTP connection attempts.",
		}, []string{"result"}),
	}
}

// ObserveSendDuration implements worker.Metrics.
func (m *Metrics) ObserveSendDuration(seconds float64) {
	m.SendDuration.Observe(seconds)
}

// IncSent implements worker.Metrics.
func (m *Metrics) IncSent() { m.MessagesSentTotal.Inc() }

// IncFailed implements worker.Metrics.
func (m *Metrics) IncFailed() { m.MessagesFailedTotal.Inc() }

// IncRequeued implements worker.Metrics.
func (m *Metrics) IncRequeued() { m.MessagesRequeuedTotal.Inc() }

// SetQueueDepths implements worker.Metrics.
func (m *Metrics) SetQueueDepths(ready, inFlight int64) {
	m.QueueReadyDepth.Set(float64(ready))
	m.QueueInFlightDepth.Set(float64(inFlight))
}

// IncConnection implements upstream.Metrics.
func (m *Metrics) IncConnection(result string) {
	m.SMTPConnectionsTotal.WithLabelValues(result).Inc()
}
