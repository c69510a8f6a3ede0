package clock_client

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "clock"

type (
	// clientMetrics holds the Prometheus counters of one client. A nil
	// *clientMetrics is valid and records nothing.
	clientMetrics struct {
		framesSent      *prometheus.CounterVec
		framesReceived  *prometheus.CounterVec
		anomalies       *prometheus.CounterVec
		fatalErrors     *prometheus.CounterVec
		requestTimeouts prometheus.Counter
	}

	// serverMetrics holds the Prometheus counters of the clock service. A
	// nil *serverMetrics is valid and records nothing.
	serverMetrics struct {
		connections prometheus.Gauge
		requests    *prometheus.CounterVec
		ticksSent   prometheus.Counter
		alarmsArmed prometheus.Counter
		alarmsFired prometheus.Counter
	}
)

// register adds c to reg, reusing the collector already registered under
// the same descriptor so several clients can share one registry.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func newClientMetrics(reg prometheus.Registerer) *clientMetrics {
	if reg == nil {
		return nil
	}

	return &clientMetrics{
		framesSent: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "client",
			Name:      "frames_sent_total",
			Help:      "Total number of frames sent to the clock service",
		}, []string{"type"})),

		framesReceived: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "client",
			Name:      "frames_received_total",
			Help:      "Total number of frames received from the clock service",
		}, []string{"type"})),

		anomalies: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "client",
			Name:      "anomalies_total",
			Help:      "Total number of ignored protocol anomalies",
		}, []string{"kind"})),

		fatalErrors: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "client",
			Name:      "fatal_errors_total",
			Help:      "Total number of errors that closed the connection",
		}, []string{"kind"})),

		requestTimeouts: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "client",
			Name:      "request_timeouts_total",
			Help:      "Total number of requests expired by the timeout policy",
		})),
	}
}

func (m *clientMetrics) frameSent(ft frameType) {
	if m != nil {
		m.framesSent.WithLabelValues(ft.String()).Inc()
	}
}

func (m *clientMetrics) frameReceived(ft frameType) {
	if m != nil {
		m.framesReceived.WithLabelValues(ft.String()).Inc()
	}
}

func (m *clientMetrics) anomaly(kind string) {
	if m != nil {
		m.anomalies.WithLabelValues(kind).Inc()
	}
}

func (m *clientMetrics) fatal(err error) {
	if m == nil {
		return
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		m.fatalErrors.WithLabelValues("protocol").Inc()
	} else {
		m.fatalErrors.WithLabelValues("connection").Inc()
	}
}

func (m *clientMetrics) requestTimeout() {
	if m != nil {
		m.requestTimeouts.Inc()
	}
}

func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	if reg == nil {
		return nil
	}

	return &serverMetrics{
		connections: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "server",
			Name:      "connections",
			Help:      "Number of open client connections",
		})),

		requests: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "server",
			Name:      "requests_total",
			Help:      "Total number of requests handled",
		}, []string{"type"})),

		ticksSent: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "server",
			Name:      "ticks_sent_total",
			Help:      "Total number of tick events sent",
		})),

		alarmsArmed: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "server",
			Name:      "alarms_armed_total",
			Help:      "Total number of alarms armed",
		})),

		alarmsFired: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "server",
			Name:      "alarms_fired_total",
			Help:      "Total number of alarm events sent",
		})),
	}
}

func (m *serverMetrics) connectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *serverMetrics) connectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *serverMetrics) request(ft frameType) {
	if m != nil {
		m.requests.WithLabelValues(ft.String()).Inc()
	}
}

func (m *serverMetrics) tickSent() {
	if m != nil {
		m.ticksSent.Inc()
	}
}

func (m *serverMetrics) alarmArmed() {
	if m != nil {
		m.alarmsArmed.Inc()
	}
}

func (m *serverMetrics) alarmFired() {
	if m != nil {
		m.alarmsFired.Inc()
	}
}
