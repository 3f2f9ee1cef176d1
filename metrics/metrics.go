// Package metrics exposes socket lifecycle counters as Prometheus collectors.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "loopnet"

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

type Metrics struct {
	socketsOpened *prometheus.CounterVec
	socketsActive prometheus.Gauge
	bytesRead     prometheus.Counter
	bytesWritten  prometheus.Counter
	socketErrors  *prometheus.CounterVec
	accepted      prometheus.Counter
	timeouts      prometheus.Counter
}

func New() *Metrics {
	return &Metrics{
		socketsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tcp",
			Name:      "sockets_opened_total",
			Help:      "Sockets that reached the open state, by direction.",
		}, []string{"direction"}),
		socketsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tcp",
			Name:      "sockets_active",
			Help:      "Open sockets not yet destroyed.",
		}),
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tcp",
			Name:      "read_bytes_total",
			Help:      "Bytes received from peers.",
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tcp",
			Name:      "written_bytes_total",
			Help:      "Bytes acknowledged by the engine as written.",
		}),
		socketErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tcp",
			Name:      "errors_total",
			Help:      "Socket errors, by operation.",
		}, []string{"op"}),
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tcp",
			Name:      "connections_accepted_total",
			Help:      "Connections accepted by servers.",
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tcp",
			Name:      "idle_timeouts_total",
			Help:      "Idle timeouts signalled to sockets.",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.socketsOpened,
		m.socketsActive,
		m.bytesRead,
		m.bytesWritten,
		m.socketErrors,
		m.accepted,
		m.timeouts,
	}
}

// Register adds every collector to registerer. Collectors already registered by an
// identical Metrics are reused.
func (m *Metrics) Register(registerer prometheus.Registerer) error {
	for _, collector := range m.collectors() {
		if err := registerer.Register(collector); err != nil {
			if _, isAlreadyRegistered := err.(prometheus.AlreadyRegisteredError); isAlreadyRegistered {
				continue
			}
			return err
		}
	}
	return nil
}

func (m *Metrics) SocketOpened(direction string) {
	if m == nil {
		return
	}
	m.socketsOpened.WithLabelValues(direction).Inc()
	m.socketsActive.Inc()
}

func (m *Metrics) SocketClosed() {
	if m == nil {
		return
	}
	m.socketsActive.Dec()
}

func (m *Metrics) BytesRead(n int) {
	if m == nil {
		return
	}
	m.bytesRead.Add(float64(n))
}

func (m *Metrics) BytesWritten(n int) {
	if m == nil {
		return
	}
	m.bytesWritten.Add(float64(n))
}

func (m *Metrics) Error(op string) {
	if m == nil {
		return
	}
	m.socketErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) Accepted() {
	if m == nil {
		return
	}
	m.accepted.Inc()
}

func (m *Metrics) Timeout() {
	if m == nil {
		return
	}
	m.timeouts.Inc()
}
