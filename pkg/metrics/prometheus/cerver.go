package prometheus

import (
	"time"

	"github.com/marmos91/cerver/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// cerverMetrics is the Prometheus implementation of metrics.CerverMetrics.
type cerverMetrics struct {
	connectionsAccepted prometheus.Counter
	connectionsRejected *prometheus.CounterVec
	connectionsClosed   *prometheus.CounterVec
	tableSize           *prometheus.GaugeVec
	clients             prometheus.Gauge
	packetsReceived     *prometheus.CounterVec
	bytesReceived       *prometheus.CounterVec
	badPackets          *prometheus.CounterVec
	malformedReads      *prometheus.CounterVec
	authAttempts        *prometheus.CounterVec
	handlerDuration     *prometheus.HistogramVec
	handlerErrors       *prometheus.CounterVec
}

// NewCerverMetrics creates a Prometheus-backed CerverMetrics instance.
//
// Returns a no-op implementation if metrics are not enabled (InitRegistry not called).
func NewCerverMetrics() metrics.CerverMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopCerverMetrics()
	}

	reg := metrics.GetRegistry()

	return &cerverMetrics{
		connectionsAccepted: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "cerver_connections_accepted_total",
				Help: "Total number of sockets accepted",
			},
		),
		connectionsRejected: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cerver_connections_rejected_total",
				Help: "Total number of sockets closed right after accept",
			},
			[]string{"reason"},
		),
		connectionsClosed: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cerver_connections_closed_total",
				Help: "Total number of connections torn down, by table and reason",
			},
			[]string{"table", "reason"},
		),
		tableSize: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cerver_table_connections",
				Help: "Current number of connections per multiplexer table",
			},
			[]string{"table"},
		),
		clients: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "cerver_clients",
				Help: "Current number of registered clients",
			},
		),
		packetsReceived: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cerver_packets_received_total",
				Help: "Total number of complete packets received",
			},
			[]string{"table", "type"},
		),
		bytesReceived: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cerver_bytes_received_total",
				Help: "Total bytes of complete packets received",
			},
			[]string{"table"},
		),
		badPackets: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cerver_bad_packets_total",
				Help: "Total number of packets rejected by protocol checks",
			},
			[]string{"table"},
		),
		malformedReads: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cerver_malformed_reads_total",
				Help: "Total number of reads discarded because of a malformed header",
			},
			[]string{"table"},
		),
		authAttempts: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cerver_auth_attempts_total",
				Help: "Total number of authentication outcomes",
			},
			[]string{"result"},
		),
		handlerDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "cerver_handler_duration_milliseconds",
				Help: "Duration of dispatched handlers in milliseconds",
				Buckets: []float64{
					0.1,  // 100us
					1,    // 1ms
					10,   // 10ms
					100,  // 100ms
					1000, // 1s
				},
			},
			[]string{"type"},
		),
		handlerErrors: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cerver_handler_errors_total",
				Help: "Total number of handlers that returned an error or panicked",
			},
			[]string{"type"},
		),
	}
}

func (m *cerverMetrics) RecordConnectionAccepted() {
	m.connectionsAccepted.Inc()
}

func (m *cerverMetrics) RecordConnectionRejected(reason string) {
	m.connectionsRejected.WithLabelValues(reason).Inc()
}

func (m *cerverMetrics) RecordConnectionClosed(table, reason string) {
	m.connectionsClosed.WithLabelValues(table, reason).Inc()
}

func (m *cerverMetrics) SetTableSize(table string, size int) {
	m.tableSize.WithLabelValues(table).Set(float64(size))
}

func (m *cerverMetrics) SetClients(count int) {
	m.clients.Set(float64(count))
}

func (m *cerverMetrics) RecordPacket(table, packetType string, bytes int) {
	m.packetsReceived.WithLabelValues(table, packetType).Inc()
	m.bytesReceived.WithLabelValues(table).Add(float64(bytes))
}

func (m *cerverMetrics) RecordBadPacket(table string) {
	m.badPackets.WithLabelValues(table).Inc()
}

func (m *cerverMetrics) RecordMalformed(table string) {
	m.malformedReads.WithLabelValues(table).Inc()
}

func (m *cerverMetrics) RecordAuth(result string) {
	m.authAttempts.WithLabelValues(result).Inc()
}

func (m *cerverMetrics) RecordHandler(packetType string, duration time.Duration, err error) {
	m.handlerDuration.WithLabelValues(packetType).Observe(float64(duration) / float64(time.Millisecond))
	if err != nil {
		m.handlerErrors.WithLabelValues(packetType).Inc()
	}
}
