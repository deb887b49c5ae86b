package mqtt311

import (
	"strconv"
	"time"
)

// MetricType represents the type of metric.
type MetricType int

const (
	// MetricTypeCounter is a monotonically increasing counter.
	MetricTypeCounter MetricType = 0
	// MetricTypeGauge is a value that can go up and down.
	MetricTypeGauge MetricType = 1
	// MetricTypeHistogram tracks distribution of values.
	MetricTypeHistogram MetricType = 2
)

// String returns the string representation of the metric type.
func (t MetricType) String() string {
	switch t {
	case MetricTypeCounter:
		return "counter"
	case MetricTypeGauge:
		return "gauge"
	case MetricTypeHistogram:
		return "histogram"
	default:
		return "unknown"
	}
}

// MetricLabels represents key-value pairs for metric labels.
type MetricLabels map[string]string

// Metrics is the sink a Client reports to. Adapt it to Prometheus,
// OpenTelemetry or any other backend.
type Metrics interface {
	Counter(name string, labels MetricLabels) Counter
	Gauge(name string, labels MetricLabels) Gauge
	Histogram(name string, labels MetricLabels) Histogram
}

// Counter is a monotonically increasing counter.
type Counter interface {
	Inc()
	Add(delta float64)
	Value() float64
}

// Gauge is a metric that can go up and down.
type Gauge interface {
	Set(value float64)
	Inc()
	Dec()
	Add(delta float64)
	Sub(delta float64)
	Value() float64
}

// Histogram tracks the distribution of values.
type Histogram interface {
	Observe(value float64)
	ObserveDuration(d time.Duration)
	Count() uint64
	Sum() float64
}

// NoOpMetrics discards everything.
type NoOpMetrics struct{}

// Counter returns a no-op counter.
func (n *NoOpMetrics) Counter(_ string, _ MetricLabels) Counter { return noOpMetric{} }

// Gauge returns a no-op gauge.
func (n *NoOpMetrics) Gauge(_ string, _ MetricLabels) Gauge { return noOpMetric{} }

// Histogram returns a no-op histogram.
func (n *NoOpMetrics) Histogram(_ string, _ MetricLabels) Histogram { return noOpMetric{} }

type noOpMetric struct{}

func (noOpMetric) Inc()                            {}
func (noOpMetric) Dec()                            {}
func (noOpMetric) Set(_ float64)                   {}
func (noOpMetric) Add(_ float64)                   {}
func (noOpMetric) Sub(_ float64)                   {}
func (noOpMetric) Value() float64                  { return 0 }
func (noOpMetric) Observe(_ float64)               {}
func (noOpMetric) ObserveDuration(_ time.Duration) {}
func (noOpMetric) Count() uint64                   { return 0 }
func (noOpMetric) Sum() float64                    { return 0 }

// Metric names reported by a Client.
const (
	MetricPacketsSent       = "mqtt_client_packets_sent_total"
	MetricPacketsReceived   = "mqtt_client_packets_received_total"
	MetricBytesSent         = "mqtt_client_bytes_sent_total"
	MetricBytesReceived     = "mqtt_client_bytes_received_total"
	MetricInFlight          = "mqtt_client_inflight_messages"
	MetricQueued            = "mqtt_client_queued_messages"
	MetricRetransmits       = "mqtt_client_retransmits_total"
	MetricReconnects        = "mqtt_client_reconnects_total"
	MetricConnectDuration   = "mqtt_client_connect_duration_seconds"
	MetricMessagesDelivered = "mqtt_client_messages_delivered_total"
)

// Metric labels.
const (
	LabelPacketType = "packet_type"
	LabelQoS        = "qos"
)

// ClientMetrics records the standard client metrics on a Metrics sink.
type ClientMetrics struct {
	metrics Metrics
}

// NewClientMetrics wraps m. A nil sink discards everything.
func NewClientMetrics(m Metrics) *ClientMetrics {
	if m == nil {
		m = &NoOpMetrics{}
	}
	return &ClientMetrics{metrics: m}
}

// PacketSent records an outbound packet and its size.
func (c *ClientMetrics) PacketSent(packetType PacketType, n int) {
	c.metrics.Counter(MetricPacketsSent, MetricLabels{LabelPacketType: packetType.String()}).Inc()
	c.metrics.Counter(MetricBytesSent, nil).Add(float64(n))
}

// PacketReceived records an inbound packet and its size.
func (c *ClientMetrics) PacketReceived(packetType PacketType, n int) {
	c.metrics.Counter(MetricPacketsReceived, MetricLabels{LabelPacketType: packetType.String()}).Inc()
	c.metrics.Counter(MetricBytesReceived, nil).Add(float64(n))
}

// MessageDelivered records an application message handed to OnMessage.
func (c *ClientMetrics) MessageDelivered(qos byte) {
	c.metrics.Counter(MetricMessagesDelivered, MetricLabels{LabelQoS: strconv.Itoa(int(qos))}).Inc()
}

// Retransmit records a retried exchange.
func (c *ClientMetrics) Retransmit() {
	c.metrics.Counter(MetricRetransmits, nil).Inc()
}

// Reconnect records a reconnect attempt.
func (c *ClientMetrics) Reconnect() {
	c.metrics.Counter(MetricReconnects, nil).Inc()
}

// ConnectDuration records how long a CONNECT/CONNACK handshake took.
func (c *ClientMetrics) ConnectDuration(d time.Duration) {
	c.metrics.Histogram(MetricConnectDuration, nil).ObserveDuration(d)
}

// Window records the in-flight and queued publish counts.
func (c *ClientMetrics) Window(inFlight, queued int) {
	c.metrics.Gauge(MetricInFlight, nil).Set(float64(inFlight))
	c.metrics.Gauge(MetricQueued, nil).Set(float64(queued))
}
