package mqtt311

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetricTypeString(t *testing.T) {
	assert.Equal(t, "counter", MetricTypeCounter.String())
	assert.Equal(t, "gauge", MetricTypeGauge.String())
	assert.Equal(t, "histogram", MetricTypeHistogram.String())
	assert.Equal(t, "unknown", MetricType(7).String())
}

func TestNoOpMetrics(t *testing.T) {
	m := &NoOpMetrics{}

	c := m.Counter("c", nil)
	c.Inc()
	c.Add(5)
	assert.Zero(t, c.Value())

	g := m.Gauge("g", nil)
	g.Set(3)
	g.Dec()
	assert.Zero(t, g.Value())

	h := m.Histogram("h", nil)
	h.ObserveDuration(time.Second)
	assert.Zero(t, h.Count())
	assert.Zero(t, h.Sum())
}

func TestClientMetrics(t *testing.T) {
	mem := NewMemoryMetrics()
	cm := NewClientMetrics(mem)

	cm.PacketSent(PacketPUBLISH, 10)
	cm.PacketSent(PacketPUBLISH, 5)
	cm.PacketSent(PacketPINGREQ, 2)
	cm.PacketReceived(PacketPUBACK, 4)
	cm.MessageDelivered(1)
	cm.Retransmit()
	cm.Reconnect()
	cm.Reconnect()
	cm.ConnectDuration(150 * time.Millisecond)
	cm.Window(3, 7)

	assert.Equal(t, 2.0, mem.CounterValue(MetricPacketsSent, MetricLabels{LabelPacketType: "PUBLISH"}))
	assert.Equal(t, 1.0, mem.CounterValue(MetricPacketsSent, MetricLabels{LabelPacketType: "PINGREQ"}))
	assert.Equal(t, 17.0, mem.CounterValue(MetricBytesSent, nil))
	assert.Equal(t, 1.0, mem.CounterValue(MetricPacketsReceived, MetricLabels{LabelPacketType: "PUBACK"}))
	assert.Equal(t, 4.0, mem.CounterValue(MetricBytesReceived, nil))
	assert.Equal(t, 1.0, mem.CounterValue(MetricMessagesDelivered, MetricLabels{LabelQoS: "1"}))
	assert.Equal(t, 1.0, mem.CounterValue(MetricRetransmits, nil))
	assert.Equal(t, 2.0, mem.CounterValue(MetricReconnects, nil))
	assert.Equal(t, uint64(1), mem.HistogramCount(MetricConnectDuration, nil))
	assert.Equal(t, 3.0, mem.GaugeValue(MetricInFlight, nil))
	assert.Equal(t, 7.0, mem.GaugeValue(MetricQueued, nil))
}

func TestClientMetricsNilSink(t *testing.T) {
	cm := NewClientMetrics(nil)
	assert.NotPanics(t, func() {
		cm.PacketSent(PacketCONNECT, 10)
		cm.Window(1, 1)
	})
}
