package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mqtt_channel_bridge"

// Metrics holds the bridge's prometheus collectors. All methods are safe to
// call on a nil *Metrics.
type Metrics struct {
	mqttConnectionStatus prometheus.Gauge
	mqttReconnects       prometheus.Counter
	versionFallbacks     prometheus.Counter
	messagesTotal        *prometheus.CounterVec
	deliveriesTotal      *prometheus.CounterVec
	requestsTotal        *prometheus.CounterVec
	topicsActive         prometheus.Gauge
	groupsActive         prometheus.Gauge
	gateWaiters          prometheus.Gauge
	channelLayerStatus   prometheus.Gauge
	processUptime        prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil
// registerer leaves the collectors unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		mqttConnectionStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mqtt_connection_status",
			Help:      "Current MQTT connection status (1 connected, 0 disconnected)",
		}),
		mqttReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mqtt_reconnects_total",
			Help:      "Total number of completed MQTT reconnects",
		}),
		versionFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mqtt_version_fallbacks_total",
			Help:      "Total number of connects that fell back to the secondary protocol version",
		}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Inbound MQTT messages by outcome",
		}, []string{"status"}),
		deliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Group deliveries to the channel layer by outcome",
		}, []string{"status"}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Channel layer requests handled by type and outcome",
		}, []string{"type", "status"}),
		topicsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "topics_active",
			Help:      "Number of topic filters with at least one interested group",
		}),
		groupsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "groups_active",
			Help:      "Number of distinct groups holding an interest",
		}),
		gateWaiters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gate_waiters",
			Help:      "Operations currently blocked on the connection gate",
		}),
		channelLayerStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_layer_connection_status",
			Help:      "Current channel layer connection status (1 connected, 0 disconnected)",
		}),
		processUptime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "process_uptime_seconds",
			Help:      "Seconds since the bridge started",
		}),
	}

	if reg == nil {
		return m, nil
	}

	for _, c := range []prometheus.Collector{
		m.mqttConnectionStatus,
		m.mqttReconnects,
		m.versionFallbacks,
		m.messagesTotal,
		m.deliveriesTotal,
		m.requestsTotal,
		m.topicsActive,
		m.groupsActive,
		m.gateWaiters,
		m.channelLayerStatus,
		m.processUptime,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) SetMQTTConnectionStatus(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.mqttConnectionStatus.Set(1)
	} else {
		m.mqttConnectionStatus.Set(0)
	}
}

func (m *Metrics) SetChannelLayerStatus(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.channelLayerStatus.Set(1)
	} else {
		m.channelLayerStatus.Set(0)
	}
}

func (m *Metrics) IncMQTTReconnects() {
	if m == nil {
		return
	}
	m.mqttReconnects.Inc()
}

func (m *Metrics) IncVersionFallbacks() {
	if m == nil {
		return
	}
	m.versionFallbacks.Inc()
}

// IncMessagesTotal counts an inbound message. Status is one of received,
// delivered, retained, unmatched or error.
func (m *Metrics) IncMessagesTotal(status string) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) IncDeliveriesTotal(status string) {
	if m == nil {
		return
	}
	m.deliveriesTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) IncRequestsTotal(requestType, status string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(requestType, status).Inc()
}

func (m *Metrics) SetTopicsActive(n int) {
	if m == nil {
		return
	}
	m.topicsActive.Set(float64(n))
}

func (m *Metrics) SetGroupsActive(n int) {
	if m == nil {
		return
	}
	m.groupsActive.Set(float64(n))
}

func (m *Metrics) AddGateWaiters(delta int) {
	if m == nil {
		return
	}
	m.gateWaiters.Add(float64(delta))
}

func (m *Metrics) SetUptime(d time.Duration) {
	if m == nil {
		return
	}
	m.processUptime.Set(d.Seconds())
}

// Snapshot is a point-in-time view of gauges computed outside this package.
type Snapshot struct {
	Topics int
	Groups int
	Uptime time.Duration
}

// MetricsCollector periodically refreshes gauges from a snapshot source.
type MetricsCollector struct {
	metrics  *Metrics
	interval time.Duration
	snapshot func() Snapshot
}

func NewMetricsCollector(m *Metrics, interval time.Duration, snapshot func() Snapshot) *MetricsCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &MetricsCollector{
		metrics:  m,
		interval: interval,
		snapshot: snapshot,
	}
}

// Run refreshes the gauges until ctx is done.
func (c *MetricsCollector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.collect()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

func (c *MetricsCollector) collect() {
	if c.snapshot == nil {
		return
	}
	s := c.snapshot()
	c.metrics.SetTopicsActive(s.Topics)
	c.metrics.SetGroupsActive(s.Groups)
	c.metrics.SetUptime(s.Uptime)
}
