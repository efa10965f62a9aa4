package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	assert.NoError(t, err)
	assert.NotNil(t, m)

	// Registering twice on the same registry must fail
	_, err = NewMetrics(reg)
	assert.Error(t, err)

	m, err = NewMetrics(nil)
	assert.NoError(t, err)
	assert.NotNil(t, m)
}

func TestMetricsSetConnectionStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	m.SetMQTTConnectionStatus(true)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.mqttConnectionStatus))
	m.SetMQTTConnectionStatus(false)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.mqttConnectionStatus))

	m.SetChannelLayerStatus(true)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.channelLayerStatus))
}

func TestMetricsIncrementCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	m.IncMessagesTotal("received")
	m.IncMessagesTotal("received")
	m.IncMessagesTotal("retained")
	m.IncMQTTReconnects()
	m.IncVersionFallbacks()
	m.IncDeliveriesTotal("success")
	m.IncDeliveriesTotal("error")
	m.IncRequestsTotal("subscribe", "ok")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.messagesTotal.WithLabelValues("received")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.messagesTotal.WithLabelValues("retained")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.mqttReconnects))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.versionFallbacks))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.deliveriesTotal.WithLabelValues("error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.requestsTotal.WithLabelValues("subscribe", "ok")))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SetMQTTConnectionStatus(true)
		m.SetChannelLayerStatus(true)
		m.IncMQTTReconnects()
		m.IncVersionFallbacks()
		m.IncMessagesTotal("received")
		m.IncDeliveriesTotal("success")
		m.IncRequestsTotal("publish", "ok")
		m.SetTopicsActive(1)
		m.SetGroupsActive(1)
		m.AddGateWaiters(1)
		m.SetUptime(time.Second)
	})
}

func TestMetricsCollector(t *testing.T) {
	m, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	c := NewMetricsCollector(m, 10*time.Millisecond, func() Snapshot {
		return Snapshot{Topics: 3, Groups: 2, Uptime: 5 * time.Second}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.topicsActive) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.groupsActive))
	assert.Equal(t, float64(5), testutil.ToFloat64(m.processUptime))

	cancel()
	<-done
}
