package dial

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mqtt-channel-bridge/internal/broker"
	"mqtt-channel-bridge/internal/broker/brokertest"
)

func TestDialRoutesByVersion(t *testing.T) {
	v3 := brokertest.NewDialer()
	v5 := brokertest.NewDialer()
	d := NewWith(v3, v5)
	ctx := context.Background()

	for _, v := range []broker.ProtocolVersion{broker.ProtocolV50, broker.ProtocolV311, broker.ProtocolV31} {
		session, err := d.Dial(ctx, broker.SessionConfig{Version: v}, broker.SessionHandlers{})
		require.NoError(t, err)
		assert.NotNil(t, session)
	}

	assert.Equal(t, []broker.ProtocolVersion{broker.ProtocolV50}, v5.Dials())
	assert.Equal(t, []broker.ProtocolVersion{broker.ProtocolV311, broker.ProtocolV31}, v3.Dials())

	_, err := d.Dial(ctx, broker.SessionConfig{Version: 4}, broker.SessionHandlers{})
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	d := New(nil)
	assert.NotNil(t, d.v3)
	assert.NotNil(t, d.v5)
}
