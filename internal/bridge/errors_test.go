package bridge

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"mqtt-channel-bridge/internal/broker"
)

func TestErrorFormatting(t *testing.T) {
	err := newError(KindBrokerUnavailable, "subscribe", "chat/lobby", errors.New("refused"))
	assert.Equal(t, `subscribe broker_unavailable (topic "chat/lobby"): refused`, err.Error())

	err = newError(KindStopped, "start", "", nil)
	assert.Equal(t, "start stopped", err.Error())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"not connected", broker.ErrNotConnected, KindNotConnected},
		{"wrapped not connected", fmt.Errorf("publish: %w", broker.ErrNotConnected), KindNotConnected},
		{"closed", broker.ErrClosed, KindStopped},
		{"unavailable", broker.ErrBrokerUnavailable, KindBrokerUnavailable},
		{"other", errors.New("timeout"), KindBrokerUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("publish", "a/b", tt.err)
			assert.Equal(t, tt.want, err.Kind)
			assert.ErrorIs(t, err, tt.err)

			wrapped := fmt.Errorf("request: %w", err)
			assert.True(t, IsKind(wrapped, tt.want))
			assert.Equal(t, tt.want, KindOf(wrapped))
		})
	}

	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.False(t, IsKind(nil, KindStopped))
}
