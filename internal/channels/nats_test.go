package channels

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"mqtt-channel-bridge/config"
)

func TestNormalizeSubject(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "mqtt", "mqtt"},
		{"dots", "specific.abc!123", "specific_abc!123"},
		{"wildcards", "a*b>c", "a_b_c"},
		{"whitespace", "a b\tc\nd", "a_b_c_d"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeSubject(tt.in))
		})
	}
}

func TestNATSSubjects(t *testing.T) {
	n := NewNATSWithConn(nil, "bridge", "workers", nil)
	assert.Equal(t, "bridge.mqtt", n.Subject("mqtt"))
	assert.Equal(t, "bridge.group.chat_room", n.GroupSubject("chat.room"))

	bare := NewNATSWithConn(nil, "", "", nil)
	assert.Equal(t, "mqtt", bare.Subject("mqtt"))
	assert.Equal(t, "group.room", bare.GroupSubject("room"))
}

func TestNewNATSErrors(t *testing.T) {
	_, err := NewNATS(config.NATSConfig{}, nil, nil)
	assert.Error(t, err)

	// Nothing listens on port 1.
	_, err = NewNATS(config.NATSConfig{URL: "nats://127.0.0.1:1", ClientName: "test"}, nil, nil)
	assert.Error(t, err)
}

func TestNATSCloseWithoutConn(t *testing.T) {
	n := NewNATSWithConn(nil, "bridge", "", nil)
	assert.NoError(t, n.Close())
}
