package channels

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mqtt-channel-bridge/config"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *Redis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	r := NewRedisWithClient(client, "bridge:", nil)
	t.Cleanup(func() { _ = r.Close() })
	return mr, r
}

func TestRedisKeys(t *testing.T) {
	_, r := setupRedis(t)
	assert.Equal(t, "bridge:mqtt", r.Key("mqtt"))
	assert.Equal(t, "bridge:group:room", r.GroupChannel("room"))
}

func TestRedisSendQueuesOnList(t *testing.T) {
	mr, r := setupRedis(t)

	require.NoError(t, r.Send(context.Background(), "mqtt", []byte(`{"type":"mqtt.subscribe"}`)))
	require.NoError(t, r.Send(context.Background(), "mqtt", []byte("second")))

	list, err := mr.List("bridge:mqtt")
	require.NoError(t, err)
	assert.Equal(t, []string{`{"type":"mqtt.subscribe"}`, "second"}, list)
}

func TestRedisReceive(t *testing.T) {
	_, r := setupRedis(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan string, 2)
	done := make(chan error, 1)
	go func() {
		done <- r.Receive(ctx, "mqtt", func(_ context.Context, data []byte) error {
			got <- string(data)
			return nil
		})
	}()

	require.NoError(t, r.Send(context.Background(), "mqtt", []byte("first")))
	require.NoError(t, r.Send(context.Background(), "mqtt", []byte("second")))

	for _, want := range []string{"first", "second"} {
		select {
		case msg := <-got:
			assert.Equal(t, want, msg)
		case <-time.After(3 * time.Second):
			t.Fatalf("did not receive %q", want)
		}
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Receive did not return")
	}
}

func TestRedisGroupSend(t *testing.T) {
	_, r := setupRedis(t)
	ctx := context.Background()

	ps, err := r.GroupSubscribe(ctx, "room")
	require.NoError(t, err)
	defer ps.Close()

	require.NoError(t, r.GroupSend(ctx, "room", []byte(`{"type":"mqtt.message"}`)))

	select {
	case msg := <-ps.Channel():
		assert.Equal(t, "bridge:group:room", msg.Channel)
		assert.Equal(t, `{"type":"mqtt.message"}`, msg.Payload)
	case <-time.After(3 * time.Second):
		t.Fatal("group event not received")
	}
}

func TestRedisClosed(t *testing.T) {
	_, r := setupRedis(t)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	ctx := context.Background()
	assert.ErrorIs(t, r.Send(ctx, "mqtt", []byte("x")), ErrClosed)
	assert.ErrorIs(t, r.GroupSend(ctx, "room", []byte("x")), ErrClosed)
	assert.NoError(t, r.Receive(ctx, "mqtt", nil))
}

func TestNewRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	r, err := NewRedis(config.RedisConfig{Addr: mr.Addr(), KeyPrefix: "x:"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "x:mqtt", r.Key("mqtt"))
	require.NoError(t, r.Close())

	addr := mr.Addr()
	mr.Close()
	_, err = NewRedis(config.RedisConfig{Addr: addr}, nil)
	assert.Error(t, err)
}

func TestNewLayer(t *testing.T) {
	mr := miniredis.RunT(t)

	l, err := New(config.ChannelsConfig{Backend: "memory"}, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, l)
	require.NoError(t, l.Close())

	l, err = New(config.ChannelsConfig{
		Backend: "redis",
		Redis:   config.RedisConfig{Addr: mr.Addr()},
	}, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &Redis{}, l)
	require.NoError(t, l.Close())

	_, err = New(config.ChannelsConfig{Backend: "kafka"}, nil, nil)
	assert.Error(t, err)
}
