package channels

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"mqtt-channel-bridge/config"
	"mqtt-channel-bridge/internal/logger"
)

const blockTimeout = time.Second

// Redis is a channel layer on Redis. Channels are lists consumed with BLPOP;
// groups are pub/sub channels.
type Redis struct {
	client *redis.Client
	prefix string
	logger *logger.Logger
	closed atomic.Bool
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(cfg config.RedisConfig, log *logger.Logger) (*Redis, error) {
	if log == nil {
		log = logger.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	log.Info("connected to Redis channel layer", "addr", cfg.Addr, "db", cfg.DB)
	return NewRedisWithClient(client, cfg.KeyPrefix, log), nil
}

// NewRedisWithClient creates a layer on an existing client.
func NewRedisWithClient(client *redis.Client, prefix string, log *logger.Logger) *Redis {
	if log == nil {
		log = logger.NewNop()
	}
	return &Redis{
		client: client,
		prefix: prefix,
		logger: log,
	}
}

// Key returns the list key requests for channel are queued on.
func (r *Redis) Key(channel string) string {
	return r.prefix + channel
}

// GroupChannel returns the pub/sub channel events for group are published on.
func (r *Redis) GroupChannel(group string) string {
	return r.prefix + "group:" + group
}

func (r *Redis) Receive(ctx context.Context, channel string, handler Handler) error {
	key := r.Key(channel)
	r.logger.Info("receiving requests", "key", key)

	for {
		if ctx.Err() != nil || r.closed.Load() {
			return nil
		}

		res, err := r.client.BLPop(ctx, blockTimeout, key).Result()
		switch {
		case err == nil:
		case errors.Is(err, redis.Nil):
			continue
		case ctx.Err() != nil || r.closed.Load():
			return nil
		default:
			r.logger.Warn("failed to read request", "key", key, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(blockTimeout):
			}
			continue
		}

		// BLPOP replies with the key followed by the value.
		if len(res) != 2 {
			continue
		}
		if err := handler(ctx, []byte(res[1])); err != nil {
			r.logger.Debug("request failed", "key", key, "error", err)
		}
	}
}

func (r *Redis) Send(ctx context.Context, channel string, data []byte) error {
	if r.closed.Load() {
		return ErrClosed
	}
	if err := r.client.RPush(ctx, r.Key(channel), data).Err(); err != nil {
		return fmt.Errorf("failed to send to channel %s: %w", channel, err)
	}
	return nil
}

func (r *Redis) GroupSend(ctx context.Context, group string, data []byte) error {
	if r.closed.Load() {
		return ErrClosed
	}
	if err := r.client.Publish(ctx, r.GroupChannel(group), data).Err(); err != nil {
		return fmt.Errorf("failed to send to group %s: %w", group, err)
	}
	return nil
}

// GroupSubscribe subscribes to the events sent to group. The caller closes
// the returned PubSub.
func (r *Redis) GroupSubscribe(ctx context.Context, group string) (*redis.PubSub, error) {
	ps := r.client.Subscribe(ctx, r.GroupChannel(group))
	// Wait for the subscription confirmation so no event is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to group %s: %w", group, err)
	}
	return ps, nil
}

func (r *Redis) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	return r.client.Close()
}
