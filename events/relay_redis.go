package events

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis Pub/Sub transport
type RedisConfig struct {
	Addresses     []string
	Password      string
	DB            int
	PoolSize      int
	DialTimeout   time.Duration
	ChannelPrefix string
	ClusterMode   bool
}

// RedisTransport relays events over Redis Pub/Sub, one channel per event type
type RedisTransport struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisTransport creates a Redis transport and checks the connection
func NewRedisTransport(ctx context.Context, cfg RedisConfig) (*RedisTransport, error) {
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("no Redis addresses configured")
	}

	var client redis.UniversalClient
	if cfg.ClusterMode {
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:       cfg.Addresses,
			Password:    cfg.Password,
			PoolSize:    cfg.PoolSize,
			DialTimeout: cfg.DialTimeout,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:        cfg.Addresses[0],
			Password:    cfg.Password,
			DB:          cfg.DB,
			PoolSize:    cfg.PoolSize,
			DialTimeout: cfg.DialTimeout,
		})
	}

	return newRedisTransport(ctx, client, cfg.ChannelPrefix)
}

func newRedisTransport(ctx context.Context, client redis.UniversalClient, prefix string) (*RedisTransport, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisTransport{client: client, prefix: prefix}, nil
}

// Channel returns the Pub/Sub channel of an event type
func (t *RedisTransport) Channel(eventType EventType) string {
	return fmt.Sprintf("%s:%s", t.prefix, eventType)
}

// Send implements Transport
func (t *RedisTransport) Send(ctx context.Context, eventType EventType, payload []byte) error {
	if err := t.client.Publish(ctx, t.Channel(eventType), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to Redis: %w", err)
	}
	return nil
}

// Receive implements Transport
func (t *RedisTransport) Receive(ctx context.Context, handle func(payload []byte)) error {
	pubsub := t.client.Subscribe(ctx, t.Channel(EventTypeContractEvent), t.Channel(EventTypeBlockProcessed))
	defer pubsub.Close()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to receive from Redis: %w", err)
		}
		handle([]byte(msg.Payload))
	}
}

// Close implements Transport
func (t *RedisTransport) Close() error {
	return t.client.Close()
}
