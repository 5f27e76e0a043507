package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the Redis pub/sub channel used when none is configured.
const DefaultChannel = "proserve:bus"

// RedisTransport publishes changes on a Redis pub/sub channel.
//
// Ownership model:
// - RedisTransport does NOT own the client. The caller must close it.
type RedisTransport struct {
	log     *slog.Logger
	client  redis.UniversalClient
	channel string
}

// NewRedisTransport constructs a Redis-backed Transport. An empty channel uses DefaultChannel.
func NewRedisTransport(log *slog.Logger, client redis.UniversalClient, channel string) (*RedisTransport, error) {
	if client == nil {
		return nil, errors.New("bus: nil redis client")
	}
	if log == nil {
		log = slog.Default()
	}
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisTransport{log: log, client: client, channel: channel}, nil
}

// Publish sends c to every subscriber of the channel.
func (t *RedisTransport) Publish(ctx context.Context, c Change) error {
	b, err := encodeChange(c)
	if err != nil {
		return err
	}
	return t.client.Publish(ctx, t.channel, b).Err()
}

// Subscribe starts a dedicated pub/sub connection and delivers decoded changes to fn.
// It returns once Redis confirmed the subscription.
func (t *RedisTransport) Subscribe(ctx context.Context, fn func(Change)) (func(), error) {
	ps := t.client.Subscribe(ctx, t.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	ch := ps.Channel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range ch {
			c, err := decodeChange([]byte(msg.Payload))
			if err != nil {
				t.log.Warn("bus.redis.decode.fail", "channel", t.channel, "err", err)
				continue
			}
			fn(c)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = ps.Close()
			<-done
		})
	}, nil
}
