package broker

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/wallcrawler/sessioncore/internal/errdefs"
)

// RedisBus fans readiness events out to every deployment instance over a
// single pub/sub channel.
type RedisBus struct {
	client  *redis.Client
	channel string
}

// NewRedisBus builds a bus on the given client and channel name.
func NewRedisBus(client *redis.Client, channel string) *RedisBus {
	return &RedisBus{client: client, channel: channel}
}

// Publish sends one serialized event to the channel.
func (b *RedisBus) Publish(ctx context.Context, payload []byte) error {
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return errdefs.Transient("redis.Publish", err)
	}
	return nil
}

// Run subscribes to the channel and feeds every message to handle until the
// context ends. It returns once the subscription is torn down.
func (b *RedisBus) Run(ctx context.Context, handle func([]byte)) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	// Force the subscribe round-trip so the caller knows the channel is
	// live before any waiter blocks on it.
	if _, err := sub.Receive(ctx); err != nil {
		return errdefs.Transient("redis.Subscribe", err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			handle([]byte(msg.Payload))
		}
	}
}
