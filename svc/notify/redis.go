package notify

import (
	"context"

	"fogbin/pkg/domain"
)

// ChannelPublisher is satisfied by db.Redis.
type ChannelPublisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// RedisChannel publishes every event on one pub/sub channel.
type RedisChannel struct {
	pub     ChannelPublisher
	channel string
}

func NewRedisChannel(pub ChannelPublisher, channel string) *RedisChannel {
	if channel == "" {
		channel = "fogbin:events"
	}
	return &RedisChannel{pub: pub, channel: channel}
}

func (r *RedisChannel) Name() string { return "redis" }

func (r *RedisChannel) Send(ctx context.Context, _ domain.Event, payload []byte) error {
	return r.pub.Publish(ctx, r.channel, payload)
}
