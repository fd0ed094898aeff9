package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the pub/sub channel events are published to.
const DefaultChannel = "guild:events"

// RedisPublisher publishes events to a Redis pub/sub channel so other
// service instances and workers can react to them.
type RedisPublisher struct {
	rdb     redis.UniversalClient
	channel string
	logger  *slog.Logger
}

// NewRedisPublisher creates a publisher. An empty channel uses DefaultChannel.
func NewRedisPublisher(rdb redis.UniversalClient, channel string, logger *slog.Logger) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisPublisher{rdb: rdb, channel: channel, logger: logger}
}

// Notify publishes ev as JSON. Failures are logged and dropped.
func (p *RedisPublisher) Notify(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
		p.logger.Warn("redis publish failed",
			slog.String("channel", p.channel),
			slog.String("type", ev.Type),
			slog.String("error", err.Error()),
		)
	}
}

// Relay subscribes to the channel and hands every event to dst until ctx
// is cancelled. Instances that publish through Redis use it to feed their
// local WebSocket hub, so events from other instances and from one-shot
// ingest runs reach every connected client.
func (p *RedisPublisher) Relay(ctx context.Context, dst Notifier) error {
	pubsub := p.rdb.Subscribe(ctx, p.channel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("notify: subscribe %s: %w", p.channel, err)
	}
	p.logger.Info("relaying redis events", slog.String("channel", p.channel))
	p.forward(ctx, pubsub.Channel(), dst)
	return nil
}

func (p *RedisPublisher) forward(ctx context.Context, msgs <-chan *redis.Message, dst Notifier) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				p.logger.Warn("dropping undecodable event",
					slog.String("channel", msg.Channel),
					slog.String("error", err.Error()),
				)
				continue
			}
			dst.Notify(ctx, ev)
		}
	}
}
