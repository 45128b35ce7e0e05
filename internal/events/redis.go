package events

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher publishes events on Redis pub/sub channels named after
// the topic. Pub/sub is fire-and-forget; pair it with Kafka when
// subscribers need replay.
type RedisPublisher struct {
	client *redis.Client
	prefix string
}

// NewRedisPublisher creates a Redis pub/sub publisher.
func NewRedisPublisher(client *redis.Client, channelPrefix string) *RedisPublisher {
	return &RedisPublisher{client: client, prefix: channelPrefix}
}

func (p *RedisPublisher) Publish(ctx context.Context, event *Event) error {
	data, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, p.prefix+string(event.Topic), data).Err(); err != nil {
		return fmt.Errorf("failed to publish to redis: %w", err)
	}
	return nil
}
