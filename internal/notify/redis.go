package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/pitchx/founder-exchange/internal/model"
)

// DefaultRedisChannel is the pub/sub channel change events go to.
const DefaultRedisChannel = "exchange:changes"

// RedisPublisher publishes each commit's change events as one message on a
// Redis pub/sub channel, so other engine instances and read-side services
// can fan them out to their own clients.
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
}

// NewRedisPublisher creates a publisher. An empty channel uses
// DefaultRedisChannel.
func NewRedisPublisher(rdb *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisPublisher{rdb: rdb, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, events []model.ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}
	data, err := json.Marshal(Message{Type: "changes", Events: events})
	if err != nil {
		return err
	}
	if err := p.rdb.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", p.channel, err)
	}
	return nil
}
