// Package pubsub publishes finished round outcomes on a Redis channel for
// readers outside the game process.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"telegram-bingo/internal/config"
	"telegram-bingo/internal/model"
)

// DefaultChannel carries RoundResult JSON.
const DefaultChannel = "bingo:rounds"

// Connect opens a client and checks it answers.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// RedisPublisher sends round outcomes to one channel.
type RedisPublisher struct {
	r       *redis.Client
	channel string
}

// NewRedisPublisher creates a new RedisPublisher instance. An empty channel
// means DefaultChannel.
func NewRedisPublisher(r *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{r: r, channel: channel}
}

// Publish announces res.
func (p *RedisPublisher) Publish(ctx context.Context, res *model.RoundResult) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to encode round %s: %w", res.RoundRef, err)
	}
	if err := p.r.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish round %s: %w", res.RoundRef, err)
	}
	return nil
}

// Channel returns the channel name.
func (p *RedisPublisher) Channel() string { return p.channel }
