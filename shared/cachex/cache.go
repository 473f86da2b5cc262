package cachex

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"fleet-dispatch-dashboard/shared/config"
)

type Client struct {
	redis *redis.Client
}

func New(cfg config.Config) (*Client, error) {
	if cfg.RedisAddr == "" {
		return nil, errors.New("REDIS_ADDR is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	return &Client{redis: rdb}, nil
}

func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.redis == nil {
		return errors.New("redis client not initialized")
	}
	return c.redis.Ping(ctx).Err()
}

func (c *Client) Close() error {
	if c == nil || c.redis == nil {
		return nil
	}
	return c.redis.Close()
}

// PublishAll sends every payload in one pipeline round trip.
func (c *Client) PublishAll(ctx context.Context, channel string, payloads [][]byte) error {
	if c == nil || c.redis == nil {
		return errors.New("redis client not initialized")
	}
	if len(payloads) == 0 {
		return nil
	}
	_, err := c.redis.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, b := range payloads {
			p.Publish(ctx, channel, b)
		}
		return nil
	})
	return err
}

func (c *Client) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return c.redis.Subscribe(ctx, channel)
}
