package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher 把事件发布到 room:<id>:events 频道，供其他实例或下游服务订阅。
type RedisPublisher struct {
	rdb *redis.Client
}

func NewRedisPublisher(rdb *redis.Client) *RedisPublisher {
	return &RedisPublisher{rdb: rdb}
}

// NewRedisPublisherFromURL 解析 redis:// URL 并检查连通性。
func NewRedisPublisherFromURL(ctx context.Context, url string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connecting redis: %w", err)
	}
	return &RedisPublisher{rdb: rdb}, nil
}

func Channel(roomID string) string {
	return "room:" + roomID + ":events"
}

func (p *RedisPublisher) Publish(ctx context.Context, roomID string, ev Event) error {
	b, err := json.Marshal(Wrap(roomID, ev))
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, Channel(roomID), b).Err()
}

func (p *RedisPublisher) Close() error {
	return p.rdb.Close()
}
