package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// payloadField is the single field every stream entry carries, per §6.2.
const payloadField = "data"

// RedisBackend implements Backend over Redis Streams.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend wraps an existing client. The caller owns its lifecycle.
func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

// Dial opens a Redis client from a URL, matching the connect-timeout budget
// used by every other backend connection in this codebase.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (b *RedisBackend) Publish(ctx context.Context, key string, payload []byte) error {
	return b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: map[string]interface{}{payloadField: payload},
	}).Err()
}

func (b *RedisBackend) EnsureGroup(ctx context.Context, key, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, key, group, "0").Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		if isBusyGroupErr(err) {
			return nil
		}
		return fmt.Errorf("ensure consumer group: %w", err)
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && (err.Error() == "BUSYGROUP Consumer Group name already exists")
}

func (b *RedisBackend) ReadGroup(ctx context.Context, key, group, consumer string, count int64, timeout time.Duration) ([]Message, error) {
	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{key, ">"},
		Count:    count,
		Block:    timeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("read group: %w", err)
	}

	var out []Message
	for _, stream := range res {
		for _, entry := range stream.Messages {
			raw, _ := entry.Values[payloadField].(string)
			out = append(out, Message{ID: entry.ID, Payload: []byte(raw)})
		}
	}
	return out, nil
}

func (b *RedisBackend) Ack(ctx context.Context, key, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return b.client.XAck(ctx, key, group, ids...).Err()
}

func (b *RedisBackend) Pending(ctx context.Context, key, group string) (int64, error) {
	summary, err := b.client.XPending(ctx, key, group).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("read pending summary: %w", err)
	}
	return summary.Count, nil
}

func (b *RedisBackend) Claim(ctx context.Context, key, group, consumer string, minIdle time.Duration, ids []string) ([]Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	entries, err := b.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   key,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim messages: %w", err)
	}

	out := make([]Message, 0, len(entries))
	for _, entry := range entries {
		raw, _ := entry.Values[payloadField].(string)
		out = append(out, Message{ID: entry.ID, Payload: []byte(raw)})
	}
	return out, nil
}
