// Package stream defines the Event Stream contract (§4.2) and a
// redis/go-redis/v9 Streams implementation.
package stream

import (
	"context"
	"time"
)

// Message is one delivered stream entry: an opaque backend-assigned ID plus
// the JSON payload published by the harvester.
type Message struct {
	ID      string
	Payload []byte
}

// Backend is the contract the detection engine and the harvester depend on.
// Any append-only, partitioned log with consumer groups and per-message ack
// satisfies it (§4.2); nothing here is Redis-specific.
type Backend interface {
	// Publish appends payload to the partition identified by key.
	Publish(ctx context.Context, key string, payload []byte) error

	// ReadGroup blocks up to timeout for up to count new messages
	// addressed to group/consumer on key, returning what is available
	// (possibly fewer than count, possibly zero on timeout).
	ReadGroup(ctx context.Context, key, group, consumer string, count int64, timeout time.Duration) ([]Message, error)

	// Ack acknowledges delivered messages, removing them from the
	// group's pending list.
	Ack(ctx context.Context, key, group string, ids ...string) error

	// Pending returns the number of messages delivered to group on key but
	// not yet acknowledged, used for backpressure metrics.
	Pending(ctx context.Context, key, group string) (int64, error)

	// Claim reclaims messages idle longer than minIdle, assigning them to
	// consumer — used to recover work from a dead consumer.
	Claim(ctx context.Context, key, group, consumer string, minIdle time.Duration, ids []string) ([]Message, error)

	// EnsureGroup creates the consumer group on key if it does not
	// already exist.
	EnsureGroup(ctx context.Context, key, group string) error
}
