package response

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dbsentry/ueba-pipeline/internal/stream"
)

// DefaultQueueKey is the stream partition the detection engine publishes
// flagged-user records to and the responder process consumes from.
const DefaultQueueKey = "uba:response:actions"

// Publisher is the detection-engine side of the queue: it turns a flagged
// user into an Action and appends it to the stream.
type Publisher struct {
	backend stream.Backend
	key     string
}

// NewPublisher wraps backend for publishing to key.
func NewPublisher(backend stream.Backend, key string) *Publisher {
	return &Publisher{backend: backend, key: key}
}

// Enqueue assigns a new ID and stamps RequestedAt, then appends the
// action to the queue.
func (p *Publisher) Enqueue(ctx context.Context, user, reason string, triggeringEventIDs []int64) error {
	action := Action{
		ID:                 uuid.NewString(),
		User:               user,
		Reason:             reason,
		TriggeringEventIDs: triggeringEventIDs,
		RequestedAt:        time.Now().UTC(),
	}
	payload, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("marshal response action: %w", err)
	}
	return p.backend.Publish(ctx, p.key, payload)
}

// Consumer is the responder process side of the queue.
type Consumer struct {
	backend  stream.Backend
	key      string
	group    string
	consumer string
}

// NewConsumer wraps backend for consumer-group reads against key.
func NewConsumer(backend stream.Backend, key, group, consumer string) *Consumer {
	return &Consumer{backend: backend, key: key, group: group, consumer: consumer}
}

// EnsureGroup creates the consumer group if it does not already exist.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	return c.backend.EnsureGroup(ctx, c.key, c.group)
}

// Read blocks up to timeout for up to count queued actions, returning the
// parsed actions alongside their stream message IDs for acking. Malformed
// payloads are skipped rather than failing the whole read.
func (c *Consumer) Read(ctx context.Context, count int64, timeout time.Duration) ([]Action, []string, error) {
	msgs, err := c.backend.ReadGroup(ctx, c.key, c.group, c.consumer, count, timeout)
	if err != nil {
		return nil, nil, fmt.Errorf("read response queue: %w", err)
	}

	actions := make([]Action, 0, len(msgs))
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		var a Action
		if err := json.Unmarshal(m.Payload, &a); err != nil {
			ids = append(ids, m.ID)
			continue
		}
		actions = append(actions, a)
		ids = append(ids, m.ID)
	}
	return actions, ids, nil
}

// Ack acknowledges delivered messages.
func (c *Consumer) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return c.backend.Ack(ctx, c.key, c.group, ids...)
}
