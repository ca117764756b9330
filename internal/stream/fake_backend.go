package stream

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FakeBackend is an in-memory Backend used by tests that exercise the
// harvester's publish path or the detection engine's consume path without a
// live Redis instance. It keeps ordering and pending/ack semantics but does
// not implement visibility-timeout redelivery; Claim returns whatever was
// explicitly handed to it via MarkIdle.
type FakeBackend struct {
	mu      sync.Mutex
	seq     int64
	entries map[string][]Message        // key -> ordered messages
	pending map[string]map[string]bool  // key|group -> id -> pending
	idle    map[string]map[string]bool  // key|group -> id -> eligible for claim
	groups  map[string]map[string]bool  // key -> group -> exists
}

// NewFakeBackend returns an empty backend.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		entries: make(map[string][]Message),
		pending: make(map[string]map[string]bool),
		idle:    make(map[string]map[string]bool),
		groups:  make(map[string]map[string]bool),
	}
}

func (b *FakeBackend) Publish(_ context.Context, key string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	id := fmt.Sprintf("%d-0", b.seq)
	b.entries[key] = append(b.entries[key], Message{ID: id, Payload: payload})
	return nil
}

func (b *FakeBackend) EnsureGroup(_ context.Context, key, group string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.groups[key] == nil {
		b.groups[key] = make(map[string]bool)
	}
	b.groups[key][group] = true
	return nil
}

func groupKey(key, group string) string { return key + "|" + group }

func (b *FakeBackend) ReadGroup(_ context.Context, key, group, _ string, count int64, _ time.Duration) ([]Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	gk := groupKey(key, group)
	if b.pending[gk] == nil {
		b.pending[gk] = make(map[string]bool)
	}

	var out []Message
	for _, msg := range b.entries[key] {
		if int64(len(out)) >= count {
			break
		}
		if b.pending[gk][msg.ID] {
			continue
		}
		b.pending[gk][msg.ID] = true
		out = append(out, msg)
	}
	return out, nil
}

func (b *FakeBackend) Ack(_ context.Context, key, group string, ids ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	gk := groupKey(key, group)
	for _, id := range ids {
		delete(b.pending[gk], id)
		delete(b.idle[gk], id)
	}
	return nil
}

func (b *FakeBackend) Pending(_ context.Context, key, group string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.pending[groupKey(key, group)])), nil
}

// MarkIdle flags ids as eligible for Claim, simulating a visibility-timeout
// expiry without needing to actually sleep in a test.
func (b *FakeBackend) MarkIdle(key, group string, ids ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	gk := groupKey(key, group)
	if b.idle[gk] == nil {
		b.idle[gk] = make(map[string]bool)
	}
	for _, id := range ids {
		b.idle[gk][id] = true
	}
}

func (b *FakeBackend) Claim(_ context.Context, key, group, _ string, _ time.Duration, ids []string) ([]Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	gk := groupKey(key, group)

	byID := make(map[string]Message, len(b.entries[key]))
	for _, m := range b.entries[key] {
		byID[m.ID] = m
	}

	var out []Message
	for _, id := range ids {
		if !b.idle[gk][id] {
			continue
		}
		if msg, ok := byID[id]; ok {
			out = append(out, msg)
		}
	}
	return out, nil
}
