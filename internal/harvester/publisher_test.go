package harvester

import (
	"context"
	"testing"
	"time"

	"github.com/dbsentry/ueba-pipeline/infrastructure/logging"
	"github.com/dbsentry/ueba-pipeline/internal/archive"
	"github.com/dbsentry/ueba-pipeline/internal/domain/events"
	"github.com/dbsentry/ueba-pipeline/internal/stream"
)

func TestPublisherWritesArchiveAndStream(t *testing.T) {
	root := t.TempDir()
	writer := archive.NewWriter(root, "mysql")
	defer writer.Close()

	backend := stream.NewFakeBackend()
	log := logging.New("harvester-test", "error", "json")
	pub := NewPublisher(backend, "uba:logs:mysql", writer, log)

	batch := []events.RawEvent{
		{TS: time.Now().UTC(), User: "alice", SQLText: "SELECT 1"},
		{TS: time.Now().UTC(), User: "bob", SQLText: "SELECT 2"},
	}

	if err := pub.PublishBatch(context.Background(), batch); err != nil {
		t.Fatalf("publish batch: %v", err)
	}

	msgs, err := backend.ReadGroup(context.Background(), "uba:logs:mysql", "g", "c", 10, time.Millisecond)
	if err != nil {
		t.Fatalf("read group: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 stream messages, got %d", len(msgs))
	}
}
