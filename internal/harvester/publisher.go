package harvester

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dbsentry/ueba-pipeline/infrastructure/logging"
	"github.com/dbsentry/ueba-pipeline/internal/archive"
	"github.com/dbsentry/ueba-pipeline/internal/domain/events"
	"github.com/dbsentry/ueba-pipeline/internal/stream"
)

// Publisher fans each RawEvent out to the Event Stream and the Parquet
// archive (§4.1 "Publish path"). Stream outages are tolerated — archiving
// is the recovery ground truth — but archive failures are not, since the
// archive is what backs replay and training.
type Publisher struct {
	backend    stream.Backend
	streamKey  string
	archiver   *archive.Writer
	log        *logging.Logger
}

// NewPublisher wires a stream backend and an archive writer for one source.
func NewPublisher(backend stream.Backend, streamKey string, archiver *archive.Writer, log *logging.Logger) *Publisher {
	return &Publisher{backend: backend, streamKey: streamKey, archiver: archiver, log: log}
}

// PublishBatch appends every event to the stream, best-effort, and then to
// the archive. It returns an error when an event cannot be JSON-encoded or
// the archive write fails, since a batch that isn't durably archived must
// not advance the cursor; a failed stream publish is logged and skipped.
func (p *Publisher) PublishBatch(ctx context.Context, batch []events.RawEvent) error {
	for _, ev := range batch {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}

		if err := p.backend.Publish(ctx, p.streamKey, payload); err != nil {
			p.log.WithFields(map[string]interface{}{
				"stream": p.streamKey,
				"error":  err.Error(),
			}).Warn("stream publish failed, continuing with archive-only durability")
		}

		if err := p.archiver.Append(ev); err != nil {
			return fmt.Errorf("archive event: %w", err)
		}
	}
	return nil
}
