package detection

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/dbsentry/ueba-pipeline/infrastructure/logging"
	"github.com/dbsentry/ueba-pipeline/infrastructure/metrics"
	"github.com/dbsentry/ueba-pipeline/internal/config"
	"github.com/dbsentry/ueba-pipeline/internal/detection/outlier"
	"github.com/dbsentry/ueba-pipeline/internal/domain/anomaly"
	"github.com/dbsentry/ueba-pipeline/internal/domain/events"
	"github.com/dbsentry/ueba-pipeline/internal/stream"
)

type recordingSink struct {
	calls            int
	failUntil        int
	lastEventCount   int
	lastAnomalyCount int
}

func (s *recordingSink) WriteBatch(ctx context.Context, enriched []events.EnrichedEvent, eventAnomalies []anomaly.EventAnomaly, sessionAnomalies []anomaly.SessionAnomaly) error {
	s.calls++
	if s.calls <= s.failUntil {
		return errors.New("simulated sink outage")
	}
	s.lastEventCount = len(enriched)
	s.lastAnomalyCount = len(eventAnomalies)
	return nil
}

type emptyOutlierStore struct{}

func (emptyOutlierStore) Feedback(ctx context.Context) ([]outlier.FeedbackSample, error) {
	return nil, nil
}
func (emptyOutlierStore) UserHistory(ctx context.Context, user string) ([][]float64, error) {
	return nil, nil
}
func (emptyOutlierStore) GlobalHistory(ctx context.Context) ([][]float64, error) { return nil, nil }

type recordingResponsePublisher struct {
	actions []string
}

func (r *recordingResponsePublisher) Enqueue(ctx context.Context, user, reason string, triggeringEventIDs []int64) error {
	r.actions = append(r.actions, user)
	return nil
}

func newTestEngine(t *testing.T, sink Sink, backend stream.Backend) *Engine {
	return newTestEngineWithResponse(t, sink, backend, nil)
}

func newTestEngineWithResponse(t *testing.T, sink Sink, backend stream.Backend, response ResponsePublisher) *Engine {
	t.Helper()
	appCfg := config.New()
	appCfg.Signatures.SQLIKeywords = []string{"OR 1=1"}
	cfg := DefaultConfig("uba:logs:test", "testdb")
	log := logging.New("engine-test", "error", "json")
	m := metrics.NewWithRegistry("engine-test", nil)
	return New(cfg, *appCfg, backend, sink, emptyOutlierStore{}, nil, response, log, m)
}

func TestEngineProcessesBatchAndAcks(t *testing.T) {
	backend := stream.NewFakeBackend()
	sink := &recordingSink{}
	e := newTestEngine(t, sink, backend)

	ev := events.RawEvent{TS: time.Now(), User: "webapp", NormalizedSQL: "SELECT * FROM users WHERE id = ? OR 1=1"}
	payload, _ := json.Marshal(ev)
	if err := backend.Publish(context.Background(), e.cfg.StreamKey, payload); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if err := e.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if sink.calls != 1 {
		t.Fatalf("expected sink to be called once, got %d", sink.calls)
	}
	if sink.lastAnomalyCount == 0 {
		t.Error("expected the injected SQL injection signature to produce a finding")
	}

	pending, err := backend.Pending(context.Background(), e.cfg.StreamKey, e.cfg.ConsumerGroup)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if pending != 0 {
		t.Errorf("expected no pending messages after a successful batch, got %d", pending)
	}
}

func TestEngineQuarantinesAfterRepeatedSinkFailures(t *testing.T) {
	backend := stream.NewFakeBackend()
	sink := &recordingSink{failUntil: quarantineAfter}
	e := newTestEngine(t, sink, backend)

	// Each iteration publishes a fresh message: the counter under test is
	// the engine's consecutive-failure count, not per-message redelivery
	// (which a real visibility-timeout-based backend would drive).
	for i := 0; i < quarantineAfter; i++ {
		ev := events.RawEvent{TS: time.Now(), User: "svc", NormalizedSQL: "SELECT 1"}
		payload, _ := json.Marshal(ev)
		if err := backend.Publish(context.Background(), e.cfg.StreamKey, payload); err != nil {
			t.Fatalf("publish: %v", err)
		}
		_ = e.RunOnce(context.Background())
	}

	if e.consecutiveFailures != 0 {
		t.Errorf("expected the failure counter to reset after quarantine, got %d", e.consecutiveFailures)
	}

	quarantined, err := backend.ReadGroup(context.Background(), e.cfg.QuarantineKey, "inspect", "c1", 10, time.Millisecond)
	if err != nil {
		t.Fatalf("read quarantine: %v", err)
	}
	if len(quarantined) == 0 {
		t.Error("expected the last failing batch to land in the quarantine stream")
	}
}

func TestEngineEnqueuesResponseActionForTechnicalAttack(t *testing.T) {
	backend := stream.NewFakeBackend()
	sink := &recordingSink{}
	responder := &recordingResponsePublisher{}
	e := newTestEngineWithResponse(t, sink, backend, responder)

	ev := events.RawEvent{TS: time.Now(), User: "attacker", EventID: 42, NormalizedSQL: "SELECT * FROM users WHERE id = ? OR 1=1"}
	payload, _ := json.Marshal(ev)
	if err := backend.Publish(context.Background(), e.cfg.StreamKey, payload); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if err := e.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if len(responder.actions) != 1 || responder.actions[0] != "attacker" {
		t.Fatalf("expected one response action for user attacker, got %+v", responder.actions)
	}
}

func TestEngineSkipsResponseActionWhenNoPublisherWired(t *testing.T) {
	backend := stream.NewFakeBackend()
	sink := &recordingSink{}
	e := newTestEngine(t, sink, backend)

	ev := events.RawEvent{TS: time.Now(), User: "attacker", NormalizedSQL: "SELECT * FROM users WHERE id = ? OR 1=1"}
	payload, _ := json.Marshal(ev)
	if err := backend.Publish(context.Background(), e.cfg.StreamKey, payload); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if err := e.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce (nil response publisher must not panic): %v", err)
	}
}
