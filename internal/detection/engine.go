// Package detection implements the top-level consumer loop (§4.4): reads
// micro-batches off the event stream, runs whitelisting, feature
// extraction, and every rule family, and hands the results to the sink.
package detection

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dbsentry/ueba-pipeline/infrastructure/logging"
	"github.com/dbsentry/ueba-pipeline/infrastructure/metrics"
	"github.com/dbsentry/ueba-pipeline/internal/config"
	"github.com/dbsentry/ueba-pipeline/internal/detection/features"
	"github.com/dbsentry/ueba-pipeline/internal/detection/outlier"
	"github.com/dbsentry/ueba-pipeline/internal/detection/rules"
	"github.com/dbsentry/ueba-pipeline/internal/domain/anomaly"
	"github.com/dbsentry/ueba-pipeline/internal/domain/events"
	"github.com/dbsentry/ueba-pipeline/internal/stream"
)

// readTimeout and maxBatch are the top-level loop's blocking-read
// parameters (§4.4 "Top-level loop").
const (
	readTimeout = 50 * time.Second
	maxBatch    = 10000
)

// quarantineAfter is how many consecutive sink failures on the same batch
// trigger quarantine instead of another retry (§7 "Sink integrity").
const quarantineAfter = 3

// Sink is the write-side contract the detection engine depends on; the
// sink package provides the Postgres-backed implementation.
type Sink interface {
	WriteBatch(ctx context.Context, enriched []events.EnrichedEvent, eventAnomalies []anomaly.EventAnomaly, sessionAnomalies []anomaly.SessionAnomaly) error
}

// ActivityHistory supplies the per-user hour-of-day samples the
// UNUSUAL_ACTIVITY_TIME rule fits its quantile bands from.
type ActivityHistory interface {
	UserHours(ctx context.Context) (map[string][]int, error)
}

// ResponsePublisher is the optional Active Response integration contract
// (§9): a queue of flagged-user records. A nil ResponsePublisher disables
// the feature entirely; the detection engine itself never executes a
// lockout or session kill.
type ResponsePublisher interface {
	Enqueue(ctx context.Context, user, reason string, triggeringEventIDs []int64) error
}

// responseWorthy is the set of behavior groups severe enough to flag a
// user for active-response review; everything else is recorded in
// anomalies but never escalated.
var responseWorthy = map[anomaly.BehaviorGroup]bool{
	anomaly.TechnicalAttack: true,
	anomaly.DataDestruction: true,
}

// Config holds the engine's wiring parameters not already covered by
// config.Config.
type Config struct {
	StreamKey        string
	ConsumerGroup    string
	ConsumerName     string
	QuarantineKey    string
	DatabaseName     string
	OutlierStale     time.Duration
	OutlierContam    float64
	ProfileRefresh   time.Duration
}

// DefaultConfig returns wiring defaults: consumer group "engine_group" per
// §6.2, a 24h model-refresh interval, and Isolation Forest contamination
// 0.05 per §4.4.5.
func DefaultConfig(streamKey, database string) Config {
	return Config{
		StreamKey:      streamKey,
		ConsumerGroup:  "engine_group",
		ConsumerName:   fmt.Sprintf("engine-%d", time.Now().UnixNano()),
		QuarantineKey:  streamKey + ":quarantine",
		DatabaseName:   database,
		OutlierStale:   24 * time.Hour,
		OutlierContam:  0.05,
		ProfileRefresh: 10 * time.Minute,
	}
}

// Engine wires whitelisting, feature extraction, every rule family, and
// the outlier model cache into the single consume-evaluate-write-ack loop.
type Engine struct {
	cfg     Config
	backend stream.Backend
	sink    Sink
	log     *logging.Logger
	metrics *metrics.Metrics

	whitelist  *Whitelist
	extractor  *features.Extractor
	signature  *rules.Signature
	sensitive  *rules.SensitiveAccess
	session    *rules.Session
	activity   *rules.ActivityTime
	outlier    *outlier.Rule

	activityHistory ActivityHistory
	profileMu       sync.RWMutex
	profiles        map[string]rules.ActivityProfile

	response ResponsePublisher

	consecutiveFailures int
}

// New builds an Engine. tracker is shared with the feature extractor so
// windowed behavioral features accumulate across the engine's lifetime.
func New(
	cfg Config,
	appCfg config.Config,
	backend stream.Backend,
	sink Sink,
	outlierStore outlier.Store,
	activityHistory ActivityHistory,
	response ResponsePublisher,
	log *logging.Logger,
	m *metrics.Metrics,
) *Engine {
	lateNight := parseLateNightWindow(appCfg.Rules.LateNightStartTime, appCfg.Rules.LateNightEndTime)
	tracker := features.NewUserTracker(5*time.Minute, 500, appCfg.Rules.ProfileMinSamples)

	return &Engine{
		cfg:             cfg,
		backend:         backend,
		sink:            sink,
		log:             log,
		metrics:         m,
		whitelist:       NewWhitelist(appCfg.Whitelists, MaintenanceWindow{}),
		extractor:       features.NewExtractor(tracker, lateNight, appCfg.Signatures.AdminKeywords),
		signature:       rules.NewSignature(appCfg),
		sensitive:       rules.NewSensitiveAccess(appCfg),
		session:         rules.NewSession(time.Duration(appCfg.Rules.TimeWindowMinutes)*time.Minute, appCfg.Rules.MinDistinctTables),
		activity:        rules.NewActivityTime(appCfg.Rules.QuantileStart, appCfg.Rules.QuantileEnd, appCfg.Rules.ProfileMinSamples),
		outlier:         outlier.NewRule(outlierStore, cfg.OutlierStale, cfg.OutlierContam, appCfg.Rules.ProfileMinSamples),
		activityHistory: activityHistory,
		profiles:        map[string]rules.ActivityProfile{},
		response:        response,
	}
}

// parseLateNightWindow parses "HH:MM" configuration strings into a
// LateNightWindow, falling back to 22:00-06:00 when either is malformed or
// empty.
func parseLateNightWindow(start, end string) features.LateNightWindow {
	sh, sm, sOK := parseHHMM(start)
	eh, em, eOK := parseHHMM(end)
	if !sOK || !eOK {
		return features.LateNightWindow{StartHour: 22, EndHour: 6}
	}
	return features.LateNightWindow{StartHour: sh, StartMinute: sm, EndHour: eh, EndMinute: em}
}

func parseHHMM(s string) (hour, minute int, ok bool) {
	if n, err := fmt.Sscanf(s, "%d:%d", &hour, &minute); err != nil || n != 2 {
		return 0, 0, false
	}
	return hour, minute, true
}

// Run blocks, repeatedly draining the stream until ctx is canceled.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.backend.EnsureGroup(ctx, e.cfg.StreamKey, e.cfg.ConsumerGroup); err != nil {
		return fmt.Errorf("ensure consumer group: %w", err)
	}

	profileTicker := time.NewTicker(e.cfg.ProfileRefresh)
	defer profileTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-profileTicker.C:
			e.refreshBackgroundModels(ctx)
		default:
		}

		if err := e.RunOnce(ctx); err != nil {
			e.log.WithFields(map[string]interface{}{"error": err.Error()}).Warn("detection batch failed")
		}
	}
}

func (e *Engine) refreshBackgroundModels(ctx context.Context) {
	if err := e.outlier.RefreshSupervised(ctx); err != nil {
		e.log.WithFields(map[string]interface{}{"error": err.Error()}).Warn("supervised model refresh failed")
	}
	if err := e.outlier.RefreshGlobal(ctx); err != nil {
		e.log.WithFields(map[string]interface{}{"error": err.Error()}).Warn("global model refresh failed")
	}
	if e.activityHistory != nil {
		hours, err := e.activityHistory.UserHours(ctx)
		if err != nil {
			e.log.WithFields(map[string]interface{}{"error": err.Error()}).Warn("activity history fetch failed")
			return
		}
		profiles := make(map[string]rules.ActivityProfile, len(hours))
		for user, h := range hours {
			if p, ok := e.activity.BuildProfile(h); ok {
				profiles[user] = p
			}
		}
		e.profileMu.Lock()
		e.profiles = profiles
		e.profileMu.Unlock()
	}
}

func (e *Engine) activityProfiles() map[string]rules.ActivityProfile {
	e.profileMu.RLock()
	defer e.profileMu.RUnlock()
	return e.profiles
}

// RunOnce drains and processes at most one micro-batch.
func (e *Engine) RunOnce(ctx context.Context) error {
	msgs, err := e.backend.ReadGroup(ctx, e.cfg.StreamKey, e.cfg.ConsumerGroup, e.cfg.ConsumerName, maxBatch, readTimeout)
	if err != nil {
		return fmt.Errorf("read batch: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}

	batch := make([]events.RawEvent, 0, len(msgs))
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		var ev events.RawEvent
		if err := json.Unmarshal(m.Payload, &ev); err != nil {
			e.metrics.RecordError("detector", "decode", "unmarshal_event")
			ids = append(ids, m.ID) // poison message: ack so it does not block the partition forever
			continue
		}
		batch = append(batch, ev)
		ids = append(ids, m.ID)
	}

	enriched, eventAnomalies, sessionAnomalies := e.evaluate(ctx, batch)

	if err := e.sink.WriteBatch(ctx, enriched, eventAnomalies, sessionAnomalies); err != nil {
		e.consecutiveFailures++
		if e.consecutiveFailures >= quarantineAfter {
			e.quarantine(ctx, msgs)
			if ackErr := e.backend.Ack(ctx, e.cfg.StreamKey, e.cfg.ConsumerGroup, ids...); ackErr != nil {
				return fmt.Errorf("ack after quarantine: %w", ackErr)
			}
			e.consecutiveFailures = 0
			return fmt.Errorf("sink write failed, batch quarantined: %w", err)
		}
		return fmt.Errorf("sink write failed, will retry: %w", err)
	}
	e.consecutiveFailures = 0

	if err := e.backend.Ack(ctx, e.cfg.StreamKey, e.cfg.ConsumerGroup, ids...); err != nil {
		return fmt.Errorf("ack batch: %w", err)
	}

	e.metrics.RecordRuleFired("detector", "batch_processed")
	return nil
}

func (e *Engine) quarantine(ctx context.Context, msgs []stream.Message) {
	for _, m := range msgs {
		if err := e.backend.Publish(ctx, e.cfg.QuarantineKey, m.Payload); err != nil {
			e.log.WithFields(map[string]interface{}{"error": err.Error()}).Error("failed to publish message to quarantine stream")
		}
	}
}

// evaluate runs the full per-batch pipeline: whitelist, feature extraction,
// signature/sensitive-access/outlier per event, and the session sweep over
// the batch's non-whitelisted events.
func (e *Engine) evaluate(ctx context.Context, batch []events.RawEvent) ([]events.EnrichedEvent, []anomaly.EventAnomaly, []anomaly.SessionAnomaly) {
	enriched := make([]events.EnrichedEvent, len(batch))
	var eventAnomalies []anomaly.EventAnomaly
	sessionBatch := make([]events.RawEvent, 0, len(batch))
	sessionTables := make([][]string, 0, len(batch))
	profiles := e.activityProfiles()
	flagged := map[string][]int64{}
	flagReason := map[string]string{}

	for i, ev := range batch {
		if e.whitelist.IsWhitelisted(ev) {
			enriched[i] = events.EnrichedEvent{Raw: ev, IsMaintenance: true}
			continue
		}

		f := e.extractor.Extract(ev)
		sessionBatch = append(sessionBatch, ev)
		sessionTables = append(sessionTables, f.AccessedTables)

		var findings []anomaly.EventAnomaly
		findings = append(findings, e.runSignature(ev, f)...)
		if sa := e.runSensitive(ev, f); sa != nil {
			findings = append(findings, *sa)
		}
		if at := e.runActivity(ev, profiles); at != nil {
			findings = append(findings, *at)
		}
		if out := e.runOutlier(ctx, ev, f); out != nil {
			findings = append(findings, *out)
		}

		analysisType := ""
		for _, finding := range findings {
			e.metrics.RecordRuleFired("detector", finding.AnomalyType)
			if finding.AnalysisType != "" {
				analysisType = string(finding.AnalysisType)
			}
			if responseWorthy[finding.BehaviorGroup] {
				flagged[ev.User] = append(flagged[ev.User], ev.EventID)
				flagReason[ev.User] = finding.AnomalyType
			}
		}
		eventAnomalies = append(eventAnomalies, findings...)

		enriched[i] = events.EnrichedEvent{
			Raw:          ev,
			Features:     f,
			IsAnomaly:    len(findings) > 0,
			AnalysisType: analysisType,
		}
	}

	sessionAnomalies := e.runSession(sessionBatch, sessionTables)
	for _, sess := range sessionAnomalies {
		widened := rules.EventFindings(sess, e.cfg.DatabaseName)
		eventAnomalies = append(eventAnomalies, widened...)
	}

	eventAnomalies = dedupe(eventAnomalies)
	e.publishResponseActions(ctx, flagged, flagReason)
	return enriched, eventAnomalies, sessionAnomalies
}

// publishResponseActions enqueues one Active Response action per flagged
// user for this batch, when a ResponsePublisher is wired (§9 integration
// contract). A publish failure is logged and otherwise ignored: response
// is an optional sidecar, not a condition for the batch's own success.
func (e *Engine) publishResponseActions(ctx context.Context, flagged map[string][]int64, reason map[string]string) {
	if e.response == nil {
		return
	}
	for user, eventIDs := range flagged {
		if err := e.response.Enqueue(ctx, user, reason[user], eventIDs); err != nil {
			e.log.WithFields(map[string]interface{}{"user": user, "error": err.Error()}).Warn("failed to enqueue response action")
		}
	}
}

// runSignature isolates one rule group's panics per §7 ("Logic: caught per
// rule group; that rule group's output is empty for the batch").
func (e *Engine) runSignature(ev events.RawEvent, f events.Features) (out []anomaly.EventAnomaly) {
	defer func() {
		if r := recover(); r != nil {
			e.metrics.RecordError("detector", "logic", "signature_rules")
			out = nil
		}
	}()
	return e.signature.Evaluate(ev, f)
}

func (e *Engine) runSensitive(ev events.RawEvent, f events.Features) (out *anomaly.EventAnomaly) {
	defer func() {
		if r := recover(); r != nil {
			e.metrics.RecordError("detector", "logic", "sensitive_access_rule")
			out = nil
		}
	}()
	return e.sensitive.Evaluate(ev, f)
}

func (e *Engine) runActivity(ev events.RawEvent, profiles map[string]rules.ActivityProfile) (out *anomaly.EventAnomaly) {
	defer func() {
		if r := recover(); r != nil {
			e.metrics.RecordError("detector", "logic", "activity_time_rule")
			out = nil
		}
	}()
	return e.activity.Evaluate(ev, profiles)
}

func (e *Engine) runOutlier(ctx context.Context, ev events.RawEvent, f events.Features) (out *anomaly.EventAnomaly) {
	defer func() {
		if r := recover(); r != nil {
			e.metrics.RecordError("detector", "logic", "outlier_rule")
			out = nil
		}
	}()
	if err := e.outlier.RefreshUser(ctx, ev.User); err != nil {
		e.log.WithFields(map[string]interface{}{"user": ev.User, "error": err.Error()}).Warn("per-user model refresh failed")
	}
	return e.outlier.Evaluate(ev, f)
}

func (e *Engine) runSession(batch []events.RawEvent, accessedTables [][]string) (out []anomaly.SessionAnomaly) {
	defer func() {
		if r := recover(); r != nil {
			e.metrics.RecordError("detector", "logic", "session_rule")
			out = nil
		}
	}()
	return e.session.Evaluate(batch, accessedTables)
}

// dedupe collapses findings sharing a DedupKey, the same rule the sink
// enforces at the database layer (§4.5), applied here too so a single
// WriteBatch call never attempts two inserts for the same key.
func dedupe(in []anomaly.EventAnomaly) []anomaly.EventAnomaly {
	seen := make(map[anomaly.DedupKey]bool, len(in))
	out := make([]anomaly.EventAnomaly, 0, len(in))
	for _, f := range in {
		k := f.Key()
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, f)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TS.Before(out[j].TS) })
	return out
}
