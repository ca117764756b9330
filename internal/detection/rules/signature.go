// Package rules implements the signature, sensitive-access, session
// aggregation, and unusual-activity-time rules from §4.4.2-§4.4.4 and the
// reinstated quantile-based per-user activity-hours rule.
package rules

import (
	"fmt"
	"strings"

	"github.com/dbsentry/ueba-pipeline/internal/config"
	"github.com/dbsentry/ueba-pipeline/internal/domain/anomaly"
	"github.com/dbsentry/ueba-pipeline/internal/domain/events"
)

// Signature evaluates every §4.4.2 rule against one enriched event,
// returning every finding that fired (normally zero or one, but nothing
// prevents more than one signature matching the same statement).
type Signature struct {
	cfg config.Config
}

// NewSignature builds a Signature evaluator bound to the active
// configuration — all thresholds are configuration, not code (§4.4.2).
func NewSignature(cfg config.Config) *Signature {
	return &Signature{cfg: cfg}
}

// Evaluate runs every signature rule against ev/f and returns the findings
// that fired.
func (s *Signature) Evaluate(ev events.RawEvent, f events.Features) []anomaly.EventAnomaly {
	var out []anomaly.EventAnomaly
	add := func(anomalyType string, group anomaly.BehaviorGroup, reason string, score float64) {
		out = append(out, anomaly.EventAnomaly{
			TS: ev.TS, User: ev.User, Database: ev.Database, SQLText: ev.SQLText,
			AnomalyType: anomalyType, BehaviorGroup: group, Reason: reason,
			Score: score, Status: anomaly.StatusNew,
		})
	}

	normalized := strings.ToUpper(ev.NormalizedSQL)
	if normalized == "" {
		normalized = strings.ToUpper(ev.SQLText)
	}
	for _, sig := range s.cfg.Signatures.SQLIKeywords {
		if sig != "" && strings.Contains(normalized, strings.ToUpper(sig)) {
			add("SQL_INJECTION", anomaly.TechnicalAttack,
				fmt.Sprintf("normalized SQL contains signature %q", sig), 1.0)
			break
		}
	}

	if f.IsRiskyCommand && !s.inAllowList(f.AccessedTables) {
		add("RISKY_DDL", anomaly.DataDestruction, "risky DDL command on a non-allow-listed target", 1.0)
	}

	if f.IsPrivilegeChange && !s.isAdminAllowed(ev.User) {
		add("PRIVILEGE_CHANGE", anomaly.TechnicalAttack,
			fmt.Sprintf("privilege-changing statement by non-admin user %q", ev.User), 1.0)
	}

	if f.IsWriteQuery && isDeleteOrUpdate(ev.NormalizedSQL, ev.SQLText) && ev.RowsAffected >= s.cfg.Thresholds.MassDeletionRows {
		add("MASS_DELETION", anomaly.DataDestruction,
			fmt.Sprintf("%d rows affected, threshold %d", ev.RowsAffected, s.cfg.Thresholds.MassDeletionRows), 1.0)
	}

	if ev.ExecutionTimeMs >= s.cfg.Thresholds.ExecutionTimeLimitMs {
		add("LONG_RUNNING", anomaly.UnusualBehavior,
			fmt.Sprintf("execution time %.0fms, threshold %.0fms", ev.ExecutionTimeMs, s.cfg.Thresholds.ExecutionTimeLimitMs), 1.0)
	}

	if ev.CPUTimeMs >= s.cfg.Thresholds.CPUTimeLimitMs {
		add("CPU_HOG", anomaly.UnusualBehavior,
			fmt.Sprintf("cpu time %.0fms, threshold %.0fms", ev.CPUTimeMs, s.cfg.Thresholds.CPUTimeLimitMs), 1.0)
	}

	if f.ScanEfficiency < s.cfg.Thresholds.ScanEfficiencyMin && ev.RowsExamined >= s.cfg.Thresholds.ScanEfficiencyMinRows {
		add("LOW_SCAN_EFFICIENCY", anomaly.UnusualBehavior,
			fmt.Sprintf("scan efficiency %.4f below %.4f over %d rows examined", f.ScanEfficiency, s.cfg.Thresholds.ScanEfficiencyMin, ev.RowsExamined), 1.0)
	}

	if f.QueryEntropy > s.cfg.Thresholds.MaxQueryEntropy {
		add("HIGH_ENTROPY", anomaly.TechnicalAttack,
			fmt.Sprintf("query entropy %.2f above %.2f", f.QueryEntropy, s.cfg.Thresholds.MaxQueryEntropy), 1.0)
	}

	if f.ErrorCount5m >= s.cfg.Thresholds.BruteForceAttempts {
		add("ERROR_BURST", anomaly.AccessAnomaly,
			fmt.Sprintf("%d errors in trailing window, threshold %d", f.ErrorCount5m, s.cfg.Thresholds.BruteForceAttempts), 1.0)
	}

	for _, disallowed := range s.cfg.Signatures.DisallowedPrograms {
		if disallowed != "" && strings.EqualFold(ev.ProgramName, disallowed) {
			add("SUSPICIOUS_PROGRAM", anomaly.TechnicalAttack,
				fmt.Sprintf("program_name %q is disallowed", ev.ProgramName), 1.0)
			break
		}
	}

	return out
}

func isDeleteOrUpdate(normalized, raw string) bool {
	s := strings.ToUpper(strings.TrimSpace(normalized))
	if s == "" {
		s = strings.ToUpper(strings.TrimSpace(raw))
	}
	return strings.HasPrefix(s, "DELETE") || strings.HasPrefix(s, "UPDATE")
}

func (s *Signature) inAllowList(tables []string) bool {
	allowed := make(map[string]bool, len(s.cfg.Signatures.LargeDumpTables))
	for _, t := range s.cfg.Signatures.LargeDumpTables {
		allowed[strings.ToLower(t)] = true
	}
	for _, t := range tables {
		if !allowed[strings.ToLower(t)] {
			return false
		}
	}
	return len(tables) > 0
}

func (s *Signature) isAdminAllowed(user string) bool {
	for _, u := range s.cfg.Rules.AdminUsers {
		if u == user {
			return true
		}
	}
	return false
}
