package rules

import (
	"fmt"
	"strings"

	"github.com/dbsentry/ueba-pipeline/internal/config"
	"github.com/dbsentry/ueba-pipeline/internal/domain/anomaly"
	"github.com/dbsentry/ueba-pipeline/internal/domain/events"
)

// SensitiveAccess implements §4.4.3: any access to a sensitive table that
// does not satisfy all three safe-access conditions is a finding.
type SensitiveAccess struct {
	cfg config.Config
}

// NewSensitiveAccess builds a SensitiveAccess evaluator.
func NewSensitiveAccess(cfg config.Config) *SensitiveAccess {
	return &SensitiveAccess{cfg: cfg}
}

// Evaluate returns a finding if ev touches a sensitive table outside the
// configured safe-access envelope.
func (r *SensitiveAccess) Evaluate(ev events.RawEvent, f events.Features) *anomaly.EventAnomaly {
	touched := touchesSensitive(f.AccessedTables, r.cfg.Signatures.SensitiveTables)
	if touched == "" {
		return nil
	}

	userOK := containsFold(r.cfg.Rules.AllowedUsersSensitive, ev.User)
	hourOK := ev.TS.Hour() >= r.cfg.Rules.SafeHoursStart && ev.TS.Hour() < r.cfg.Rules.SafeHoursEnd
	weekdayOK := containsInt(r.cfg.Rules.SafeWeekdays, int(ev.TS.Weekday()))

	if userOK && hourOK && weekdayOK {
		return nil
	}

	var failed []string
	if !userOK {
		failed = append(failed, fmt.Sprintf("user %q not in allowed_users_sensitive", ev.User))
	}
	if !hourOK {
		failed = append(failed, fmt.Sprintf("hour %d outside [%d,%d)", ev.TS.Hour(), r.cfg.Rules.SafeHoursStart, r.cfg.Rules.SafeHoursEnd))
	}
	if !weekdayOK {
		failed = append(failed, fmt.Sprintf("weekday %s not in safe_weekdays", ev.TS.Weekday()))
	}

	return &anomaly.EventAnomaly{
		TS: ev.TS, User: ev.User, Database: ev.Database, SQLText: ev.SQLText,
		AnomalyType:   "SENSITIVE_ACCESS",
		BehaviorGroup: anomaly.InsiderThreat,
		Reason:        fmt.Sprintf("accessed sensitive table %q: %s", touched, strings.Join(failed, "; ")),
		Score:         1.0,
		Status:        anomaly.StatusNew,
	}
}

func touchesSensitive(accessed, sensitive []string) string {
	set := make(map[string]bool, len(sensitive))
	for _, t := range sensitive {
		set[strings.ToLower(t)] = true
	}
	for _, t := range accessed {
		if set[strings.ToLower(t)] {
			return t
		}
	}
	return ""
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

func containsInt(list []int, v int) bool {
	for _, n := range list {
		if n == v {
			return true
		}
	}
	return false
}
