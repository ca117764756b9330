package detection

import (
	"strings"
	"time"

	"github.com/dbsentry/ueba-pipeline/internal/config"
	"github.com/dbsentry/ueba-pipeline/internal/domain/events"
)

// MaintenanceWindow is a configured predicate an event's timestamp can
// satisfy to be treated as maintenance activity regardless of user or SQL
// content.
type MaintenanceWindow struct {
	StartHour, EndHour int
}

func (w MaintenanceWindow) contains(ts time.Time) bool {
	if w.StartHour == 0 && w.EndHour == 0 {
		return false
	}
	h := ts.Hour()
	if w.StartHour <= w.EndHour {
		return h >= w.StartHour && h < w.EndHour
	}
	return h >= w.StartHour || h < w.EndHour
}

// Whitelist implements §4.4.6: events matching it skip every rule but are
// still written to all_logs.
type Whitelist struct {
	users    map[string]bool
	keywords []string
	window   MaintenanceWindow
}

// NewWhitelist builds a Whitelist from the configured lists.
func NewWhitelist(cfg config.Whitelists, window MaintenanceWindow) *Whitelist {
	users := make(map[string]bool, len(cfg.MaintenanceUsers))
	for _, u := range cfg.MaintenanceUsers {
		users[u] = true
	}
	keywords := make([]string, len(cfg.MaintenanceKeywords))
	for i, k := range cfg.MaintenanceKeywords {
		keywords[i] = strings.ToLower(k)
	}
	return &Whitelist{users: users, keywords: keywords, window: window}
}

// IsWhitelisted reports whether ev should skip rule evaluation.
func (w *Whitelist) IsWhitelisted(ev events.RawEvent) bool {
	if w.users[ev.User] {
		return true
	}
	lower := strings.ToLower(ev.SQLText)
	for _, kw := range w.keywords {
		if kw != "" && strings.Contains(lower, kw) {
			return true
		}
	}
	return w.window.contains(ev.TS)
}
