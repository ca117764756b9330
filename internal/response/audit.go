package response

import (
	"io"
	"time"

	"github.com/rs/zerolog"
)

// AuditLog is the responder's action ledger: every queued action and every
// decision made on it, written through a logger distinct from the
// process's operational logrus logger so the two streams can never be
// intermixed or rotated together.
type AuditLog struct {
	logger zerolog.Logger
}

// NewAuditLog wraps w (typically a dedicated audit log file) in a zerolog
// logger stamped with the responder service name.
func NewAuditLog(w io.Writer) *AuditLog {
	logger := zerolog.New(w).With().Timestamp().Str("component", "active_response").Logger()
	return &AuditLog{logger: logger}
}

// Queued records that an action was enqueued for operator review.
func (a *AuditLog) Queued(action Action) {
	a.logger.Info().
		Str("action_id", action.ID).
		Str("user", action.User).
		Str("reason", action.Reason).
		Ints64("triggering_event_ids", action.TriggeringEventIDs).
		Time("requested_at", action.RequestedAt).
		Msg("response action queued")
}

// Decided records an operator's approve/deny decision. execution is what
// the responder did as a result — for this deployment that is always a
// log entry describing the action that would run against the DB admin
// channel, since no admin-channel credentials are in scope here.
func (a *AuditLog) Decided(action Action, decision Decision, execution string) {
	a.logger.Info().
		Str("action_id", action.ID).
		Str("user", action.User).
		Str("decision", string(decision)).
		Str("execution", execution).
		Time("decided_at", time.Now().UTC()).
		Msg("response action decided")
}
