// Package response implements the optional Active Response component (G):
// a queue of flagged-user records emitted by the detection engine, a
// durably-logged decision ledger, and the manual approve/deny surface an
// operator drives since the actual lockout/kill execution depends on
// deployment-specific admin credentials this specification does not own
// (spec.md §9).
package response

import "time"

// Decision is the lifecycle state of a queued Action.
type Decision string

const (
	DecisionPending  Decision = "pending"
	DecisionApproved Decision = "approved"
	DecisionDenied   Decision = "denied"
)

// Action is the integration contract spec.md §9 describes: a queue of
// {user, reason, triggering_event_ids} records. ID is assigned on enqueue
// so an operator can reference a specific action in the approve/deny
// surface.
type Action struct {
	ID                 string    `json:"id"`
	User               string    `json:"user"`
	Reason             string    `json:"reason"`
	TriggeringEventIDs []int64   `json:"triggering_event_ids"`
	RequestedAt        time.Time `json:"requested_at"`
}
