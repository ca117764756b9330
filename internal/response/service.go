package response

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// readBatchSize and readTimeout bound the responder's own consumer-group
// poll, far smaller than the detection engine's since action volume is a
// fraction of event volume.
const (
	readBatchSize = 100
	readTimeout   = 10 * time.Second
)

// Executor performs the actual admin-channel action once an operator
// approves a queued Action. The default NoopExecutor only describes what
// would run: real lockout/session-kill requires deployment-specific DB
// admin credentials this specification does not own (spec.md §9).
type Executor interface {
	Execute(ctx context.Context, action Action) (description string, err error)
}

// NoopExecutor satisfies Executor without touching any database; it is the
// default until a deployment wires a real admin-channel implementation.
type NoopExecutor struct{}

func (NoopExecutor) Execute(ctx context.Context, action Action) (string, error) {
	return fmt.Sprintf("would lock out user %q (admin channel not configured)", action.User), nil
}

// Service is the responder process's core: it drains the action queue,
// holds queued actions pending operator review, and executes the operator's
// decision once made.
type Service struct {
	consumer *Consumer
	audit    *AuditLog
	executor Executor

	mu      sync.Mutex
	pending map[string]pendingAction
}

type pendingAction struct {
	action Action
	msgID  string
}

// NewService wires a Service. executor may be nil, in which case NoopExecutor is used.
func NewService(consumer *Consumer, audit *AuditLog, executor Executor) *Service {
	if executor == nil {
		executor = NoopExecutor{}
	}
	return &Service{
		consumer: consumer,
		audit:    audit,
		executor: executor,
		pending:  make(map[string]pendingAction),
	}
}

// Run blocks, repeatedly draining the action queue until ctx is canceled.
func (s *Service) Run(ctx context.Context) error {
	if err := s.consumer.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("ensure response queue group: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := s.RunOnce(ctx); err != nil {
			return err
		}
	}
}

// RunOnce drains and records at most one batch of queued actions.
func (s *Service) RunOnce(ctx context.Context) error {
	actions, ids, err := s.consumer.Read(ctx, readBatchSize, readTimeout)
	if err != nil {
		return err
	}
	if len(actions) == 0 {
		return nil
	}

	s.mu.Lock()
	for i, a := range actions {
		s.pending[a.ID] = pendingAction{action: a, msgID: ids[i]}
	}
	s.mu.Unlock()

	for _, a := range actions {
		s.audit.Queued(a)
	}

	return s.consumer.Ack(ctx, ids...)
}

// Pending returns a snapshot of every action awaiting an operator decision.
func (s *Service) Pending() []Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Action, 0, len(s.pending))
	for _, p := range s.pending {
		out = append(out, p.action)
	}
	return out
}

// Decide records an operator's approve/deny decision on a queued action,
// executing it when approved. It returns an error if id is not (or is no
// longer) pending.
func (s *Service) Decide(ctx context.Context, id string, approve bool) error {
	s.mu.Lock()
	p, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending response action with id %q", id)
	}

	decision := DecisionDenied
	execution := "denied by operator"
	if approve {
		decision = DecisionApproved
		result, err := s.executor.Execute(ctx, p.action)
		if err != nil {
			return fmt.Errorf("execute response action: %w", err)
		}
		execution = result
	}

	s.audit.Decided(p.action, decision, execution)
	return nil
}
