package changes

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Dispatcher receives fire-and-forget side effects after a transition
// has been committed. Implementations must never fail the transition;
// errors are theirs to log and swallow.
type Dispatcher interface {
	ChangeRequested(ctx context.Context, c *Change, actor Actor)
	ChangeDecided(ctx context.Context, c *Change, actor Actor, decision ApprovalStatus, comments string)
	ChangeStarted(ctx context.Context, c *Change)
	CompletionPrompted(ctx context.Context, c *Change)
	ChangeClosed(ctx context.Context, c *Change, actor Actor, outcome Outcome, notes string)
}

// Decision is the approver's verdict.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Engine owns every status write. User actions and the sweeper both
// go through it; each operation is a read-validate-conditional-write
// against the store, then side effects.
type Engine struct {
	logger     zerolog.Logger
	store      *Store
	dispatcher Dispatcher
	now        func() time.Time
}

// NewEngine builds the transition engine.
func NewEngine(logger zerolog.Logger, store *Store, dispatcher Dispatcher) *Engine {
	return &Engine{
		logger:     logger.With().Str("component", "transition-engine").Logger(),
		store:      store,
		dispatcher: dispatcher,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// RequestApproval moves a draft change to pending and opens its
// approval record. Only the requester or assignee may ask.
func (e *Engine) RequestApproval(ctx context.Context, changeID string, actor Actor) (*Change, error) {
	c, err := e.store.GetChange(ctx, changeID)
	if err != nil {
		return nil, err
	}
	if actor.ID != c.RequestedBy && actor.ID != c.AssignedTo {
		return nil, fmt.Errorf("%w: only the requester or assignee may request approval", ErrForbidden)
	}
	if c.Status != StatusDraft {
		return nil, fmt.Errorf("%w: approval can only be requested from draft, change is %s", ErrInvalidState, c.Status)
	}

	ok, err := e.store.UpdateChangeStatus(ctx, c.ID, []Status{StatusDraft}, StatusPending, nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: change moved out of draft concurrently", ErrInvalidState)
	}

	if err := e.store.UpsertApproval(ctx, &Approval{
		ChangeID:    c.ID,
		Status:      ApprovalPending,
		RequestedBy: actor.ID,
		RequestedAt: e.now(),
	}); err != nil {
		return nil, err
	}

	c.Status = StatusPending
	e.logger.Info().Str("change", c.ID).Str("actor", actor.ID).Msg("approval requested")
	e.dispatcher.ChangeRequested(ctx, c, actor)
	return c, nil
}

// DecideApproval records an approve/reject verdict. Approve is valid
// while the change is pending or, because the sweeper may have
// auto-started it between request and decision, in_progress; in that
// race the status stays in_progress and only the ledger is updated.
// Reject cancels the change from either status. On approve the future
// automation records are created, after the ledger write.
func (e *Engine) DecideApproval(ctx context.Context, changeID string, actor Actor, decision Decision, comments string) (*Change, error) {
	if decision != DecisionApprove && decision != DecisionReject {
		return nil, fmt.Errorf("%w: unknown decision %q", ErrInvalidState, decision)
	}
	c, err := e.store.GetChange(ctx, changeID)
	if err != nil {
		return nil, err
	}
	if !actor.CanApprove() {
		return nil, fmt.Errorf("%w: approval decisions require a manager role", ErrForbidden)
	}
	if c.Status != StatusPending && c.Status != StatusInProgress {
		return nil, fmt.Errorf("%w: decisions are only valid while pending or in_progress, change is %s", ErrInvalidState, c.Status)
	}

	now := e.now()
	approvalStatus := ApprovalApproved
	if decision == DecisionReject {
		approvalStatus = ApprovalRejected
	}

	requestedBy := c.RequestedBy
	if prev, err := e.store.GetApproval(ctx, c.ID); err != nil {
		return nil, err
	} else if prev != nil {
		requestedBy = prev.RequestedBy
	}

	if decision == DecisionReject {
		ok, err := e.store.UpdateChangeStatus(ctx, c.ID, []Status{StatusPending, StatusInProgress}, StatusCancelled, nil)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: change left the decidable statuses concurrently", ErrInvalidState)
		}
		c.Status = StatusCancelled
	} else if c.Status == StatusPending {
		ok, err := e.store.UpdateChangeStatus(ctx, c.ID, []Status{StatusPending}, StatusApproved, nil)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Lost the race to the sweeper's auto-start. The approved
			// intent is already reflected, keep going with the ledger.
			fresh, err := e.store.GetChange(ctx, c.ID)
			if err != nil {
				return nil, err
			}
			if fresh.Status != StatusInProgress {
				return nil, fmt.Errorf("%w: change is now %s", ErrInvalidState, fresh.Status)
			}
			c = fresh
		} else {
			c.Status = StatusApproved
		}
	}
	// approve on in_progress: status stays put, decision still recorded.

	if err := e.store.UpsertApproval(ctx, &Approval{
		ChangeID:    c.ID,
		Status:      approvalStatus,
		RequestedBy: requestedBy,
		ApprovedBy:  actor.ID,
		Comments:    comments,
		RequestedAt: now,
		RespondedAt: &now,
	}); err != nil {
		return nil, err
	}

	// Ledger write above must be durable before any automation record
	// exists; if an insert fails we abort and surface the error
	// without retrying.
	if decision == DecisionApprove {
		if c.ScheduledFor != nil {
			if err := e.store.InsertAutomation(ctx, &Automation{
				ChangeID:     c.ID,
				Type:         AutomationAutoStart,
				ScheduledFor: *c.ScheduledFor,
			}); err != nil {
				return nil, err
			}
		}
		if c.EstimatedEndTime != nil {
			if err := e.store.InsertAutomation(ctx, &Automation{
				ChangeID:     c.ID,
				Type:         AutomationCompletionPrompt,
				ScheduledFor: *c.EstimatedEndTime,
			}); err != nil {
				return nil, err
			}
		}
	}

	e.logger.Info().Str("change", c.ID).Str("actor", actor.ID).Str("decision", string(decision)).Msg("approval decided")
	e.dispatcher.ChangeDecided(ctx, c, actor, approvalStatus, comments)
	return c, nil
}

// AutoStart moves an approved change to in_progress. Called only from
// the sweeper; eligibility is re-checked here at execution time, so a
// change whose status drifted since scheduling is a no-op, not an
// error worth retrying.
func (e *Engine) AutoStart(ctx context.Context, changeID string) (*Change, error) {
	c, err := e.store.GetChange(ctx, changeID)
	if err != nil {
		return nil, err
	}
	if c.Status != StatusApproved {
		return nil, fmt.Errorf("%w: auto-start requires approved, change is %s", ErrInvalidState, c.Status)
	}

	ok, err := e.store.UpdateChangeStatus(ctx, c.ID, []Status{StatusApproved}, StatusInProgress, nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		// A concurrent sweep or user action won; the change is no
		// longer approved. Same moot outcome as the status check.
		return nil, fmt.Errorf("%w: change left approved concurrently", ErrInvalidState)
	}

	c.Status = StatusInProgress
	e.logger.Info().Str("change", c.ID).Msg("auto-started")
	e.dispatcher.ChangeStarted(ctx, c)
	return c, nil
}

// PromptCompletion asks the assignee for a terminal report. It never
// touches status; the only effect is the side-effect dispatch.
func (e *Engine) PromptCompletion(ctx context.Context, changeID string) (*Change, error) {
	c, err := e.store.GetChange(ctx, changeID)
	if err != nil {
		return nil, err
	}
	if c.Status != StatusInProgress {
		return nil, fmt.Errorf("%w: completion prompt requires in_progress, change is %s", ErrInvalidState, c.Status)
	}
	if c.AssignedTo == "" {
		return nil, fmt.Errorf("%w: change has no assignee to prompt", ErrInvalidState)
	}

	e.logger.Info().Str("change", c.ID).Str("assignee", c.AssignedTo).Msg("completion prompted")
	e.dispatcher.CompletionPrompted(ctx, c)
	return c, nil
}

// ReportCompletion records the assignee's terminal outcome and
// supersedes any still-pending completion prompt for the change.
func (e *Engine) ReportCompletion(ctx context.Context, changeID string, actor Actor, outcome Outcome, notes string) (*Change, error) {
	if outcome != OutcomeCompleted && outcome != OutcomeFailed {
		return nil, fmt.Errorf("%w: unknown outcome %q", ErrInvalidState, outcome)
	}
	c, err := e.store.GetChange(ctx, changeID)
	if err != nil {
		return nil, err
	}
	if actor.ID != c.AssignedTo {
		return nil, fmt.Errorf("%w: only the assignee may report completion", ErrForbidden)
	}
	if c.Status != StatusInProgress {
		return nil, fmt.Errorf("%w: completion can only be reported while in_progress, change is %s", ErrInvalidState, c.Status)
	}

	now := e.now()
	to := StatusCompleted
	var completedAt *time.Time
	if outcome == OutcomeFailed {
		to = StatusFailed
	} else {
		completedAt = &now
	}

	ok, err := e.store.UpdateChangeStatus(ctx, c.ID, []Status{StatusInProgress}, to, completedAt)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: change left in_progress concurrently", ErrInvalidState)
	}
	c.Status = to
	c.CompletedAt = completedAt

	if err := e.store.InsertCompletionResponse(ctx, &CompletionResponse{
		ChangeID:    c.ID,
		RespondedBy: actor.ID,
		Outcome:     outcome,
		Notes:       notes,
		CreatedAt:   now,
	}); err != nil {
		return nil, err
	}

	if err := e.store.SupersedePendingAutomations(ctx, c.ID, AutomationCompletionPrompt,
		"superseded: completion reported by assignee"); err != nil {
		// Ledger hygiene only; the sweeper would no-op on these
		// records anyway.
		e.logger.Warn().Err(err).Str("change", c.ID).Msg("failed to supersede completion prompts")
	}

	e.logger.Info().Str("change", c.ID).Str("actor", actor.ID).Str("outcome", string(outcome)).Msg("completion reported")
	e.dispatcher.ChangeClosed(ctx, c, actor, outcome, notes)
	return c, nil
}
