package changes

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"opsdesk/backend/opsdeskd/internal/notifications"
)

// SideEffects emits notifications and audit comments after committed
// transitions. Every method runs strictly after the status write;
// failures are logged and swallowed so delivery problems can never
// undo or fail a transition.
type SideEffects struct {
	logger   zerolog.Logger
	notifier *notifications.Manager
	store    *Store
}

// NewSideEffects builds the dispatcher.
func NewSideEffects(logger zerolog.Logger, notifier *notifications.Manager, store *Store) *SideEffects {
	return &SideEffects{
		logger:   logger.With().Str("component", "side-effects").Logger(),
		notifier: notifier,
		store:    store,
	}
}

var _ Dispatcher = (*SideEffects)(nil)

func (d *SideEffects) ChangeRequested(ctx context.Context, c *Change, actor Actor) {
	d.notify(c, "approval", "Approval requested",
		fmt.Sprintf("%s requested approval for change %q", actor.ID, c.Title),
		stakeholders(c))
	d.comment(ctx, c.ID, actor.ID, "requested approval")
}

func (d *SideEffects) ChangeDecided(ctx context.Context, c *Change, actor Actor, decision ApprovalStatus, comments string) {
	level := "info"
	title := "Change approved"
	if decision == ApprovalRejected {
		level = "warning"
		title = "Change rejected"
	}
	msg := fmt.Sprintf("%s %s change %q", actor.ID, decision, c.Title)
	if comments != "" {
		msg += ": " + comments
	}
	d.notifyLevel(c, level, "approval", title, msg, stakeholders(c))
	d.comment(ctx, c.ID, actor.ID, fmt.Sprintf("%s the change", decision))
}

func (d *SideEffects) ChangeStarted(ctx context.Context, c *Change) {
	d.notify(c, "automation", "Change started",
		fmt.Sprintf("Change %q auto-started at its scheduled time", c.Title),
		stakeholders(c))
	d.comment(ctx, c.ID, SystemActor().ID, "auto-started at scheduled time")
}

func (d *SideEffects) CompletionPrompted(ctx context.Context, c *Change) {
	d.notify(c, "automation", "Completion check due",
		fmt.Sprintf("Change %q reached its estimated end time; please report the outcome", c.Title),
		[]string{c.AssignedTo})
	d.comment(ctx, c.ID, SystemActor().ID, "completion prompt sent to assignee")
}

func (d *SideEffects) ChangeClosed(ctx context.Context, c *Change, actor Actor, outcome Outcome, notes string) {
	level := "info"
	title := "Change completed"
	if outcome == OutcomeFailed {
		level = "error"
		title = "Change failed"
	}
	msg := fmt.Sprintf("%s reported change %q as %s", actor.ID, c.Title, outcome)
	if notes != "" {
		msg += ": " + notes
	}
	d.notifyLevel(c, level, "completion", title, msg, stakeholders(c))
	d.comment(ctx, c.ID, actor.ID, fmt.Sprintf("reported outcome %s", outcome))
}

func (d *SideEffects) notify(c *Change, category, title, msg string, recipients []string) {
	d.notifyLevel(c, "info", category, title, msg, recipients)
}

func (d *SideEffects) notifyLevel(c *Change, level, category, title, msg string, recipients []string) {
	for _, r := range recipients {
		if r == "" {
			continue
		}
		err := d.notifier.Notify(notifications.Notification{
			Recipient: r,
			Level:     level,
			Category:  category,
			Title:     title,
			Message:   msg,
			ChangeID:  c.ID,
		})
		if err != nil {
			d.logger.Warn().Err(err).Str("change", c.ID).Str("recipient", r).Msg("notification failed")
		}
	}
}

func (d *SideEffects) comment(ctx context.Context, changeID, author, body string) {
	err := d.store.InsertComment(ctx, &Comment{
		ChangeID: changeID,
		Author:   author,
		Body:     body,
	})
	if err != nil {
		d.logger.Warn().Err(err).Str("change", changeID).Msg("audit comment failed")
	}
}

// stakeholders lists the users told about a transition: requester and
// assignee, deduplicated. The deciding approver is the actor and is
// not re-notified about their own action.
func stakeholders(c *Change) []string {
	out := []string{c.RequestedBy}
	if c.AssignedTo != "" && c.AssignedTo != c.RequestedBy {
		out = append(out, c.AssignedTo)
	}
	return out
}
