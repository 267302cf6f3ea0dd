package changes

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a change.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusPending    Status = "pending"
	StatusApproved   Status = "approved"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Change is a unit of planned work moving through the approval and
// execution workflow. Status is only ever written by the Engine.
type Change struct {
	ID               string     `json:"id"`
	Title            string     `json:"title"`
	Description      string     `json:"description,omitempty"`
	Status           Status     `json:"status"`
	RequestedBy      string     `json:"requestedBy"`
	AssignedTo       string     `json:"assignedTo,omitempty"`
	ScheduledFor     *time.Time `json:"scheduledFor,omitempty"`
	EstimatedEndTime *time.Time `json:"estimatedEndTime,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
}

// ApprovalStatus is the state of a change's approval record.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Approval is the decision trail for one change; one row per change.
type Approval struct {
	ChangeID    string         `json:"changeId"`
	Status      ApprovalStatus `json:"status"`
	RequestedBy string         `json:"requestedBy"`
	ApprovedBy  string         `json:"approvedBy,omitempty"`
	Comments    string         `json:"comments,omitempty"`
	RequestedAt time.Time      `json:"requestedAt"`
	RespondedAt *time.Time     `json:"respondedAt,omitempty"`
}

// AutomationType selects the scheduled action.
type AutomationType string

const (
	AutomationAutoStart        AutomationType = "auto_start"
	AutomationCompletionPrompt AutomationType = "completion_prompt"
)

// Automation is a durable one-shot scheduled action tied to a change.
// Executed flips false->true exactly once; an executed record is never
// re-processed.
type Automation struct {
	ID           string         `json:"id"`
	ChangeID     string         `json:"changeId"`
	Type         AutomationType `json:"automationType"`
	ScheduledFor time.Time      `json:"scheduledFor"`
	Executed     bool           `json:"executed"`
	ExecutedAt   *time.Time     `json:"executedAt,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
}

// Outcome is the terminal result reported by the assignee.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

// CompletionResponse records the assignee's terminal report.
type CompletionResponse struct {
	ID          string    `json:"id"`
	ChangeID    string    `json:"changeId"`
	RespondedBy string    `json:"respondedBy"`
	Outcome     Outcome   `json:"outcome"`
	Notes       string    `json:"notes,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Comment is an audit note appended to a change by the side-effect
// dispatcher or a user.
type Comment struct {
	ID        string    `json:"id"`
	ChangeID  string    `json:"changeId"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// Actor identifies who is performing an operation. The scheduler runs
// as an explicit system principal so the audit trail still names the
// actor behind automated transitions.
type Actor struct {
	ID    string
	Roles []string
}

const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleUser    = "user"

	systemActorID = "system"
	roleSystem    = "system"
)

// SystemActor is the principal used for scheduler-driven transitions.
func SystemActor() Actor {
	return Actor{ID: systemActorID, Roles: []string{roleSystem}}
}

// IsSystem reports whether the actor is the scheduler principal.
func (a Actor) IsSystem() bool {
	return a.hasRole(roleSystem)
}

// CanApprove reports whether the actor may decide approvals.
func (a Actor) CanApprove() bool {
	return a.hasRole(RoleManager) || a.hasRole(RoleAdmin)
}

func (a Actor) hasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Error taxonomy. Operations return these (possibly wrapped); the HTTP
// layer maps them to status codes, the sweeper records them on the
// automation row.
var (
	ErrNotFound     = errors.New("change not found")
	ErrInvalidState = errors.New("operation not valid for current status")
	ErrForbidden    = errors.New("actor not permitted")
)

// validNext holds the reachable edges of the status graph. Rejection
// from in_progress (the auto-start race, see Engine.DecideApproval) is
// the only path that cancels an already running change.
var validNext = map[Status][]Status{
	StatusDraft:      {StatusPending},
	StatusPending:    {StatusApproved, StatusCancelled},
	StatusApproved:   {StatusInProgress},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from->to is an edge of the graph.
func CanTransition(from, to Status) bool {
	for _, n := range validNext[from] {
		if n == to {
			return true
		}
	}
	return false
}
