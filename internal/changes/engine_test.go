package changes

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// recordingDispatcher captures side-effect calls without touching any
// store.
type recordingDispatcher struct {
	mu     sync.Mutex
	events []string
}

func (d *recordingDispatcher) record(ev string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
}

func (d *recordingDispatcher) ChangeRequested(_ context.Context, c *Change, _ Actor) {
	d.record("requested:" + c.ID)
}
func (d *recordingDispatcher) ChangeDecided(_ context.Context, c *Change, _ Actor, decision ApprovalStatus, _ string) {
	d.record("decided:" + string(decision) + ":" + c.ID)
}
func (d *recordingDispatcher) ChangeStarted(_ context.Context, c *Change) {
	d.record("started:" + c.ID)
}
func (d *recordingDispatcher) CompletionPrompted(_ context.Context, c *Change) {
	d.record("prompted:" + c.ID)
}
func (d *recordingDispatcher) ChangeClosed(_ context.Context, c *Change, _ Actor, outcome Outcome, _ string) {
	d.record("closed:" + string(outcome) + ":" + c.ID)
}

func (d *recordingDispatcher) has(ev string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range d.events {
		if e == ev {
			return true
		}
	}
	return false
}

func newTestEngine(t *testing.T) (*Engine, *Store, *recordingDispatcher) {
	t.Helper()
	store, err := OpenStore(zerolog.Nop(), filepath.Join(t.TempDir(), "changes.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	disp := &recordingDispatcher{}
	return NewEngine(zerolog.Nop(), store, disp), store, disp
}

func seedChange(t *testing.T, store *Store, c *Change) *Change {
	t.Helper()
	if c.Title == "" {
		c.Title = "patch database cluster"
	}
	if c.RequestedBy == "" {
		c.RequestedBy = "alice"
	}
	if err := store.CreateChange(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	return c
}

// forceStatus walks a change to the wanted status through the store's
// own conditional updates.
func forceStatus(t *testing.T, store *Store, id string, to Status) {
	t.Helper()
	path := map[Status][]Status{
		StatusPending:    {StatusPending},
		StatusApproved:   {StatusPending, StatusApproved},
		StatusInProgress: {StatusPending, StatusApproved, StatusInProgress},
		StatusCancelled:  {StatusPending, StatusCancelled},
		StatusCompleted:  {StatusPending, StatusApproved, StatusInProgress, StatusCompleted},
		StatusFailed:     {StatusPending, StatusApproved, StatusInProgress, StatusFailed},
	}
	cur := StatusDraft
	for _, next := range path[to] {
		ok, err := store.UpdateChangeStatus(context.Background(), id, []Status{cur}, next, nil)
		if err != nil || !ok {
			t.Fatalf("forceStatus %s -> %s: ok=%v err=%v", cur, next, ok, err)
		}
		cur = next
	}
}

func TestRequestApproval(t *testing.T) {
	engine, store, disp := newTestEngine(t)
	ctx := context.Background()
	c := seedChange(t, store, &Change{AssignedTo: "bob"})

	got, err := engine.RequestApproval(ctx, c.ID, Actor{ID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}

	a, err := store.GetApproval(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if a == nil || a.Status != ApprovalPending {
		t.Fatalf("approval = %+v, want pending record", a)
	}
	if !disp.has("requested:" + c.ID) {
		t.Fatal("missing side effect")
	}
}

func TestRequestApprovalGuards(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()
	c := seedChange(t, store, &Change{AssignedTo: "bob"})

	if _, err := engine.RequestApproval(ctx, c.ID, Actor{ID: "mallory"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}

	// Assignee may request too.
	if _, err := engine.RequestApproval(ctx, c.ID, Actor{ID: "bob"}); err != nil {
		t.Fatal(err)
	}

	// Not draft anymore.
	if _, err := engine.RequestApproval(ctx, c.ID, Actor{ID: "alice"}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}

	if _, err := engine.RequestApproval(ctx, "no-such-change", Actor{ID: "alice"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDecideApprovalCreatesAutomations(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()
	startAt := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	endAt := startAt.Add(2 * time.Hour)
	c := seedChange(t, store, &Change{AssignedTo: "bob", ScheduledFor: &startAt, EstimatedEndTime: &endAt})
	forceStatus(t, store, c.ID, StatusPending)

	got, err := engine.DecideApproval(ctx, c.ID, Actor{ID: "carol", Roles: []string{RoleManager}}, DecisionApprove, "lgtm")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusApproved {
		t.Fatalf("status = %s, want approved", got.Status)
	}

	a, err := store.GetApproval(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != ApprovalApproved || a.ApprovedBy != "carol" || a.Comments != "lgtm" {
		t.Fatalf("approval = %+v", a)
	}
	if a.RespondedAt == nil {
		t.Fatal("respondedAt not set")
	}

	pending, err := store.PendingAutomations(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Fatalf("automations = %d, want 2", len(pending))
	}
	byType := map[AutomationType]time.Time{}
	for _, rec := range pending {
		byType[rec.Type] = rec.ScheduledFor
	}
	if !byType[AutomationAutoStart].Equal(startAt) {
		t.Fatalf("auto_start scheduled for %v, want %v", byType[AutomationAutoStart], startAt)
	}
	if !byType[AutomationCompletionPrompt].Equal(endAt) {
		t.Fatalf("completion_prompt scheduled for %v, want %v", byType[AutomationCompletionPrompt], endAt)
	}
}

func TestDecideApprovalRejectNeverSchedules(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()
	startAt := time.Now().Add(time.Hour)
	c := seedChange(t, store, &Change{ScheduledFor: &startAt})
	forceStatus(t, store, c.ID, StatusPending)

	got, err := engine.DecideApproval(ctx, c.ID, Actor{ID: "carol", Roles: []string{RoleAdmin}}, DecisionReject, "too risky")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}

	pending, err := store.PendingAutomations(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("automations = %d, want none after reject", len(pending))
	}

	a, _ := store.GetApproval(ctx, c.ID)
	if a.Status != ApprovalRejected {
		t.Fatalf("approval = %s, want rejected", a.Status)
	}
}

func TestDecideApprovalGuards(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()
	c := seedChange(t, store, &Change{})
	forceStatus(t, store, c.ID, StatusPending)

	if _, err := engine.DecideApproval(ctx, c.ID, Actor{ID: "dave", Roles: []string{RoleUser}}, DecisionApprove, ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}

	d := seedChange(t, store, &Change{Title: "still draft"})
	if _, err := engine.DecideApproval(ctx, d.ID, Actor{ID: "carol", Roles: []string{RoleManager}}, DecisionApprove, ""); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}
}

func TestApproveAfterAutoStartKeepsInProgress(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()
	c := seedChange(t, store, &Change{AssignedTo: "bob"})
	forceStatus(t, store, c.ID, StatusInProgress)

	got, err := engine.DecideApproval(ctx, c.ID, Actor{ID: "carol", Roles: []string{RoleManager}}, DecisionApprove, "confirming")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusInProgress {
		t.Fatalf("status = %s, want in_progress to stand", got.Status)
	}

	a, _ := store.GetApproval(ctx, c.ID)
	if a == nil || a.Status != ApprovalApproved {
		t.Fatalf("approval = %+v, want approved", a)
	}
}

func TestAutoStart(t *testing.T) {
	engine, store, disp := newTestEngine(t)
	ctx := context.Background()
	c := seedChange(t, store, &Change{AssignedTo: "bob"})
	forceStatus(t, store, c.ID, StatusApproved)

	got, err := engine.AutoStart(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusInProgress {
		t.Fatalf("status = %s, want in_progress", got.Status)
	}
	if !disp.has("started:" + c.ID) {
		t.Fatal("missing side effect")
	}

	// Second application is a no-op error, status untouched.
	if _, err := engine.AutoStart(ctx, c.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}
	fresh, _ := store.GetChange(ctx, c.ID)
	if fresh.Status != StatusInProgress {
		t.Fatalf("status drifted to %s", fresh.Status)
	}
}

func TestAutoStartRequiresApproved(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()
	c := seedChange(t, store, &Change{})

	if _, err := engine.AutoStart(ctx, c.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}
	fresh, _ := store.GetChange(ctx, c.ID)
	if fresh.Status != StatusDraft {
		t.Fatalf("status = %s, want draft untouched", fresh.Status)
	}
}

func TestPromptCompletion(t *testing.T) {
	engine, store, disp := newTestEngine(t)
	ctx := context.Background()
	c := seedChange(t, store, &Change{AssignedTo: "bob"})
	forceStatus(t, store, c.ID, StatusInProgress)

	before, _ := store.GetChange(ctx, c.ID)
	if _, err := engine.PromptCompletion(ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	after, _ := store.GetChange(ctx, c.ID)
	if after.Status != before.Status {
		t.Fatalf("prompt changed status %s -> %s", before.Status, after.Status)
	}
	if !disp.has("prompted:" + c.ID) {
		t.Fatal("missing side effect")
	}

	// No assignee: nothing to prompt.
	orphan := seedChange(t, store, &Change{Title: "unassigned"})
	forceStatus(t, store, orphan.ID, StatusInProgress)
	if _, err := engine.PromptCompletion(ctx, orphan.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}
}

func TestReportCompletion(t *testing.T) {
	engine, store, disp := newTestEngine(t)
	ctx := context.Background()
	c := seedChange(t, store, &Change{AssignedTo: "bob"})
	forceStatus(t, store, c.ID, StatusInProgress)

	// A still-pending completion prompt should be superseded.
	due := time.Now().Add(30 * time.Minute)
	if err := store.InsertAutomation(ctx, &Automation{ChangeID: c.ID, Type: AutomationCompletionPrompt, ScheduledFor: due}); err != nil {
		t.Fatal(err)
	}

	got, err := engine.ReportCompletion(ctx, c.ID, Actor{ID: "bob"}, OutcomeFailed, "rollback succeeded")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}

	resp, err := store.LatestCompletionResponse(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if resp == nil || resp.Outcome != OutcomeFailed || resp.Notes != "rollback succeeded" {
		t.Fatalf("completion response = %+v", resp)
	}

	pending, _ := store.PendingAutomations(ctx, 10)
	if len(pending) != 0 {
		t.Fatalf("completion prompt not superseded: %+v", pending[0])
	}
	if !disp.has("closed:failed:" + c.ID) {
		t.Fatal("missing side effect")
	}
}

func TestReportCompletionSetsCompletedAt(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()
	c := seedChange(t, store, &Change{AssignedTo: "bob"})
	forceStatus(t, store, c.ID, StatusInProgress)

	got, err := engine.ReportCompletion(ctx, c.ID, Actor{ID: "bob"}, OutcomeCompleted, "")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusCompleted || got.CompletedAt == nil {
		t.Fatalf("change = status %s completedAt %v", got.Status, got.CompletedAt)
	}
}

func TestReportCompletionGuards(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()
	c := seedChange(t, store, &Change{AssignedTo: "bob"})
	forceStatus(t, store, c.ID, StatusInProgress)

	if _, err := engine.ReportCompletion(ctx, c.ID, Actor{ID: "mallory"}, OutcomeCompleted, ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
	if resp, _ := store.LatestCompletionResponse(ctx, c.ID); resp != nil {
		t.Fatalf("ledger written on forbidden report: %+v", resp)
	}

	d := seedChange(t, store, &Change{Title: "not started", AssignedTo: "bob"})
	if _, err := engine.ReportCompletion(ctx, d.ID, Actor{ID: "bob"}, OutcomeCompleted, ""); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}
	if resp, _ := store.LatestCompletionResponse(ctx, d.ID); resp != nil {
		t.Fatalf("ledger written on invalid-state report: %+v", resp)
	}
}

func TestStatusGraph(t *testing.T) {
	allowed := map[[2]Status]bool{
		{StatusDraft, StatusPending}:        true,
		{StatusPending, StatusApproved}:     true,
		{StatusPending, StatusCancelled}:    true,
		{StatusApproved, StatusInProgress}:  true,
		{StatusInProgress, StatusCompleted}: true,
		{StatusInProgress, StatusFailed}:    true,
		{StatusInProgress, StatusCancelled}: true,
	}
	all := []Status{StatusDraft, StatusPending, StatusApproved, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled}
	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]Status{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}
