package changes

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(zerolog.Nop(), filepath.Join(t.TempDir(), "changes.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestUpdateChangeStatusIsConditional(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	c := seedChange(t, store, &Change{})

	ok, err := store.UpdateChangeStatus(ctx, c.ID, []Status{StatusDraft}, StatusPending, nil)
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}

	// Same precondition again must lose.
	ok, err = store.UpdateChangeStatus(ctx, c.ID, []Status{StatusDraft}, StatusPending, nil)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("conditional update succeeded against stale status")
	}

	fresh, err := store.GetChange(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if fresh.Status != StatusPending {
		t.Fatalf("status = %s, want pending", fresh.Status)
	}
}

func TestClaimAutomationSingleWinner(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	c := seedChange(t, store, &Change{})

	rec := &Automation{ChangeID: c.ID, Type: AutomationAutoStart, ScheduledFor: time.Now().Add(-time.Minute)}
	if err := store.InsertAutomation(ctx, rec); err != nil {
		t.Fatal(err)
	}

	// Two overlapping sweeps both saw executed=false; only the first
	// conditional write wins.
	first, err := store.ClaimAutomation(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	second, err := store.ClaimAutomation(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !first || second {
		t.Fatalf("first=%v second=%v, want exactly one winner", first, second)
	}

	due, err := store.DueAutomations(ctx, time.Now(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Fatal("claimed record still reported due")
	}
}

func TestDueAutomationsOrderAndCap(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	c := seedChange(t, store, &Change{})

	now := time.Now()
	times := []time.Duration{-3 * time.Hour, -time.Hour, -2 * time.Hour, time.Hour}
	for _, d := range times {
		err := store.InsertAutomation(ctx, &Automation{
			ChangeID:     c.ID,
			Type:         AutomationCompletionPrompt,
			ScheduledFor: now.Add(d),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	due, err := store.DueAutomations(ctx, now, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 3 {
		t.Fatalf("due = %d, want 3 (future record excluded)", len(due))
	}
	for i := 1; i < len(due); i++ {
		if due[i].ScheduledFor.Before(due[i-1].ScheduledFor) {
			t.Fatal("due records not most-due first")
		}
	}

	capped, err := store.DueAutomations(ctx, now, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(capped) != 2 {
		t.Fatalf("capped = %d, want 2", len(capped))
	}
}

func TestUpsertApproval(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	c := seedChange(t, store, &Change{})

	now := time.Now().UTC().Truncate(time.Second)
	err := store.UpsertApproval(ctx, &Approval{
		ChangeID:    c.ID,
		Status:      ApprovalPending,
		RequestedBy: "alice",
		RequestedAt: now,
	})
	if err != nil {
		t.Fatal(err)
	}

	responded := now.Add(time.Minute)
	err = store.UpsertApproval(ctx, &Approval{
		ChangeID:    c.ID,
		Status:      ApprovalApproved,
		RequestedBy: "alice",
		ApprovedBy:  "carol",
		Comments:    "ship it",
		RequestedAt: responded,
		RespondedAt: &responded,
	})
	if err != nil {
		t.Fatal(err)
	}

	a, err := store.GetApproval(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != ApprovalApproved || a.ApprovedBy != "carol" {
		t.Fatalf("approval = %+v", a)
	}
	// Original request time survives the upsert.
	if !a.RequestedAt.Equal(now) {
		t.Fatalf("requestedAt = %v, want %v", a.RequestedAt, now)
	}
}

func TestSupersedePendingAutomations(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	c := seedChange(t, store, &Change{})
	other := seedChange(t, store, &Change{Title: "other"})

	for _, rec := range []*Automation{
		{ChangeID: c.ID, Type: AutomationCompletionPrompt, ScheduledFor: time.Now().Add(time.Hour)},
		{ChangeID: c.ID, Type: AutomationAutoStart, ScheduledFor: time.Now().Add(time.Hour)},
		{ChangeID: other.ID, Type: AutomationCompletionPrompt, ScheduledFor: time.Now().Add(time.Hour)},
	} {
		if err := store.InsertAutomation(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	if err := store.SupersedePendingAutomations(ctx, c.ID, AutomationCompletionPrompt, "superseded"); err != nil {
		t.Fatal(err)
	}

	pending, err := store.PendingAutomations(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want auto_start and other change untouched", len(pending))
	}
	for _, rec := range pending {
		if rec.ChangeID == c.ID && rec.Type == AutomationCompletionPrompt {
			t.Fatal("target record still pending")
		}
	}

	recent, err := store.RecentAutomations(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 1 || recent[0].ErrorMessage != "superseded" {
		t.Fatalf("recent = %+v", recent)
	}
}

func TestGetChangeNotFound(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.GetChange(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListChangesFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	a := seedChange(t, store, &Change{Title: "a"})
	seedChange(t, store, &Change{Title: "b"})
	forceStatus(t, store, a.ID, StatusPending)

	all, err := store.ListChanges(ctx, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("all = %d, want 2", len(all))
	}

	pending, err := store.ListChanges(ctx, StatusPending, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != a.ID {
		t.Fatalf("pending = %+v", pending)
	}
}
