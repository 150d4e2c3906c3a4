package booking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/crm-meeting-scheduler/internal/meetingtype"
	"github.com/hackgods/crm-meeting-scheduler/internal/tenant"
	tw "github.com/hackgods/crm-meeting-scheduler/internal/timewindow"
)

func newTenant(t *testing.T) tenant.Context {
	t.Helper()
	tc, err := tenant.New(uuid.New())
	if err != nil {
		t.Fatal(err)
	}
	return tc
}

var base = time.Date(2025, time.June, 4, 9, 0, 0, 0, time.UTC)

func window(startMin, endMin int) tw.Window {
	return tw.Window{
		Start: base.Add(time.Duration(startMin) * time.Minute),
		End:   base.Add(time.Duration(endMin) * time.Minute),
	}
}

func commitReq(meetingTypeID uuid.UUID, w tw.Window) CommitRequest {
	return CommitRequest{
		MeetingTypeID: meetingTypeID,
		HostID:        uuid.New(),
		ParticipantID: uuid.New(),
		Window:        w,
		Timezone:      "UTC",
		LocationType:  meetingtype.LocationVideo,
	}
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusScheduled, StatusConfirmed, true},
		{StatusConfirmed, StatusReminderSent, true},
		{StatusReminderSent, StatusInProgress, true},
		{StatusInProgress, StatusCompleted, true},
		{StatusScheduled, StatusCancelled, true},
		{StatusConfirmed, StatusNoShow, true},
		{StatusReminderSent, StatusRescheduled, true},
		{StatusCompleted, StatusScheduled, false},
		{StatusCancelled, StatusConfirmed, false},
		{StatusScheduled, StatusCompleted, false},
		{StatusInProgress, StatusCancelled, false},
		{StatusRescheduled, StatusScheduled, false},
		{StatusConfirmed, StatusScheduled, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}

	for _, s := range []Status{StatusCompleted, StatusCancelled, StatusRescheduled, StatusNoShow} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusCancelled, StatusRescheduled, StatusNoShow} {
		if s.Active() {
			t.Errorf("%s should not occupy its window", s)
		}
	}
	if _, err := ParseStatus("archived"); !errors.Is(err, ErrUnknownStatus) {
		t.Errorf("expected ErrUnknownStatus, got %v", err)
	}
}

func TestMemoryLedgerConcurrentCommitsExactlyOneWins(t *testing.T) {
	ledger := NewMemoryLedger()
	tc := newTenant(t)
	mtID := uuid.New()

	// identical and partially overlapping windows, all sharing 09:45-10:00
	windows := []tw.Window{window(0, 60), window(30, 90), window(0, 60), window(10, 70), window(45, 105)}
	const rounds = 10

	var (
		wg        sync.WaitGroup
		start     = make(chan struct{})
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < rounds; i++ {
		for _, w := range windows {
			wg.Add(1)
			go func(w tw.Window) {
				defer wg.Done()
				<-start
				_, err := ledger.Commit(context.Background(), tc, commitReq(mtID, w))
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					successes++
				case errors.Is(err, ErrConflict):
					conflicts++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(w)
		}
	}
	close(start)
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly one commit to succeed, got %d", successes)
	}
	if conflicts != rounds*len(windows)-1 {
		t.Fatalf("expected %d conflicts, got %d", rounds*len(windows)-1, conflicts)
	}
	if n := ledger.Count(mtID); n != 1 {
		t.Fatalf("expected one stored meeting, got %d", n)
	}
}

func TestMemoryLedgerConflictRules(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger()
	tc := newTenant(t)
	mtID := uuid.New()

	first, err := ledger.Commit(ctx, tc, commitReq(mtID, window(0, 60)))
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	t.Run("touching windows do not conflict", func(t *testing.T) {
		if _, err := ledger.Commit(ctx, tc, commitReq(mtID, window(60, 120))); err != nil {
			t.Fatalf("back-to-back commit failed: %v", err)
		}
	})

	t.Run("one nanosecond overlap conflicts", func(t *testing.T) {
		w := tw.Window{Start: base.Add(-time.Hour), End: base.Add(time.Nanosecond)}
		if _, err := ledger.Commit(ctx, tc, commitReq(mtID, w)); !errors.Is(err, ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}
	})

	t.Run("other meeting types are independent", func(t *testing.T) {
		if _, err := ledger.Commit(ctx, tc, commitReq(uuid.New(), window(0, 60))); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("other tenants are independent", func(t *testing.T) {
		if _, err := ledger.Commit(ctx, newTenant(t), commitReq(mtID, window(0, 60))); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("exempt meetings neither block nor are blocked", func(t *testing.T) {
		req := commitReq(mtID, window(0, 60))
		req.ConflictExempt = true
		if _, err := ledger.Commit(ctx, tc, req); err != nil {
			t.Fatalf("exempt commit failed: %v", err)
		}
		conflict, err := ledger.HasConflict(ctx, tc, mtID, window(200, 260), nil)
		if err != nil || conflict {
			t.Fatalf("unexpected conflict %v / %v", conflict, err)
		}
	})

	t.Run("exclude id ignores the meeting itself", func(t *testing.T) {
		conflict, err := ledger.HasConflict(ctx, tc, mtID, window(0, 60), &first.ID)
		if err != nil {
			t.Fatal(err)
		}
		if conflict {
			t.Fatal("meeting conflicted with itself")
		}
	})

	t.Run("cancelled meetings free their window", func(t *testing.T) {
		if _, err := ledger.Transition(ctx, tc, first.ID, StatusScheduled, StatusCancelled); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if _, err := ledger.Commit(ctx, tc, commitReq(mtID, window(0, 60))); err != nil {
			t.Fatalf("commit into freed window: %v", err)
		}
	})
}

func TestMemoryLedgerTransitionIsConditional(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger()
	tc := newTenant(t)

	m, err := ledger.Commit(ctx, tc, commitReq(uuid.New(), window(0, 30)))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ledger.Transition(ctx, tc, m.ID, StatusScheduled, StatusConfirmed); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	// stale "from" loses
	if _, err := ledger.Transition(ctx, tc, m.ID, StatusScheduled, StatusCancelled); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := ledger.Transition(ctx, newTenant(t), m.ID, StatusConfirmed, StatusCancelled); !errors.Is(err, ErrMeetingNotFound) {
		t.Fatalf("expected ErrMeetingNotFound across tenants, got %v", err)
	}
}

func TestMemoryLedgerReschedule(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger()
	tc := newTenant(t)
	mtID := uuid.New()

	m, err := ledger.Commit(ctx, tc, commitReq(mtID, window(0, 60)))
	if err != nil {
		t.Fatal(err)
	}
	blocker, err := ledger.Commit(ctx, tc, commitReq(mtID, window(120, 180)))
	if err != nil {
		t.Fatal(err)
	}

	if _, _, err := ledger.Reschedule(ctx, tc, m.ID, window(150, 210)); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	// overlapping its own old window is fine
	old, next, err := ledger.Reschedule(ctx, tc, m.ID, window(30, 90))
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if old.Status != StatusRescheduled || old.RescheduledToID == nil || *old.RescheduledToID != next.ID {
		t.Fatalf("old meeting not linked: %+v", old)
	}
	if next.Status != StatusScheduled || !next.Window().Equal(window(30, 90)) {
		t.Fatalf("unexpected replacement: %+v", next)
	}

	if _, _, err := ledger.Reschedule(ctx, tc, m.ID, window(300, 360)); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("rescheduling twice should fail, got %v", err)
	}

	windows, err := ledger.ActiveWindows(ctx, tc, mtID, window(-60, 300))
	if err != nil {
		t.Fatal(err)
	}
	if len(windows) != 2 || !windows[0].Equal(next.Window()) || !windows[1].Equal(blocker.Window()) {
		t.Fatalf("unexpected active windows: %v", windows)
	}
}
