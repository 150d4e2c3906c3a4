package booking

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/crm-meeting-scheduler/internal/tenant"
	tw "github.com/hackgods/crm-meeting-scheduler/internal/timewindow"
)

// Ledger is the system of record for committed meetings. Commit and Reschedule
// check for conflicts and write in one atomic step, so two overlapping commits
// on the same meeting type can never both succeed.
type Ledger interface {
	HasConflict(ctx context.Context, tc tenant.Context, meetingTypeID uuid.UUID, w tw.Window, excludeID *uuid.UUID) (bool, error)
	Commit(ctx context.Context, tc tenant.Context, req CommitRequest) (*Meeting, error)
	Get(ctx context.Context, tc tenant.Context, id uuid.UUID) (*Meeting, error)
	ListActive(ctx context.Context, tc tenant.Context, meetingTypeID uuid.UUID, w tw.Window) ([]Meeting, error)
	Transition(ctx context.Context, tc tenant.Context, id uuid.UUID, from, to Status) (*Meeting, error)
	SetExternalEvent(ctx context.Context, tc tenant.Context, id uuid.UUID, eventID, meetingURL string) error
	// Reschedule marks the meeting rescheduled and commits its replacement in
	// w. The old meeting does not count against w.
	Reschedule(ctx context.Context, tc tenant.Context, id uuid.UUID, w tw.Window) (old, replacement *Meeting, err error)
	InsertEvent(ctx context.Context, ev EventLog) error
}

// MemoryLedger is a mutex-guarded Ledger for tests and single-process runs.
type MemoryLedger struct {
	mu       sync.Mutex
	meetings map[uuid.UUID]Meeting
	events   []EventLog
	now      func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		meetings: make(map[uuid.UUID]Meeting),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (l *MemoryLedger) conflictLocked(tenantID, meetingTypeID uuid.UUID, w tw.Window, excludeID *uuid.UUID) bool {
	for _, m := range l.meetings {
		if m.TenantID != tenantID || m.MeetingTypeID != meetingTypeID || !m.Occupies() {
			continue
		}
		if excludeID != nil && m.ID == *excludeID {
			continue
		}
		if m.Window().Overlaps(w) {
			return true
		}
	}
	return false
}

func (l *MemoryLedger) HasConflict(_ context.Context, tc tenant.Context, meetingTypeID uuid.UUID, w tw.Window, excludeID *uuid.UUID) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conflictLocked(tc.ID, meetingTypeID, w, excludeID), nil
}

func (l *MemoryLedger) Commit(ctx context.Context, tc tenant.Context, req CommitRequest) (*Meeting, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !req.Window.Valid() {
		return nil, tw.ErrInvalidWindow
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !req.ConflictExempt && l.conflictLocked(tc.ID, req.MeetingTypeID, req.Window, nil) {
		return nil, ErrConflict
	}
	m := req.newMeeting(tc.ID, l.now())
	l.meetings[m.ID] = m
	return &m, nil
}

func (l *MemoryLedger) Get(_ context.Context, tc tenant.Context, id uuid.UUID) (*Meeting, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.meetings[id]
	if !ok || m.TenantID != tc.ID {
		return nil, ErrMeetingNotFound
	}
	return &m, nil
}

func (l *MemoryLedger) ListActive(_ context.Context, tc tenant.Context, meetingTypeID uuid.UUID, w tw.Window) ([]Meeting, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Meeting
	for _, m := range l.meetings {
		if m.TenantID == tc.ID && m.MeetingTypeID == meetingTypeID && m.Status.Active() && m.Window().Overlaps(w) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

// ActiveWindows returns the windows of meetings that block new commits.
func (l *MemoryLedger) ActiveWindows(ctx context.Context, tc tenant.Context, meetingTypeID uuid.UUID, w tw.Window) ([]tw.Window, error) {
	meetings, err := l.ListActive(ctx, tc, meetingTypeID, w)
	if err != nil {
		return nil, err
	}
	return occupiedWindows(meetings), nil
}

func (l *MemoryLedger) Transition(_ context.Context, tc tenant.Context, id uuid.UUID, from, to Status) (*Meeting, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.meetings[id]
	if !ok || m.TenantID != tc.ID {
		return nil, ErrMeetingNotFound
	}
	if m.Status != from || !from.CanTransitionTo(to) {
		return nil, transitionError(m.Status, to)
	}
	m.Status = to
	m.UpdatedAt = l.now()
	l.meetings[id] = m
	return &m, nil
}

func (l *MemoryLedger) SetExternalEvent(_ context.Context, tc tenant.Context, id uuid.UUID, eventID, meetingURL string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.meetings[id]
	if !ok || m.TenantID != tc.ID {
		return ErrMeetingNotFound
	}
	m.ExternalEventID = &eventID
	if meetingURL != "" {
		m.MeetingURL = &meetingURL
	}
	m.UpdatedAt = l.now()
	l.meetings[id] = m
	return nil
}

func (l *MemoryLedger) Reschedule(_ context.Context, tc tenant.Context, id uuid.UUID, w tw.Window) (*Meeting, *Meeting, error) {
	if !w.Valid() {
		return nil, nil, tw.ErrInvalidWindow
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	old, ok := l.meetings[id]
	if !ok || old.TenantID != tc.ID {
		return nil, nil, ErrMeetingNotFound
	}
	if !old.Status.CanTransitionTo(StatusRescheduled) {
		return nil, nil, transitionError(old.Status, StatusRescheduled)
	}
	if !old.ConflictExempt && l.conflictLocked(tc.ID, old.MeetingTypeID, w, &old.ID) {
		return nil, nil, ErrConflict
	}

	now := l.now()
	replacement := old.rescheduledCopy(w, now)
	old.Status = StatusRescheduled
	old.RescheduledToID = &replacement.ID
	old.UpdatedAt = now

	l.meetings[old.ID] = old
	l.meetings[replacement.ID] = replacement
	return &old, &replacement, nil
}

func (l *MemoryLedger) InsertEvent(_ context.Context, ev EventLog) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	ev.ID = int64(len(l.events) + 1)
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = l.now()
	}
	l.events = append(l.events, ev)
	return nil
}

// Events returns the event log in insertion order.
func (l *MemoryLedger) Events() []EventLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]EventLog(nil), l.events...)
}

// Count returns how many meetings exist for a meeting type, in any status.
func (l *MemoryLedger) Count(meetingTypeID uuid.UUID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, m := range l.meetings {
		if m.MeetingTypeID == meetingTypeID {
			n++
		}
	}
	return n
}

func (m Meeting) rescheduledCopy(w tw.Window, now time.Time) Meeting {
	out := m
	out.ID = uuid.New()
	out.Start = w.Start.UTC()
	out.End = w.End.UTC()
	out.Status = StatusScheduled
	out.ExternalEventID = nil
	out.MeetingURL = nil
	out.RescheduledToID = nil
	out.CreatedAt = now
	out.UpdatedAt = now
	return out
}

func occupiedWindows(meetings []Meeting) []tw.Window {
	out := make([]tw.Window, 0, len(meetings))
	for _, m := range meetings {
		if m.Occupies() {
			out = append(out, m.Window())
		}
	}
	return out
}
