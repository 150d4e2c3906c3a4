package tasks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/crm-meeting-scheduler/internal/tenant"
)

type fakeCalendar struct {
	mu       sync.Mutex
	failures int
	err      error
	seen     []uuid.UUID
}

func (f *fakeCalendar) CreateEvent(_ context.Context, _ string, req EventRequest) (EventResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, req.CorrelationID)
	if f.failures > 0 {
		f.failures--
		return EventResult{}, f.err
	}
	return EventResult{EventID: "evt-" + req.CorrelationID.String()[:8], MeetingURL: "https://meet.example/abc"}, nil
}

type fakeRecorder struct {
	mu      sync.Mutex
	eventID map[uuid.UUID]string
}

func (f *fakeRecorder) SetExternalEvent(_ context.Context, _ tenant.Context, meetingID uuid.UUID, eventID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.eventID == nil {
		f.eventID = make(map[uuid.UUID]string)
	}
	f.eventID[meetingID] = eventID
	return nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []TemplateKind
	err  error
}

func (f *fakeNotifier) Send(_ context.Context, kind TemplateKind, _ string, _ map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, kind)
	return nil
}

func testTenant(t *testing.T) tenant.Context {
	t.Helper()
	tc, err := tenant.New(uuid.New())
	if err != nil {
		t.Fatal(err)
	}
	return tc
}

func eventTask(t *testing.T) Task {
	start := time.Date(2025, time.June, 2, 13, 0, 0, 0, time.UTC)
	return NewCalendarEventTask(testTenant(t), uuid.New(), EventPayload{
		AccountRef: "acct-1",
		Title:      "Discovery call",
		Start:      start,
		End:        start.Add(time.Hour),
		Attendees:  []string{"guest@example.com"},
	})
}

func newTestWorker(q Queue, cal CalendarEventSink, n NotificationSink, r EventRecorder) *Worker {
	return NewWorker(WorkerConfig{
		Queue:          q,
		Calendar:       cal,
		Notifier:       n,
		Recorder:       r,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		PollWait:       10 * time.Millisecond,
		Logger:         zerolog.Nop(),
	})
}

func TestProcessRetriesWithSameCorrelationID(t *testing.T) {
	q := NewMemoryQueue()
	cal := &fakeCalendar{failures: 2, err: errors.New("503 from provider")}
	rec := &fakeRecorder{}
	task := eventTask(t)

	if err := newTestWorker(q, cal, nil, rec).Process(context.Background(), task); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if len(cal.seen) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(cal.seen))
	}
	for _, id := range cal.seen {
		if id != task.ID {
			t.Fatalf("attempt used correlation id %s, want %s", id, task.ID)
		}
	}
	if rec.eventID[*task.MeetingID] == "" {
		t.Fatal("external event id was not recorded on the meeting")
	}
	if len(q.Dead()) != 0 {
		t.Fatal("successful task must not be dead-lettered")
	}
}

func TestProcessDeadLettersAfterRetryBudget(t *testing.T) {
	q := NewMemoryQueue()
	cal := &fakeCalendar{failures: 10, err: errors.New("timeout")}

	err := newTestWorker(q, cal, nil, &fakeRecorder{}).Process(context.Background(), eventTask(t))
	if err == nil {
		t.Fatal("expected failure")
	}
	if len(cal.seen) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(cal.seen))
	}
	dead := q.Dead()
	if len(dead) != 1 || dead[0].Attempts != 3 || dead[0].LastError == "" {
		t.Fatalf("unexpected dead letters: %+v", dead)
	}
}

func TestProcessPermanentErrorSkipsRetries(t *testing.T) {
	q := NewMemoryQueue()
	n := &fakeNotifier{err: ErrPermanent}
	task := NewNotificationTask(testTenant(t), nil, NotificationPayload{
		Template:  TemplateBookingConfirmed,
		Recipient: "guest@example.com",
	})

	if err := newTestWorker(q, nil, n, nil).Process(context.Background(), task); !errors.Is(err, ErrPermanent) {
		t.Fatalf("expected ErrPermanent, got %v", err)
	}
	if dead := q.Dead(); len(dead) != 1 || dead[0].Attempts != 1 {
		t.Fatalf("expected one dead letter after a single attempt, got %+v", dead)
	}
}

func TestProcessMissingSinkIsPermanent(t *testing.T) {
	q := NewMemoryQueue()
	if err := newTestWorker(q, nil, nil, nil).Process(context.Background(), eventTask(t)); !errors.Is(err, ErrPermanent) {
		t.Fatalf("expected ErrPermanent, got %v", err)
	}
}

func TestRunDrainsQueue(t *testing.T) {
	q := NewMemoryQueue()
	n := &fakeNotifier{}
	tc := testTenant(t)
	for _, tmpl := range []TemplateKind{TemplateBookingConfirmed, TemplateFacilitatorInvite, TemplateBookingCancelled} {
		task := NewNotificationTask(tc, nil, NotificationPayload{Template: tmpl, Recipient: "host@example.com"})
		if err := q.Enqueue(context.Background(), task); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		newTestWorker(q, nil, n, nil).Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		n.mu.Lock()
		got := len(n.sent)
		n.mu.Unlock()
		if got == 3 {
			break
		}
		select {
		case <-deadline:
			cancel()
			t.Fatalf("worker sent %d of 3 notifications", got)
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

func TestEnqueueRejectsInvalidTasks(t *testing.T) {
	q := NewMemoryQueue()
	tests := []struct {
		name string
		task Task
	}{
		{"unknown kind", Task{ID: uuid.New(), TenantID: uuid.New(), Kind: "fax"}},
		{"event without payload", Task{ID: uuid.New(), TenantID: uuid.New(), Kind: KindCreateCalendarEvent}},
		{"unknown template", Task{ID: uuid.New(), TenantID: uuid.New(), Kind: KindSendNotification,
			Notification: &NotificationPayload{Template: "postcard"}}},
		{"missing tenant", Task{ID: uuid.New(), Kind: KindSendNotification,
			Notification: &NotificationPayload{Template: TemplateBookingConfirmed}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := q.Enqueue(context.Background(), tt.task); err == nil {
				t.Fatal("expected error")
			}
		})
	}
	if len(q.Tasks()) != 0 {
		t.Fatal("invalid tasks must not be queued")
	}
}

func TestMemoryQueueDequeueTimesOut(t *testing.T) {
	q := NewMemoryQueue()
	if _, err := q.Dequeue(context.Background(), 5*time.Millisecond); !errors.Is(err, ErrQueueEmpty) {
		t.Fatalf("expected ErrQueueEmpty, got %v", err)
	}
}
