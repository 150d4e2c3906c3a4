package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/crm-meeting-scheduler/internal/tenant"
	tw "github.com/hackgods/crm-meeting-scheduler/internal/timewindow"
)

var (
	ErrUnknownKind     = errors.New("unknown task kind")
	ErrUnknownTemplate = errors.New("unknown notification template")
	ErrQueueEmpty      = errors.New("task queue empty")
	// ErrPermanent marks sink failures that retrying cannot fix.
	ErrPermanent = errors.New("permanent side effect failure")
)

type Kind string

const (
	KindCreateCalendarEvent Kind = "create_calendar_event"
	KindSendNotification    Kind = "send_notification"
)

func ParseKind(raw string) (Kind, error) {
	switch k := Kind(raw); k {
	case KindCreateCalendarEvent, KindSendNotification:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, raw)
	}
}

type TemplateKind string

const (
	TemplateBookingConfirmed    TemplateKind = "booking_confirmed"
	TemplateBookingCancelled    TemplateKind = "booking_cancelled"
	TemplateBookingRescheduled  TemplateKind = "booking_rescheduled"
	TemplateFacilitatorInvite   TemplateKind = "facilitator_invite"
	TemplateFacilitatorProposal TemplateKind = "facilitator_proposal"
)

func ParseTemplateKind(raw string) (TemplateKind, error) {
	switch k := TemplateKind(raw); k {
	case TemplateBookingConfirmed, TemplateBookingCancelled, TemplateBookingRescheduled,
		TemplateFacilitatorInvite, TemplateFacilitatorProposal:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTemplate, raw)
	}
}

type EventPayload struct {
	AccountRef   string    `json:"account_ref"`
	Title        string    `json:"title"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Attendees    []string  `json:"attendees,omitempty"`
	LocationHint string    `json:"location_hint,omitempty"`
}

type NotificationPayload struct {
	Template  TemplateKind      `json:"template"`
	Recipient string            `json:"recipient"`
	Data      map[string]string `json:"data,omitempty"`
}

// Task is one best-effort side effect of a committed booking. ID doubles as the
// correlation id, so a retried task reaches the sink with the same id.
type Task struct {
	ID           uuid.UUID            `json:"id"`
	Kind         Kind                 `json:"kind"`
	TenantID     uuid.UUID            `json:"tenant_id"`
	MeetingID    *uuid.UUID           `json:"meeting_id,omitempty"`
	Attempts     int                  `json:"attempts"`
	EnqueuedAt   time.Time            `json:"enqueued_at"`
	LastError    string               `json:"last_error,omitempty"`
	Event        *EventPayload        `json:"event,omitempty"`
	Notification *NotificationPayload `json:"notification,omitempty"`
}

func NewCalendarEventTask(tc tenant.Context, meetingID uuid.UUID, p EventPayload) Task {
	return Task{
		ID:         uuid.New(),
		Kind:       KindCreateCalendarEvent,
		TenantID:   tc.ID,
		MeetingID:  &meetingID,
		EnqueuedAt: time.Now().UTC(),
		Event:      &p,
	}
}

func NewNotificationTask(tc tenant.Context, meetingID *uuid.UUID, p NotificationPayload) Task {
	return Task{
		ID:           uuid.New(),
		Kind:         KindSendNotification,
		TenantID:     tc.ID,
		MeetingID:    meetingID,
		EnqueuedAt:   time.Now().UTC(),
		Notification: &p,
	}
}

func (t Task) Validate() error {
	if _, err := ParseKind(string(t.Kind)); err != nil {
		return err
	}
	if t.ID == uuid.Nil || t.TenantID == uuid.Nil {
		return fmt.Errorf("task requires an id and a tenant")
	}
	switch t.Kind {
	case KindCreateCalendarEvent:
		if t.Event == nil || t.MeetingID == nil {
			return fmt.Errorf("%s task requires an event payload and a meeting id", t.Kind)
		}
	case KindSendNotification:
		if t.Notification == nil {
			return fmt.Errorf("%s task requires a notification payload", t.Kind)
		}
		if _, err := ParseTemplateKind(string(t.Notification.Template)); err != nil {
			return err
		}
	}
	return nil
}

// Enqueuer accepts side-effect tasks. Enqueue must not block on the side effect itself.
type Enqueuer interface {
	Enqueue(ctx context.Context, t Task) error
}

type Queue interface {
	Enqueuer
	// Dequeue blocks up to wait for a task and returns ErrQueueEmpty when none arrived.
	Dequeue(ctx context.Context, wait time.Duration) (*Task, error)
	DeadLetter(ctx context.Context, t Task) error
}

type EventRequest struct {
	CorrelationID uuid.UUID
	Title         string
	Window        tw.Window
	Attendees     []string
	LocationHint  string
}

type EventResult struct {
	EventID    string
	MeetingURL string
}

// CalendarEventSink creates events in an external calendar. Creating twice with
// the same CorrelationID must not produce two events.
type CalendarEventSink interface {
	CreateEvent(ctx context.Context, accountRef string, req EventRequest) (EventResult, error)
}

type NotificationSink interface {
	Send(ctx context.Context, kind TemplateKind, recipient string, data map[string]string) error
}

// EventRecorder stores the external event of a meeting once the sink created it.
type EventRecorder interface {
	SetExternalEvent(ctx context.Context, tc tenant.Context, meetingID uuid.UUID, eventID, meetingURL string) error
}
