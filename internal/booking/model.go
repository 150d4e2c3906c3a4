package booking

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/crm-meeting-scheduler/internal/meetingtype"
	tw "github.com/hackgods/crm-meeting-scheduler/internal/timewindow"
)

const (
	EventMeetingBooked      = "MEETING_BOOKED"
	EventMeetingTransition  = "MEETING_STATUS_CHANGED"
	EventMeetingRescheduled = "MEETING_RESCHEDULED"
	EventSideEffectDropped  = "SIDE_EFFECT_NOT_QUEUED"
)

var (
	ErrMeetingNotFound       = errors.New("meeting not found")
	ErrParticipantNotFound   = errors.New("participant not found")
	ErrConflict              = errors.New("window overlaps an existing meeting")
	ErrSlotNoLongerAvailable = errors.New("slot is no longer available")
	ErrInvalidTransition     = errors.New("invalid status transition")
	ErrUnknownStatus         = errors.New("unknown meeting status")
)

type Status string

const (
	StatusScheduled    Status = "scheduled"
	StatusConfirmed    Status = "confirmed"
	StatusReminderSent Status = "reminder_sent"
	StatusInProgress   Status = "in_progress"
	StatusCompleted    Status = "completed"
	StatusCancelled    Status = "cancelled"
	StatusRescheduled  Status = "rescheduled"
	StatusNoShow       Status = "no_show"
)

func ParseStatus(raw string) (Status, error) {
	switch s := Status(raw); s {
	case StatusScheduled, StatusConfirmed, StatusReminderSent, StatusInProgress,
		StatusCompleted, StatusCancelled, StatusRescheduled, StatusNoShow:
		return s, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, raw)
	}
}

var transitions = map[Status][]Status{
	StatusScheduled:    {StatusConfirmed, StatusCancelled, StatusRescheduled, StatusNoShow},
	StatusConfirmed:    {StatusReminderSent, StatusCancelled, StatusRescheduled, StatusNoShow},
	StatusReminderSent: {StatusInProgress, StatusCancelled, StatusRescheduled, StatusNoShow},
	StatusInProgress:   {StatusCompleted},
}

func (s Status) CanTransitionTo(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func transitionError(from, to Status) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Active statuses occupy their window for conflict purposes.
func (s Status) Active() bool {
	switch s {
	case StatusCancelled, StatusRescheduled, StatusNoShow:
		return false
	default:
		return true
	}
}

// ActiveStatuses is used by stores to filter occupying meetings.
func ActiveStatuses() []string {
	return []string{
		string(StatusScheduled),
		string(StatusConfirmed),
		string(StatusReminderSent),
		string(StatusInProgress),
		string(StatusCompleted),
	}
}

// Meeting is a committed booking. Meetings are never deleted; history lives in
// the terminal statuses and RescheduledToID links.
type Meeting struct {
	ID                   uuid.UUID                `json:"id"`
	TenantID             uuid.UUID                `json:"tenant_id"`
	MeetingTypeID        uuid.UUID                `json:"meeting_type_id"`
	HostID               uuid.UUID                `json:"host_id"`
	ParticipantID        uuid.UUID                `json:"participant_id"`
	GuestParticipantID   *uuid.UUID               `json:"guest_participant_id,omitempty"`
	Start                time.Time                `json:"start"`
	End                  time.Time                `json:"end"`
	Timezone             string                   `json:"timezone"`
	Status               Status                   `json:"status"`
	LocationType         meetingtype.LocationType `json:"location_type"`
	ExternalEventID      *string                  `json:"external_event_id,omitempty"`
	MeetingURL           *string                  `json:"meeting_url,omitempty"`
	RescheduledToID      *uuid.UUID               `json:"rescheduled_to_id,omitempty"`
	FacilitatorBookingID *uuid.UUID               `json:"facilitator_booking_id,omitempty"`
	ConflictExempt       bool                     `json:"conflict_exempt"`
	CreatedAt            time.Time                `json:"created_at"`
	UpdatedAt            time.Time                `json:"updated_at"`
}

func (m Meeting) Window() tw.Window {
	return tw.Window{Start: m.Start, End: m.End}
}

// Occupies reports whether m blocks other commits on its meeting type.
func (m Meeting) Occupies() bool {
	return m.Status.Active() && !m.ConflictExempt
}

type CommitRequest struct {
	MeetingTypeID        uuid.UUID
	HostID               uuid.UUID
	ParticipantID        uuid.UUID
	GuestParticipantID   *uuid.UUID
	Window               tw.Window
	Timezone             string
	LocationType         meetingtype.LocationType
	FacilitatorBookingID *uuid.UUID
	// ConflictExempt commits without checking or blocking other meetings.
	ConflictExempt bool
}

func (r CommitRequest) newMeeting(tenantID uuid.UUID, now time.Time) Meeting {
	return Meeting{
		ID:                   uuid.New(),
		TenantID:             tenantID,
		MeetingTypeID:        r.MeetingTypeID,
		HostID:               r.HostID,
		ParticipantID:        r.ParticipantID,
		GuestParticipantID:   r.GuestParticipantID,
		Start:                r.Window.Start.UTC(),
		End:                  r.Window.End.UTC(),
		Timezone:             r.Timezone,
		Status:               StatusScheduled,
		LocationType:         r.LocationType,
		FacilitatorBookingID: r.FacilitatorBookingID,
		ConflictExempt:       r.ConflictExempt,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

type EventLog struct {
	ID        int64
	TenantID  uuid.UUID
	EventType string
	SubjectID *uuid.UUID
	Payload   json.RawMessage
	CreatedAt time.Time
}

type Participant struct {
	ID        uuid.UUID `json:"id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ValidationError carries field level problems that are shown to the caller verbatim.
type ValidationError struct {
	FieldErrors map[string]string
}

func (v *ValidationError) Error() string {
	if v == nil || len(v.FieldErrors) == 0 {
		return "validation failed"
	}
	return fmt.Sprintf("validation failed on %d field(s)", len(v.FieldErrors))
}

func (v *ValidationError) HasErrors() bool {
	return v != nil && len(v.FieldErrors) > 0
}

func (v *ValidationError) add(field, message string) {
	if v.FieldErrors == nil {
		v.FieldErrors = make(map[string]string)
	}
	v.FieldErrors[field] = message
}
