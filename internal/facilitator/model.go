package facilitator

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/crm-meeting-scheduler/internal/meetingtype"
	tw "github.com/hackgods/crm-meeting-scheduler/internal/timewindow"
)

var (
	ErrBookingNotFound  = errors.New("facilitator booking not found")
	ErrInvalidToken     = errors.New("invalid facilitator token")
	ErrExpired          = errors.New("facilitator booking has expired")
	ErrAlreadyCompleted = errors.New("this step has already been completed")
	ErrCancelled        = errors.New("facilitator booking was cancelled")
	ErrInvalidSelection = errors.New("invalid slot selection")
	ErrTooManyOptions   = errors.New("too many time options")
	ErrUnknownStatus    = errors.New("unknown facilitator status")

	// errStale is returned by repositories when a conditional update lost the race.
	errStale = errors.New("facilitator booking changed concurrently")
)

type Status string

const (
	StatusPendingP1 Status = "pending_p1"
	StatusPendingP2 Status = "pending_p2"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

func ParseStatus(raw string) (Status, error) {
	switch s := Status(raw); s {
	case StatusPendingP1, StatusPendingP2, StatusCompleted, StatusExpired, StatusCancelled:
		return s, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, raw)
	}
}

func (s Status) Pending() bool {
	return s == StatusPendingP1 || s == StatusPendingP2
}

// Role is the party a token belongs to.
type Role string

const (
	RoleParticipant1 Role = "participant_1"
	RoleParticipant2 Role = "participant_2"
)

type Party struct {
	RecordID *uuid.UUID `json:"record_id,omitempty"`
	Name     string     `json:"name"`
	Email    string     `json:"email"`
	Phone    string     `json:"phone,omitempty"`
}

// Booking is the shared state of a two-party facilitated booking. Tokens are
// only kept as hashes.
type Booking struct {
	ID              uuid.UUID                `json:"id"`
	TenantID        uuid.UUID                `json:"tenant_id"`
	MeetingTypeID   uuid.UUID                `json:"meeting_type_id"`
	FacilitatorID   uuid.UUID                `json:"facilitator_id"`
	Participant1    Party                    `json:"participant_1"`
	Participant2    Party                    `json:"participant_2"`
	DurationMinutes int                      `json:"selected_duration_minutes,omitempty"`
	Location        meetingtype.LocationType `json:"selected_location,omitempty"`
	Timezone        string                   `json:"timezone,omitempty"`
	ProposedSlots   []tw.Window              `json:"proposed_slots"`
	FinalSlot       *tw.Window               `json:"final_slot,omitempty"`
	MeetingID       *uuid.UUID               `json:"meeting_id,omitempty"`
	Status          Status                   `json:"status"`
	TokenP1Hash     string                   `json:"-"`
	TokenP2Hash     string                   `json:"-"`
	ExpiresAt       time.Time                `json:"expires_at"`
	CreatedAt       time.Time                `json:"created_at"`
	UpdatedAt       time.Time                `json:"updated_at"`
}

// EffectiveStatus is the stored status with lazy expiry applied.
func (b Booking) EffectiveStatus(now time.Time) Status {
	if b.Status.Pending() && now.After(b.ExpiresAt) {
		return StatusExpired
	}
	return b.Status
}

// RoleOf reports which party a token hash belongs to.
func (b Booking) RoleOf(hash string) (Role, bool) {
	switch {
	case hash == "":
		return "", false
	case hash == b.TokenP1Hash:
		return RoleParticipant1, true
	case hash == b.TokenP2Hash:
		return RoleParticipant2, true
	default:
		return "", false
	}
}

// IsProposed reports whether slot exactly matches one of the proposed slots.
func (b Booking) IsProposed(slot tw.Window) bool {
	for _, p := range b.ProposedSlots {
		if p.Equal(slot) {
			return true
		}
	}
	return false
}

func (b Booking) clone() Booking {
	out := b
	out.ProposedSlots = append([]tw.Window(nil), b.ProposedSlots...)
	if b.FinalSlot != nil {
		fs := *b.FinalSlot
		out.FinalSlot = &fs
	}
	if b.MeetingID != nil {
		id := *b.MeetingID
		out.MeetingID = &id
	}
	return out
}

// Change describes a conditional status update. FinalSlot is always written;
// the other fields are written only when set.
type Change struct {
	To              Status
	DurationMinutes int
	Location        meetingtype.LocationType
	Timezone        string
	ProposedSlots   []tw.Window
	TokenP2Hash     string
	FinalSlot       *tw.Window
	MeetingID       *uuid.UUID
}

func (c Change) apply(b *Booking, now time.Time) {
	b.Status = c.To
	if c.DurationMinutes > 0 {
		b.DurationMinutes = c.DurationMinutes
	}
	if c.Location != "" {
		b.Location = c.Location
	}
	if c.Timezone != "" {
		b.Timezone = c.Timezone
	}
	if c.ProposedSlots != nil {
		b.ProposedSlots = append([]tw.Window(nil), c.ProposedSlots...)
	}
	if c.TokenP2Hash != "" {
		b.TokenP2Hash = c.TokenP2Hash
	}
	if c.FinalSlot != nil {
		fs := *c.FinalSlot
		b.FinalSlot = &fs
	} else {
		b.FinalSlot = nil
	}
	if c.MeetingID != nil {
		id := *c.MeetingID
		b.MeetingID = &id
	}
	b.UpdatedAt = now
}
