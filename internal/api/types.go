package api

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/crm-meeting-scheduler/internal/availability"
	"github.com/hackgods/crm-meeting-scheduler/internal/booking"
	"github.com/hackgods/crm-meeting-scheduler/internal/facilitator"
	"github.com/hackgods/crm-meeting-scheduler/internal/meetingtype"
	tw "github.com/hackgods/crm-meeting-scheduler/internal/timewindow"
)

type ErrorResponse struct {
	Error   string            `json:"error"`
	Details string            `json:"details,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// CalendarRequest creates or replaces a working hours calendar. Weekly hours
// are keyed by lower-case weekday name.
type CalendarRequest struct {
	OwnerID             uuid.UUID                             `json:"owner_id"`
	Timezone            string                                `json:"timezone"`
	WeeklyHours         map[string][]tw.TimeOfDayRange        `json:"weekly_hours"`
	BlockedDates        []tw.Date                             `json:"blocked_dates,omitempty"`
	Overrides           map[tw.Date]availability.DateOverride `json:"overrides,omitempty"`
	SlotIntervalMinutes int                                   `json:"slot_interval_minutes,omitempty"`
	BufferMinutes       int                                   `json:"buffer_minutes,omitempty"`
	MinNoticeHours      int                                   `json:"min_notice_hours,omitempty"`
	MaxAdvanceDays      int                                   `json:"max_advance_days,omitempty"`
	EnforceBuffer       bool                                  `json:"enforce_buffer"`
	EnforceMinNotice    bool                                  `json:"enforce_min_notice"`
}

type CalendarResponse struct {
	ID                  uuid.UUID                             `json:"id"`
	OwnerID             uuid.UUID                             `json:"owner_id"`
	Timezone            string                                `json:"timezone"`
	WeeklyHours         map[string][]tw.TimeOfDayRange        `json:"weekly_hours"`
	BlockedDates        []tw.Date                             `json:"blocked_dates"`
	Overrides           map[tw.Date]availability.DateOverride `json:"overrides"`
	SlotIntervalMinutes int                                   `json:"slot_interval_minutes"`
	BufferMinutes       int                                   `json:"buffer_minutes"`
	MinNoticeHours      int                                   `json:"min_notice_hours"`
	MaxAdvanceDays      int                                   `json:"max_advance_days"`
	EnforceBuffer       bool                                  `json:"enforce_buffer"`
	EnforceMinNotice    bool                                  `json:"enforce_min_notice"`
	UpdatedAt           time.Time                             `json:"updated_at"`
}

// apply writes the request onto cal, replacing every schedule field.
func (req CalendarRequest) apply(cal *availability.WorkingHoursCalendar) error {
	cal.Timezone = req.Timezone
	if req.OwnerID != uuid.Nil {
		cal.OwnerID = req.OwnerID
	}
	cal.WeeklyHours = make(map[time.Weekday][]tw.TimeOfDayRange)
	for name, ranges := range req.WeeklyHours {
		day, err := availability.ParseWeekday(name)
		if err != nil {
			return err
		}
		if err := cal.SetWeeklyHours(day, ranges); err != nil {
			return err
		}
	}
	cal.BlockedDates = make(map[tw.Date]struct{})
	for _, d := range req.BlockedDates {
		cal.BlockDate(d)
	}
	cal.Overrides = make(map[tw.Date]availability.DateOverride)
	for d, o := range req.Overrides {
		if err := cal.SetOverride(d, o); err != nil {
			return err
		}
	}
	if req.SlotIntervalMinutes > 0 {
		cal.SlotIntervalMinutes = req.SlotIntervalMinutes
	}
	cal.BufferMinutes = req.BufferMinutes
	cal.MinNoticeHours = req.MinNoticeHours
	cal.MaxAdvanceDays = req.MaxAdvanceDays
	cal.EnforceBuffer = req.EnforceBuffer
	cal.EnforceMinNotice = req.EnforceMinNotice
	return nil
}

func calendarResponse(cal *availability.WorkingHoursCalendar) CalendarResponse {
	resp := CalendarResponse{
		ID:                  cal.ID,
		OwnerID:             cal.OwnerID,
		Timezone:            cal.Timezone,
		WeeklyHours:         make(map[string][]tw.TimeOfDayRange, len(cal.WeeklyHours)),
		BlockedDates:        make([]tw.Date, 0, len(cal.BlockedDates)),
		Overrides:           cal.Overrides,
		SlotIntervalMinutes: cal.SlotIntervalMinutes,
		BufferMinutes:       cal.BufferMinutes,
		MinNoticeHours:      cal.MinNoticeHours,
		MaxAdvanceDays:      cal.MaxAdvanceDays,
		EnforceBuffer:       cal.EnforceBuffer,
		EnforceMinNotice:    cal.EnforceMinNotice,
		UpdatedAt:           cal.UpdatedAt,
	}
	for day, ranges := range cal.WeeklyHours {
		resp.WeeklyHours[strings.ToLower(day.String())] = ranges
	}
	for d := range cal.BlockedDates {
		resp.BlockedDates = append(resp.BlockedDates, d)
	}
	sort.Slice(resp.BlockedDates, func(i, j int) bool {
		return resp.BlockedDates[i].Before(resp.BlockedDates[j])
	})
	return resp
}

type MeetingTypeRequest struct {
	HostID              uuid.UUID                        `json:"host_id"`
	CalendarID          uuid.UUID                        `json:"calendar_id"`
	Name                string                           `json:"name"`
	DurationMinutes     int                              `json:"duration_minutes"`
	AllowedDurations    []int                            `json:"allowed_durations,omitempty"`
	CalendarAccountRef  string                           `json:"calendar_account_ref,omitempty"`
	CalendarSyncEnabled bool                             `json:"calendar_sync_enabled"`
	LocationType        meetingtype.LocationType         `json:"location_type"`
	AllowedLocations    []meetingtype.LocationType       `json:"allowed_locations,omitempty"`
	Pipeline            *meetingtype.PipelineBinding     `json:"pipeline,omitempty"`
	Facilitator         *meetingtype.FacilitatorSettings `json:"facilitator,omitempty"`
}

func (req MeetingTypeRequest) meetingType() meetingtype.MeetingType {
	return meetingtype.MeetingType{
		HostID:              req.HostID,
		CalendarID:          req.CalendarID,
		Name:                req.Name,
		DurationMinutes:     req.DurationMinutes,
		AllowedDurations:    req.AllowedDurations,
		CalendarAccountRef:  req.CalendarAccountRef,
		CalendarSyncEnabled: req.CalendarSyncEnabled,
		LocationType:        req.LocationType,
		AllowedLocations:    req.AllowedLocations,
		Pipeline:            req.Pipeline,
		Facilitator:         req.Facilitator,
	}
}

type MeetingTypeResponse struct {
	ID uuid.UUID `json:"id"`
	MeetingTypeRequest
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func meetingTypeResponse(mt *meetingtype.MeetingType) MeetingTypeResponse {
	return MeetingTypeResponse{
		ID: mt.ID,
		MeetingTypeRequest: MeetingTypeRequest{
			HostID:              mt.HostID,
			CalendarID:          mt.CalendarID,
			Name:                mt.Name,
			DurationMinutes:     mt.DurationMinutes,
			AllowedDurations:    mt.AllowedDurations,
			CalendarAccountRef:  mt.CalendarAccountRef,
			CalendarSyncEnabled: mt.CalendarSyncEnabled,
			LocationType:        mt.LocationType,
			AllowedLocations:    mt.AllowedLocations,
			Pipeline:            mt.Pipeline,
			Facilitator:         mt.Facilitator,
		},
		CreatedAt: mt.CreatedAt,
		UpdatedAt: mt.UpdatedAt,
	}
}

type SlotsResponse struct {
	MeetingTypeID   uuid.UUID   `json:"meeting_type_id"`
	DurationMinutes int         `json:"duration_minutes"`
	Slots           []tw.Window `json:"slots"`
}

type BookingRequest struct {
	Start    time.Time                `json:"start"`
	End      time.Time                `json:"end"`
	Timezone string                   `json:"timezone"`
	Location meetingtype.LocationType `json:"location,omitempty"`
	Fields   map[string]string        `json:"fields"`
}

type TransitionRequest struct {
	Status booking.Status `json:"status"`
}

type RescheduleRequest struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type FacilitatorCreateRequest struct {
	MeetingTypeID uuid.UUID         `json:"meeting_type_id"`
	FacilitatorID uuid.UUID         `json:"facilitator_id"`
	Participant1  facilitator.Party `json:"participant_1"`
	Participant2  facilitator.Party `json:"participant_2"`
}

// FacilitatorCreatedResponse carries the participant 1 token. It is shown once.
type FacilitatorCreatedResponse struct {
	Booking facilitator.Booking `json:"booking"`
	Token   string              `json:"token"`
}

type ProposalRequest struct {
	DurationMinutes int                      `json:"duration_minutes,omitempty"`
	Location        meetingtype.LocationType `json:"location,omitempty"`
	Timezone        string                   `json:"timezone,omitempty"`
	Slots           []tw.Window              `json:"slots"`
}

type SelectionRequest struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type FacilitatorViewResponse struct {
	Booking facilitator.Booking `json:"booking"`
	Role    facilitator.Role    `json:"role"`
	Status  facilitator.Status  `json:"status"`
}
