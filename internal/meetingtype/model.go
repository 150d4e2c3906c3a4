package meetingtype

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrMeetingTypeNotFound = errors.New("meeting type not found")
	ErrUnknownLocationType = errors.New("unknown location type")
	ErrInvalidMeetingType  = errors.New("invalid meeting type")
)

type LocationType string

const (
	LocationVideo    LocationType = "video"
	LocationPhone    LocationType = "phone"
	LocationInPerson LocationType = "in_person"
	LocationCustom   LocationType = "custom"
)

func ParseLocationType(raw string) (LocationType, error) {
	switch lt := LocationType(raw); lt {
	case LocationVideo, LocationPhone, LocationInPerson, LocationCustom:
		return lt, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownLocationType, raw)
	}
}

// Hint is the location text handed to the calendar provider.
func (lt LocationType) Hint() string {
	switch lt {
	case LocationVideo:
		return "Video call"
	case LocationPhone:
		return "Phone call"
	case LocationInPerson:
		return "In person"
	case LocationCustom:
		return ""
	default:
		return ""
	}
}

// PipelineBinding links bookings to a CRM data pipeline.
type PipelineBinding struct {
	PipelineID       uuid.UUID         `json:"pipeline_id"`
	AutoCreateRecord bool              `json:"auto_create_record"`
	FieldMapping     map[string]string `json:"field_mapping,omitempty"` // form field -> record field
}

type FacilitatorSettings struct {
	MaxTimeOptions int `json:"max_time_options"`
	ExpiryHours    int `json:"expiry_hours"`
	// FacilitatorIsAttendee controls whether the final slot is conflict-checked
	// against the facilitator's own bookings.
	FacilitatorIsAttendee bool `json:"facilitator_is_attendee"`
}

const (
	DefaultMaxTimeOptions = 5
	DefaultExpiryHours    = 72
)

func (s FacilitatorSettings) WithDefaults() FacilitatorSettings {
	if s.MaxTimeOptions <= 0 {
		s.MaxTimeOptions = DefaultMaxTimeOptions
	}
	if s.ExpiryHours <= 0 {
		s.ExpiryHours = DefaultExpiryHours
	}
	return s
}

// MeetingType is passed by value into availability and booking operations so
// concurrent edits never leak into an in-flight computation.
type MeetingType struct {
	ID                  uuid.UUID
	TenantID            uuid.UUID
	HostID              uuid.UUID
	CalendarID          uuid.UUID
	Name                string
	DurationMinutes     int
	AllowedDurations    []int
	CalendarAccountRef  string
	CalendarSyncEnabled bool
	LocationType        LocationType
	AllowedLocations    []LocationType
	Pipeline            *PipelineBinding
	Facilitator         *FacilitatorSettings
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (mt MeetingType) Duration() time.Duration {
	return time.Duration(mt.DurationMinutes) * time.Minute
}

// AllowsDuration reports whether minutes is the default duration or one of the allowed alternatives.
func (mt MeetingType) AllowsDuration(minutes int) bool {
	if minutes <= 0 {
		return false
	}
	if minutes == mt.DurationMinutes {
		return true
	}
	for _, d := range mt.AllowedDurations {
		if d == minutes {
			return true
		}
	}
	return false
}

func (mt MeetingType) AllowsLocation(lt LocationType) bool {
	if lt == mt.LocationType {
		return true
	}
	for _, l := range mt.AllowedLocations {
		if l == lt {
			return true
		}
	}
	return false
}

func (mt MeetingType) FacilitatorSettings() FacilitatorSettings {
	if mt.Facilitator == nil {
		return FacilitatorSettings{}.WithDefaults()
	}
	return mt.Facilitator.WithDefaults()
}

// Snapshot returns a deep copy.
func (mt MeetingType) Snapshot() MeetingType {
	out := mt
	out.AllowedDurations = append([]int(nil), mt.AllowedDurations...)
	out.AllowedLocations = append([]LocationType(nil), mt.AllowedLocations...)
	if mt.Pipeline != nil {
		p := *mt.Pipeline
		p.FieldMapping = make(map[string]string, len(mt.Pipeline.FieldMapping))
		for k, v := range mt.Pipeline.FieldMapping {
			p.FieldMapping[k] = v
		}
		out.Pipeline = &p
	}
	if mt.Facilitator != nil {
		f := *mt.Facilitator
		out.Facilitator = &f
	}
	return out
}

func (mt MeetingType) Validate() error {
	if mt.DurationMinutes <= 0 {
		return fmt.Errorf("%w: duration must be positive", ErrInvalidMeetingType)
	}
	for _, d := range mt.AllowedDurations {
		if d <= 0 {
			return fmt.Errorf("%w: allowed durations must be positive", ErrInvalidMeetingType)
		}
	}
	if _, err := ParseLocationType(string(mt.LocationType)); err != nil {
		return err
	}
	for _, l := range mt.AllowedLocations {
		if _, err := ParseLocationType(string(l)); err != nil {
			return err
		}
	}
	if mt.CalendarSyncEnabled && mt.CalendarAccountRef == "" {
		return fmt.Errorf("%w: calendar sync requires a calendar account", ErrInvalidMeetingType)
	}
	if mt.Pipeline != nil && mt.Pipeline.PipelineID == uuid.Nil {
		return fmt.Errorf("%w: pipeline binding requires a pipeline id", ErrInvalidMeetingType)
	}
	return nil
}
