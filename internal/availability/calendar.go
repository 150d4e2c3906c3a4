package availability

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	tw "github.com/hackgods/crm-meeting-scheduler/internal/timewindow"
)

var (
	ErrCalendarNotFound    = errors.New("working hours calendar not found")
	ErrUnknownOverrideKind = errors.New("unknown date override kind")
	ErrInvalidTimezone     = errors.New("invalid timezone")
	ErrInvalidCalendar     = errors.New("invalid working hours calendar")
)

type OverrideKind string

const (
	OverrideBlocked  OverrideKind = "blocked"
	OverrideCustom   OverrideKind = "custom"
	OverrideExtended OverrideKind = "extended"
)

func ParseOverrideKind(raw string) (OverrideKind, error) {
	switch k := OverrideKind(raw); k {
	case OverrideBlocked, OverrideCustom, OverrideExtended:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownOverrideKind, raw)
	}
}

type DateOverride struct {
	Kind   OverrideKind        `json:"type"`
	Ranges []tw.TimeOfDayRange `json:"ranges"`
}

// WorkingHoursCalendar is the per-profile weekly schedule plus date exceptions.
// Precedence: blocked dates, then overrides, then weekly hours.
type WorkingHoursCalendar struct {
	ID       uuid.UUID
	TenantID uuid.UUID
	OwnerID  uuid.UUID
	Timezone string

	WeeklyHours  map[time.Weekday][]tw.TimeOfDayRange
	BlockedDates map[tw.Date]struct{}
	Overrides    map[tw.Date]DateOverride

	SlotIntervalMinutes int
	BufferMinutes       int
	MinNoticeHours      int
	MaxAdvanceDays      int

	// Buffer and minimum notice filtering only apply when switched on.
	EnforceBuffer    bool
	EnforceMinNotice bool

	UpdatedAt time.Time
}

const DefaultSlotIntervalMinutes = 30

// NewCalendar returns an empty calendar in the given timezone.
func NewCalendar(ownerID uuid.UUID, timezone string) (*WorkingHoursCalendar, error) {
	if _, err := time.LoadLocation(timezone); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimezone, timezone)
	}
	return &WorkingHoursCalendar{
		ID:                  uuid.New(),
		OwnerID:             ownerID,
		Timezone:            timezone,
		WeeklyHours:         make(map[time.Weekday][]tw.TimeOfDayRange),
		BlockedDates:        make(map[tw.Date]struct{}),
		Overrides:           make(map[tw.Date]DateOverride),
		SlotIntervalMinutes: DefaultSlotIntervalMinutes,
	}, nil
}

func (c *WorkingHoursCalendar) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimezone, c.Timezone)
	}
	return loc, nil
}

func (c *WorkingHoursCalendar) Validate() error {
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.SlotIntervalMinutes <= 0 {
		return fmt.Errorf("%w: slot interval must be positive", ErrInvalidCalendar)
	}
	if c.BufferMinutes < 0 || c.MinNoticeHours < 0 || c.MaxAdvanceDays < 0 {
		return fmt.Errorf("%w: buffer, notice and advance limits must not be negative", ErrInvalidCalendar)
	}
	for day, ranges := range c.WeeklyHours {
		if _, err := tw.NormalizeRanges(ranges); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidCalendar, day, err)
		}
	}
	for date, o := range c.Overrides {
		if _, err := ParseOverrideKind(string(o.Kind)); err != nil {
			return err
		}
		if _, err := tw.NormalizeRanges(o.Ranges); err != nil {
			return fmt.Errorf("%w: override %s: %w", ErrInvalidCalendar, date, err)
		}
	}
	return nil
}

// SetWeeklyHours replaces the open ranges for a weekday. An empty list closes the day.
func (c *WorkingHoursCalendar) SetWeeklyHours(day time.Weekday, ranges []tw.TimeOfDayRange) error {
	normalized, err := tw.NormalizeRanges(ranges)
	if err != nil {
		return err
	}
	if c.WeeklyHours == nil {
		c.WeeklyHours = make(map[time.Weekday][]tw.TimeOfDayRange)
	}
	if len(normalized) == 0 {
		delete(c.WeeklyHours, day)
		return nil
	}
	c.WeeklyHours[day] = normalized
	return nil
}

func (c *WorkingHoursCalendar) BlockDate(d tw.Date) {
	if c.BlockedDates == nil {
		c.BlockedDates = make(map[tw.Date]struct{})
	}
	c.BlockedDates[d] = struct{}{}
}

func (c *WorkingHoursCalendar) UnblockDate(d tw.Date) {
	delete(c.BlockedDates, d)
}

func (c *WorkingHoursCalendar) SetOverride(d tw.Date, o DateOverride) error {
	if _, err := ParseOverrideKind(string(o.Kind)); err != nil {
		return err
	}
	normalized, err := tw.NormalizeRanges(o.Ranges)
	if err != nil {
		return err
	}
	if o.Kind == OverrideBlocked {
		normalized = nil
	}
	if c.Overrides == nil {
		c.Overrides = make(map[tw.Date]DateOverride)
	}
	c.Overrides[d] = DateOverride{Kind: o.Kind, Ranges: normalized}
	return nil
}

func (c *WorkingHoursCalendar) ClearOverride(d tw.Date) {
	delete(c.Overrides, d)
}

// IsBlocked reports whether no slots can be generated on d at all.
func (c *WorkingHoursCalendar) IsBlocked(d tw.Date) bool {
	if _, ok := c.BlockedDates[d]; ok {
		return true
	}
	o, ok := c.Overrides[d]
	if !ok {
		return false
	}
	switch o.Kind {
	case OverrideBlocked:
		return true
	case OverrideCustom:
		return len(o.Ranges) == 0
	case OverrideExtended:
		return false
	default:
		return false
	}
}

// OpenRanges resolves the open ranges of d. Extended overrides return the weekly
// ranges followed by the override ranges; they may overlap and callers dedup.
func (c *WorkingHoursCalendar) OpenRanges(d tw.Date) []tw.TimeOfDayRange {
	if c.IsBlocked(d) {
		return nil
	}

	weekly := c.WeeklyHours[d.Weekday()]
	o, ok := c.Overrides[d]
	if !ok {
		return weekly
	}

	switch o.Kind {
	case OverrideCustom:
		return o.Ranges
	case OverrideExtended:
		out := make([]tw.TimeOfDayRange, 0, len(weekly)+len(o.Ranges))
		out = append(out, weekly...)
		out = append(out, o.Ranges...)
		return out
	case OverrideBlocked:
		return nil
	default:
		return weekly
	}
}

// Clone returns a deep copy that can be read without synchronisation.
func (c *WorkingHoursCalendar) Clone() *WorkingHoursCalendar {
	out := *c
	out.WeeklyHours = make(map[time.Weekday][]tw.TimeOfDayRange, len(c.WeeklyHours))
	for day, ranges := range c.WeeklyHours {
		out.WeeklyHours[day] = append([]tw.TimeOfDayRange(nil), ranges...)
	}
	out.BlockedDates = make(map[tw.Date]struct{}, len(c.BlockedDates))
	for d := range c.BlockedDates {
		out.BlockedDates[d] = struct{}{}
	}
	out.Overrides = make(map[tw.Date]DateOverride, len(c.Overrides))
	for d, o := range c.Overrides {
		out.Overrides[d] = DateOverride{Kind: o.Kind, Ranges: append([]tw.TimeOfDayRange(nil), o.Ranges...)}
	}
	return &out
}

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// ParseWeekday accepts English day names in any case.
func ParseWeekday(raw string) (time.Weekday, error) {
	d, ok := weekdayNames[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return 0, fmt.Errorf("%w: unknown weekday %q", ErrInvalidCalendar, raw)
	}
	return d, nil
}

func weekdayName(d time.Weekday) string {
	for name, wd := range weekdayNames {
		if wd == d {
			return name
		}
	}
	return ""
}

// WeeklyHoursByName keys the weekly hours by lowercase day name for storage and transport.
func (c *WorkingHoursCalendar) WeeklyHoursByName() map[string][]tw.TimeOfDayRange {
	out := make(map[string][]tw.TimeOfDayRange, len(c.WeeklyHours))
	for day, ranges := range c.WeeklyHours {
		out[weekdayName(day)] = ranges
	}
	return out
}

func weeklyHoursFromNames(in map[string][]tw.TimeOfDayRange) (map[time.Weekday][]tw.TimeOfDayRange, error) {
	out := make(map[time.Weekday][]tw.TimeOfDayRange, len(in))
	for name, ranges := range in {
		day, err := ParseWeekday(name)
		if err != nil {
			return nil, err
		}
		out[day] = ranges
	}
	return out, nil
}

// SortedBlockedDates is used for stable serialisation.
func (c *WorkingHoursCalendar) SortedBlockedDates() []tw.Date {
	out := make([]tw.Date, 0, len(c.BlockedDates))
	for d := range c.BlockedDates {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
