package timewindow

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	ErrInvalidDate      = errors.New("invalid date, expected YYYY-MM-DD")
	ErrInvalidTimeOfDay = errors.New("invalid time of day, expected HH:MM")
	ErrInvalidRange     = errors.New("time of day range end must be after start")
	ErrOverlappingRange = errors.New("time of day ranges overlap")
)

const dateLayout = "2006-01-02"

// Date is a calendar day with no location attached.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the calendar day of t in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	return DateOf(t), nil
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

func (d Date) AddDays(n int) Date {
	return DateOf(time.Date(d.Year, d.Month, d.Day+n, 0, 0, 0, 0, time.UTC))
}

func (d Date) Weekday() time.Weekday {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC).Weekday()
}

func (d Date) Before(o Date) bool {
	if d.Year != o.Year {
		return d.Year < o.Year
	}
	if d.Month != o.Month {
		return d.Month < o.Month
	}
	return d.Day < o.Day
}

func (d Date) After(o Date) bool {
	return o.Before(d)
}

// At resolves the wall-clock time tod on day d in loc.
func (d Date) At(loc *time.Location, tod TimeOfDay) time.Time {
	return time.Date(d.Year, d.Month, d.Day, tod.Hour, tod.Minute, 0, 0, loc)
}

func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Date) UnmarshalText(b []byte) error {
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// TimeOfDay is a wall-clock time with minute precision. 24:00 is allowed as an end bound.
type TimeOfDay struct {
	Hour   int
	Minute int
}

func ParseTimeOfDay(s string) (TimeOfDay, error) {
	var h, m int
	if len(s) != 5 || s[2] != ':' {
		return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidTimeOfDay, s)
	}
	if _, err := fmt.Sscanf(s, "%02d:%02d", &h, &m); err != nil {
		return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidTimeOfDay, s)
	}
	tod := TimeOfDay{Hour: h, Minute: m}
	if !tod.valid() {
		return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidTimeOfDay, s)
	}
	return tod, nil
}

func (t TimeOfDay) valid() bool {
	if t.Hour == 24 {
		return t.Minute == 0
	}
	return t.Hour >= 0 && t.Hour < 24 && t.Minute >= 0 && t.Minute < 60
}

// Minutes returns minutes since midnight.
func (t TimeOfDay) Minutes() int {
	return t.Hour*60 + t.Minute
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

func (t TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *TimeOfDay) UnmarshalText(b []byte) error {
	parsed, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// TimeOfDayRange is an open interval of a single day. Overnight wraparound is not allowed.
type TimeOfDayRange struct {
	Start TimeOfDay `json:"start_time"`
	End   TimeOfDay `json:"end_time"`
}

func NewTimeOfDayRange(start, end string) (TimeOfDayRange, error) {
	s, err := ParseTimeOfDay(start)
	if err != nil {
		return TimeOfDayRange{}, err
	}
	e, err := ParseTimeOfDay(end)
	if err != nil {
		return TimeOfDayRange{}, err
	}
	r := TimeOfDayRange{Start: s, End: e}
	if err := r.Validate(); err != nil {
		return TimeOfDayRange{}, err
	}
	return r, nil
}

func (r TimeOfDayRange) Validate() error {
	if !r.Start.valid() || !r.End.valid() || r.Start.Hour == 24 {
		return ErrInvalidTimeOfDay
	}
	if r.End.Minutes() <= r.Start.Minutes() {
		return fmt.Errorf("%w: %s-%s", ErrInvalidRange, r.Start, r.End)
	}
	return nil
}

func (r TimeOfDayRange) On(d Date, loc *time.Location) Window {
	return Window{Start: d.At(loc, r.Start), End: d.At(loc, r.End)}
}

func (r TimeOfDayRange) String() string {
	return r.Start.String() + "-" + r.End.String()
}

// NormalizeRanges validates each range, sorts by start and rejects overlaps.
// Touching ranges (09:00-12:00, 12:00-17:00) are allowed.
func NormalizeRanges(ranges []TimeOfDayRange) ([]TimeOfDayRange, error) {
	out := make([]TimeOfDayRange, len(ranges))
	copy(out, ranges)
	for _, r := range out {
		if err := r.Validate(); err != nil {
			return nil, err
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Start.Minutes() < out[j].Start.Minutes()
	})
	for i := 1; i < len(out); i++ {
		if out[i].Start.Minutes() < out[i-1].End.Minutes() {
			return nil, fmt.Errorf("%w: %s and %s", ErrOverlappingRange, out[i-1], out[i])
		}
	}
	return out, nil
}

// rangeJSON keeps the wire format as plain strings.
type rangeJSON struct {
	Start string `json:"start_time"`
	End   string `json:"end_time"`
}

func (r TimeOfDayRange) MarshalJSON() ([]byte, error) {
	return json.Marshal(rangeJSON{Start: r.Start.String(), End: r.End.String()})
}

func (r *TimeOfDayRange) UnmarshalJSON(b []byte) error {
	var raw rangeJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	parsed, err := NewTimeOfDayRange(raw.Start, raw.End)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
