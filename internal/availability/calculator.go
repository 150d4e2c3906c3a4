package availability

import (
	"errors"
	"fmt"
	"time"

	tw "github.com/hackgods/crm-meeting-scheduler/internal/timewindow"
)

var ErrInvalidInput = errors.New("invalid availability request")

// Calculator turns a working hours calendar plus busy time into bookable slots.
// It holds no mutable state and is safe for concurrent use.
type Calculator struct {
	now func() time.Time
}

func NewCalculator(now func() time.Time) *Calculator {
	if now == nil {
		now = time.Now
	}
	return &Calculator{now: now}
}

// ComputeSlots returns the slots of durationMinutes that start inside rng, fit the
// calendar's open ranges and do not strictly overlap any busy interval. The result
// is sorted by start and free of duplicates. A slot may run past the end of its
// open range; only its start has to fall inside.
func (c *Calculator) ComputeSlots(cal *WorkingHoursCalendar, busy []tw.Window, durationMinutes int, rng tw.Window) ([]tw.Window, error) {
	if cal == nil {
		return nil, fmt.Errorf("%w: calendar is required", ErrInvalidInput)
	}
	if durationMinutes <= 0 {
		return nil, fmt.Errorf("%w: duration must be positive", ErrInvalidInput)
	}
	if cal.SlotIntervalMinutes <= 0 {
		return nil, fmt.Errorf("%w: slot interval must be positive", ErrInvalidInput)
	}
	if !rng.Valid() {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, tw.ErrInvalidWindow)
	}
	loc, err := cal.Location()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	now := c.now()
	duration := time.Duration(durationMinutes) * time.Minute
	interval := time.Duration(cal.SlotIntervalMinutes) * time.Minute

	end := rng.End
	if cal.MaxAdvanceDays > 0 {
		if limit := now.AddDate(0, 0, cal.MaxAdvanceDays); limit.Before(end) {
			end = limit
		}
	}
	earliest := rng.Start
	if cal.EnforceMinNotice {
		if notice := now.Add(time.Duration(cal.MinNoticeHours) * time.Hour); notice.After(earliest) {
			earliest = notice
		}
	}
	slots := []tw.Window{}
	if !end.After(earliest) {
		return slots, nil
	}

	blocking := busy
	if cal.EnforceBuffer && cal.BufferMinutes > 0 {
		pad := time.Duration(cal.BufferMinutes) * time.Minute
		blocking = make([]tw.Window, len(busy))
		for i, b := range busy {
			blocking[i] = b.Expand(pad, pad)
		}
	}

	first := tw.DateOf(rng.Start.In(loc))
	last := tw.DateOf(end.In(loc))
	for d := first; !d.After(last); d = d.AddDays(1) {
		for _, r := range cal.OpenRanges(d) {
			open := r.On(d, loc)
			for start := open.Start; start.Before(open.End); start = start.Add(interval) {
				if start.Before(earliest) || !start.Before(end) {
					continue
				}
				slot := tw.Window{Start: start, End: start.Add(duration)}
				if slot.OverlapsAny(blocking) {
					continue
				}
				slots = append(slots, slot)
			}
		}
	}

	tw.Sort(slots)
	return tw.Dedup(slots), nil
}
