package timewindow

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var ErrInvalidWindow = errors.New("window end must be after start")

// Window is a half-open interval [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func New(start, end time.Time) (Window, error) {
	if !end.After(start) {
		return Window{}, fmt.Errorf("%w: start=%s end=%s", ErrInvalidWindow, start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return Window{Start: start, End: end}, nil
}

// MustNew panics on an invalid window. Intended for fixtures and constants.
func MustNew(start, end time.Time) Window {
	w, err := New(start, end)
	if err != nil {
		panic(err)
	}
	return w
}

func (w Window) Valid() bool {
	return w.End.After(w.Start)
}

func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Overlaps uses strict half-open semantics: touching boundaries do not overlap.
func (w Window) Overlaps(o Window) bool {
	return w.Start.Before(o.End) && w.End.After(o.Start)
}

// Contains reports whether t lies in [Start, End).
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

func (w Window) ContainsWindow(o Window) bool {
	return !o.Start.Before(w.Start) && !o.End.After(w.End)
}

// Equal compares instants, ignoring location.
func (w Window) Equal(o Window) bool {
	return w.Start.Equal(o.Start) && w.End.Equal(o.End)
}

// Expand widens the window on both sides. Negative values are treated as zero.
func (w Window) Expand(before, after time.Duration) Window {
	if before < 0 {
		before = 0
	}
	if after < 0 {
		after = 0
	}
	return Window{Start: w.Start.Add(-before), End: w.End.Add(after)}
}

// Subtract returns the parts of w not covered by o (zero, one or two windows).
func (w Window) Subtract(o Window) []Window {
	if !w.Overlaps(o) {
		return []Window{w}
	}

	var out []Window
	if w.Start.Before(o.Start) {
		out = append(out, Window{Start: w.Start, End: o.Start})
	}
	if w.End.After(o.End) {
		out = append(out, Window{Start: o.End, End: w.End})
	}
	return out
}

func (w Window) In(loc *time.Location) Window {
	return Window{Start: w.Start.In(loc), End: w.End.In(loc)}
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
}

// OverlapsAny reports whether w strictly overlaps any window in others.
func (w Window) OverlapsAny(others []Window) bool {
	for _, o := range others {
		if w.Overlaps(o) {
			return true
		}
	}
	return false
}

// Sort orders windows by start, then by end.
func Sort(ws []Window) {
	sort.SliceStable(ws, func(i, j int) bool {
		if !ws[i].Start.Equal(ws[j].Start) {
			return ws[i].Start.Before(ws[j].Start)
		}
		return ws[i].End.Before(ws[j].End)
	})
}

// Dedup removes consecutive (start, end) duplicates from a sorted slice.
func Dedup(ws []Window) []Window {
	if len(ws) == 0 {
		return ws
	}
	out := make([]Window, 0, len(ws))
	out = append(out, ws[0])
	for _, w := range ws[1:] {
		if w.Equal(out[len(out)-1]) {
			continue
		}
		out = append(out, w)
	}
	return out
}

// Merge coalesces overlapping or touching windows. The input is not modified.
func Merge(ws []Window) []Window {
	if len(ws) == 0 {
		return nil
	}

	sorted := make([]Window, len(ws))
	copy(sorted, ws)
	Sort(sorted)

	merged := []Window{sorted[0]}
	for _, cur := range sorted[1:] {
		last := &merged[len(merged)-1]
		if !cur.Start.After(last.End) {
			if cur.End.After(last.End) {
				last.End = cur.End
			}
			continue
		}
		merged = append(merged, cur)
	}
	return merged
}
