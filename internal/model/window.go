package model

import (
	"errors"
	"time"
)

// Window is the half-open display range [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// NewWindow validates and returns a window.
func NewWindow(start, end time.Time) (Window, error) {
	w := Window{Start: start, End: end}
	if !w.Valid() {
		return Window{}, errors.New("window: end must be after start")
	}
	return w, nil
}

// Valid reports whether the window is non-empty.
func (w Window) Valid() bool {
	return !w.Start.IsZero() && !w.End.IsZero() && w.End.After(w.Start)
}

// IsZero reports whether no window has been set.
func (w Window) IsZero() bool {
	return w.Start.IsZero() && w.End.IsZero()
}

// Equal compares two windows by instant.
func (w Window) Equal(o Window) bool {
	return w.Start.Equal(o.Start) && w.End.Equal(o.End)
}

// Overlaps reports whether [start, end) intersects the window.
//
// An occurrence ending exactly at Start, or starting exactly at End, does
// not overlap. Zero-length occurrences overlap when Start <= start < End.
func (w Window) Overlaps(start, end time.Time) bool {
	if !start.Before(w.End) {
		return false
	}
	if end.Equal(start) {
		return !start.Before(w.Start)
	}
	return end.After(w.Start)
}

// Contains reports whether t lies in [Start, End).
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}
