package ics

import (
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/samber/mo"

	appLog "webcal/internal/log"
	"webcal/internal/metrics"
	"webcal/internal/model"
	"webcal/internal/recurrence"
)

const defaultMaxOccurrencesPerEvent = 5000

// Expander turns raw calendar resources into occurrences overlapping a
// display window.
type Expander struct {
	// Location is used for floating times and dates, and as the zone of
	// the emitted occurrences. If nil, time.Local is used.
	Location *time.Location

	// MaxOccurrencesPerEvent is a safety cap per resource. If zero,
	// defaultMaxOccurrencesPerEvent is used.
	MaxOccurrencesPerEvent int
}

// NewExpander creates an Expander for the given display location.
func NewExpander(loc *time.Location, maxPerEvent int) *Expander {
	return &Expander{Location: loc, MaxOccurrencesPerEvent: maxPerEvent}
}

func (e *Expander) location() *time.Location {
	if e == nil || e.Location == nil {
		return time.Local
	}
	return e.Location
}

func (e *Expander) maxPerEvent() int {
	if e == nil || e.MaxOccurrencesPerEvent <= 0 {
		return defaultMaxOccurrencesPerEvent
	}
	return e.MaxOccurrencesPerEvent
}

// Expand returns the occurrences of one raw resource that overlap w.
//
// Malformed resources yield an empty sequence; the failure is logged and
// never surfaced. Recurring definitions are iterated lazily from DTSTART
// and iteration stops at the first candidate at or past w.End, so
// unbounded rules terminate. Non-recurring definitions are filtered
// against the same window.
func (e *Expander) Expand(src model.CalendarSource, res model.RawResource, w model.Window) iter.Seq[model.Occurrence] {
	return func(yield func(model.Occurrence) bool) {
		if !w.Valid() {
			appLog.Debug("expand: invalid window; skipping resource", "source", src.UID, "locator", res.Locator)
			return
		}

		def, err := ParseResource(res.Data, e.location())
		if err != nil {
			metrics.ResourceSkipped("parse")
			appLog.Error("expand: skipping unparseable resource", err, "source", src.UID, "locator", res.Locator)
			return
		}
		if def.UID == "" {
			// Without a UID the locator is the only stable identity.
			def.UID = res.Locator
		}

		if !def.IsRecurring() {
			if w.Overlaps(def.Start, def.End) {
				yield(e.occurrence(src, res, def, def.Start, def.End))
			}
			return
		}

		e.expandRecurring(src, res, def, w, yield)
	}
}

func (e *Expander) expandRecurring(src model.CalendarSource, res model.RawResource, def *Definition, w model.Window, yield func(model.Occurrence) bool) {
	rule, err := recurrence.Parse(def.RawRRule, def.Start)
	if err != nil {
		metrics.ResourceSkipped("rrule")
		appLog.Error("expand: failed to parse RRULE", err, "uid", def.UID, "rrule", def.RawRRule, "locator", res.Locator)
		return
	}
	// Candidates starting before from cannot reach into the window. The
	// extra day covers all-day spans that grow across a DST change.
	from := w.Start.Add(-def.End.Sub(def.Start)).AddDate(0, 0, -1)
	next, err := rule.IteratorFrom(from)
	if err != nil {
		metrics.ResourceSkipped("rrule")
		appLog.Error("expand: failed to build iterator", err, "uid", def.UID, "rrule", def.RawRRule)
		return
	}

	emitted := 0
	for {
		start, ok, err := advance(next)
		if err != nil {
			metrics.ResourceSkipped("candidate")
			appLog.Error("expand: iterator failed; abandoning resource", err, "uid", def.UID)
			return
		}
		// COUNT/UNTIL exhausted, or the window end reached.
		if !ok || !start.Before(w.End) {
			return
		}

		end := def.OccurrenceEnd(start)
		if !w.Overlaps(start, end) {
			continue
		}
		if emitted >= e.maxPerEvent() {
			metrics.ResourceSkipped("occurrence_cap")
			appLog.Error("expand: truncated occurrences for UID due to cap",
				errors.New("max occurrences reached"),
				"uid", def.UID,
				"cap", e.maxPerEvent(),
			)
			return
		}
		emitted++
		if !yield(e.occurrence(src, res, def, start, end)) {
			return
		}
	}
}

// advance pulls one candidate, converting a panic inside the rule engine
// into an error so a single bad rule cannot abort a fetch cycle.
func advance(next recurrence.Next) (t time.Time, ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recurrence iterator panic: %v", r)
		}
	}()
	t, ok = next()
	return t, ok, nil
}

// ExpandAll collects Expand into a slice.
func (e *Expander) ExpandAll(src model.CalendarSource, res model.RawResource, w model.Window) []model.Occurrence {
	out := make([]model.Occurrence, 0)
	for occ := range e.Expand(src, res, w) {
		out = append(out, occ)
	}
	return out
}

func (e *Expander) occurrence(src model.CalendarSource, res model.RawResource, def *Definition, start, end time.Time) model.Occurrence {
	occ := model.Occurrence{
		EventUID:      def.UID,
		SourceUID:     src.UID,
		Title:         def.Summary,
		AllDay:        def.AllDay,
		Start:         start,
		End:           end,
		SourceLocator: res.Locator,
	}
	if !def.AllDay {
		loc := e.location()
		occ.Start = start.In(loc)
		occ.End = end.In(loc)
	}
	if def.IsRecurring() {
		occ.RecurrenceRule = mo.Some(def.RawRRule)
	}
	return occ
}
