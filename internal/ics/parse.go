package ics

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
)

// DefaultTitle is used when an event carries no SUMMARY.
const DefaultTitle = "No Title"

var (
	ErrEmptyResource = errors.New("ics: empty resource")
	ErrNoEvent       = errors.New("ics: no VEVENT in resource")
	ErrNoStart       = errors.New("ics: VEVENT has no DTSTART")
)

// Definition is the normalized first VEVENT of a raw calendar resource.
// Recurrence expansion operates on this type.
type Definition struct {
	UID     string
	Summary string

	Start  time.Time
	End    time.Time
	AllDay bool

	// RawRRule is the RRULE value without the "RRULE:" prefix; empty for
	// non-recurring events.
	RawRRule string
}

// IsRecurring reports whether the definition carries a recurrence rule.
func (d *Definition) IsRecurring() bool {
	return d.RawRRule != ""
}

// OccurrenceEnd returns the end of the occurrence starting at start,
// keeping the original event duration. All-day events keep their length
// in calendar days so DST shifts do not move midnight.
func (d *Definition) OccurrenceEnd(start time.Time) time.Time {
	if d.AllDay {
		days := calendarDays(d.Start, d.End)
		return start.AddDate(0, 0, days)
	}
	return start.Add(d.End.Sub(d.Start))
}

func calendarDays(start, end time.Time) int {
	sy, sm, sd := start.Date()
	ey, em, ed := end.In(start.Location()).Date()
	a := time.Date(sy, sm, sd, 0, 0, 0, 0, time.UTC)
	b := time.Date(ey, em, ed, 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a).Hours() / 24)
}

// ParseResource parses one raw calendar resource and returns its first
// VEVENT. Floating times and dates are read in loc.
//
//   - DTSTART with VALUE=DATE, or a value without a time part, marks the
//     event all-day.
//   - The end comes from DTEND, else DTSTART+DURATION, else one day for
//     all-day events, else DTSTART itself.
func ParseResource(text string, loc *time.Location) (*Definition, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyResource
	}
	if loc == nil {
		loc = time.Local
	}

	cal, err := ical.ParseCalendar(strings.NewReader(text))
	if err != nil {
		return nil, fmt.Errorf("ics: parse calendar: %w", err)
	}

	events := cal.Events()
	if len(events) == 0 {
		return nil, ErrNoEvent
	}
	return parseVEvent(events[0], loc)
}

func parseVEvent(ve *ical.VEvent, loc *time.Location) (*Definition, error) {
	var out Definition

	if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil {
		out.UID = strings.TrimSpace(p.Value)
	}

	out.Summary = DefaultTitle
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil && p.Value != "" {
		out.Summary = p.Value
	}

	if ve.GetProperty(ical.ComponentPropertyDtStart) == nil {
		return nil, ErrNoStart
	}
	start, allDay, err := parseTimeProperty(ve, ical.ComponentPropertyDtStart, loc)
	if err != nil {
		return nil, fmt.Errorf("ics: DTSTART: %w", err)
	}
	out.Start = start
	out.AllDay = allDay

	switch {
	case ve.GetProperty(ical.ComponentPropertyDtEnd) != nil:
		end, _, err := parseTimeProperty(ve, ical.ComponentPropertyDtEnd, loc)
		if err != nil {
			return nil, fmt.Errorf("ics: DTEND: %w", err)
		}
		out.End = end
	case ve.GetProperty(ical.ComponentPropertyDuration) != nil:
		d, err := parseDuration(ve.GetProperty(ical.ComponentPropertyDuration).Value)
		if err != nil {
			return nil, fmt.Errorf("ics: DURATION: %w", err)
		}
		out.End = d.addTo(start)
	case allDay:
		out.End = start.AddDate(0, 0, 1)
	default:
		out.End = start
	}
	if out.End.Before(out.Start) {
		return nil, fmt.Errorf("ics: event %q ends before it starts", out.UID)
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RawRRule = strings.TrimPrefix(strings.TrimSpace(p.Value), "RRULE:")
	}

	return &out, nil
}

// parseTimeProperty reads a DATE or DATE-TIME property value. The
// returned flag reports a DATE value.
//
// UTC values and values with a TZID go through golang-ical. Floating
// values carry no zone of their own and are read in loc; golang-ical
// would read them in time.Local.
func parseTimeProperty(ve *ical.VEvent, prop ical.ComponentProperty, loc *time.Location) (time.Time, bool, error) {
	p := ve.GetProperty(prop)
	v := strings.TrimSpace(p.Value)
	if v == "" {
		return time.Time{}, false, errors.New("empty time value")
	}

	isDate := !strings.Contains(v, "T")
	if vs, ok := p.ICalParameters[string(ical.ParameterValue)]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		isDate = true
	}

	tzs, hasTZID := p.ICalParameters[string(ical.ParameterTzid)]
	hasTZID = hasTZID && len(tzs) > 0 && tzs[0] != ""
	if hasTZID || strings.HasSuffix(v, "Z") {
		t, err := zonedTime(ve, prop, isDate)
		if err != nil {
			return time.Time{}, false, err
		}
		return t, isDate, nil
	}

	if isDate {
		t, err := time.ParseInLocation("20060102", v[:min(len(v), 8)], loc)
		return t, true, err
	}
	t, err := time.ParseInLocation("20060102T150405", v, loc)
	return t, false, err
}

func zonedTime(ve *ical.VEvent, prop ical.ComponentProperty, isDate bool) (time.Time, error) {
	switch {
	case prop == ical.ComponentPropertyDtStart && isDate:
		return ve.GetAllDayStartAt()
	case prop == ical.ComponentPropertyDtStart:
		return ve.GetStartAt()
	case isDate:
		return ve.GetAllDayEndAt()
	default:
		return ve.GetEndAt()
	}
}

// icsDuration is a parsed RFC 5545 DURATION value. Days and weeks are kept
// apart from the clock part so they follow calendar days.
type icsDuration struct {
	negative bool
	days     int
	clock    time.Duration
}

func (d icsDuration) addTo(t time.Time) time.Time {
	if d.negative {
		return t.AddDate(0, 0, -d.days).Add(-d.clock)
	}
	return t.AddDate(0, 0, d.days).Add(d.clock)
}

// parseDuration parses values such as P1D, PT1H30M, -PT15M or P2W.
func parseDuration(s string) (icsDuration, error) {
	var d icsDuration
	s = strings.TrimSpace(strings.ToUpper(s))
	switch {
	case strings.HasPrefix(s, "-"):
		d.negative = true
		s = s[1:]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	}
	if !strings.HasPrefix(s, "P") || len(s) < 3 {
		return d, fmt.Errorf("invalid duration %q", s)
	}
	s = s[1:]

	inTime := false
	num := ""
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			num += string(r)
		case r == 'T':
			inTime = true
		default:
			if num == "" {
				return d, fmt.Errorf("invalid duration component %q", string(r))
			}
			n, err := strconv.Atoi(num)
			if err != nil {
				return d, err
			}
			num = ""
			switch {
			case r == 'W' && !inTime:
				d.days += 7 * n
			case r == 'D' && !inTime:
				d.days += n
			case r == 'H' && inTime:
				d.clock += time.Duration(n) * time.Hour
			case r == 'M' && inTime:
				d.clock += time.Duration(n) * time.Minute
			case r == 'S' && inTime:
				d.clock += time.Duration(n) * time.Second
			default:
				return d, fmt.Errorf("invalid duration component %q", string(r))
			}
		}
	}
	if num != "" {
		return d, fmt.Errorf("trailing number in duration")
	}
	return d, nil
}
