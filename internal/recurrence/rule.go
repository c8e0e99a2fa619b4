// Package recurrence holds the parsed form of an RRULE and iterates its
// candidate start instants.
package recurrence

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/samber/mo"
	"github.com/teambition/rrule-go"
)

// Frequency is the base period of a rule.
type Frequency string

const (
	Yearly   Frequency = "YEARLY"
	Monthly  Frequency = "MONTHLY"
	Weekly   Frequency = "WEEKLY"
	Daily    Frequency = "DAILY"
	Hourly   Frequency = "HOURLY"
	Minutely Frequency = "MINUTELY"
	Secondly Frequency = "SECONDLY"
)

var (
	ErrMissingFrequency = errors.New("recurrence: FREQ is required")
	ErrInvalidRule      = errors.New("recurrence: invalid rule")
)

// WeekdayNum is a BYDAY entry such as MO, 2TU or -1FR. Ordinal 0 means
// every such weekday in the period.
type WeekdayNum struct {
	Weekday time.Weekday
	Ordinal int
}

// Rule is a parsed recurrence rule anchored at Start.
type Rule struct {
	Frequency  Frequency
	Interval   int
	ByWeekday  []WeekdayNum
	ByMonthDay []int
	ByMonth    []int
	BySetPos   []int
	Until      mo.Option[time.Time]
	Count      mo.Option[int]
	WeekStart  time.Weekday
	Start      time.Time

	// qualifiers outside the modelled set (BYHOUR, BYYEARDAY, ...) are kept
	// so that iteration stays faithful to the source rule.
	extra rrule.ROption
}

// Parse parses an RRULE value (with or without the "RRULE:" prefix) and
// anchors it at start. UNTIL values without a zone are read in start's
// location.
func Parse(text string, start time.Time) (*Rule, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "RRULE:")
	if text == "" {
		return nil, ErrMissingFrequency
	}

	loc := start.Location()
	if loc == nil {
		loc = time.UTC
	}
	opt, err := rrule.StrToROptionInLocation(text, loc)
	if err != nil {
		if strings.Contains(err.Error(), "FREQ is required") {
			return nil, ErrMissingFrequency
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}

	keys := ruleKeys(text)
	r := &Rule{
		Frequency: frequencyFromROption(opt.Freq),
		Interval:  opt.Interval,
		WeekStart: toTimeWeekday(opt.Wkst),
		Start:     start,
	}
	if _, ok := keys["INTERVAL"]; !ok {
		r.Interval = 1
	}
	if r.Interval <= 0 {
		return nil, fmt.Errorf("%w: INTERVAL must be positive", ErrInvalidRule)
	}
	if _, ok := keys["COUNT"]; ok {
		if opt.Count < 0 {
			return nil, fmt.Errorf("%w: COUNT must not be negative", ErrInvalidRule)
		}
		r.Count = mo.Some(opt.Count)
	}
	if !opt.Until.IsZero() {
		r.Until = mo.Some(opt.Until)
	}
	for _, d := range opt.Bymonthday {
		if d == 0 || d < -31 || d > 31 {
			return nil, fmt.Errorf("%w: BYMONTHDAY %d out of range", ErrInvalidRule, d)
		}
	}
	for _, m := range opt.Bymonth {
		if m < 1 || m > 12 {
			return nil, fmt.Errorf("%w: BYMONTH %d out of range", ErrInvalidRule, m)
		}
	}
	for _, wd := range opt.Byweekday {
		r.ByWeekday = append(r.ByWeekday, WeekdayNum{Weekday: toTimeWeekday(wd), Ordinal: wd.N()})
	}
	r.ByMonthDay = opt.Bymonthday
	r.ByMonth = opt.Bymonth
	r.BySetPos = opt.Bysetpos
	r.extra = rrule.ROption{
		Byyearday: opt.Byyearday,
		Byweekno:  opt.Byweekno,
		Byhour:    opt.Byhour,
		Byminute:  opt.Byminute,
		Bysecond:  opt.Bysecond,
		Byeaster:  opt.Byeaster,
	}
	return r, nil
}

// ruleKeys returns the set of property names present in an RRULE value.
// rrule-go collapses an absent COUNT and COUNT=0 into the same value, so
// presence is tracked separately.
func ruleKeys(text string) map[string]struct{} {
	keys := make(map[string]struct{})
	for _, part := range strings.Split(text, ";") {
		name, _, _ := strings.Cut(part, "=")
		keys[strings.ToUpper(strings.TrimSpace(name))] = struct{}{}
	}
	return keys
}

// ROption converts the rule into rrule-go options.
func (r *Rule) ROption() rrule.ROption {
	opt := r.extra
	opt.Freq = toROptionFrequency(r.Frequency)
	opt.Dtstart = r.Start
	opt.Interval = r.Interval
	opt.Wkst = fromTimeWeekday(r.WeekStart)
	opt.Count = r.Count.OrElse(0)
	opt.Until = r.Until.OrEmpty()
	opt.Bysetpos = r.BySetPos
	opt.Bymonth = r.ByMonth
	opt.Bymonthday = r.ByMonthDay
	opt.Byweekday = nil
	for _, wd := range r.ByWeekday {
		base := fromTimeWeekday(wd.Weekday)
		opt.Byweekday = append(opt.Byweekday, base.Nth(wd.Ordinal))
	}
	return opt
}

// String serializes the rule as an RRULE value without DTSTART.
func (r *Rule) String() string {
	opt := r.ROption()
	opt.Dtstart = time.Time{}
	if r.Interval == 1 {
		opt.Interval = 0
	}
	s := opt.RRuleString()
	if n, ok := r.Count.Get(); ok && n == 0 {
		s += ";COUNT=0"
	}
	return s
}

// DateString is String for a rule anchored at a DATE value. UNTIL is
// written as a DATE in the anchor's location, since a DATE-TIME UNTIL is
// not allowed with a DATE DTSTART.
func (r *Rule) DateString() string {
	until, ok := r.Until.Get()
	if !ok {
		return r.String()
	}
	rest := *r
	rest.Until = mo.None[time.Time]()
	return rest.String() + ";UNTIL=" + until.In(r.Start.Location()).Format("20060102")
}

// Next yields the next candidate start; ok is false once the rule is
// exhausted.
type Next func() (t time.Time, ok bool)

// Iterator returns a lazy iterator over candidate starts in ascending
// order. COUNT and UNTIL are enforced; whichever is reached first ends the
// sequence.
func (r *Rule) Iterator() (Next, error) {
	if n, ok := r.Count.Get(); ok && n == 0 {
		return func() (time.Time, bool) { return time.Time{}, false }, nil
	}
	rr, err := rrule.NewRRule(r.ROption())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	return Next(rr.Iterator()), nil
}

// IteratorFrom is Iterator for a consumer that ignores candidates before
// from. When the rule has no COUNT and its period is a fixed number of
// days or seconds, the anchor is moved forward by whole periods so that
// iteration does not walk every candidate since Start. The sequence at or
// after from is unchanged.
func (r *Rule) IteratorFrom(from time.Time) (Next, error) {
	if shifted, ok := r.fastForward(from); ok {
		return shifted.Iterator()
	}
	return r.Iterator()
}

func (r *Rule) fastForward(from time.Time) (*Rule, bool) {
	if r.Count.IsPresent() || !from.After(r.Start) || r.hasDateQualifiers() {
		return nil, false
	}

	var start time.Time
	switch r.Frequency {
	case Secondly, Minutely, Hourly:
		// Wall-clock stepping only matches absolute stepping in UTC.
		if len(r.ByWeekday) > 0 || r.Start.Location() != time.UTC {
			return nil, false
		}
		step := time.Duration(r.Interval) * unitOf(r.Frequency)
		n := from.Sub(r.Start) / step
		start = r.Start.Add(n * step)
	case Daily:
		if len(r.ByWeekday) > 0 {
			return nil, false
		}
		n := daysBetween(r.Start, from) / r.Interval
		start = r.Start.AddDate(0, 0, n*r.Interval)
	case Weekly:
		span := 7 * r.Interval
		n := daysBetween(r.Start, from) / span
		start = r.Start.AddDate(0, 0, n*span)
	default:
		return nil, false
	}
	if !start.After(r.Start) {
		return nil, false
	}

	shifted := *r
	shifted.Start = start
	return &shifted, true
}

// hasDateQualifiers reports BY* parts whose expansion depends on the
// month or year of the anchor.
func (r *Rule) hasDateQualifiers() bool {
	return len(r.ByMonthDay) > 0 || len(r.ByMonth) > 0 || len(r.BySetPos) > 0 ||
		len(r.extra.Byyearday) > 0 || len(r.extra.Byweekno) > 0 || len(r.extra.Byeaster) > 0 ||
		len(r.extra.Byhour) > 0 || len(r.extra.Byminute) > 0 || len(r.extra.Bysecond) > 0
}

func unitOf(f Frequency) time.Duration {
	switch f {
	case Hourly:
		return time.Hour
	case Minutely:
		return time.Minute
	default:
		return time.Second
	}
}

// daysBetween counts calendar days from a to b in a's location.
func daysBetween(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.In(a.Location()).Date()
	x := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	y := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(y.Sub(x).Hours() / 24)
}

func frequencyFromROption(f rrule.Frequency) Frequency {
	switch f {
	case rrule.YEARLY:
		return Yearly
	case rrule.MONTHLY:
		return Monthly
	case rrule.WEEKLY:
		return Weekly
	case rrule.DAILY:
		return Daily
	case rrule.HOURLY:
		return Hourly
	case rrule.MINUTELY:
		return Minutely
	default:
		return Secondly
	}
}

func toROptionFrequency(f Frequency) rrule.Frequency {
	switch f {
	case Yearly:
		return rrule.YEARLY
	case Monthly:
		return rrule.MONTHLY
	case Weekly:
		return rrule.WEEKLY
	case Daily:
		return rrule.DAILY
	case Hourly:
		return rrule.HOURLY
	case Minutely:
		return rrule.MINUTELY
	default:
		return rrule.SECONDLY
	}
}

// rrule-go numbers weekdays from Monday (0) to Sunday (6).
var rruleWeekdays = []rrule.Weekday{rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA, rrule.SU}

func toTimeWeekday(wd rrule.Weekday) time.Weekday {
	return time.Weekday((wd.Day() + 1) % 7)
}

func fromTimeWeekday(wd time.Weekday) rrule.Weekday {
	return rruleWeekdays[(int(wd)+6)%7]
}

// String renders a BYDAY entry, e.g. "-1FR".
func (w WeekdayNum) String() string {
	s := fromTimeWeekday(w.Weekday).String()
	if w.Ordinal == 0 {
		return s
	}
	return strconv.Itoa(w.Ordinal) + s
}
