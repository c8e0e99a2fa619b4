package recurrence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, r *Rule, limit int) []time.Time {
	t.Helper()
	next, err := r.Iterator()
	require.NoError(t, err)
	var out []time.Time
	for len(out) < limit {
		v, ok := next()
		if !ok {
			break
		}
		out = append(out, v)
	}
	return out
}

func TestParse(t *testing.T) {
	start := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	r, err := Parse("RRULE:FREQ=MONTHLY;INTERVAL=2;BYDAY=2TU,-1FR;BYMONTH=1,6;BYSETPOS=1;COUNT=4", start)
	require.NoError(t, err)

	assert.Equal(t, Monthly, r.Frequency)
	assert.Equal(t, 2, r.Interval)
	assert.Equal(t, []WeekdayNum{{time.Tuesday, 2}, {time.Friday, -1}}, r.ByWeekday)
	assert.Equal(t, []int{1, 6}, r.ByMonth)
	assert.Equal(t, []int{1}, r.BySetPos)
	assert.Equal(t, 4, r.Count.MustGet())
	assert.False(t, r.Until.IsPresent())
	assert.Equal(t, time.Monday, r.WeekStart)
}

func TestParseDefaultsAndUntil(t *testing.T) {
	start := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	r, err := Parse("FREQ=DAILY;UNTIL=20240105T090000Z", start)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Interval)
	assert.False(t, r.Count.IsPresent())
	assert.True(t, r.Until.MustGet().Equal(time.Date(2024, 1, 5, 9, 0, 0, 0, time.UTC)))
}

func TestParseErrors(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		in   string
		want error
	}{
		{"empty", "", ErrMissingFrequency},
		{"no freq", "INTERVAL=2", ErrMissingFrequency},
		{"bad freq", "FREQ=FORTNIGHTLY", ErrInvalidRule},
		{"zero interval", "FREQ=DAILY;INTERVAL=0", ErrInvalidRule},
		{"negative count", "FREQ=DAILY;COUNT=-1", ErrInvalidRule},
		{"month day range", "FREQ=MONTHLY;BYMONTHDAY=32", ErrInvalidRule},
		{"month range", "FREQ=YEARLY;BYMONTH=13", ErrInvalidRule},
		{"garbage", "FREQ=DAILY;;", ErrInvalidRule},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.in, start)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestIteratorWeekly(t *testing.T) {
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC) // Monday
	r, err := Parse("FREQ=WEEKLY;BYDAY=MO,WE,FR", start)
	require.NoError(t, err)

	got := collect(t, r, 6)
	days := make([]int, len(got))
	for i, v := range got {
		days[i] = v.Day()
	}
	assert.Equal(t, []int{1, 3, 5, 8, 10, 12}, days)
}

func TestIteratorCountAndUntil(t *testing.T) {
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	r, err := Parse("FREQ=DAILY;COUNT=3", start)
	require.NoError(t, err)
	assert.Len(t, collect(t, r, 100), 3)

	// Both bounds given: UNTIL hits first.
	r, err = Parse("FREQ=DAILY;COUNT=10;UNTIL=20240102T100000Z", start)
	require.NoError(t, err)
	assert.Len(t, collect(t, r, 100), 2)

	// Both bounds given: COUNT hits first.
	r, err = Parse("FREQ=DAILY;COUNT=2;UNTIL=20240110T100000Z", start)
	require.NoError(t, err)
	assert.Len(t, collect(t, r, 100), 2)

	r, err = Parse("FREQ=DAILY;COUNT=0", start)
	require.NoError(t, err)
	assert.Empty(t, collect(t, r, 100))
}

func TestIteratorMonthlyNegativeMonthDay(t *testing.T) {
	start := time.Date(2024, 1, 31, 8, 0, 0, 0, time.UTC)
	r, err := Parse("FREQ=MONTHLY;BYMONTHDAY=-1;COUNT=3", start)
	require.NoError(t, err)

	got := collect(t, r, 10)
	require.Len(t, got, 3)
	assert.Equal(t, time.Date(2024, 1, 31, 8, 0, 0, 0, time.UTC), got[0])
	assert.Equal(t, time.Date(2024, 2, 29, 8, 0, 0, 0, time.UTC), got[1])
	assert.Equal(t, time.Date(2024, 3, 31, 8, 0, 0, 0, time.UTC), got[2])
}

func TestIteratorLastWorkdayBySetPos(t *testing.T) {
	start := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	r, err := Parse("FREQ=MONTHLY;BYDAY=MO,TU,WE,TH,FR;BYSETPOS=-1;COUNT=2", start)
	require.NoError(t, err)

	got := collect(t, r, 10)
	require.Len(t, got, 2)
	assert.Equal(t, 31, got[0].Day()) // Wed 2024-01-31
	assert.Equal(t, 29, got[1].Day()) // Thu 2024-02-29
}

func TestIteratorIntervalAndLocation(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	start := time.Date(2024, 3, 24, 9, 0, 0, 0, loc)

	r, err := Parse("FREQ=WEEKLY;INTERVAL=2;COUNT=2", start)
	require.NoError(t, err)
	got := collect(t, r, 10)
	require.Len(t, got, 2)
	// The wall clock stays at 09:00 across the DST switch.
	assert.Equal(t, 9, got[1].In(loc).Hour())
	assert.Equal(t, 7, got[1].In(loc).Day())
}

func TestStringRoundTrip(t *testing.T) {
	start := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	tests := []string{
		"FREQ=WEEKLY;BYDAY=MO,WE,FR",
		"FREQ=MONTHLY;INTERVAL=2;COUNT=5;BYMONTHDAY=1,-1",
		"FREQ=YEARLY;UNTIL=20300101T000000Z;BYMONTH=3;BYDAY=-1SU",
		"FREQ=DAILY;COUNT=0",
		"FREQ=HOURLY;INTERVAL=3;BYHOUR=9,12,15",
	}
	for _, in := range tests {
		t.Run(in, func(t *testing.T) {
			r, err := Parse(in, start)
			require.NoError(t, err)

			again, err := Parse(r.String(), start)
			require.NoError(t, err)
			assert.Equal(t, r.String(), again.String())
			assert.Equal(t, r.Frequency, again.Frequency)
			assert.Equal(t, r.Interval, again.Interval)
			assert.Equal(t, r.Count, again.Count)
		})
	}
}

func TestWeekdayNumString(t *testing.T) {
	assert.Equal(t, "MO", WeekdayNum{Weekday: time.Monday}.String())
	assert.Equal(t, "-1FR", WeekdayNum{Weekday: time.Friday, Ordinal: -1}.String())
	assert.Equal(t, "2SU", WeekdayNum{Weekday: time.Sunday, Ordinal: 2}.String())
}

func TestIteratorFromMatchesFullIteration(t *testing.T) {
	start := time.Date(2019, 3, 6, 9, 30, 0, 0, time.UTC)
	from := time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC)
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	tests := []struct {
		name  string
		rule  string
		start time.Time
	}{
		{"minutely", "FREQ=MINUTELY;INTERVAL=7", start},
		{"hourly", "FREQ=HOURLY;INTERVAL=5", start},
		{"hourly in zone", "FREQ=HOURLY;INTERVAL=5", start.In(berlin)},
		{"daily", "FREQ=DAILY;INTERVAL=3", start},
		{"daily across dst", "FREQ=DAILY;INTERVAL=2", time.Date(2019, 3, 6, 9, 30, 0, 0, berlin)},
		{"weekly byday", "FREQ=WEEKLY;INTERVAL=3;BYDAY=TU,SA", start},
		{"weekly until", "FREQ=WEEKLY;UNTIL=20240301T000000Z", start},
		{"monthly", "FREQ=MONTHLY;BYMONTHDAY=31", start},
		{"count", "FREQ=DAILY;COUNT=2000", start},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := Parse(tt.rule, tt.start)
			require.NoError(t, err)

			full, err := r.Iterator()
			require.NoError(t, err)
			var want []time.Time
			for len(want) < 20 {
				v, ok := full()
				if !ok {
					break
				}
				if !v.Before(from) {
					want = append(want, v)
				}
			}

			fast, err := r.IteratorFrom(from)
			require.NoError(t, err)
			var got []time.Time
			for len(got) < len(want) {
				v, ok := fast()
				if !ok {
					break
				}
				if !v.Before(from) {
					got = append(got, v)
				}
			}

			require.Equal(t, len(want), len(got))
			for i := range want {
				assert.True(t, want[i].Equal(got[i]), "candidate %d: want %s got %s", i, want[i], got[i])
			}
		})
	}
}

func TestDateStringWritesDateUntil(t *testing.T) {
	seoul, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, seoul)

	r, err := Parse("FREQ=WEEKLY;UNTIL=20240228T150000Z", start)
	require.NoError(t, err)
	assert.Contains(t, r.String(), "UNTIL=20240228T150000Z")
	assert.Contains(t, r.DateString(), "UNTIL=20240229")
	assert.NotContains(t, r.DateString(), "UNTIL=20240229T")

	plain, err := Parse("FREQ=WEEKLY;COUNT=3", start)
	require.NoError(t, err)
	assert.Equal(t, plain.String(), plain.DateString())
}
