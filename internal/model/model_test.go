package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowOverlaps(t *testing.T) {
	day := func(d, h int) time.Time { return time.Date(2024, 1, d, h, 0, 0, 0, time.UTC) }
	w := Window{Start: day(10, 0), End: day(11, 0)}

	tests := []struct {
		name       string
		start, end time.Time
		want       bool
	}{
		{"inside", day(10, 9), day(10, 10), true},
		{"ends at window start", day(9, 23), day(10, 0), false},
		{"starts at window end", day(11, 0), day(11, 1), false},
		{"spans window", day(9, 0), day(12, 0), true},
		{"straddles start", day(9, 23), day(10, 1), true},
		{"instant at start", day(10, 0), day(10, 0), true},
		{"instant before start", day(9, 23), day(9, 23), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, w.Overlaps(tt.start, tt.end))
		})
	}
}

func TestNewWindowRejectsEmptyRange(t *testing.T) {
	now := time.Now()
	_, err := NewWindow(now, now)
	assert.Error(t, err)

	w, err := NewWindow(now, now.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, w.Valid())
}

func TestCalendarSourceDefaults(t *testing.T) {
	var src CalendarSource
	require.NoError(t, json.Unmarshal([]byte(`{"uid":"a","url":"https://example.com/cal/"}`), &src))

	assert.True(t, src.IsEnabled(), "absent enabled flag means enabled")
	assert.True(t, src.IsCalDAV(), "absent type means caldav")
	assert.False(t, src.Credentials().IsPresent())

	src.Enabled = mo.Some(false)
	src.Kind = KindICS
	src.Username = "alice"
	assert.False(t, src.IsEnabled())
	assert.False(t, src.IsCalDAV())
	creds, ok := src.Credentials().Get()
	require.True(t, ok)
	assert.Equal(t, "alice", creds.Username)
}

func TestOccurrenceKeyIsZoneIndependent(t *testing.T) {
	loc := time.FixedZone("X", 3*3600)
	a := Occurrence{Start: time.Date(2024, 1, 1, 12, 0, 0, 0, loc)}
	b := Occurrence{Start: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
	assert.Equal(t, a.Key(), b.Key())
}
