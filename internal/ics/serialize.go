package ics

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"webcal/internal/model"
	"webcal/internal/recurrence"
)

// ProductID is stamped on every calendar object written by webcal.
const ProductID = "-//webcal//webcal//EN"

var ErrMissingUID = errors.New("ics: occurrence has no event UID")

// Serialize renders an occurrence as a calendar object containing exactly
// one VEVENT. DTSTAMP is set to now. All-day occurrences are written as
// DATE values in the occurrence's own zone; timed ones in UTC.
//
// A recurrence rule, when present, is written as the series rule anchored
// at the occurrence start: saving any occurrence of a series rewrites the
// whole series.
func Serialize(occ model.Occurrence, now time.Time) (string, error) {
	if occ.EventUID == "" {
		return "", ErrMissingUID
	}

	cal := ical.NewCalendar()
	cal.SetProductId(ProductID)

	ev := cal.AddEvent(occ.EventUID)
	ev.SetDtStampTime(now)
	ev.SetSummary(occ.Title)

	if occ.AllDay {
		end := occ.End
		if !end.After(occ.Start) {
			end = occ.Start.AddDate(0, 0, 1)
		}
		ev.SetAllDayStartAt(occ.Start)
		ev.SetAllDayEndAt(end)
	} else {
		ev.SetStartAt(occ.Start)
		ev.SetEndAt(occ.End)
	}

	if raw, ok := occ.RecurrenceRule.Get(); ok && strings.TrimSpace(raw) != "" {
		rule, err := recurrence.Parse(raw, occ.Start)
		if err != nil {
			return "", fmt.Errorf("ics: recurrence rule: %w", err)
		}
		if occ.AllDay {
			ev.AddRrule(rule.DateString())
		} else {
			ev.AddRrule(rule.String())
		}
	}

	return cal.Serialize(), nil
}

// NewEventUID returns a fresh event UID: a random base-36 token followed
// by the base-36 millisecond timestamp.
func NewEventUID(now time.Time) string {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		n = big.NewInt(now.UnixNano())
	}
	return n.Text(36) + strconv.FormatInt(now.UnixMilli(), 36)
}

// Filename is the resource name used when creating an event under a
// collection.
func Filename(eventUID string) string {
	return eventUID + ".ics"
}
