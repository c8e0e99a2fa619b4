package model

import (
	"time"

	"github.com/samber/mo"
)

// Kind distinguishes CalDAV collections from plain ICS subscriptions.
type Kind string

const (
	KindCalDAV Kind = "caldav"
	KindICS    Kind = "ics"
)

// Credentials holds HTTP Basic credentials for a source.
type Credentials struct {
	Username string
	Password string
}

// CalendarSource is one configured remote calendar.
//
// The JSON shape matches the import/export format of the source registry.
type CalendarSource struct {
	UID      string          `json:"uid"`
	URL      string          `json:"url"`
	Username string          `json:"username,omitempty"`
	Password string          `json:"password,omitempty"`
	Name     string          `json:"name"`
	Color    string          `json:"color,omitempty"`
	Kind     Kind            `json:"type,omitempty"`
	Enabled  mo.Option[bool] `json:"enabled"`
	UseProxy bool            `json:"useProxy,omitempty"`
}

// IsEnabled reports whether the source takes part in fetch cycles.
// Only an explicit false disables a source.
func (s CalendarSource) IsEnabled() bool {
	return s.Enabled.OrElse(true)
}

// IsCalDAV reports whether the source is a CalDAV collection. Sources
// without a kind are treated as CalDAV.
func (s CalendarSource) IsCalDAV() bool {
	return s.Kind == "" || s.Kind == KindCalDAV
}

// Credentials returns the source credentials, or None when neither a
// username nor a password is configured.
func (s CalendarSource) Credentials() mo.Option[Credentials] {
	if s.Username == "" && s.Password == "" {
		return mo.None[Credentials]()
	}
	return mo.Some(Credentials{Username: s.Username, Password: s.Password})
}

// RawResource is one calendar object as returned by the remote server.
type RawResource struct {
	Locator string
	Data    string
}

// Occurrence represents a single concrete instance of an event
// (after recurrence expansion).
type Occurrence struct {
	EventUID  string
	SourceUID string
	Title     string

	Start  time.Time
	End    time.Time
	AllDay bool

	// RecurrenceRule is the RRULE value of the definition this occurrence
	// was expanded from, without the "RRULE:" prefix.
	RecurrenceRule mo.Option[string]

	// SourceLocator is the address of the raw resource on the remote server.
	SourceLocator string
}

// Key identifies an occurrence within the occurrence set of one event.
func (o Occurrence) Key() string {
	return InstanceKey(o.Start)
}

// InstanceKey formats an occurrence start as an index key.
func InstanceKey(start time.Time) string {
	return start.UTC().Format(time.RFC3339Nano)
}

// IsRecurring reports whether the occurrence belongs to a recurring series.
func (o Occurrence) IsRecurring() bool {
	return o.RecurrenceRule.IsPresent()
}
