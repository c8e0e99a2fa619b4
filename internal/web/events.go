package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samber/mo"

	"webcal/internal/aggregator"
	appLog "webcal/internal/log"
	"webcal/internal/model"
)

const maxBodySize = 1 << 20

// occurrenceDTO is the JSON view of an occurrence.
type occurrenceDTO struct {
	SourceUID   string    `json:"sourceUid"`
	UID         string    `json:"uid"`
	InstanceKey string    `json:"instanceKey,omitempty"`
	Title       string    `json:"title"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	AllDay      bool      `json:"allDay"`
	RRule       string    `json:"rrule,omitempty"`
	URL         string    `json:"url,omitempty"`
}

func toDTO(occ model.Occurrence) occurrenceDTO {
	return occurrenceDTO{
		SourceUID:   occ.SourceUID,
		UID:         occ.EventUID,
		InstanceKey: occ.Key(),
		Title:       occ.Title,
		Start:       occ.Start,
		End:         occ.End,
		AllDay:      occ.AllDay,
		RRule:       occ.RecurrenceRule.OrEmpty(),
		URL:         occ.SourceLocator,
	}
}

func toDTOs(occs []model.Occurrence) []occurrenceDTO {
	out := make([]occurrenceDTO, 0, len(occs))
	for _, occ := range occs {
		out = append(out, toDTO(occ))
	}
	return out
}

func (d occurrenceDTO) occurrence() model.Occurrence {
	occ := model.Occurrence{
		EventUID:      d.UID,
		SourceUID:     d.SourceUID,
		Title:         d.Title,
		Start:         d.Start,
		End:           d.End,
		AllDay:        d.AllDay,
		SourceLocator: d.URL,
	}
	if rule := strings.TrimPrefix(strings.TrimSpace(d.RRule), "RRULE:"); rule != "" {
		occ.RecurrenceRule = mo.Some(rule)
	}
	return occ
}

// eventsResponse is the JSON response shape for GET /api/events.
type eventsResponse struct {
	Occurrences     []occurrenceDTO   `json:"occurrences"`
	RangeStart      time.Time         `json:"rangeStart"`
	RangeEnd        time.Time         `json:"rangeEnd"`
	DisplayTimeZone string            `json:"displayTimezone"`
	Loading         bool              `json:"loading"`
	Error           string            `json:"error,omitempty"`
	Errors          map[string]string `json:"errors,omitempty"`
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.agg.State())
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.agg.Refresh(r.Context()); err != nil && !errors.Is(err, aggregator.ErrSuperseded) {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.agg.State())
}

// handleEvents returns the flattened index for a window, fetching first
// when the window differs from the one last fetched.
//
// GET /api/events?start=...&end=...
//   - start, end: RFC 3339 instants or YYYY-MM-DD dates in the display zone
//   - both absent: the last fetched window, or the configured initial one
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	win, err := s.requestWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !win.Equal(s.agg.Window()) {
		appLog.Info("api events: window changed; fetching",
			"range_start", win.Start.Format(time.RFC3339),
			"range_end", win.End.Format(time.RFC3339),
		)
		if err := s.agg.Fetch(r.Context(), win); err != nil {
			if errors.Is(err, aggregator.ErrSuperseded) {
				// A newer window is being fetched; report what is indexed.
				appLog.Debug("api events: request superseded")
			} else {
				writeError(w, statusFor(err), err.Error())
				return
			}
		}
	}

	st := s.agg.State()
	writeJSON(w, http.StatusOK, eventsResponse{
		Occurrences:     toDTOs(s.agg.Occurrences()),
		RangeStart:      st.Window.Start,
		RangeEnd:        st.Window.End,
		DisplayTimeZone: s.loc.String(),
		Loading:         st.Loading,
		Error:           st.Error,
		Errors:          st.Errors,
	})
}

func (s *Server) requestWindow(r *http.Request) (model.Window, error) {
	q := r.URL.Query()
	rawStart, rawEnd := q.Get("start"), q.Get("end")

	if rawStart == "" && rawEnd == "" {
		if cur := s.agg.Window(); !cur.IsZero() {
			return cur, nil
		}
		return s.cfg.InitialWindow(s.now().In(s.loc)), nil
	}
	if rawStart == "" || rawEnd == "" {
		return model.Window{}, errors.New("start and end must be given together")
	}

	start, err := parseInstant(rawStart, s.loc)
	if err != nil {
		return model.Window{}, fmt.Errorf("invalid start: %w", err)
	}
	end, err := parseInstant(rawEnd, s.loc)
	if err != nil {
		return model.Window{}, fmt.Errorf("invalid end: %w", err)
	}
	return model.NewWindow(start, end)
}

func parseInstant(v string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02", v, loc)
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	sourceUID := chi.URLParam(r, "sourceUID")
	eventUID := chi.URLParam(r, "eventUID")

	occs := s.agg.EventOccurrences(sourceUID, eventUID)
	if len(occs) == 0 {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}
	writeJSON(w, http.StatusOK, toDTOs(occs))
}

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var in occurrenceDTO
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	saved, err := s.writer.Save(r.Context(), in.occurrence(), false, mo.None[model.Occurrence]())
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, toDTO(saved))
}

type updateRequest struct {
	Event    occurrenceDTO `json:"event"`
	Original occurrenceDTO `json:"original"`
}

func (s *Server) handleUpdateEvent(w http.ResponseWriter, r *http.Request) {
	var in updateRequest
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	original, ok := s.indexed(in.Original)
	if !ok {
		writeError(w, http.StatusNotFound, "original event data not found")
		return
	}

	saved, err := s.writer.Save(r.Context(), in.Event.occurrence(), true, mo.Some(original))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toDTO(saved))
}

func (s *Server) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	var in occurrenceDTO
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	occ, ok := s.indexed(in)
	if !ok {
		writeError(w, http.StatusNotFound, "calendar or event data not found")
		return
	}
	if err := s.writer.Delete(r.Context(), occ); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// indexed resolves a client-supplied occurrence against the index so
// writes always target the locator the server fetched.
func (s *Server) indexed(d occurrenceDTO) (model.Occurrence, bool) {
	if d.SourceUID == "" || d.UID == "" {
		return model.Occurrence{}, false
	}
	if !d.Start.IsZero() {
		if occ, ok := s.agg.Occurrence(d.SourceUID, d.UID, d.Start); ok {
			return occ, true
		}
	}
	return s.agg.Event(d.SourceUID, d.UID)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
