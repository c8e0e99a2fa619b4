package web

import (
	"bytes"
	"net/http"

	"github.com/go-chi/chi/v5"

	"webcal/internal/ics"
	appLog "webcal/internal/log"
	"webcal/internal/model"
)

// redacted hides the stored password. Exports keep it since the export
// file is the backup format.
func redacted(src model.CalendarSource) model.CalendarSource {
	src.Password = ""
	return src
}

func (s *Server) handleListSources(w http.ResponseWriter, _ *http.Request) {
	list := s.registry.List()
	out := make([]model.CalendarSource, 0, len(list))
	for _, src := range list {
		out = append(out, redacted(src))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAddSource(w http.ResponseWriter, r *http.Request) {
	var in model.CalendarSource
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	src, err := s.registry.Add(in)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	appLog.Info("api: source added", "uid", src.UID, "type", string(src.Kind))
	writeJSON(w, http.StatusCreated, redacted(src))
}

func (s *Server) handleUpdateSource(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "sourceUID")

	var in model.CalendarSource
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	in.UID = uid

	// An empty password keeps the stored one.
	if in.Password == "" {
		if cur, err := s.registry.Get(uid); err == nil {
			in.Password = cur.Password
		}
	}

	if err := s.registry.Update(in); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	src, err := s.registry.Get(uid)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, redacted(src))
}

func (s *Server) handleRemoveSource(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "sourceUID")
	if err := s.registry.Remove(uid); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	appLog.Info("api: source removed", "uid", uid)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExportSources(w http.ResponseWriter, _ *http.Request) {
	var buf bytes.Buffer
	if err := s.registry.Export(&buf); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="calendars.json"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleImportSources(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Import(http.MaxBytesReader(w, r.Body, maxBodySize)); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.handleListSources(w, r)
}

// handleFeed serves the raw body of an ICS subscription.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	src, err := s.registry.Get(chi.URLParam(r, "sourceUID"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if src.Kind != model.KindICS {
		writeError(w, http.StatusBadRequest, "source is not an ICS feed")
		return
	}
	if !src.IsEnabled() {
		writeError(w, http.StatusNotFound, "source is disabled")
		return
	}

	target, err := s.resolver.Collection(src)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.feeds.Fetch(r.Context(), src.UID, target.WriteLocator, target.Auth)
	if err != nil {
		appLog.Error("api feed: fetch failed", err, "source", src.UID, "url", ics.RedactURL(target.Locator))
		writeError(w, http.StatusBadGateway, "failed to fetch feed")
		return
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	if res.FromCache {
		w.Header().Set("X-Webcal-Cache", "hit")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Body)
}
