package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"webcal/internal/aggregator"
	"webcal/internal/config"
	"webcal/internal/ics"
	"webcal/internal/locator"
	appLog "webcal/internal/log"
	"webcal/internal/metrics"
	"webcal/internal/registry"
	"webcal/internal/writer"
)

// Deps are the components the API serves.
type Deps struct {
	Config     *config.Config
	Location   *time.Location
	Registry   *registry.Registry
	Aggregator *aggregator.Aggregator
	Writer     *writer.Writer
	Feeds      *ics.FeedFetcher
	Resolver   *locator.Resolver
}

// Server provides the JSON API over the occurrence index, the event
// writer and the source registry.
type Server struct {
	cfg      *config.Config
	loc      *time.Location
	registry *registry.Registry
	agg      *aggregator.Aggregator
	writer   *writer.Writer
	feeds    *ics.FeedFetcher
	resolver *locator.Resolver
	now      func() time.Time
	router   chi.Router
}

// NewServer constructs a new Server.
func NewServer(d Deps) *Server {
	loc := d.Location
	if loc == nil {
		loc = time.Local
	}
	resolver := d.Resolver
	if resolver == nil {
		resolver = locator.NewResolver(locator.Proxy{})
	}
	s := &Server{
		cfg:      d.Config,
		loc:      loc,
		registry: d.Registry,
		agg:      d.Aggregator,
		writer:   d.Writer,
		feeds:    d.Feeds,
		resolver: resolver,
		now:      time.Now,
	}
	s.router = s.routes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	if s.metricsEnabled() {
		r.Use(metrics.Middleware())
	}

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		if s.basicAuthEnabled() {
			appLog.Info("HTTP basic auth enabled")
			r.Use(s.basicAuthMiddleware)
		}

		if s.metricsEnabled() {
			r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
				metrics.Handler().ServeHTTP(w, r)
			})
		}

		r.Route("/api", func(r chi.Router) {
			r.Get("/state", s.handleState)
			r.Post("/refresh", s.handleRefresh)

			r.Get("/events", s.handleEvents)
			r.Post("/events", s.handleCreateEvent)
			r.Put("/events", s.handleUpdateEvent)
			r.Delete("/events", s.handleDeleteEvent)

			r.Route("/sources", func(r chi.Router) {
				r.Get("/", s.handleListSources)
				r.Post("/", s.handleAddSource)
				r.Get("/export", s.handleExportSources)
				r.Post("/import", s.handleImportSources)

				r.Route("/{sourceUID}", func(r chi.Router) {
					r.Put("/", s.handleUpdateSource)
					r.Delete("/", s.handleRemoveSource)
					r.Get("/feed", s.handleFeed)
					r.Get("/events/{eventUID}", s.handleGetEvent)
				})
			})
		})
	})

	return r
}

func (s *Server) metricsEnabled() bool {
	return s.cfg != nil && s.cfg.MetricsEnabled
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// An empty username or password counts as disabled.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware guards every route it wraps with HTTP Basic Auth.
// /health is registered outside of it.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="webcal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		appLog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// Serve listens on listen until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, listen string) error {
	srv := &http.Server{
		Addr:              listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	appLog.Info("HTTP server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}

// statusFor maps domain errors to HTTP statuses.
func statusFor(err error) int {
	var werr *writer.WriteError
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrInvalidSource),
		errors.Is(err, registry.ErrDuplicateUID),
		errors.Is(err, writer.ErrInvalidOccurrence),
		errors.Is(err, aggregator.ErrInvalidWindow):
		return http.StatusBadRequest
	case errors.As(err, &werr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
