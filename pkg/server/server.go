package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/elonfeng/drugradar/internal/lookup"
	"github.com/elonfeng/drugradar/internal/metrics"
	"github.com/elonfeng/drugradar/internal/store"
	"github.com/elonfeng/drugradar/pkg/event"
	"github.com/elonfeng/drugradar/pkg/openfda"
)

// Finder runs a lookup.
type Finder interface {
	Find(ctx context.Context, dir event.Direction, name string) (*lookup.Result, error)
}

// Server provides the HTTP API.
type Server struct {
	router chi.Router
	store  store.Store
	finder Finder
	port   int
	logger *zap.Logger
}

// New creates a new HTTP server. finder may be nil, which disables the
// lookup endpoint.
func New(s store.Store, finder Finder, port int, log *zap.Logger) *Server {
	if port == 0 {
		port = 8080
	}
	if log == nil {
		log = zap.NewNop()
	}
	srv := &Server{
		router: chi.NewRouter(),
		store:  s,
		finder: finder,
		port:   port,
		logger: log,
	}
	srv.routes()
	return srv
}

func (s *Server) routes() {
	metrics.Register()

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.Middleware)

	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Get("/searched/{kind}", s.handleSearched)
		r.Route("/{kind}/{name}", func(r chi.Router) {
			r.Get("/top", s.handleTop)
			r.Get("/reports", s.handleReports)
			r.Get("/genders", s.handleGenders)
			r.Get("/ages", s.handleAges)
			r.Post("/lookup", s.handleLookup)
		})
	})
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("drugradar server listening", zap.String("addr", httpServer.Addr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSearched(w http.ResponseWriter, r *http.Request) {
	dir, err := event.ParseDirection(chi.URLParam(r, "kind"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	names, err := s.store.Searched(r.Context(), dir)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeList(w, names)
}

func (s *Server) handleTop(w http.ResponseWriter, r *http.Request) {
	dir, key, ok := subject(w, r)
	if !ok {
		return
	}
	limit, ok := limitParam(w, r, 10)
	if !ok {
		return
	}
	rows, err := s.store.TopAttributes(r.Context(), dir, key, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeList(w, rows)
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	dir, key, ok := subject(w, r)
	if !ok {
		return
	}
	limit, ok := limitParam(w, r, 10)
	if !ok {
		return
	}
	ids, err := s.store.ReportIDs(r.Context(), dir, key, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeList(w, ids)
}

func (s *Server) handleGenders(w http.ResponseWriter, r *http.Request) {
	dir, key, ok := subject(w, r)
	if !ok {
		return
	}
	rows, err := s.store.GenderCounts(r.Context(), dir, key)
	if err != nil {
		s.writeError(w, err)
		return
	}

	type genderRow struct {
		event.GenderCount
		Label string `json:"label"`
	}
	out := make([]genderRow, 0, len(rows))
	for _, g := range rows {
		out = append(out, genderRow{GenderCount: g, Label: g.Label()})
	}
	writeList(w, out)
}

func (s *Server) handleAges(w http.ResponseWriter, r *http.Request) {
	dir, key, ok := subject(w, r)
	if !ok {
		return
	}
	rows, err := s.store.AgeBands(r.Context(), dir, key)
	if err != nil {
		s.writeError(w, err)
		return
	}

	type ageRow struct {
		event.AgeBand
		Label string `json:"label"`
	}
	out := make([]ageRow, 0, len(rows))
	for _, a := range rows {
		out = append(out, ageRow{AgeBand: a, Label: a.Label()})
	}
	writeList(w, out)
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	if s.finder == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "lookups disabled"})
		return
	}
	dir, key, ok := subject(w, r)
	if !ok {
		return
	}

	res, err := s.finder.Find(r.Context(), dir, key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"direction":    res.Direction,
		"key":          res.Key,
		"cached":       res.Cached,
		"observations": len(res.Observations),
		"top":          res.Top(10),
	})
}

// subject parses the {kind}/{name} path parameters.
func subject(w http.ResponseWriter, r *http.Request) (event.Direction, string, bool) {
	dir, err := event.ParseDirection(chi.URLParam(r, "kind"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return "", "", false
	}
	key := event.NormalizeKey(dir, chi.URLParam(r, "name"))
	if key == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "empty name"})
		return "", "", false
	}
	return dir, key, true
}

func limitParam(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 || n > 1000 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be between 1 and 1000"})
		return 0, false
	}
	return n, true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, event.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, lookup.ErrEmptyName):
		status = http.StatusBadRequest
	case openfda.IsTransient(err):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeList[T any](w http.ResponseWriter, data []T) {
	if data == nil {
		data = []T{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  data,
		"count": len(data),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
