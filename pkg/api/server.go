// Package api serves deployment status over HTTP for long-running shipyard
// processes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/openfroyo/shipyard/pkg/registry"
	"github.com/openfroyo/shipyard/pkg/state"
	"github.com/openfroyo/shipyard/pkg/stores"
	"github.com/openfroyo/shipyard/pkg/validation"
)

// EventReader reads the deployment journal.
type EventReader interface {
	GetEvents(ctx context.Context, q stores.EventQuery) ([]*stores.Event, error)
}

// Deps are the collaborators a Server reads from.
type Deps struct {
	Registry registry.Registry
	States   state.Store

	// Journal may be nil when no journal is kept.
	Journal EventReader

	// Metrics is mounted at /metrics when set.
	Metrics http.Handler

	Logger zerolog.Logger
}

// Server exposes registry entries, deployment states, journal events and the
// latest validation reports.
type Server struct {
	deps   Deps
	logger zerolog.Logger

	mu      sync.RWMutex
	reports map[string]Report
}

// Report is the latest validation outcome of one descriptor file.
type Report struct {
	Path      string             `json:"path"`
	CheckedAt time.Time          `json:"checked_at"`
	Valid     bool               `json:"valid"`
	Result    *validation.Result `json:"result,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// AppStatus joins a registry entry with its deployment state.
type AppStatus struct {
	Entry registry.Entry          `json:"entry"`
	State *state.DeploymentState `json:"state,omitempty"`
}

// NewServer creates a server.
func NewServer(deps Deps) *Server {
	return &Server{
		deps:    deps,
		logger:  deps.Logger.With().Str("component", "api").Logger(),
		reports: make(map[string]Report),
	}
}

// SetReport records the latest validation outcome for a descriptor path.
func (s *Server) SetReport(r Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports[r.Path] = r
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/apps", s.handleListApps)
		r.Get("/apps/{team}/{name}", s.handleGetApp)
		r.Get("/apps/{team}/{name}/events", s.handleEvents)
		r.Get("/reports", s.handleReports)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"ok": true, "time": time.Now().UTC()})
}

func (s *Server) handleListApps(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	snap, err := s.deps.Registry.Snapshot(ctx)
	if err != nil {
		s.internalError(w, err)
		return
	}

	apps := []AppStatus{}
	for _, entry := range snap.Entries() {
		if r.URL.Query().Get("all") != "true" && entry.Status != registry.StatusActive {
			continue
		}
		st, err := s.deps.States.Load(ctx, state.KeyFor(entry.Team, entry.Name))
		if err != nil && !errors.Is(err, state.ErrNotFound) {
			s.internalError(w, err)
			return
		}
		apps = append(apps, AppStatus{Entry: entry, State: st})
	}
	respondJSON(w, http.StatusOK, apps)
}

func (s *Server) handleGetApp(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	team, name := chi.URLParam(r, "team"), chi.URLParam(r, "name")

	entry, err := s.deps.Registry.Lookup(ctx, name)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		respondError(w, http.StatusNotFound, "application is not registered")
		return
	case err != nil:
		s.internalError(w, err)
		return
	case !entry.OwnedBy(team):
		respondError(w, http.StatusNotFound, "application is not registered to this team")
		return
	}

	st, err := s.deps.States.Load(ctx, state.KeyFor(team, name))
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		s.internalError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, AppStatus{Entry: *entry, State: st})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Journal == nil {
		respondError(w, http.StatusNotImplemented, "no deployment journal configured")
		return
	}
	key := state.KeyFor(chi.URLParam(r, "team"), chi.URLParam(r, "name"))
	events, err := s.deps.Journal.GetEvents(r.Context(), stores.EventQuery{
		StateKey: string(key),
		Level:    stores.EventLevel(r.URL.Query().Get("level")),
		Limit:    100,
	})
	if err != nil {
		s.internalError(w, err)
		return
	}
	if events == nil {
		events = []*stores.Event{}
	}
	respondJSON(w, http.StatusOK, events)
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	reports := make([]Report, 0, len(s.reports))
	for _, rep := range s.reports {
		reports = append(reports, rep)
	}
	s.mu.RUnlock()

	sort.Slice(reports, func(i, j int) bool { return reports[i].Path < reports[j].Path })
	respondJSON(w, http.StatusOK, reports)
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.logger.Error().Err(err).Msg("Request failed")
	respondError(w, http.StatusInternalServerError, err.Error())
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
