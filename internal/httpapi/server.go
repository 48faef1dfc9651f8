// Package httpapi exposes the sync core to its collaborators: read-only
// snapshot accessors per domain cache plus the notification queue API.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/painelbot/painelbot/internal/config"
	"github.com/painelbot/painelbot/internal/notify"
	"github.com/painelbot/painelbot/internal/pairing"
	"github.com/painelbot/painelbot/internal/realtime"
	"github.com/painelbot/painelbot/internal/state"
)

// Server serves the read-only snapshot API.
type Server struct {
	cfg        *config.Config
	log        zerolog.Logger
	manager    *realtime.Manager
	reconciler *state.Reconciler
	tracker    *pairing.Tracker
	notifier   *notify.Dispatcher

	router *chi.Mux
	srv    *http.Server
}

// New creates the snapshot API server.
func New(cfg *config.Config, log zerolog.Logger, manager *realtime.Manager,
	reconciler *state.Reconciler, tracker *pairing.Tracker, notifier *notify.Dispatcher) *Server {

	s := &Server{
		cfg:        cfg,
		log:        log.With().Str("component", "httpapi").Logger(),
		manager:    manager,
		reconciler: reconciler,
		tracker:    tracker,
		notifier:   notifier,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/connection", s.handleConnection)
		r.Get("/bot", s.handleBot)
		r.Get("/subbots", s.handleSubbots)
		r.Get("/stats", s.handleStats)
		r.Get("/logs", s.handleLogs)
		r.Get("/sessions", s.handleSessions)
		r.Get("/sessions/{code}", s.handleSession)

		r.Get("/notifications", s.handleNotifications)
		r.Delete("/notifications", s.handleClearNotifications)
		r.Delete("/notifications/{id}", s.handleDismissNotification)
	})

	s.router = r
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until the context ends.
func (s *Server) Run(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.HTTPAddr).Msg("snapshot API listening")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// snapshot wraps a cache value with its revision counter so consumers can
// detect "nothing to do" via an unchanged revision.
type snapshot struct {
	Revision uint64 `json:"revision"`
	Data     any    `json:"data"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.manager.State())
}

func (s *Server) handleBot(w http.ResponseWriter, r *http.Request) {
	bot, rev := s.reconciler.BotStatus()
	s.writeJSON(w, http.StatusOK, snapshot{Revision: rev, Data: bot})
}

func (s *Server) handleSubbots(w http.ResponseWriter, r *http.Request) {
	dir, rev := s.reconciler.SubbotDirectory()
	s.writeJSON(w, http.StatusOK, snapshot{Revision: rev, Data: dir})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counters, rev := s.reconciler.Counters()
	s.writeJSON(w, http.StatusOK, snapshot{Revision: rev, Data: counters})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	logs, rev := s.reconciler.LogTail()
	s.writeJSON(w, http.StatusOK, snapshot{Revision: rev, Data: logs})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.tracker.Sessions())
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	session, ok := s.tracker.Session(code)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.notifier.Snapshot())
}

func (s *Server) handleDismissNotification(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.notifier.Dismiss(id) {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "notification not found"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearNotifications(w http.ResponseWriter, r *http.Request) {
	s.notifier.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("failed to encode response")
	}
}
