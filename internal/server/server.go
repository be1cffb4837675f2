// Package server is the localhost control API the UI shell drives. It is a
// thin translation layer: every route calls straight into the engine.
package server

import (
	"log/slog"
	"net/http"

	"github.com/claude/supergym/internal/engine"
	"github.com/go-chi/chi/v5"
)

// Server holds dependencies for HTTP handlers.
type Server struct {
	eng    *engine.Engine
	log    *slog.Logger
	router chi.Router
}

// New creates a new Server with all routes configured.
func New(eng *engine.Engine, log *slog.Logger) *Server {
	s := &Server{
		eng:    eng,
		log:    log,
		router: chi.NewRouter(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.Use(RequestLogging(s.log))

	s.router.Get("/api/v1/status", s.handleStatus)
	s.router.Get("/api/v1/days", s.handleDays)
	s.router.Post("/api/v1/day/{day}/unlock", s.handleUnlockDay)

	s.router.Get("/api/v1/plan", s.handleGetPlan)
	s.router.Put("/api/v1/plan", s.handlePutPlan)

	s.router.Post("/api/v1/workout/start", s.handleStartWorkout)
	s.router.Post("/api/v1/workout/set", s.handleRecordSet)
	s.router.Post("/api/v1/workout/set/delete", s.handleDeleteSet)
	s.router.Post("/api/v1/workout/end", s.handleEndWorkout)
	s.router.Post("/api/v1/workout/clear", s.handleClearWorkout)

	s.router.Post("/api/v1/sync", s.handleSync)
	s.router.Post("/api/v1/demo/clear", s.handleClearDemo)

	s.router.Post("/api/v1/joint/invite", s.handleJointInvite)
	s.router.Post("/api/v1/joint/accept", s.handleJointAccept)
	s.router.Post("/api/v1/joint/decline", s.handleJointDecline)
	s.router.Post("/api/v1/joint/leave", s.handleJointLeave)
	s.router.Post("/api/v1/joint/progress", s.handleJointProgress)
	s.router.Post("/api/v1/joint/watch", s.handleWatchStart)
	s.router.Post("/api/v1/joint/watch/stop", s.handleWatchStop)

	s.router.Post("/api/v1/app/foreground", s.handleForeground)
	s.router.Post("/api/v1/app/background", s.handleBackground)
}
