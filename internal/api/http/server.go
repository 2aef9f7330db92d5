// Package httpapi exposes a read-only view of a running competition:
// phase, leaderboard, ledger snapshot and the replayable record.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/market-arena/market-arena/internal/controller"
	"github.com/market-arena/market-arena/internal/game"
	"github.com/market-arena/market-arena/internal/infrastructure/sse"
)

// StatusSource is the competition state the server reads from. The
// controller satisfies it.
type StatusSource interface {
	Phase() controller.Phase
	RegisteredAgents() int
	Snapshot() (game.Snapshot, bool)
	Leaderboard() []game.AgentScore
	GameRecord() (game.Record, bool)
}

// Server holds dependencies for HTTP handlers.
type Server struct {
	source StatusSource
	hub    *sse.Hub
}

// NewServer builds the read-only API. hub may be nil, which disables the
// event stream.
func NewServer(source StatusSource, hub *sse.Hub) *Server {
	return &Server{source: source, hub: hub}
}

// Router builds the HTTP router. The event stream sits outside the request
// timeout so clients can stay connected for the whole competition.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/competition", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(30 * time.Second))
				r.Get("/", s.getCompetition)
				r.Get("/leaderboard", s.getLeaderboard)
				r.Get("/snapshot", s.getSnapshot)
				r.Get("/record", s.getRecord)
			})
			r.Get("/events", s.streamEvents)
		})
	})

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

func (s *Server) getCompetition(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"phase":             s.source.Phase(),
		"registered_agents": s.source.RegisteredAgents(),
	})
}

func (s *Server) getLeaderboard(w http.ResponseWriter, r *http.Request) {
	scores := s.source.Leaderboard()
	if scores == nil {
		scores = []game.AgentScore{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"scores": scores})
}

func (s *Server) getSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot, ok := s.source.Snapshot()
	if !ok {
		respondError(w, http.StatusNotFound, "game_not_started", "no game is running yet")
		return
	}
	respondJSON(w, http.StatusOK, snapshot)
}

func (s *Server) getRecord(w http.ResponseWriter, r *http.Request) {
	record, ok := s.source.GameRecord()
	if !ok {
		respondError(w, http.StatusNotFound, "game_not_started", "no game is running yet")
		return
	}
	respondJSON(w, http.StatusOK, record)
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		respondError(w, http.StatusNotFound, "events_disabled", "event streaming is not enabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer does not support streaming")
		return
	}

	client := sse.NewClient(uuid.NewString(), 32)
	s.hub.Register(client)
	defer s.hub.Unregister(client.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-client.Events:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Name, event.Data)
			flusher.Flush()
		}
	}
}

// Helpers
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}
