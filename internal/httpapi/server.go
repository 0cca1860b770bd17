// Package httpapi exposes the pairing service over HTTP: the round trigger,
// queue join/skip endpoints, health, and Prometheus metrics. The trigger
// endpoint always answers with an explicit JSON envelope — 200 with round
// stats or 500 with the error — so the invoking runtime never hangs without
// a response.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/driftchat/drift/internal/metrics"
	"github.com/driftchat/drift/internal/pairing"
	"github.com/driftchat/drift/internal/ratelimit"
	"github.com/driftchat/drift/internal/rooms"
)

// Server serves the pairing HTTP API.
type Server struct {
	svc     *pairing.Service
	limiter *ratelimit.Limiter
}

// NewServer creates the API server. The limiter may be nil to disable
// join throttling (tests).
func NewServer(svc *pairing.Service, limiter *ratelimit.Limiter) *Server {
	return &Server{svc: svc, limiter: limiter}
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/pairing/run", s.handleRunPairing)
		r.Post("/queue/join", s.handleJoin)
		r.Post("/queue/skip", s.handleSkip)
	})

	return r
}

type runResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Stats   *runStats   `json:"stats,omitempty"`
	Rooms   []*rooms.Room `json:"rooms,omitempty"`
}

type runStats struct {
	TotalUsers        int `json:"totalUsers"`
	PairedRooms       int `json:"pairedRooms"`
	ProcessedMessages int `json:"processedMessages"`
}

func (s *Server) handleRunPairing(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.RunRound(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, runResponse{
			Success: false,
			Error:   err.Error(),
			Message: "pairing round failed",
		})
		return
	}

	writeJSON(w, http.StatusOK, runResponse{
		Success: true,
		Message: fmt.Sprintf("paired %d rooms from %d users", stats.PairedRooms, stats.TotalUsers),
		Stats: &runStats{
			TotalUsers:        stats.TotalUsers,
			PairedRooms:       stats.PairedRooms,
			ProcessedMessages: stats.ProcessedMessages,
		},
		Rooms: stats.Rooms,
	})
}

type joinRequest struct {
	UserID    string `json:"user_id"`
	Continent string `json:"continent,omitempty"`
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	if s.limiter != nil {
		allowed, _ := s.limiter.Allow(r.Context(), req.UserID, ratelimit.RuleJoin)
		if remaining, err := s.limiter.Remaining(r.Context(), req.UserID, ratelimit.RuleJoin); err == nil {
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		}
		if !allowed {
			writeError(w, http.StatusTooManyRequests, "too many join requests, slow down")
			return
		}
	}

	messageID, err := s.svc.Enqueue(r.Context(), req.UserID, req.Continent)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"success":    true,
		"message_id": messageID,
	})
}

func (s *Server) handleSkip(w http.ResponseWriter, r *http.Request) {
	var req pairing.SkipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	s.svc.Skip(r.Context(), req)
	writeJSON(w, http.StatusAccepted, map[string]bool{"success": true})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("[httpapi] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{"success": false, "error": msg})
}

// ListenAndServe runs the API server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Router(),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	log.Printf("[httpapi] listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
