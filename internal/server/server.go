// Package server exposes the examination pipeline over HTTP and WebSocket.
//
// REST endpoints cover session control (start, status, end); the per-session
// WebSocket carries the real-time exchange: binary frames upstream are audio
// chunks, JSON text frames upstream are control signals, and downstream the
// server pushes JSON events for transcripts, sentences, state changes, and
// errors, with synthesized audio as binary frames announced by a preceding
// JSON audio event.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/proctorlabs/vivace/internal/coordinator"
	"github.com/proctorlabs/vivace/internal/health"
	"github.com/proctorlabs/vivace/internal/observe"
	"github.com/proctorlabs/vivace/pkg/types"
)

// Server routes API traffic to the coordinator. Obtain one via [New].
type Server struct {
	coord   *coordinator.Manager
	logger  *slog.Logger
	metrics *observe.Metrics
	health  *health.Handler
}

// Option is a functional option for configuring a Server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics sets the metrics sink used by the HTTP middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHealth registers liveness/readiness endpoints on the server's mux.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// New constructs a Server over the given session manager.
func New(coord *coordinator.Manager, opts ...Option) *Server {
	s := &Server{
		coord:  coord,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Handler returns the fully routed HTTP handler, wrapped in the metrics
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sessions", s.handleStart)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleStatus)
	mux.HandleFunc("POST /v1/sessions/{id}/end", s.handleEnd)
	mux.HandleFunc("GET /v1/sessions/{id}/ws", s.handleWS)
	if s.health != nil {
		s.health.Register(mux)
	}
	return observe.Middleware(s.metrics)(mux)
}

// ─── Wire types ───────────────────────────────────────────────────────────────

type startRequest struct {
	Subject string `json:"subject"`
}

type startResponse struct {
	SessionID    string `json:"session_id"`
	State        string `json:"state"`
	WebsocketURL string `json:"websocket_url"`
}

type statusResponse struct {
	SessionID string     `json:"session_id"`
	Subject   string     `json:"subject"`
	State     string     `json:"state"`
	ElapsedMS int64      `json:"elapsed_ms"`
	TurnCount int        `json:"turn_count"`
	Score     *scoreJSON `json:"score,omitempty"`
}

type scoreJSON struct {
	TechnicalAccuracy float64 `json:"technical_accuracy"`
	Clarity           float64 `json:"clarity"`
	Depth             float64 `json:"depth"`
	Confidence        float64 `json:"confidence"`
	Communication     float64 `json:"communication"`
	Aggregate         float64 `json:"aggregate"`
	Feedback          string  `json:"feedback"`
	FeedbackDegraded  bool    `json:"feedback_degraded"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func toScoreJSON(sc *types.Score) *scoreJSON {
	if sc == nil {
		return nil
	}
	return &scoreJSON{
		TechnicalAccuracy: sc.TechnicalAccuracy,
		Clarity:           sc.Clarity,
		Depth:             sc.Depth,
		Confidence:        sc.Confidence,
		Communication:     sc.Communication,
		Aggregate:         sc.Aggregate,
		Feedback:          sc.Feedback,
		FeedbackDegraded:  sc.FeedbackDegraded,
	}
}

// ─── Handlers ─────────────────────────────────────────────────────────────────

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if req.Subject == "" {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "subject is required")
		return
	}

	sess, err := s.coord.Start(r.Context(), req.Subject)
	if err != nil {
		s.logger.Error("session start failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal", "could not start session")
		return
	}

	s.writeJSON(w, http.StatusCreated, startResponse{
		SessionID:    sess.ID(),
		State:        string(sess.Status().State),
		WebsocketURL: "/v1/sessions/" + sess.ID() + "/ws",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	sess, err := s.coord.Get(id)
	if err == nil {
		snap := sess.Status()
		s.writeJSON(w, http.StatusOK, statusResponse{
			SessionID: snap.ID,
			Subject:   snap.Subject,
			State:     string(snap.State),
			ElapsedMS: snap.Elapsed.Milliseconds(),
			TurnCount: snap.TurnCount,
		})
		return
	}

	// Ended sessions are no longer live; serve the persisted record.
	rec, storeErr := s.coord.Lookup(r.Context(), id)
	if storeErr != nil {
		s.writeError(w, http.StatusNotFound, "session_not_found", "no such session")
		return
	}
	elapsed := rec.EndedAt.Sub(rec.CreatedAt)
	s.writeJSON(w, http.StatusOK, statusResponse{
		SessionID: rec.ID,
		Subject:   rec.Subject,
		State:     string(coordinator.StateEnded),
		ElapsedMS: elapsed.Milliseconds(),
		TurnCount: len(rec.Turns),
		Score:     toScoreJSON(rec.Score),
	})
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	score, err := s.coord.End(r.Context(), id)
	switch {
	case errors.Is(err, types.ErrSessionNotFound):
		// The live set forgets ended sessions; check the store so a repeat
		// end reads as a conflict rather than a missing session.
		if _, storeErr := s.coord.Lookup(r.Context(), id); storeErr == nil {
			s.writeError(w, http.StatusConflict, "session_ended", "session already ended")
			return
		}
		s.writeError(w, http.StatusNotFound, "session_not_found", "no such session")
		return
	case errors.Is(err, types.ErrSessionEnded):
		s.writeError(w, http.StatusConflict, "session_ended", "session already ended")
		return
	case err != nil:
		s.logger.Error("session end failed", "session_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal", "could not end session")
		return
	}

	s.writeJSON(w, http.StatusOK, toScoreJSON(score))
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

// ListenAndServe runs the server on addr over plain HTTP until ctx is
// cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := s.httpServer(addr)
	return s.serve(ctx, srv, srv.ListenAndServe)
}

// ListenAndServeTLS runs the server on addr over HTTPS with the given
// PEM-encoded certificate pair until ctx is cancelled.
func (s *Server) ListenAndServeTLS(ctx context.Context, addr, certFile, keyFile string) error {
	srv := s.httpServer(addr)
	return s.serve(ctx, srv, func() error {
		return srv.ListenAndServeTLS(certFile, keyFile)
	})
}

func (s *Server) httpServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (s *Server) serve(ctx context.Context, srv *http.Server, start func() error) error {
	errCh := make(chan error, 1)
	go func() { errCh <- start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
