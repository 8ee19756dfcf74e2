package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/outpost/internal/core/domain"
)

// Server exposes the relay over HTTP: submit, queue inspection, flush
// control and connectivity state.
type Server struct {
	relay  *Relay
	server *http.Server
}

// NewServer creates the admin HTTP server.
func NewServer(relay *Relay, port int) *Server {
	mux := http.NewServeMux()
	s := &Server{
		relay: relay,
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
	}

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /operations", s.handleSubmit)
	mux.HandleFunc("GET /queue", s.handleQueue)
	mux.HandleFunc("POST /queue/flush", s.handleFlush)
	mux.HandleFunc("DELETE /queue", s.handleClear)
	mux.HandleFunc("DELETE /queue/{id}", s.handleRemove)
	mux.HandleFunc("GET /deadletters", s.handleDeadLetters)
	mux.HandleFunc("POST /deadletters/{id}/requeue", s.handleRequeue)
	mux.HandleFunc("GET /connectivity", s.handleConnectivity)
	mux.HandleFunc("POST /connectivity/probe", s.handleProbe)
	mux.Handle("/metrics", promhttp.Handler())

	return s
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.relay.Connectivity()
	status := "ok"
	if s.relay.Queue().Degraded() {
		status = "degraded"
	}
	if !state.Online {
		status = "offline"
	}

	// Offline is a working state for this process, not a failure:
	// operations queue locally. Only respond non-200 when durable
	// persistence is gone too.
	code := http.StatusOK
	if status == "degraded" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":  status,
		"online":  state.Online,
		"queued":  s.relay.Queue().Size(),
		"quality": state.Quality,
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Verb    domain.Verb       `json:"verb"`
		Target  string            `json:"target"`
		Payload json.RawMessage   `json:"payload"`
		Headers map[string]string `json:"headers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.Target == "" || req.Verb == "" {
		writeError(w, http.StatusBadRequest, errors.New("verb and target are required"))
		return
	}

	res, err := s.relay.Submit(r.Context(), req.Verb, req.Target, req.Payload, req.Headers)
	switch {
	case errors.Is(err, domain.ErrDuplicateOperation):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		writeError(w, http.StatusBadGateway, err)
	case res.Queued:
		writeJSON(w, http.StatusAccepted, res)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	q := s.relay.Queue()
	writeJSON(w, http.StatusOK, map[string]any{
		"size":       q.Size(),
		"degraded":   q.Degraded(),
		"operations": q.List(),
	})
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	n, err := s.relay.Flush(r.Context())
	switch {
	case errors.Is(err, domain.ErrFlushInProgress):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		writeJSON(w, http.StatusOK, map[string]any{"applied": n, "stopped": err.Error()})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"applied": n, "remaining": s.relay.Queue().Size()})
	}
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.relay.Queue().Clear(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	if !s.relay.Queue().Remove(r.Context(), r.PathValue("id")) {
		writeError(w, http.StatusNotFound, errors.New("operation not found"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": s.relay.Queue().DeadLetters()})
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	op, err := s.relay.Queue().Requeue(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, domain.ErrNotQueued):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, domain.ErrDuplicateOperation):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, op)
	}
}

func (s *Server) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.relay.Connectivity())
}

func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	s.relay.RetryNow()
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
