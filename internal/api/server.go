// Package api exposes the execution core over HTTP: run streaming, the
// billing ingest callback, health and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cognihq/agent-runtime/internal/billing"
	"github.com/cognihq/agent-runtime/internal/core"
)

// RunStarter starts a run and hands back its event stream.
type RunStarter interface {
	Run(ctx context.Context, req core.GraphRunRequest) (<-chan core.RunEvent, error)
}

// Server wires the routes.
type Server struct {
	router   *mux.Router
	provider RunStarter
	ingestor *billing.Ingestor
}

func NewServer(p RunStarter, ing *billing.Ingestor, reg *prometheus.Registry) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		provider: p,
		ingestor: ing,
	}

	s.router.HandleFunc("/v1/runs", s.handleRun).Methods(http.MethodPost)
	s.router.HandleFunc("/internal/billing/ingest", ing.HandleIngest).Methods(http.MethodPost)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.router.Use(logMiddleware)
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe runs the HTTP server until ctx ends, then drains.
// WriteTimeout stays zero: /v1/runs streams for the whole run.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", port),
		Handler:     s.router,
		ReadTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	slog.Info("http server listening", "port", port)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// handleRun streams the run as NDJSON, one RunEvent per line. The request
// context is the run's cancellation token: a dropped client cancels the
// run, and teardown still happens behind it.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req core.GraphRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, core.KindInvalidRequest, "undecodable request body")
		return
	}

	events, err := s.provider.Run(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, core.KindOf(err), errMessage(err))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, core.KindInvalidRequest, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for ev := range events {
		if err := enc.Encode(ev); err != nil {
			// Client is gone; the run context is already cancelled with it.
			slog.Warn("run stream write failed", "run_id", req.RunID, "error", err)
			for range events {
			}
			return
		}
		flusher.Flush()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type errorBody struct {
	Error string         `json:"error"`
	Code  core.ErrorKind `json:"code"`
}

func writeError(w http.ResponseWriter, status int, kind core.ErrorKind, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Error: msg, Code: kind})
}

func errMessage(err error) string {
	var re *core.RunError
	if errors.As(err, &re) {
		return re.Message
	}
	return err.Error()
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds())
	})
}
