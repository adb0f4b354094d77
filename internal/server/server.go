// Package server exposes the operational HTTP surface of a running harvest:
// Prometheus metrics, liveness and a JSON progress view.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/pom-harvester/internal/metrics"
	"github.com/JakeFAU/pom-harvester/internal/progress"
)

const shutdownTimeout = 5 * time.Second

// ProgressSource reports the current harvest progress.
type ProgressSource interface {
	Snapshot() progress.Snapshot
}

// Server wires the operational handlers onto a chi router.
type Server struct {
	router   chi.Router
	progress ProgressSource
	logger   *zap.Logger
}

// New constructs a Server. progress may be nil, in which case /progress
// answers 503.
func New(progress ProgressSource, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{progress: progress, logger: logger}
	r := chi.NewRouter()
	r.Use(recoverMiddleware(logger))
	r.Use(loggingMiddleware(logger))

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/progress", s.progressView)

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is done, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("metrics server started", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics server shutdown: %w", err)
	}
	return nil
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type progressResponse struct {
	Total         int64   `json:"total"`
	Done          int64   `json:"done"`
	Percent       float64 `json:"percent"`
	ItemsPerSec   float64 `json:"items_per_sec"`
	ETASeconds    float64 `json:"eta_seconds"`
	ElapsedSecond float64 `json:"elapsed_seconds"`
}

func (s *Server) progressView(w http.ResponseWriter, _ *http.Request) {
	if s.progress == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no harvest running"})
		return
	}
	snap := s.progress.Snapshot()
	writeJSON(w, http.StatusOK, progressResponse{
		Total:         snap.Total,
		Done:          snap.Done,
		Percent:       snap.Percent,
		ItemsPerSec:   snap.Rate,
		ETASeconds:    snap.ETA.Seconds(),
		ElapsedSecond: snap.Elapsed.Seconds(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload) //nolint:errcheck // client went away
}
