// SPDX-License-Identifier: MIT

// Package status serves the watch-mode HTTP surface: liveness, readiness,
// last-build status and prometheus metrics.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/pkgsmith/agentpack/internal/bundle"
	"github.com/pkgsmith/agentpack/internal/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Tracker records the outcome of the most recent build for the status
// endpoints. Safe for concurrent use.
type Tracker struct {
	mu       sync.RWMutex
	platform string
	last     *bundle.Result
	lastErr  string
	lastTime time.Time
	builds   int
}

// NewTracker creates a tracker for the given target platform.
func NewTracker(platform string) *Tracker {
	return &Tracker{platform: platform}
}

// RecordSuccess stores the result of a completed build.
func (t *Tracker) RecordSuccess(res *bundle.Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = res
	t.lastErr = ""
	t.lastTime = time.Now().UTC()
	t.builds++
}

// RecordFailure stores a failed build attempt.
func (t *Tracker) RecordFailure(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastErr = err.Error()
	t.lastTime = time.Now().UTC()
	t.builds++
}

// Snapshot is the JSON document served on /status.
type Snapshot struct {
	Platform    string    `json:"platform"`
	Builds      int       `json:"builds"`
	LastBuildID string    `json:"lastBuildId,omitempty"`
	LastTime    time.Time `json:"lastTime,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
	Servers     int       `json:"servers,omitempty"`
	Archive     string    `json:"archive,omitempty"`
}

// Snapshot returns a copy of the current state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := Snapshot{
		Platform:  t.platform,
		Builds:    t.builds,
		LastTime:  t.lastTime,
		LastError: t.lastErr,
	}
	if t.last != nil {
		s.LastBuildID = t.last.BuildID
		s.Servers = t.last.Servers
		s.Archive = t.last.ArchivePath
	}
	return s
}

// Ready reports whether at least one build has succeeded and the most recent
// attempt did not fail.
func (t *Tracker) Ready() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.last != nil && t.lastErr == ""
}

// Server is the status HTTP server.
type Server struct {
	addr    string
	tracker *Tracker
	metrics bool
}

// NewServer creates a status server bound to addr.
func NewServer(addr string, tracker *Tracker, metricsEnabled bool) *Server {
	return &Server{addr: addr, tracker: tracker, metrics: metricsEnabled}
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(httprate.LimitByIP(120, time.Minute))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Get("/status", s.handleStatus)
	if s.metrics {
		r.Handle("/metrics", promhttp.Handler())
	}
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	logger := log.WithComponent("status")

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", s.addr).Msg("status server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		logger.Info().Msg("status server stopped")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if !s.tracker.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"ready": false,
			"error": s.tracker.Snapshot().LastError,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.tracker.Snapshot())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger := log.WithComponent("status")
		logger.Error().Err(err).Msg("encode response")
	}
}
