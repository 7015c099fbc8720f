// Package server exposes deployment sessions over HTTP.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/3cpo-dev/polydeploy/internal/logging"
	"github.com/3cpo-dev/polydeploy/internal/session"
	"github.com/3cpo-dev/polydeploy/internal/telemetry"
	"github.com/3cpo-dev/polydeploy/pkg/api"
)

const defaultMaxUpload = 512 << 20

type Server struct {
	Version  string
	Token    string
	Sessions *session.Manager
	Metrics  telemetry.Metrics
	// MetricsHandler is mounted at /metrics when set.
	MetricsHandler http.Handler
	Health         *telemetry.Health
	MaxUpload      int64
	Logger         zerolog.Logger

	mu  sync.Mutex
	srv *http.Server
}

func New(version string, sessions *session.Manager) *Server {
	s := &Server{
		Version:   version,
		Sessions:  sessions,
		Metrics:   telemetry.Noop{},
		Health:    telemetry.NewHealth(),
		MaxUpload: defaultMaxUpload,
		Logger:    logging.Component("server"),
	}
	s.Health.Register("store", func() telemetry.HealthCheck {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := sessions.Ping(ctx); err != nil {
			return telemetry.HealthCheck{Status: telemetry.HealthStatusUnhealthy, Message: err.Error()}
		}
		return telemetry.HealthCheck{Status: telemetry.HealthStatusHealthy, Message: "store reachable"}
	})
	return s
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v0/heartbeat", s.handleHeartbeat)
	mux.Handle("GET /v0/healthz", s.Health.Handler())
	if s.MetricsHandler != nil {
		mux.Handle("GET /metrics", s.MetricsHandler)
	}
	mux.HandleFunc("POST /v0/sessions", s.handleCreate)
	mux.HandleFunc("GET /v0/sessions/{id}", s.handleGet)
	mux.HandleFunc("GET /v0/sessions/{id}/summary", s.handleSummary)
	mux.HandleFunc("POST /v0/sessions/{id}/archives", s.handleUpload)
	mux.HandleFunc("POST /v0/sessions/{id}/install", s.handleInstall)
}

// Handler returns the full middleware chain around the routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)
	return s.instrument(s.authenticate(mux))
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.HeartbeatResponse{Time: time.Now().UTC(), Host: r.Host, Version: s.Version})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	sess, err := s.Sessions.Create(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess.Public())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, err := s.Sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Public())
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.Sessions.Summary(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.MaxUpload)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "multipart field \"file\" required: " + err.Error()})
		return
	}
	defer file.Close()
	sess, err := s.Sessions.AddArchive(r.Context(), r.PathValue("id"), header.Filename, file)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Public())
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.Sessions.Install(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	sess, err := s.Sessions.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sess.Public())
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrAlreadyStarted):
		status = http.StatusConflict
	case errors.Is(err, session.ErrInvalidArchive):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.Logger.Error().Err(err).Msg("Request failed")
	}
	writeJSON(w, status, api.ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// authenticate requires the token as "Authorization: Bearer" or
// X-Auth-Token when one is configured. Heartbeat, health and metrics stay
// open.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Token == "" || openPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		got := r.Header.Get("X-Auth-Token")
		if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
			got = auth[7:]
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.Token)) != 1 {
			writeJSON(w, http.StatusUnauthorized, api.ErrorResponse{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func openPath(p string) bool {
	return p == "/v0/heartbeat" || p == "/v0/healthz" || p == "/metrics"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		s.Metrics.ObserveRequest(r.Method, route, strconv.Itoa(rec.status), elapsed.Seconds())
		s.Logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("took", elapsed).
			Msg("Request")
	})
}

// ListenAndServe serves plain HTTP until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	srv := s.setServer(&http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second})
	s.Logger.Info().Str("addr", addr).Msg("Serving")
	return srv.ListenAndServe()
}

func (s *Server) setServer(srv *http.Server) *http.Server {
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()
	return srv
}

// Shutdown stops accepting requests and waits for running batches.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return fmt.Errorf("server not running")
	}
	err := srv.Shutdown(ctx)
	done := make(chan struct{})
	go func() {
		s.Sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.Logger.Warn().Msg("Shutdown timed out with batches still running")
	}
	return err
}
