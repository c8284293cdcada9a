// Package httpapi is the operations surface of a pipeline process: health,
// readiness, Prometheus metrics and stream inspection.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apimw "github.com/hamed0406/uptimepipeline/internal/httpapi/middleware"
	"github.com/hamed0406/uptimepipeline/internal/stream"
)

const checkTimeout = 2 * time.Second

// StreamInspector is the read-only part of stream.Stream the server needs.
type StreamInspector interface {
	Info(ctx context.Context, name, group string) (stream.GroupInfo, error)
}

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

type Server struct {
	Logger   *zap.Logger
	Streams  StreamInspector
	Gatherer prometheus.Gatherer
	APIKeys  []string
	// RatePerMin limits /api requests per client IP; 0 disables it.
	RatePerMin int

	mu     sync.RWMutex
	checks map[string]Check
}

func NewServer(l *zap.Logger, streams StreamInspector, g prometheus.Gatherer, apiKeys []string) *Server {
	return &Server{
		Logger:     l,
		Streams:    streams,
		Gatherer:   g,
		APIKeys:    apiKeys,
		RatePerMin: 120,
		checks:     make(map[string]Check),
	}
}

// AddCheck registers a readiness check under name.
func (s *Server) AddCheck(name string, c Check) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = c
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.AllowAll().Handler)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Use(apimw.RateLimit(s.RatePerMin, 30))
		r.Use(apimw.RequireKey(s.APIKeys))
		r.Get("/streams/{stream}/groups/{group}", s.handleGroupInfo)
	})

	return r
}

type checkStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type readiness struct {
	Status string                 `json:"status"`
	Checks map[string]checkStatus `json:"checks"`
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	checks := make([]Check, len(names))
	for i, name := range names {
		checks[i] = s.checks[name]
	}
	s.mu.RUnlock()

	out := readiness{Status: "ok", Checks: make(map[string]checkStatus, len(names))}
	code := http.StatusOK
	for i, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := checks[i](ctx)
		cancel()
		if err != nil {
			out.Checks[name] = checkStatus{Status: "error", Error: err.Error()}
			out.Status = "unavailable"
			code = http.StatusServiceUnavailable
			s.Logger.Warn("readiness_check_failed", zap.String("check", name), zap.Error(err))
			continue
		}
		out.Checks[name] = checkStatus{Status: "ok"}
	}
	writeJSON(w, code, out)
}

func (s *Server) handleGroupInfo(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "stream")
	group := chi.URLParam(r, "group")

	info, err := s.Streams.Info(r.Context(), name, group)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, info)
	case errors.Is(err, stream.ErrNoGroup), errors.Is(err, stream.ErrNoStream):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	default:
		s.Logger.Warn("stream_info_error", zap.String("stream", name), zap.String("group", group), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "stream unavailable"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// ListenAndServe serves the router on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.Logger.Info("ops_listen", zap.String("addr", addr))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
