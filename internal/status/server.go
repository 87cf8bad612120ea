// Package status serves a small local HTTP API for inspecting and operating
// a running client: connectivity, realtime state, and the offline queue.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rickgao/syncline/internal/queue"
	"github.com/rickgao/syncline/internal/realtime"
	"github.com/rickgao/syncline/internal/version"
)

// Queue is the subset of the offline queue the API operates on.
type Queue interface {
	Len() int
	List() []queue.QueuedRequest
	Draining() bool
	Drain(ctx context.Context) queue.DrainResult
	Clear(ctx context.Context) error
	Remove(ctx context.Context, id string) (bool, error)
}

// Deps are the components the API reports on. Metrics may be nil.
type Deps struct {
	Online   interface{ IsOnline() bool }
	Queue    Queue
	Realtime interface {
		State() realtime.State
		Topics() []realtime.Topic
	}
	Credentials interface{ Authenticated() bool }
	Metrics     http.Handler
	MetricsPath string
}

// Server is the status API.
type Server struct {
	deps   Deps
	logger *slog.Logger

	mu  sync.Mutex
	srv *http.Server
}

// NewServer creates a status server.
func NewServer(deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.MetricsPath == "" {
		deps.MetricsPath = "/metrics"
	}
	return &Server{deps: deps, logger: logger}
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, s.logRequests, middleware.Recoverer)

	r.Get("/status", s.handleStatus)

	r.Route("/queue", func(q chi.Router) {
		q.Get("/", s.handleListQueue)
		q.Delete("/", s.handleClearQueue)
		q.Post("/drain", s.handleDrainQueue)
		q.Delete("/{id}", s.handleRemoveQueued)
	})

	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, s.deps.MetricsPath, s.deps.Metrics)
	}

	return r
}

// Start listens on addr in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server failed", "error", err)
		}
	}()

	s.logger.Info("status server listening", "addr", ln.Addr().String())
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

type statusResponse struct {
	Version       string   `json:"version"`
	Online        bool     `json:"online"`
	Authenticated bool     `json:"authenticated"`
	Realtime      string   `json:"realtime"`
	Topics        []string `json:"topics"`
	QueueLength   int      `json:"queue_length"`
	Draining      bool     `json:"draining"`
	Time          string   `json:"time"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	topics := s.deps.Realtime.Topics()
	names := make([]string, len(topics))
	for i, t := range topics {
		names[i] = t.String()
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Version:       version.Version,
		Online:        s.deps.Online.IsOnline(),
		Authenticated: s.deps.Credentials.Authenticated(),
		Realtime:      s.deps.Realtime.State().String(),
		Topics:        names,
		QueueLength:   s.deps.Queue.Len(),
		Draining:      s.deps.Queue.Draining(),
		Time:          time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"items": s.deps.Queue.List(),
	})
}

func (s *Server) handleDrainQueue(w http.ResponseWriter, r *http.Request) {
	res := s.deps.Queue.Drain(r.Context())
	status := http.StatusOK
	if res.Skipped != "" {
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]any{
		"skipped":     res.Skipped,
		"attempted":   res.Attempted,
		"replayed":    res.Replayed,
		"retried":     res.Retried,
		"dropped":     res.Dropped,
		"interrupted": res.Interrupted,
		"remaining":   res.Remaining,
	})
}

func (s *Server) handleClearQueue(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Queue.Clear(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleRemoveQueued(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.deps.Queue.Remove(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "queued request not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("status request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
