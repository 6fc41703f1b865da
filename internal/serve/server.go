// Package serve exposes the account state over a local REST API, so sidecar
// tooling can read status and trigger rotations without shelling out to the
// CLI. Responses use a uniform JSON envelope with a request id for log
// correlation.
package serve

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Dicklesworthstone/caam/internal/account"
	"github.com/Dicklesworthstone/caam/internal/authpool"
	"github.com/Dicklesworthstone/caam/internal/quota"
	"github.com/Dicklesworthstone/caam/internal/store"
	"github.com/Dicklesworthstone/caam/internal/watcher"
)

// Error codes in API error envelopes.
const (
	ErrCodeBadRequest    = "bad_request"
	ErrCodeNotFound      = "not_found"
	ErrCodeInternalError = "internal_error"
	ErrCodeAuthFailure   = "auth_failure"
)

// Options configures a Server.
type Options struct {
	Pool     *authpool.Pool
	Accounts *store.Store[account.Document]
	Tracker  *quota.Tracker
	Logger   *slog.Logger
	Version  string
}

// Server serves the REST API over a cached account snapshot. The cache is
// invalidated by a file watcher, so rewrites by other caam processes become
// visible without polling.
type Server struct {
	pool     *authpool.Pool
	accounts *store.Store[account.Document]
	tracker  *quota.Tracker
	logger   *slog.Logger
	version  string

	mu       sync.Mutex
	snapshot *account.Document

	watcher *watcher.Watcher
}

// New builds a Server. Pool and Accounts are required.
func New(opts Options) *Server {
	s := &Server{
		pool:     opts.Pool,
		accounts: opts.Accounts,
		tracker:  opts.Tracker,
		logger:   opts.Logger,
		version:  opts.Version,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Start begins watching the account store for external rewrites. Serving
// works without it; reads then hit the store every time.
func (s *Server) Start() error {
	w, err := watcher.New(func(paths []string) {
		s.invalidate()
		s.logger.Debug("[Serve] snapshot_invalidated", "paths", paths)
	}, watcher.WithErrorHandler(func(err error) {
		s.logger.Warn("[Serve] watch_error", "error", err)
	}))
	if err != nil {
		return err
	}
	if err := w.AddFile(s.accounts.Path()); err != nil {
		_ = w.Close()
		return err
	}
	s.watcher = w
	return nil
}

// Close stops the watcher.
func (s *Server) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func (s *Server) invalidate() {
	s.mu.Lock()
	s.snapshot = nil
	s.mu.Unlock()
}

// document returns the cached account document, reloading after
// invalidation.
func (s *Server) document() account.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot == nil || s.watcher == nil {
		doc := s.accounts.Load()
		s.snapshot = &doc
	}
	return *s.snapshot
}

// Router builds the chi router with all routes registered.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		s.registerAccountRoutes(r)
	})
	return r
}

// ListenAndServe runs the API until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("[Serve] listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("[Serve] request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeSuccessResponse(w, r, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}

// envelope is the uniform response wrapper.
type envelope struct {
	Success   bool           `json:"success"`
	Data      any            `json:"data,omitempty"`
	Error     *envelopeError `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	RequestID string         `json:"request_id,omitempty"`
}

type envelopeError struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Remediation string `json:"remediation,omitempty"`
}

func writeSuccessResponse(w http.ResponseWriter, r *http.Request, status int, data any) {
	writeJSON(w, status, envelope{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
		RequestID: middleware.GetReqID(r.Context()),
	})
}

func writeErrorResponse(w http.ResponseWriter, r *http.Request, status int, code, msg, remediation string) {
	writeJSON(w, status, envelope{
		Success:   false,
		Error:     &envelopeError{Code: code, Message: msg, Remediation: remediation},
		Timestamp: time.Now().UTC(),
		RequestID: middleware.GetReqID(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
