// Package httpserver is the HTTP front-end adapter: a thin chi router
// exposing the engine's put/get/delete/batch_put/read_key_range surface,
// plus a WebSocket tail of committed WAL records. It is a thin request
// adapter and holds no LSM invariants of its own.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lsmforge/lsmkv/pkg/engine"
	"github.com/lsmforge/lsmkv/pkg/wal"
)

// Server wraps an already-initialized Engine with an HTTP API.
type Server struct {
	cfg     Config
	eng     *engine.Engine
	router  *chi.Mux
	httpSrv *http.Server
	hub     *tailHub
	logger  func(format string, args ...any)
}

// New builds a Server around eng, which must already be Initialize'd. It
// does not start listening until ListenAndServeAsync is called.
func New(cfg Config, eng *engine.Engine) *Server {
	s := &Server{
		cfg:    cfg,
		eng:    eng,
		router: chi.NewRouter(),
		hub:    newTailHub(),
		logger: log.Printf,
	}
	s.setupMiddleware()
	s.setupRoutes()

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	if cfg.EnableTail {
		eng.SetCommitListener(s.hub.OnCommit)
	}

	return s
}

// SetLogger overrides the default log.Printf logger.
func (s *Server) SetLogger(fn func(format string, args ...any)) {
	s.logger = fn
}

func (s *Server) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger(format, args...)
	}
}

// CommitListener exposes the server's own WAL commit hook (the tail hub),
// so a caller wiring replication too can compose both into a single
// listener passed to engine.SetCommitListener.
func (s *Server) CommitListener() func(wal.Record) {
	return s.hub.OnCommit
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Logger)
	if s.cfg.EnableCORS {
		s.router.Use(s.corsMiddleware)
	}
	s.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.cfg.MaxRequestSize > 0 {
				r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxRequestSize)
			}
			next.ServeHTTP(w, r)
		})
	})
	s.router.Use(middleware.Timeout(60 * time.Second))
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := "*"
		if len(s.cfg.AllowedOrigins) > 0 {
			origin = s.cfg.AllowedOrigins[0]
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) setupRoutes() {
	s.router.Get("/_health", s.handleHealth)
	s.router.Get("/stats", s.handleStats)

	s.router.Route("/kv/{key}", func(r chi.Router) {
		r.Put("/", s.handlePut)
		r.Get("/", s.handleGet)
		r.Delete("/", s.handleDelete)
	})
	s.router.Post("/batch", s.handleBatchPut)
	s.router.Get("/range", s.handleRange)

	if s.cfg.EnableTail {
		s.router.Get("/tail", s.handleTail)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.Stats())
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	value, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.eng.Put(key, value); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	value, found, err := s.eng.Get(key)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, fmt.Errorf("key %q not found", key))
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(value)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := s.eng.Delete(key); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type batchEntry struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

func (s *Server) handleBatchPut(w http.ResponseWriter, r *http.Request) {
	var entries []batchEntry
	if err := json.NewDecoder(r.Body).Decode(&entries); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	kvs := make([]wal.KV, len(entries))
	for i, e := range entries {
		kvs[i] = wal.KV{Key: e.Key, Value: e.Value}
	}
	n, err := s.eng.BatchPut(kvs)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "written": n})
}

func (s *Server) handleRange(w http.ResponseWriter, r *http.Request) {
	start := r.URL.Query().Get("start")
	end := r.URL.Query().Get("end")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit: %v", err))
			return
		}
		limit = n
	}

	entries, err := s.eng.ReadKeyRange(start, end, limit)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	out := make([]batchEntry, len(entries))
	for i, e := range entries {
		out[i] = batchEntry{Key: e.Key, Value: e.Value}
	}
	writeJSON(w, http.StatusOK, out)
}

// ListenAndServeAsync starts the HTTP server in the background and returns
// a channel that receives at most one error if ListenAndServe fails for any
// reason other than a graceful Shutdown.
func (s *Server) ListenAndServeAsync() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("httpserver: %w", err)
		}
	}()
	return errCh
}

// Shutdown gracefully stops the HTTP server within a 30s deadline.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

func readBody(r *http.Request) ([]byte, error) {
	return io.ReadAll(r.Body)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"ok": false, "error": err.Error()})
}

func writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrStateError):
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, err)
}
