// Package server provides the HTTP triggering interface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/bryan-buckman/televore/internal/ingest"
	"github.com/bryan-buckman/televore/internal/model"
	"github.com/bryan-buckman/televore/internal/opml"
	"github.com/bryan-buckman/televore/internal/runlock"
)

// maxOPMLSize bounds uploaded OPML documents.
const maxOPMLSize = 10 << 20

// Runner runs ingestion over the configured entity set.
type Runner interface {
	RunConfigured(ctx context.Context, window ingest.Window) (ingest.Report, error)
}

// EntityStore is the part of the warehouse the server reads and seeds.
type EntityStore interface {
	RegisterEntity(ctx context.Context, groupID string) (bool, error)
	ListWatermarks(ctx context.Context) ([]model.Watermark, error)
}

// Options configures a Server.
type Options struct {
	Runner Runner
	Store  EntityStore
	State  *runlock.State
	// Gatherer serves /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
	// RunTimeout bounds runs started over HTTP. 0 is unbounded.
	RunTimeout time.Duration
	// FeedURLTemplate is added to exported OPML outlines when set.
	FeedURLTemplate string
	Logger          *zap.Logger
}

// Server is the HTTP server.
type Server struct {
	opts    Options
	router  chi.Router
	logger  *zap.Logger
	httpSrv *http.Server

	// runs tracks background runs so shutdown can wait for them.
	runs sync.WaitGroup
	// baseCtx is cancelled by Shutdown.
	baseCtx context.Context
	cancel  context.CancelFunc
}

// New creates a server.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.State == nil {
		opts.State = runlock.New(nil, opts.Logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:    opts,
		logger:  opts.Logger,
		baseCtx: ctx,
		cancel:  cancel,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Post("/run", s.handleRun)
	r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/entities", s.handleEntities)
		r.Post("/import-opml", s.handleImportOPML)
		r.Get("/export-opml", s.handleExportOPML)
	})

	s.router = r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Server starting", zap.String("addr", addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return nil
}

// Shutdown stops accepting requests, cancels background runs and waits for
// them to finish their current entity.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}
	s.cancel()
	s.Wait()
	return err
}

// Wait blocks until every background run started by the server has finished.
func (s *Server) Wait() {
	s.runs.Wait()
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.State.Snapshot())
}

type runRequest struct {
	FromDate string `json:"from_date"`
	ToDate   string `json:"to_date"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	window, err := ingest.ParseWindow(req.FromDate, req.ToDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.opts.State.TryStart(r.Context()); err != nil {
		if errors.Is(err, runlock.ErrRunning) {
			writeError(w, http.StatusConflict, "Ingestion already running")
			return
		}
		s.logger.Error("Failed to start run", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "could not acquire run lock")
		return
	}

	s.runs.Add(1)
	go s.run(window)

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) run(window ingest.Window) {
	defer s.runs.Done()

	ctx := s.baseCtx
	if s.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RunTimeout)
		defer cancel()
	}

	report, err := s.opts.Runner.RunConfigured(ctx, window)
	s.opts.State.Finish(ctx, report, err)
	if err != nil {
		s.logger.Error("Triggered run failed", zap.Error(err))
	}
}

func (s *Server) handleEntities(w http.ResponseWriter, r *http.Request) {
	wms, err := s.opts.Store.ListWatermarks(r.Context())
	if err != nil {
		s.logger.Error("Failed to list entities", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list entities")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": wms, "total": len(wms)})
}

func (s *Server) handleImportOPML(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxOPMLSize)
	file, _, err := r.FormFile("opml")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No file provided")
		return
	}
	defer file.Close()

	ids, err := opml.Parse(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Failed to parse OPML: %v", err))
		return
	}

	imported := 0
	for _, id := range ids {
		created, err := s.opts.Store.RegisterEntity(r.Context(), id)
		if err != nil {
			s.logger.Error("Failed to register entity", zap.String("entity", id), zap.Error(err))
			continue
		}
		if created {
			imported++
		}
	}

	s.logger.Info("OPML imported", zap.Int("imported", imported), zap.Int("total", len(ids)))
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"imported": imported,
		"total":    len(ids),
	})
}

func (s *Server) handleExportOPML(w http.ResponseWriter, r *http.Request) {
	wms, err := s.opts.Store.ListWatermarks(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get entities")
		return
	}

	data, err := opml.Export("televore entities", wms, s.opts.FeedURLTemplate, time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to export")
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("Content-Disposition", "attachment; filename=televore-entities.opml")
	_, _ = w.Write(data)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// requestLogger logs one line per request with zap.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
