package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os/signal"
	"path"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/caremap/caremap-sync/internal/fetcher"
	"github.com/caremap/caremap-sync/internal/metrics"
	"github.com/caremap/caremap-sync/internal/monitoring"
	"github.com/caremap/caremap-sync/internal/pipeline"
	"github.com/caremap/caremap-sync/internal/store"
)

var servePort int

// maxBatchBytes bounds a POST /sync body.
const maxBatchBytes = 32 << 20

// syncRunner is the part of the pipeline the trigger server drives.
type syncRunner interface {
	Run(ctx context.Context, location string, opts fetcher.Options) (*pipeline.RunResult, error)
	RunBatch(ctx context.Context, label string, batch *fetcher.Batch) (*pipeline.RunResult, error)
	Backfill(ctx context.Context, limit int) (*pipeline.BackfillResult, error)
}

// triggerServer serves the HTTP trigger. Passes are serialized.
type triggerServer struct {
	runner  syncRunner
	store   store.Store
	metrics *metrics.Metrics
	origins []string
	// sources holds the URL prefixes ?source= may name besides the sample.
	sources []*url.URL

	mu sync.Mutex
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP trigger server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}

		env, err := initSyncEnv(cfg, "serve")
		if err != nil {
			return err
		}

		st, err := openStore(ctx, cfg, nil)
		if err != nil {
			return eris.Wrap(err, "connect store")
		}
		defer st.Close() //nolint:errcheck
		if err := st.EnsureSchema(ctx); err != nil {
			return err
		}

		if cfg.Monitoring.WebhookURL != "" {
			checker := monitoring.NewChecker(
				monitoring.NewCollector(st),
				monitoring.NewAlerter(cfg.Monitoring),
				cfg.Monitoring,
			)
			go checker.Run(ctx)
		}

		sources, err := parseSources(cfg.Server.AllowedSources)
		if err != nil {
			return err
		}
		ts := &triggerServer{
			runner:  env.Pipeline,
			store:   st,
			metrics: env.Metrics,
			origins: cfg.Server.CORSOrigins,
			sources: sources,
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           ts.routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

func (s *triggerServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	r.Get("/runs", s.handleRuns)
	r.Post("/sync", s.handleSync)
	r.Post("/backfill", s.handleBackfill)
	return r
}

// requestLogger logs each request at debug level.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *triggerServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		zap.L().Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *triggerServer) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		zap.L().Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list runs failed")
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// handleSync runs a pass over the request body, a JSON array of records,
// or over ?source=<location> when given. A source must be the sample or
// fall under one of the configured prefixes.
func (s *triggerServer) handleSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var (
		run func() (*pipeline.RunResult, error)
	)
	if location := r.URL.Query().Get("source"); location != "" {
		if !s.allowedSource(location) {
			zap.L().Warn("sync source rejected", zap.String("source", location))
			writeError(w, http.StatusBadRequest, "source not allowed")
			return
		}
		format, err := fetcher.ParseFormat(r.URL.Query().Get("format"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "unsupported format")
			return
		}
		opts := fetcher.Options{Format: format, Encoding: r.URL.Query().Get("encoding")}
		run = func() (*pipeline.RunResult, error) { return s.runner.Run(ctx, location, opts) }
	} else {
		body := http.MaxBytesReader(w, r.Body, maxBatchBytes)
		batch, err := fetcher.ReadBatch(ctx, body, fetcher.Options{Format: fetcher.FormatJSON})
		if err != nil {
			zap.L().Debug("sync body rejected", zap.Error(err))
			writeError(w, http.StatusBadRequest, "invalid batch body")
			return
		}
		run = func() (*pipeline.RunResult, error) { return s.runner.RunBatch(ctx, "api", batch) }
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := run()
	if err != nil {
		zap.L().Error("sync pass failed", zap.Error(err))
		status := statusFor(err)
		writeError(w, status, failureMessage(status, "synchronization failed"))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *triggerServer) handleBackfill(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.runner.Backfill(r.Context(), limit)
	if err != nil {
		zap.L().Error("backfill failed", zap.Error(err))
		status := statusFor(err)
		writeError(w, status, failureMessage(status, "backfill failed"))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// statusFor maps fatal pass errors to HTTP status codes.
func statusFor(err error) int {
	var ce *pipeline.ConnectionError
	var se *store.SchemaError
	switch {
	case errors.As(err, &ce), errors.As(err, &se):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// failureMessage is the client-facing text for a failed pass. Details stay in
// the log.
func failureMessage(status int, msg string) string {
	if status == http.StatusServiceUnavailable {
		return "store unavailable"
	}
	return msg
}

// allowedSource admits the bundled sample and http, https or ftp locations
// under a configured prefix. Local paths never pass.
func (s *triggerServer) allowedSource(location string) bool {
	if location == fetcher.SampleLocation {
		return true
	}
	u, err := url.Parse(location)
	if err != nil || u.Host == "" || !remoteScheme(u.Scheme) {
		return false
	}
	for _, p := range s.sources {
		if strings.EqualFold(u.Scheme, p.Scheme) &&
			strings.EqualFold(u.Host, p.Host) &&
			strings.HasPrefix(cleanPath(u.Path), p.Path) {
			return true
		}
	}
	return false
}

func cleanPath(p string) string {
	if p == "" {
		return ""
	}
	return path.Clean("/" + p)
}

func remoteScheme(scheme string) bool {
	switch strings.ToLower(scheme) {
	case "http", "https", "ftp":
		return true
	}
	return false
}

// parseSources parses server.allowed_sources.
func parseSources(prefixes []string) ([]*url.URL, error) {
	out := make([]*url.URL, 0, len(prefixes))
	for _, raw := range prefixes {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" || !remoteScheme(u.Scheme) {
			return nil, eris.Errorf("server.allowed_sources: %q is not an http, https or ftp URL", raw)
		}
		out = append(out, u)
	}
	return out, nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, eris.Errorf("%s must be an integer", key)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
