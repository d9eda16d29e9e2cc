// Package gateway wires the token pool, upstream request pipeline, stream
// translator, batch job engine, and media cache into the HTTP surface
// described by §6: the public OpenAI-compatible routes, the admin API, the
// media proxy, and a minimal static-asset server for the admin UI.
//
// Grounded on the teacher's pkg/proxy/server.go: chi router construction,
// middleware stack (RequestID, RealIP, a request-lifecycle middleware,
// Logger, Recoverer), route grouping with a per-group auth middleware, and
// Run(ctx)'s listen/drain/shutdown shape.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/lkarlslund/grokgateway/pkg/batch"
	"github.com/lkarlslund/grokgateway/pkg/config"
	"github.com/lkarlslund/grokgateway/pkg/fingerprint"
	"github.com/lkarlslund/grokgateway/pkg/mediacache"
	"github.com/lkarlslund/grokgateway/pkg/pipeline"
	"github.com/lkarlslund/grokgateway/pkg/pool"
	"github.com/lkarlslund/grokgateway/pkg/upstream"
)

// Server owns every wired component and the http.Server fronting them.
type Server struct {
	cfg      *config.GatewayConfig
	pool     *pool.Pool
	upstream *upstream.Client
	pipeline *pipeline.Pipeline
	media    *mediacache.Cache
	batch    *batch.Engine
	logger   *slog.Logger

	httpServer *http.Server
	draining   atomic.Bool
	inflight   atomic.Int64
}

// New assembles a Server from a loaded, normalized, validated config. It
// loads the token catalog from cfg.Pool.PersistPath (tolerating its
// absence on first run) but does not start any background loop or accept
// connections — call Run for that.
func New(cfg *config.GatewayConfig) (*Server, error) {
	fpCfg := fingerprint.Config{Static: cfg.Fingerprint.Static, DynamicEnabled: cfg.Fingerprint.DynamicEnabled}
	uc, err := upstream.NewClient(cfg.Upstream, fpCfg)
	if err != nil {
		return nil, fmt.Errorf("gateway: build upstream client: %w", err)
	}

	p := pool.New(pool.Options{FailThreshold: cfg.Pool.FailThreshold, RefreshDedupe: cfg.Pool.RefreshDedupe()})
	if err := p.Load(cfg.Pool.PersistPath, cfg.Pool.SaveDelay()); err != nil {
		return nil, fmt.Errorf("gateway: load token catalog: %w", err)
	}

	mc, err := mediacache.New(cfg.MediaCache.Root, cfg.MediaCache.MaxBytes)
	if err != nil {
		return nil, fmt.Errorf("gateway: open media cache: %w", err)
	}

	pl := pipeline.New(p, uc, cfg.Retry, cfg.Translator, mc)

	be := batch.New(
		batch.NewWorkerFactory(p, uc),
		batchConcurrency(cfg.Batch),
		cfg.Batch.ProgressEveryN,
		cfg.Batch.ProgressInterval(),
	)

	s := &Server{
		cfg:      cfg,
		pool:     p,
		upstream: uc,
		pipeline: pl,
		media:    mc,
		batch:    be,
		logger:   slog.Default(),
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port),
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      0, // streaming responses have no fixed deadline
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

// batchConcurrency adapts config.BatchConfig's four named fields into the
// batch.Concurrency lookup function.
func batchConcurrency(cfg config.BatchConfig) batch.Concurrency {
	return func(kind batch.TaskKind) int {
		switch kind {
		case batch.KindRefreshUsage:
			return cfg.RefreshUsageConcurrent
		case batch.KindEnableContentMode:
			return cfg.EnableContentModeConcurrent
		case batch.KindListRemoteAssets:
			return cfg.ListAssetsConcurrent
		case batch.KindPurgeRemoteAssets:
			return cfg.PurgeAssetsConcurrent
		default:
			return 10
		}
	}
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.lifecycleMiddleware)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.requireBearer(s.cfg.Auth.APIKey))
		v1.Get("/models", s.handleModels)
		v1.Post("/chat/completions", s.handleChatCompletions)
		v1.Post("/images/generations", s.handleImagesGenerations)
		v1.Post("/images/edits", s.handleImagesEdits)
		v1.Get("/files/{kind}/{name}", s.handleMediaFile)
	})

	r.Route("/api/v1/admin", func(a chi.Router) {
		a.Use(s.requireBearer(s.cfg.Auth.AdminAPIKey))
		a.Get("/healthz", s.handleAdminHealthz)
		a.Get("/pool", s.handlePoolSnapshot)
		a.Post("/pool/import", s.handlePoolImport)
		a.Patch("/pool/{id}", s.handlePoolPatch)
		a.Delete("/pool/{id}", s.handlePoolDelete)
		a.Post("/batch/{kind}", s.handleBatchSubmit)
		a.Get("/batch/{taskID}/stream", s.handleBatchStream)
		a.Post("/batch/{taskID}/cancel", s.handleBatchCancel)
		a.Get("/ws", s.handleAdminWS)
	})

	r.Handle("/admin/static/*", http.StripPrefix("/admin/static/", http.HandlerFunc(s.handleStaticAsset)))

	return r
}

// lifecycleMiddleware rejects /v1 traffic during drain and tracks the
// in-flight count Run's shutdown path waits on, grounded on the teacher's
// proxyRequestLifecycleMiddleware / waitForProxyIdle pair.
func (s *Server) lifecycleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		isPublic := len(r.URL.Path) >= 3 && r.URL.Path[:3] == "/v1"
		if isPublic && s.draining.Load() {
			w.Header().Set("Retry-After", "3")
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		}
		if isPublic {
			s.inflight.Add(1)
			defer s.inflight.Add(-1)
		}
		next.ServeHTTP(w, r)
	})
}

// Run starts the pool's background refresh/reload loops and serves HTTP
// until ctx is cancelled, then drains in-flight public requests before
// shutting the listener down.
func (s *Server) Run(ctx context.Context) error {
	go s.pool.RunRefreshLoop(ctx, pool.ClassBasic, s.cfg.Pool.RefreshInterval(), s.cfg.Pool.UsageConcurrent, s.upstream.CheckQuota(pool.ClassBasic))
	go s.pool.RunRefreshLoop(ctx, pool.ClassSuper, s.cfg.Pool.SuperRefreshInterval(), s.cfg.Pool.UsageConcurrent, s.upstream.CheckQuota(pool.ClassSuper))
	go s.pool.RunReloadLoop(ctx, s.cfg.Pool.ReloadInterval())

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("gateway: listen: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.draining.Store(true)
	s.waitIdle(ctx)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.pool.FlushNow()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("gateway: shutdown: %w", err)
	}
	return <-errCh
}

func (s *Server) waitIdle(ctx context.Context) {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	for {
		if s.inflight.Load() <= 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
