// Package control wires the proxy service together and runs it.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/keyproxy/internal/core/config"
	"github.com/vietddude/keyproxy/internal/core/pool"
	redisclient "github.com/vietddude/keyproxy/internal/infra/redis"
	"github.com/vietddude/keyproxy/internal/infra/storage"
	"github.com/vietddude/keyproxy/internal/infra/storage/memory"
	"github.com/vietddude/keyproxy/internal/jobs"
	"github.com/vietddude/keyproxy/internal/metrics"
	"github.com/vietddude/keyproxy/internal/proxy"
	"github.com/vietddude/keyproxy/internal/proxy/upstream"
	"github.com/vietddude/keyproxy/internal/server"
)

const (
	shutdownTimeout = 10 * time.Second
	metricsInterval = 15 * time.Second
)

// Service owns every long-lived component.
type Service struct {
	cfg         *config.AppConfig
	store       storage.Store
	pool        *pool.Pool
	sweeper     *pool.Sweeper
	router      *proxy.Router
	jobs        *jobs.Service
	workers     []*jobs.Worker
	server      *server.Server
	redisClient *redisclient.Client
	log         *slog.Logger
}

// NewService creates a Service with all dependencies initialized.
func NewService(cfg *config.AppConfig) (*Service, error) {
	// 1. Initialize Storage
	var (
		store       storage.Store
		jobRepo     storage.JobRepository
		redisClient *redisclient.Client
	)
	if cfg.Redis.URL != "" {
		var err error
		redisClient, err = redisclient.NewClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to init redis: %w", err)
		}
		store = redisclient.NewCredentialStore(redisClient)
		jobRepo = redisclient.NewJobRepo(redisClient)
		slog.Info("Using Redis storage")
	} else {
		store = memory.NewMemoryStorage()
		jobRepo = memory.NewJobRepo()
		slog.Info("Using Memory storage")
	}

	// 2. Pool and upstream
	p := pool.New(store, cfg.Pool.Config)
	client, err := upstream.NewClient(cfg.Proxy.UpstreamURL, cfg.Proxy.KeyHeader)
	if err != nil {
		if redisClient != nil {
			_ = redisClient.Close()
		}
		return nil, err
	}
	sweeper := pool.NewSweeper(p, client)
	router := proxy.NewRouter(p, client, proxy.NewAdaptiveTimeout(cfg.Proxy.Timeout), cfg.Proxy.Config)

	// 3. Jobs
	var (
		jobSvc  *jobs.Service
		workers []*jobs.Worker
	)
	if cfg.Jobs.Enabled {
		jobSvc = jobs.NewService(jobRepo, cfg.Jobs.TTL)
		for range cfg.Jobs.Workers {
			workers = append(workers, jobs.NewWorker(jobSvc, router, cfg.Jobs.PollInterval))
		}
	}

	// 4. HTTP front door
	srv := server.New(server.Deps{
		Router:     router,
		Keys:       p,
		Sweeper:    sweeper,
		Jobs:       jobSvc,
		Store:      store,
		AdminToken: cfg.Server.AdminToken,
	}, cfg.Server.Port)

	return &Service{
		cfg:         cfg,
		store:       store,
		pool:        p,
		sweeper:     sweeper,
		router:      router,
		jobs:        jobSvc,
		workers:     workers,
		server:      srv,
		redisClient: redisClient,
		log:         slog.Default().With("component", "control"),
	}, nil
}

// Pool returns the credential pool.
func (s *Service) Pool() *pool.Pool { return s.pool }

// Sweeper returns the pool maintenance runner.
func (s *Service) Sweeper() *pool.Sweeper { return s.sweeper }

// Seed adds the configured seed keys, skipping ones already pooled.
func (s *Service) Seed(ctx context.Context) (pool.BulkResult, error) {
	keys := pool.ParseKeyList(s.cfg.Pool.SeedKeys)
	if len(keys) == 0 {
		return pool.BulkResult{}, nil
	}
	res, err := s.pool.BulkAdd(ctx, keys)
	if err != nil {
		return res, fmt.Errorf("seed keys: %w", err)
	}
	s.log.Info("Seeded keys", "added", res.Added, "duplicate", res.Duplicate, "invalid", res.Invalid)
	return res, nil
}

// Run seeds the pool and serves until ctx is cancelled or a component fails.
func (s *Service) Run(ctx context.Context) error {
	if _, err := s.Seed(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(s.server.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return s.server.Stop(shutdownCtx)
	})

	if s.cfg.Sweep.Interval > 0 {
		s.log.Info("Starting sweeper", "interval", s.cfg.Sweep.Interval)
		g.Go(func() error { return s.sweeper.Run(gctx, s.cfg.Sweep.Interval) })
	}

	for i, w := range s.workers {
		s.log.Info("Starting job worker", "worker", i)
		g.Go(func() error { return w.Run(gctx) })
	}

	g.Go(func() error {
		s.runMetricsUpdater(gctx)
		return nil
	})

	return g.Wait()
}

// Close releases external connections.
func (s *Service) Close() error {
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.log.Warn("Failed to close Redis", "error", err)
			return err
		}
	}
	return nil
}

func (s *Service) runMetricsUpdater(ctx context.Context) {
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	for {
		s.updatePoolGauge(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Service) updatePoolGauge(ctx context.Context) {
	counts, err := s.pool.Counts(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("Failed to count pool", "error", err)
		}
		return
	}
	for status, n := range counts {
		metrics.PoolCredentials.WithLabelValues(string(status)).Set(float64(n))
	}
	slog.Debug("Updated pool metrics", "counts", counts)
}
