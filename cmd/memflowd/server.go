package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/memflow-ai/memflow/config"
	"github.com/memflow-ai/memflow/internal/database"
	"github.com/memflow-ai/memflow/internal/metrics"
	"github.com/memflow-ai/memflow/internal/server"
	"github.com/memflow-ai/memflow/internal/telemetry"
	"github.com/memflow-ai/memflow/memory"
	"github.com/memflow-ai/memflow/memory/archive"
	"github.com/memflow-ai/memflow/memory/decay"
	"github.com/memflow-ai/memflow/memory/dedup"
	"github.com/memflow-ai/memflow/memory/provider"
	"github.com/memflow-ai/memflow/memory/router"
	"github.com/memflow-ai/memflow/memory/search"
	"github.com/memflow-ai/memflow/memory/session"
	"github.com/memflow-ai/memflow/memory/store"
)

// defaultEmbeddingDim sizes the hash embedder and the in-process index.
const defaultEmbeddingDim = 256

// poolStatsInterval drives the gauge refresh for DB pool metrics.
const poolStatsInterval = 30 * time.Second

// Server assembles the memory engine and its admin listener.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	otelProviders *telemetry.Providers
	db            *gorm.DB
	pool          *database.PoolManager
	redisClient   *redis.Client
	service       *memory.Service
	collector     *metrics.Collector

	adminManager *server.Manager
	statsCancel  context.CancelFunc
}

// NewServer creates a Server from loaded configuration.
func NewServer(cfg *config.Config, logger *zap.Logger, otelProviders *telemetry.Providers, db *gorm.DB) *Server {
	return &Server{
		cfg:           cfg,
		logger:        logger,
		otelProviders: otelProviders,
		db:            db,
	}
}

// Start wires all collaborators and starts the background jobs and the
// admin listener.
func (s *Server) Start() error {
	s.collector = metrics.NewCollector("memflow", s.logger)

	if err := s.initService(); err != nil {
		return fmt.Errorf("init memory service: %w", err)
	}
	if err := s.startAdminServer(); err != nil {
		return fmt.Errorf("start admin server: %w", err)
	}

	statsCtx, cancel := context.WithCancel(context.Background())
	s.statsCancel = cancel
	go s.poolStatsLoop(statsCtx)

	s.logger.Info("memflowd started",
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.String("database_driver", s.cfg.Database.Driver),
		zap.Bool("redis_session_tracker", s.cfg.Redis.Addr != ""),
	)
	return nil
}

func (s *Server) initService() error {
	pool, err := database.NewPoolManager(s.db, database.PoolConfig{
		MaxIdleConns:        s.cfg.Database.MaxIdleConns,
		MaxOpenConns:        s.cfg.Database.MaxOpenConns,
		ConnMaxLifetime:     s.cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime:     s.cfg.Database.ConnMaxIdleTime,
		HealthCheckInterval: 30 * time.Second,
	}, s.logger)
	if err != nil {
		return err
	}
	s.pool = pool

	var embedder provider.EmbeddingProvider = provider.NewHashEmbedding(defaultEmbeddingDim)
	if rps := s.cfg.Memory.Provider.EmbedRPS; rps > 0 {
		embedder = provider.NewRateLimitedEmbedding(embedder, rps, s.cfg.Memory.Provider.EmbedBurst)
		s.logger.Info("embedding provider rate limited",
			zap.Float64("rps", rps),
			zap.Int("burst", s.cfg.Memory.Provider.EmbedBurst))
	}
	index := provider.NewInMemoryIndex(provider.InMemoryIndexConfig{Dimension: defaultEmbeddingDim}, s.logger)

	st, err := store.New(pool, store.Config{
		SyncQueueSize: s.cfg.Memory.SyncQueueSize,
		Actor:         s.cfg.Memory.Actor,
	}, store.Options{
		Embedder: embedder,
		Index:    index,
		Metrics:  s.collector,
		Logger:   s.logger,
	})
	if err != nil {
		return err
	}

	tracker := s.initTracker()

	engine := search.NewEngine(st, embedder, index, search.Config{
		VectorWeight:  s.cfg.Memory.Search.VectorWeight,
		KeywordWeight: s.cfg.Memory.Search.KeywordWeight,
		MinScore:      s.cfg.Memory.Search.MinScore,
		Limit:         s.cfg.Memory.Search.Limit,
	}, s.logger)

	deduper := dedup.NewEngine(st, embedder, dedup.Config{
		Threshold:   s.cfg.Memory.Dedup.Threshold,
		Concurrency: s.cfg.Memory.Dedup.Concurrency,
		ScanLimit:   s.cfg.Memory.Dedup.ScanLimit,
		Metrics:     s.collector,
	}, s.logger)

	// No summarization provider is configured here, so archival stores
	// content uncompressed. Merging still works.
	archiver := archive.NewManager(st, nil, archive.Config{
		Encoding:       s.cfg.Memory.Archive.Encoding,
		MinTokenBudget: s.cfg.Memory.Archive.MinTokenBudget,
		ScanLimit:      s.cfg.Memory.Archive.ScanLimit,
	}, s.logger)

	calc := decay.NewCalculator(nil)
	job := decay.NewBatchJob(st, st, calc, decay.BatchJobConfig{
		Interval:       s.cfg.Memory.Decay.Interval,
		RunTimeout:     s.cfg.Memory.Decay.RunTimeout,
		StopGrace:      s.cfg.Memory.Decay.StopGrace,
		PageSize:       s.cfg.Memory.Decay.PageSize,
		PurgeRetention: s.cfg.Memory.Decay.PurgeRetention,
	}, s.logger)

	rtr := router.New(st, engine, calc, tracker, nil, nil, router.Config{
		MaxMemories: s.cfg.Memory.Router.MaxMemories,
	}, s.logger)

	service, err := memory.NewService(memory.Deps{
		Store:    st,
		Engine:   engine,
		Router:   rtr,
		Dedup:    deduper,
		Archive:  archiver,
		DecayJob: job,
		Calc:     calc,
		Tracker:  tracker,
		Metrics:  s.collector,
		Logger:   s.logger,
	})
	if err != nil {
		return err
	}
	s.service = service

	return service.Start(context.Background())
}

// initTracker selects the session tracker backend. With no Redis address
// configured the in-process tracker serves single-node deployments.
func (s *Server) initTracker() session.Tracker {
	sessionCfg := session.Config{
		MaxEntries: s.cfg.Memory.Session.MaxEntries,
		TTL:        s.cfg.Memory.Session.TTL,
		KeyPrefix:  s.cfg.Memory.Session.KeyPrefix,
	}

	if s.cfg.Redis.Addr == "" {
		s.logger.Info("redis not configured, using in-process session tracker")
		return session.NewMemoryTracker(sessionCfg)
	}

	s.redisClient = redis.NewClient(&redis.Options{
		Addr:         s.cfg.Redis.Addr,
		Password:     s.cfg.Redis.Password,
		DB:           s.cfg.Redis.DB,
		PoolSize:     s.cfg.Redis.PoolSize,
		MinIdleConns: s.cfg.Redis.MinIdleConns,
	})
	return session.NewRedisTracker(s.redisClient, sessionCfg, s.logger)
}

func (s *Server) startAdminServer() error {
	if s.cfg.Server.MetricsPort <= 0 {
		s.logger.Info("metrics port disabled, admin endpoints not served")
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.HandleFunc("/version", s.handleVersion)

	cfg := server.DefaultConfig()
	cfg.Addr = fmt.Sprintf(":%d", s.cfg.Server.MetricsPort)
	if s.cfg.Server.ShutdownTimeout > 0 {
		cfg.ShutdownTimeout = s.cfg.Server.ShutdownTimeout
	}

	s.adminManager = server.NewManager(mux, cfg, s.logger)
	return s.adminManager.Start()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": Version})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.pool.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) poolStatsLoop(ctx context.Context) {
	ticker := time.NewTicker(poolStatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := s.pool.GetStats()
			s.collector.RecordDBConnections(stats.OpenConnections, stats.Idle)
		}
	}
}

// WaitForShutdown blocks until a termination signal, then tears the
// process down in dependency order.
func (s *Server) WaitForShutdown() {
	if s.adminManager != nil {
		s.adminManager.WaitForShutdown()
	} else {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		sig := <-quit
		signal.Stop(quit)
		s.logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	}
	s.Shutdown()
}

// Shutdown stops background jobs and closes external connections.
func (s *Server) Shutdown() {
	s.logger.Info("starting graceful shutdown")

	if s.statsCancel != nil {
		s.statsCancel()
	}
	if s.service != nil {
		s.service.Stop()
	}
	if s.adminManager != nil {
		if err := s.adminManager.Shutdown(context.Background()); err != nil {
			s.logger.Error("admin server shutdown error", zap.Error(err))
		}
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Error("redis close error", zap.Error(err))
		}
	}
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			s.logger.Error("database pool close error", zap.Error(err))
		}
	}
	if s.otelProviders != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.otelProviders.Shutdown(ctx); err != nil {
			s.logger.Warn("telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("graceful shutdown completed")
}
