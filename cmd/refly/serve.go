package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/refly-ai/refly/api"
	"github.com/refly-ai/refly/internal/auth"
	"github.com/refly-ai/refly/internal/config"
	"github.com/refly-ai/refly/internal/mcp"
	"github.com/refly-ai/refly/internal/ratelimit"
	"github.com/refly-ai/refly/internal/search"
	"github.com/refly-ai/refly/internal/server"
	"github.com/refly-ai/refly/internal/service/embedding"
	"github.com/refly-ai/refly/internal/service/instance"
	"github.com/refly-ai/refly/internal/service/invocation"
	"github.com/refly-ai/refly/internal/skill"
	"github.com/refly-ai/refly/internal/storage"
	"github.com/refly-ai/refly/internal/storage/sqlite"
	"github.com/refly-ai/refly/internal/telemetry"
	"github.com/refly-ai/refly/migrations"
)

// phaseTimeout bounds each shutdown phase.
const phaseTimeout = 10 * time.Second

func newServeCommand() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "Run the HTTP and MCP server",
		Action: runServe,
	}
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	return serve(ctx, cfg, logger)
}

// logStore is what the server needs from either backend.
type logStore interface {
	invocation.Store
	instance.Store
	Ping(ctx context.Context) error
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	logger.Info("refly starting", "version", version, "port", cfg.Port, "store", cfg.StoreDriver)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		ServiceName: cfg.ServiceName,
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), phaseTimeout)
		defer cancel()
		_ = otelShutdown(tctx)
	}()

	var (
		store    logStore
		db       *storage.DB
		listener *storage.EventListener
	)
	switch cfg.StoreDriver {
	case config.StorePostgres:
		db, err = storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		defer db.Close(context.Background())

		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		// Pick up the pgvector type now that the extension exists.
		db.Reconnect()

		listener = db.NewEventListener()
		go func() {
			if err := listener.Run(ctx); err != nil {
				logger.Warn("skill event listener stopped", "error", err)
			}
		}()
		store = db
	case config.StoreSQLite:
		local, err := sqlite.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return fmt.Errorf("sqlite: %w", err)
		}
		defer func() { _ = local.Close() }()
		store = local
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if cfg.JWTPrivateKeyPath == "" {
		logger.Warn("auth: using an ephemeral signing key; tokens do not survive a restart")
	}

	// Search is optional: Qdrant when configured, else pgvector on Postgres.
	var index search.Index
	var qdrantIndex *search.QdrantIndex
	switch {
	case cfg.QdrantURL != "":
		qdrantIndex, err = search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			return fmt.Errorf("qdrant: %w", err)
		}
		defer func() { _ = qdrantIndex.Close() }()
		if err := qdrantIndex.EnsureCollection(ctx); err != nil {
			return fmt.Errorf("qdrant ensure collection: %w", err)
		}
		index = qdrantIndex
		logger.Info("search: qdrant", "collection", cfg.QdrantCollection)
	case db != nil:
		index = db
		logger.Info("search: pgvector")
	default:
		logger.Info("search: disabled (sqlite store without QDRANT_URL)")
	}

	var (
		searchSvc *search.Service
		indexer   *search.Notifier
		notifier  invocation.Notifier
	)
	if index != nil {
		embedder, err := embedding.New(embedding.Config{
			Provider:   cfg.EmbeddingProvider,
			URL:        cfg.EmbeddingURL,
			Model:      cfg.EmbeddingModel,
			APIKey:     cfg.EmbeddingAPIKey,
			Dimensions: cfg.EmbeddingDimensions,
		})
		if err != nil {
			return fmt.Errorf("embedding: %w", err)
		}
		logger.Info("embedding provider", "provider", cfg.EmbeddingProvider, "dimensions", embedder.Dimensions())

		searchSvc = search.NewService(index, embedder, logger)
		indexer = search.NewNotifier(searchSvc, cfg.IndexQueueSize, cfg.IndexWorkers, logger)
		indexer.Start(ctx)
		notifier = indexer
	}

	reg, err := skill.NewBuiltinRegistry(logger)
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	executor := skill.NewExecutor(skill.ExecutorConfig{
		NodeTimeout: cfg.SkillNodeTimeout,
		MaxSteps:    cfg.SkillMaxSteps,
		BufferSize:  cfg.SkillStreamBuffer,
	}, logger)
	invocations := invocation.New(reg, executor, store, notifier, invocation.Config{
		InvocationTimeout:  cfg.SkillInvocationTimeout,
		MaxConcurrent:      int64(cfg.MaxConcurrent),
		PollInterval:       cfg.AttachPollInterval,
		CancelOnDisconnect: cfg.CancelOnDisconnect,
	}, logger)
	if listener != nil {
		invocations.SetWatcher(listener)
	}
	instances := instance.New(reg, store, logger)
	invocations.SetInstances(instances)
	logger.Info("skills registered", "count", reg.Len())

	mcpSrv := mcp.New(invocations, searchSvc, logger, version)

	var limiter ratelimit.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}
	defer func() { _ = limiter.Close() }()

	srv := server.New(server.ServerConfig{
		Invocations:         invocations,
		Instances:           instances,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		Search:              searchSvc,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		StoreName:           cfg.StoreDriver,
		StorePing:           store.Ping,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		SSEKeepalive:        cfg.SSEKeepalive,
		OpenAPISpec:         api.OpenAPISpec,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Each phase gets its own timeout so early completion doesn't steal
	// budget from later phases. Order: (1) stop accepting requests,
	// (2) let in-flight invocations finish and finalize their logs,
	// (3) index whatever those invocations produced.
	logger.Info("refly shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), phaseTimeout)
	if err := srv.Shutdown(httpCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), phaseTimeout)
	if err := invocations.Drain(drainCtx); err != nil {
		logger.Error("invocation drain incomplete", "error", err)
	}
	drainCancel()

	if indexer != nil {
		idxCtx, idxCancel := context.WithTimeout(context.Background(), phaseTimeout)
		indexer.Drain(idxCtx)
		idxCancel()
	}

	logger.Info("refly stopped")
	return nil
}
