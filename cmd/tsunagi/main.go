package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tsunagi-ai/tsunagi/internal/backend"
	"github.com/tsunagi-ai/tsunagi/internal/backend/memory"
	"github.com/tsunagi-ai/tsunagi/internal/backend/postgres"
	"github.com/tsunagi-ai/tsunagi/internal/backend/remote"
	"github.com/tsunagi-ai/tsunagi/internal/chat"
	"github.com/tsunagi-ai/tsunagi/internal/completion"
	"github.com/tsunagi-ai/tsunagi/internal/config"
	"github.com/tsunagi-ai/tsunagi/internal/engine/local"
	"github.com/tsunagi-ai/tsunagi/internal/mcp"
	"github.com/tsunagi-ai/tsunagi/internal/ratelimit"
	"github.com/tsunagi-ai/tsunagi/internal/server"
	"github.com/tsunagi-ai/tsunagi/internal/telemetry"
	"github.com/tsunagi-ai/tsunagi/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("TSUNAGI_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("tsunagi starting", "version", version, "port", cfg.Port, "backend", cfg.Backend)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Assemble the backend: store, directory, and run engine.
	var (
		store     backend.ConversationStore
		directory backend.AgentDirectory
		engine    backend.RunEngine
		localEng  *local.Engine
	)
	switch cfg.Backend {
	case config.BackendMemory:
		store = memory.NewStore()
		directory = memory.NewDirectory()
		logger.Info("backend: memory (non-durable, single instance)")

	case config.BackendPostgres:
		pg, err := postgres.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pg.Close()
		if err := pg.RunMigrations(ctx, migrations.FS); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		store = pg
		directory = memory.NewDirectory()
		logger.Info("backend: postgres")

	case config.BackendRemote:
		client := remote.New(cfg.RemoteBaseURL, cfg.RemoteAPIKey, cfg.RemoteAPIVersion, logger)
		store = client
		directory = client
		engine = client
		logger.Info("backend: remote", "base_url", cfg.RemoteBaseURL)
	}

	// Memory and postgres modes run agents in-process.
	if engine == nil {
		provider := newCompletionProvider(cfg, logger)
		localEng = local.New(store, provider, logger, 4, 64)
		localEng.Start(ctx)
		engine = localEng
	}

	// Cache agent lookups on the request path; the agent set changes
	// rarely. The health endpoint probes the uncached directory so an
	// outage is visible before the cache TTL lapses.
	cachedDirectory := backend.NewCachedDirectory(directory, cfg.AgentCacheTTL)

	chatSvc := chat.New(cachedDirectory, store, engine, logger, chat.Options{
		AgentName:          cfg.AgentName,
		PollInterval:       cfg.PollInterval,
		PollCeiling:        cfg.PollCeiling,
		MaxMessageLen:      cfg.MaxMessageLen,
		StatusFetchRetries: cfg.StatusFetchRetry,
		ThreadLockTimeout:  cfg.ThreadLockTimeout,
	})

	// Create MCP server (mounted at /mcp when enabled).
	var mcpSrv *mcp.Server
	if cfg.MCPEnabled {
		mcpSrv = mcp.New(chatSvc, version, logger)
	}

	// Create rate limiter.
	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		defer func() { _ = limiter.Close() }()
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	srvCfg := server.ServerConfig{
		ChatSvc:             chatSvc,
		Store:               store,
		Directory:           directory,
		Logger:              logger,
		Limiter:             limiter,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		BackendName:         cfg.Backend,
		AgentName:           cfg.AgentName,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	}
	if mcpSrv != nil {
		srvCfg.MCPServer = mcpSrv.MCPServer()
	}
	srv := server.New(srvCfg)

	// Start HTTP server in background.
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown: stop accepting HTTP first so no new runs start,
	// then let in-flight runs finish.
	slog.Info("tsunagi shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	if localEng != nil {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), 15*time.Second)
		localEng.Drain(drainCtx)
		drainCancel()
	}

	slog.Info("tsunagi stopped")
	return nil
}

// newCompletionProvider selects the completion backend for the in-process
// engine. Auto-detect prefers Ollama (local, no cost), then OpenAI, and
// finally the echo provider so development works with nothing configured.
func newCompletionProvider(cfg config.Config, logger *slog.Logger) completion.Provider {
	switch cfg.CompletionProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when TSUNAGI_COMPLETION_PROVIDER=openai")
			return completion.NewEchoProvider()
		}
		logger.Info("completion provider: openai", "model", cfg.OpenAIModel)
		return completion.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIModel)

	case "ollama":
		logger.Info("completion provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel)
		return completion.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel)

	case "echo":
		logger.Info("completion provider: echo (development only)")
		return completion.NewEchoProvider()

	case "auto":
		fallthrough
	default:
		if completion.Reachable(cfg.OllamaURL) {
			logger.Info("completion provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel)
			return completion.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel)
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("completion provider: openai (auto-detected)", "model", cfg.OpenAIModel)
			return completion.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIModel)
		}
		logger.Warn("completion provider: echo (no ollama or openai configured)")
		return completion.NewEchoProvider()
	}
}
