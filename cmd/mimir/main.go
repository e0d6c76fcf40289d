package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"mimir/internal/api"
	"mimir/internal/config"
	"mimir/internal/conversation"
	"mimir/internal/crypto"
	"mimir/internal/fileops"
	"mimir/internal/metrics"
	"mimir/internal/orchestrator"
	"mimir/internal/prompt"
	"mimir/internal/providers/registry"
	"mimir/internal/quota"
	"mimir/internal/response"
	"mimir/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("data_dir", cfg.DataDir).
		Str("db_driver", cfg.DB.Driver).
		Str("workspace", cfg.Core.Workspace).
		Bool("auto_apply", cfg.Core.AutoApply).
		Msg("starting mimir")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	sealer, err := crypto.NewSealer(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize crypto")
	}

	var limiter orchestrator.Quota
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("failed to connect redis")
		}
		defer rdb.Close()
		limiter = quota.NewLimiter(rdb, cfg.Quota.PerHour, "")
		log.Info().Int64("per_hour", cfg.Quota.PerHour).Msg("provider quota enabled")
	}

	convs, err := conversation.NewManager(cfg.Core.ConversationDir, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize conversations")
	}
	executor, err := fileops.New(cfg.Core.Workspace, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize workspace")
	}

	retries := cfg.Providers.MaxRetries
	if retries == 0 {
		retries = -1
	}
	core := orchestrator.New(orchestrator.Config{
		Registry:      registry.New(log.Logger),
		Prompts:       prompt.New(),
		Responses:     response.NewProcessor(cfg.Core.StreamCacheSize, log.Logger),
		Conversations: convs,
		Executor:      executor,
		Store:         store,
		Sealer:        sealer,
		Quota:         limiter,
		Metrics:       metrics.Global(),
		Logger:        log.Logger,
		AutoApply:     cfg.Core.AutoApply,
		ContextTokens: cfg.Core.ContextTokens,
		Providers: orchestrator.ProviderDefaults{
			MaxRetries:  retries,
			BackoffBase: cfg.Providers.BackoffBase,
			HTTPClient:  &http.Client{Timeout: cfg.Providers.ClientTimeout},
		},
	})

	if n, err := core.LoadConversations(); err != nil {
		log.Error().Err(err).Msg("failed to load conversations")
	} else {
		log.Info().Int("count", n).Msg("conversations restored")
	}

	settings, err := config.LoadSettings(cfg.SettingsFile)
	if err != nil {
		log.Fatal().Err(err).Str("file", cfg.SettingsFile).Msg("failed to read settings")
	}
	res := core.Initialize(ctx, settings)
	if len(res.Initialized) == 0 {
		log.Warn().Msg("no AI provider available; requests will fail until one is configured")
	}

	errCh := make(chan error, 1)
	httpServer := &http.Server{
		Addr: cfg.HTTP.ListenAddr,
		Handler: api.NewRouter(api.Config{
			Core:        core,
			Logger:      log.Logger,
			HealthPath:  cfg.HTTP.HealthPath,
			MetricsPath: cfg.HTTP.MetricsPath,
		}),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	for _, id := range core.ActiveStreams() {
		core.Cancel(id)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
