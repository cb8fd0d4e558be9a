package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/ai"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/aicache"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/app"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/automation"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/config"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/email"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/export"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/grouping"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/phase"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/search"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/store"
)

type options struct {
	configFile string
	logLevel   string
}

func main() {
	opts := &options{}
	root := &cobra.Command{
		Use:           "yoda-retro",
		Short:         "4Ls retrospective engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "optional config file (env vars always apply)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override LOG_LEVEL")

	root.AddCommand(serveCmd(opts), migrateCmd(opts), sweepCmd(opts))

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func setup(opts *options) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return config.Config{}, nil, err
	}
	if opts.logLevel != "" {
		cfg.LogLevel = strings.ToLower(opts.logLevel)
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func openDatabase(ctx context.Context, cfg config.Config, logger *slog.Logger) (*sql.DB, error) {
	db, err := store.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrations failed: %w", err)
	}
	return db, nil
}

func migrateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(opts)
			if err != nil {
				return err
			}
			db, err := openDatabase(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			return db.Close()
		},
	}
}

func newSweeper(cfg config.Config, s store.Store, logger *slog.Logger) *automation.Sweeper {
	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	}, logger)
	return automation.NewSweeper(s, mailer, automation.SweeperConfig{
		Lease:     cfg.ReminderLease,
		BatchSize: cfg.SweepBatchSize,
	}, logger)
}

func sweepCmd(opts *options) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Dispatch due reminders",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(opts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			db, err := openDatabase(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			sweeper := newSweeper(cfg, store.NewPostgresStore(db), logger)
			if once {
				result, err := sweeper.Sweep(ctx)
				if err != nil {
					return err
				}
				logger.Info("sweep finished", "claimed", result.Claimed, "sent", result.Sent, "failed", result.Failed, "retrying", result.Retrying)
				return nil
			}
			return sweeper.Run(ctx, cfg.SweepInterval)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single sweep and exit")
	return cmd
}

func newCache(cfg config.Config, s store.Store, logger *slog.Logger) (*aicache.Cache, func()) {
	if strings.TrimSpace(cfg.RedisURL) != "" {
		backend, err := aicache.NewRedisBackend(cfg.RedisURL, cfg.CacheTTL)
		if err == nil {
			logger.Info("ai cache using redis")
			return aicache.New(backend, logger), func() { _ = backend.Close() }
		}
		logger.Warn("redis unavailable, ai cache falls back to postgres", "error", err)
	}
	return aicache.New(aicache.NewStoreBackend(s), logger), func() {}
}

// newProposer wires the grouping pipeline. Without an API key grouping
// starts empty and the facilitator builds themes by hand.
func newProposer(ctx context.Context, cfg config.Config, cache *aicache.Cache, logger *slog.Logger) (phase.Proposer, ai.VectorIndex, error) {
	if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
		logger.Warn("OPENAI_API_KEY not set, theme proposals disabled")
		return nil, nil, nil
	}
	chat, err := ai.NewOpenAIChat(ctx, cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.ChatModel)
	if err != nil {
		return nil, nil, fmt.Errorf("chat model: %w", err)
	}
	grouper := grouping.New(chat, cache, grouping.Config{
		Model:          cfg.ChatModel,
		EmbeddingModel: cfg.EmbeddingModel,
		Temperature:    0.3,
		MaxTokens:      2000,
		ContextDocs:    3,
	}, logger)

	embedder, err := ai.NewOpenAIEmbedder(ctx, cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.EmbeddingModel)
	if err != nil {
		logger.Warn("embedder unavailable, grouping runs without prior context", "error", err)
		return grouper, nil, nil
	}
	index, err := ai.NewChromemIndex(cfg.VectorStorePath, embedder, cfg.EmbeddingModel)
	if err != nil {
		return nil, nil, fmt.Errorf("vector store: %w", err)
	}
	return grouper.WithRetrieval(embedder, index), index, nil
}

func serveCmd(opts *options) *cobra.Command {
	var withSweeper bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(opts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			db, err := openDatabase(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()
			dataStore := store.NewPostgresStore(db)

			cache, closeCache := newCache(cfg, dataStore, logger)
			defer closeCache()
			proposer, vectors, err := newProposer(ctx, cfg, cache, logger)
			if err != nil {
				return err
			}

			pgfts := search.NewPgFTS(db)
			var primary search.Backend
			if strings.TrimSpace(cfg.MeiliURL) != "" {
				meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
				defer meiliClient.Close()
				primary = meiliClient
			}
			searchService := search.NewService(primary, pgfts, logger)

			var objects export.ObjectStore
			if strings.TrimSpace(cfg.MinioEndpoint) != "" {
				minioStore, err := export.NewMinioStore(ctx, export.MinioConfig{
					Endpoint:  cfg.MinioEndpoint,
					AccessKey: cfg.MinioAccessKey,
					SecretKey: cfg.MinioSecretKey,
					Bucket:    cfg.MinioBucket,
					Secure:    cfg.MinioSecure,
				})
				if err != nil {
					logger.Warn("summary archive disabled", "error", err)
				} else {
					objects = minioStore
				}
			}

			deps := app.Deps{
				Store:    dataStore,
				Search:   searchService,
				Export:   export.NewService(objects, cfg.PDFEnabled, logger),
				Vectors:  vectors,
				Logger:   logger,
				Proposer: proposer,
			}
			service := app.New(cfg, deps)

			if primary != nil {
				go func() {
					if err := service.ReindexSearch(ctx, pgfts); err != nil {
						logger.Warn("search reindex failed", "error", err)
					}
				}()
			}
			if withSweeper {
				sweeper := newSweeper(cfg, dataStore, logger)
				go func() {
					_ = sweeper.Run(ctx, cfg.SweepInterval)
				}()
			}

			server := &http.Server{
				Addr:              cfg.Addr,
				Handler:           app.NewHTTPServer(service, cfg.CORSOrigin, logger).Handler(),
				ReadHeaderTimeout: 10 * time.Second,
				ReadTimeout:       15 * time.Second,
				WriteTimeout:      30 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				logger.Info("retro api listening", "addr", cfg.Addr)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("graceful shutdown: %w", err)
			}
			logger.Info("retro api stopped")
			return nil
		},
	}
	cmd.Flags().BoolVar(&withSweeper, "sweeper", true, "run the reminder sweep in-process")
	return cmd
}
