package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/omnilab/omni-backend/internal/api"
	"github.com/omnilab/omni-backend/internal/config"
	"github.com/omnilab/omni-backend/internal/core"
	"github.com/omnilab/omni-backend/internal/search"
	"github.com/omnilab/omni-backend/internal/store"
	"github.com/omnilab/omni-backend/internal/webpage"
)

const shutdownTimeout = 30 * time.Second

var configPath string

var rootCmd = &cobra.Command{
	Use:           "omni-backend",
	Short:         "Chat orchestration backend for a self-hosted multimodal model",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the database schema and exit",
	RunE:  runMigrate,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CONFIG_FILE"), "path to a YAML config file")
	rootCmd.AddCommand(serveCmd, migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// newLogger builds a production JSON logger, or a console logger in DEBUG.
func newLogger(level string) (*zap.Logger, error) {
	if level == "DEBUG" {
		return zap.NewDevelopment()
	}

	lvl := zapcore.InfoLevel
	if level == "WARNING" {
		level = "WARN"
	}
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	dbStore, err := store.NewSQLiteStore(cfg.DatabaseDriver, cfg.DatabasePath, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbStore.Close()

	logger.Info("Database schema is up to date",
		zap.String("driver", cfg.DatabaseDriver),
		zap.String("path", cfg.DatabasePath))
	return nil
}

// newLLM picks the inference provider. The returned close function releases
// provider resources and is never nil.
func newLLM(ctx context.Context, cfg *config.Config, logger *zap.Logger) (core.LLM, func() error, error) {
	switch cfg.InferenceProvider {
	case config.ProviderGemini:
		llm, err := core.NewGeminiLLM(ctx, cfg.GeminiAPIKey, cfg.InferenceModel, logger)
		if err != nil {
			return nil, nil, err
		}
		return llm, llm.Close, nil
	default:
		llm, err := core.NewOpenAICompatLLM(cfg.InferenceURL, cfg.InferenceAPIKey, cfg.InferenceModel, logger)
		if err != nil {
			return nil, nil, err
		}
		return llm, func() error { return nil }, nil
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Service starting",
		zap.String("provider", cfg.InferenceProvider),
		zap.String("model", cfg.InferenceModel),
		zap.Bool("search_enabled", cfg.SearchConfigured()),
		zap.String("log_level", cfg.LogLevel))

	dbStore, err := store.NewSQLiteStore(cfg.DatabaseDriver, cfg.DatabasePath, logger.Named("store"))
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbStore.Close()

	llm, closeLLM, err := newLLM(ctx, cfg, logger.Named("inference"))
	if err != nil {
		return fmt.Errorf("failed to initialize inference client: %w", err)
	}
	defer closeLLM()

	searcher := search.NewBraveClient(cfg.BraveAPIKey, logger.Named("search"))
	fetcher := webpage.NewFetcher(nil, logger.Named("fetch"))

	chatService := core.NewChatService(cfg, dbStore, searcher, fetcher, llm, logger.Named("chat"))
	apiHandler := api.NewAPIHandler(chatService, dbStore, logger.Named("api"))
	router := api.NewRouter(apiHandler, logger.Named("http"))

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		// Inference alone may take up to five minutes.
		WriteTimeout: core.InferenceTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("could not listen on %s: %w", srv.Addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server stopped with error", zap.Error(err))
		return err
	}
	logger.Info("Server exiting gracefully")
	return nil
}
