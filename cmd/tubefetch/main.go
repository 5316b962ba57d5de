package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tubefetch/tubefetch/internal/cleanup"
	"github.com/tubefetch/tubefetch/internal/config"
	"github.com/tubefetch/tubefetch/internal/engine"
	"github.com/tubefetch/tubefetch/internal/engine/transfer"
	"github.com/tubefetch/tubefetch/internal/engine/ytdlp"
	"github.com/tubefetch/tubefetch/internal/ffmpeg"
	"github.com/tubefetch/tubefetch/internal/http/rest"
	"github.com/tubefetch/tubefetch/internal/innertube"
	"github.com/tubefetch/tubefetch/internal/logctx"
	"github.com/tubefetch/tubefetch/internal/media"
	"github.com/tubefetch/tubefetch/internal/notifier"
	"github.com/tubefetch/tubefetch/internal/statestore"
	"github.com/tubefetch/tubefetch/internal/storage"
	"github.com/tubefetch/tubefetch/internal/storage/sqlite"
	"github.com/tubefetch/tubefetch/internal/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const metadataTimeout = 30 * time.Second

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("tubefetch starting...", "log_level", cfg.LogLevel, "engine", cfg.Engine)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open history database: %w", err)
	}
	defer database.Close()

	history := sqlite.NewInstrumentedHistoryRepository(database, tel)

	// =========================================================================
	// Start Download Engine
	states := statestore.New(cfg.StateDir)

	eng, err := buildEngine(cfg, states, history, tel)
	if err != nil {
		return err
	}

	// =========================================================================
	// Start Notification
	setupNotifications(ctx, eng, cfg)

	// =========================================================================
	// Start Cleanup
	setupCleanup(ctx, states, cfg)

	// =========================================================================
	// Start API Service
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, eng, history, tel, cfg)

	go func() {
		logger.Info("initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for download requests...",
		"output_dir", cfg.OutputDir,
		"max_parallel", cfg.MaxParallel,
	)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return ctx.Err()
	}
}

// buildEngine is an abstract factory for the download engine.
func buildEngine(cfg *config.Config, states *statestore.Store, history storage.HistoryRepository, tel *telemetry.Telemetry) (engine.Engine, error) {
	switch cfg.Engine {
	case "native":
		metadataClient := innertube.NewClient(&http.Client{Timeout: metadataTimeout}, cfg.APIBaseURL)

		return engine.NewNative(
			metadataClient,
			&http.Client{},
			ffmpeg.NewConverter(cfg.FFmpegPath, nil),
			states,
			history,
			tel,
			engine.Config{
				OutputDir:    cfg.OutputDir,
				MaxParallel:  int64(cfg.MaxParallel),
				RateLimitBps: cfg.RateLimitBps,
				Transfer: transfer.Config{
					ChunkSize:          cfg.ChunkSize,
					URLBudgetThreshold: cfg.URLBudgetThreshold,
					MaxURLRefreshes:    cfg.MaxURLRefreshes,
				},
			},
		), nil
	case "ytdlp":
		return ytdlp.New(cfg.YTDLPPath, cfg.OutputDir, int64(cfg.MaxParallel)), nil
	}

	return nil, fmt.Errorf("invalid engine: %s", cfg.Engine)
}

// setupNotifications forwards terminal download outcomes to the configured
// webhook. Without a webhook URL nothing is watched.
func setupNotifications(ctx context.Context, eng engine.Engine, cfg *config.Config) {
	if cfg.DiscordWebhookURL == "" {
		return
	}

	logger := logctx.LoggerFromContext(ctx)
	notif := &notifier.DiscordNotifier{WebhookURL: cfg.DiscordWebhookURL}

	snapshots, unsubscribe := eng.SubscribeTasks()

	go func() {
		defer unsubscribe()

		notified := make(map[string]struct{})

		for {
			select {
			case <-ctx.Done():
				return
			case tasks, ok := <-snapshots:
				if !ok {
					return
				}

				for _, task := range tasks {
					if _, seen := notified[task.ID]; seen {
						continue
					}

					message := notifier.FormatOutcome(task)
					if message == "" {
						continue
					}

					notified[task.ID] = struct{}{}

					if err := notif.Notify(ctx, message); err != nil {
						logger.Error("failed to send notification", "request_id", task.ID, "err", err)
					}
				}
			}
		}
	}()
}

func setupCleanup(ctx context.Context, states *statestore.Store, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	go func() {
		ticker := time.NewTicker(cfg.CleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("cleanup goroutine shutting down")

				return
			case <-ticker.C:
				if err := cleanup.DeleteStaleArtifacts(ctx, states, cfg.OutputDir, cfg.KeepStaleFor); err != nil {
					logger.Error("failed to delete stale download artifacts", "err", err)
				}
			}
		}
	}()
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, eng engine.Engine, history storage.HistoryRepository, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	defaultQuality, _ := media.ParseQuality(cfg.DefaultQuality)
	defaultFormat, _ := media.ParseFormat(cfg.DefaultFormat)

	handler := rest.NewDownloadHandler(eng, history, defaultQuality, defaultFormat)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Mount("/", handler.Routes())
	r.Handle("/metrics", tel.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, "tubefetch"),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
