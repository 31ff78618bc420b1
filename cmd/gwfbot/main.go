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
	"golang.org/x/sync/errgroup"

	"github.com/jogman/gwfbot/internal/config"
	"github.com/jogman/gwfbot/internal/poller"
	"github.com/jogman/gwfbot/internal/registry"
	"github.com/jogman/gwfbot/internal/store/pg"
	"github.com/jogman/gwfbot/internal/web"
	"github.com/jogman/gwfbot/internal/webhook"
)

// version is stamped by the build; the robot posts it in its greeting.
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func slogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func run() error {
	// A .env file is a development convenience; in production everything
	// comes from real environment variables.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	logger.Info("starting gwfbot",
		"version", version,
		"listen", cfg.ListenAddr,
		"settings_dir", cfg.SettingsDir,
		"poll_interval", cfg.PollInterval,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pg.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	store := pg.NewJobStore(pool)

	settings, err := config.LoadSettingsDir(cfg.SettingsDir)
	if err != nil {
		return fmt.Errorf("load repository settings: %w", err)
	}
	if len(settings) == 0 {
		return fmt.Errorf("no repository settings found in %s", cfg.SettingsDir)
	}

	reg, err := registry.Build(ctx, cfg, settings, store, version, logger)
	if err != nil {
		return fmt.Errorf("build repository registry: %w", err)
	}

	var sweeps []poller.Repo
	for _, name := range reg.Names() {
		m, _ := reg.Lookup(name)
		sweeps = append(sweeps, poller.Repo{Name: name, Client: m.Client, Target: m})
	}
	sweeper := poller.New(sweeps, cfg.PollInterval, logger)

	mux := web.NewMux(reg, store, cfg.APIToken, logger)
	mux.Handle(cfg.WebhookPath, webhook.Handler(cfg.WebhookSecret, webhookLookup(reg), logger))

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return reg.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// webhookLookup adapts the registry to the webhook handler's lookup
// interface.
func webhookLookup(reg *registry.Registry) webhook.Lookup {
	return webhook.LookupFunc(func(fullName string) (webhook.Target, bool) {
		m, ok := reg.Lookup(fullName)
		if !ok {
			return nil, false
		}
		return m, true
	})
}
