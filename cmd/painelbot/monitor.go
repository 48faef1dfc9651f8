package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/painelbot/painelbot/internal/config"
	"github.com/painelbot/painelbot/internal/httpapi"
	"github.com/painelbot/painelbot/internal/notify"
	"github.com/painelbot/painelbot/internal/pairing"
	"github.com/painelbot/painelbot/internal/realtime"
	"github.com/painelbot/painelbot/internal/refresh"
	"github.com/painelbot/painelbot/internal/state"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Run the sync core and the snapshot API",
	RunE:  runMonitor,
}

func runMonitor(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().
		Timestamp().
		Logger()
	setLogLevel(cfg.LogLevel)

	log.Info().
		Str("version", version).
		Str("url", cfg.ServerURL).
		Str("http", cfg.HTTPAddr).
		Msg("painelbot starting")

	// The sync core: one registry, one connection manager, and the three
	// consumers fed by dispatched events.
	registry := realtime.NewRegistry(log)
	manager := realtime.NewManager(cfg, log, registry)

	reconciler := state.NewReconciler(cfg, log)
	reconciler.Bind(registry)
	defer reconciler.Close()

	tracker := pairing.NewTracker(log)
	tracker.Bind(registry)
	defer tracker.Close()

	notifier := notify.NewDispatcher(cfg, log)
	notifier.Bind(registry)
	defer notifier.Close()

	scheduler, err := refresh.New(cfg, log, manager, registry)
	if err != nil {
		return err
	}

	api := httpapi.New(cfg, log, manager, reconciler, tracker, notifier)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manager.Connect(ctx)
	defer manager.Disconnect()

	scheduler.Start()
	defer scheduler.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return api.Run(gctx) })

	if err := g.Wait(); err != nil {
		return fmt.Errorf("monitor: %w", err)
	}
	log.Info().Msg("painelbot stopped")
	return nil
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
