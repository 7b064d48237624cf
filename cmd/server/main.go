package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"namereg/internal/platform/config"
	"namereg/internal/platform/httpserver"
	"namereg/internal/platform/logger"
	"namereg/internal/platform/metrics"
)

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Business logic lives in internal services packages.
func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "namereg:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)
	app, err := build(ctx, cfg, log, m)
	if err != nil {
		return err
	}
	defer app.close()

	if _, err := app.registry.Stats(ctx); err != nil {
		log.WarnContext(ctx, "failed to seed gauges", "error", err)
	}

	srv := httpserver.New(cfg.Server.Addr, newRouter(app, log))
	log.InfoContext(ctx, "starting namereg",
		"addr", cfg.Server.Addr,
		"store", cfg.Store.Backend,
		"token", cfg.Token.Backend,
		"events", cfg.Events.Sink,
		"payout_mode", cfg.Registry.PayoutMode,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpserver.Run(gctx, srv, cfg.Server.ShutdownTimeout, log)
	})
	if app.consumer != nil {
		g.Go(func() error {
			err := app.consumer.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}
