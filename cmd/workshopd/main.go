// Command workshopd is the distributed job-execution daemon: it loads
// process configuration, builds one Instance, and runs it until an
// interrupt or terminate signal arrives. Everything past
// config-loading and signal wiring is delegated to internal/instance.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cm4all-oss/workshopd/config"
	"github.com/cm4all-oss/workshopd/internal/instance"
	"github.com/cm4all-oss/workshopd/internal/metrics"
	"github.com/cm4all-oss/workshopd/internal/migrations"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "workshopd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if os.Getuid() == 0 && cfg.Env != "local" {
		return fmt.Errorf("refusing to run as uid 0 outside local/debug mode")
	}

	if cfg.AutoMigrate {
		if err := migrations.Run(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
	}

	metrics.Register()

	inst, err := instance.New(cfg)
	if err != nil {
		return fmt.Errorf("build instance: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			inst.Reload()
		}
	}()

	slog.Info("workshopd starting",
		"node", cfg.NodeName,
		"partitions", cfg.Partitions,
		"library_paths", cfg.LibraryPaths,
	)

	if err := inst.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("instance run: %w", err)
	}

	slog.Info("workshopd stopped")
	return nil
}
