// Command fieldsync-devserver serves a throwaway record API for trying the
// fieldsync client against a real, optionally flaky, backend.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/orchardlog/fieldsync/internal/devserver"
	"github.com/orchardlog/fieldsync/internal/logging"
	"github.com/orchardlog/fieldsync/internal/version"
)

var Version = "dev"

func main() {
	cfg := devserver.LoadConfig()
	logging.Setup(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	store, err := devserver.OpenStore(cfg.DBPath)
	if err != nil {
		slog.Error("open store", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	srv, err := devserver.NewServer(cfg, store)
	if err != nil {
		slog.Error("create server", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(); err != nil {
		slog.Error("start server", "err", err)
		os.Exit(1)
	}
	slog.Info("server started",
		"addr", srv.Addr(),
		"version", version.Effective(Version),
		"fail_rate", cfg.FailRate,
		"latency", cfg.Latency.String(),
	)

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "err", err)
	}
}
