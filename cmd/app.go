package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/orchardlog/fieldsync/internal/apiclient"
	"github.com/orchardlog/fieldsync/internal/config"
	"github.com/orchardlog/fieldsync/internal/connectivity"
	"github.com/orchardlog/fieldsync/internal/db"
	"github.com/orchardlog/fieldsync/internal/events"
	"github.com/orchardlog/fieldsync/internal/features"
	"github.com/orchardlog/fieldsync/internal/logging"
	"github.com/orchardlog/fieldsync/internal/models"
	"github.com/orchardlog/fieldsync/internal/offline"
	"github.com/orchardlog/fieldsync/internal/syncmgr"
)

// app is everything a command needs, wired from config.
type app struct {
	settings *config.Settings
	features *features.Set
	logger   *slog.Logger
	db       *db.DB
	client   *apiclient.Client
	monitor  *connectivity.Monitor
	bus      *events.Bus
	gateway  *offline.Gateway
	manager  *syncmgr.Manager
}

// openApp loads config and opens the local store. The caller must Close it.
func openApp(cmd *cobra.Command) (*app, error) {
	settings, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if v, _ := cmd.Flags().GetString("server"); v != "" {
		if err := apiclient.CheckBaseURL(v); err != nil {
			return nil, fmt.Errorf("--server: %w", err)
		}
		settings.ServerURL = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		settings.DataDir = v
	}
	level := settings.LogLevel
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = "debug"
	}
	logger := logging.Setup(level, settings.LogFormat, os.Stderr)

	store, err := db.Open(settings.DataDir)
	if err != nil {
		return nil, err
	}

	a := &app{
		settings: settings,
		features: features.NewSet(settings.Features),
		logger:   logger,
		db:       store,
		client:   apiclient.New(settings.ServerURL, settings.APIToken, settings.RequestTimeout),
		monitor:  connectivity.NewMonitor(true, logger),
		bus:      events.NewBus(logger),
	}

	var ids *db.DB
	if a.features.Enabled(features.EntityRefRewrite) {
		ids = store
	}
	gwCfg := offline.Config{
		Requester:           a.client,
		Queue:               store,
		Cache:               store,
		Monitor:             a.monitor,
		Timeout:             settings.RequestTimeout,
		ShortCircuitOffline: a.features.Enabled(features.OfflineShortCircuit),
		Logger:              logger,
		OnQueued: func(item models.QueueItem) {
			logger.Info("queued for later delivery", "item", item.ID, "method", string(item.Method), "endpoint", item.Endpoint)
		},
	}
	mgrOpts := syncmgr.Options{
		Queue:        store,
		Requester:    a.client,
		Runs:         store,
		Bus:          a.bus,
		Monitor:      a.monitor,
		RunLock:      func() (func(), error) { return store.TryRunLock(0) },
		MaxAttempts:  settings.MaxAttempts,
		Timeout:      settings.RequestTimeout,
		SyncInterval: settings.SyncInterval,
		BackoffBase:  settings.BackoffBase,
		BackoffMax:   settings.BackoffMax,
		StartupSync:  a.features.Enabled(features.StartupSync),
		Logger:       logger,
	}
	// A typed nil pointer in an interface field is not nil.
	if ids != nil {
		gwCfg.IDs = ids
		mgrOpts.IDs = ids
	}
	a.gateway = offline.NewGateway(gwCfg)
	a.manager = syncmgr.New(mgrOpts)
	return a, nil
}

// probe checks the server once so the monitor reflects reality.
func (a *app) probe(ctx context.Context) bool {
	return connectivity.NewProber(a.monitor, a.client, connectivity.ProberConfig{
		Interval: a.settings.ProbeInterval,
		Logger:   a.logger,
	}).ProbeOnce(ctx)
}

func (a *app) Close() {
	a.manager.Dispose()
	if err := a.db.Close(); err != nil {
		a.logger.Warn("close store", "err", err)
	}
}

// withApp opens the app around fn and prints any error it returns.
func withApp(cmd *cobra.Command, fn func(a *app) error) error {
	a, err := openApp(cmd)
	if err != nil {
		printError(cmd, err)
		return err
	}
	defer a.Close()
	if err := fn(a); err != nil {
		printError(cmd, err)
		return err
	}
	return nil
}
