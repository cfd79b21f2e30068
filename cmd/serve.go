package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/orrery/internal/broker"
	"github.com/zjrosen/orrery/internal/broker/api"
	"github.com/zjrosen/orrery/internal/config"
	"github.com/zjrosen/orrery/internal/infrastructure/sqlite"
	"github.com/zjrosen/orrery/internal/log"
	"github.com/zjrosen/orrery/internal/metrics"
	"github.com/zjrosen/orrery/internal/ports"
	"github.com/zjrosen/orrery/internal/rpc"
	"github.com/zjrosen/orrery/internal/supervisor"
	"github.com/zjrosen/orrery/internal/tracing"
	"github.com/zjrosen/orrery/internal/watcher"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session broker",
	Long: `Run the session broker daemon. It owns the worker port pool, spawns one
worker process per session, proxies commands to workers, evicts idle
sessions, and serves the HTTP API.

Example:
  orrery serve
  orrery serve --config /etc/orrery/orrery.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log.Init(cfg.Logging.Level, cfg.Logging.Format)
	metrics.Init()

	provider, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}

	// Workers left over from a crashed broker would shadow ports the
	// pool is about to hand out, so clear them first.
	if n := supervisor.SweepOrphans(); n > 0 {
		log.Info(log.CatSuper, "removed orphaned workers", "count", n)
	}

	db, err := sqlite.NewDB(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}
	defer func() { _ = db.Close() }()

	filter := sqlite.NewCommandFilter(cfg.Database.IncludeList(), cfg.Database.ExcludeList())
	store := sqlite.NewSessionStore(db, filter)

	pool := ports.New(cfg.PortPool.Start, cfg.PortPool.End)
	client := rpc.NewClient(cfg.RPC.ReplyTimeout())

	var tracer trace.Tracer
	if provider.Enabled() {
		tracer = provider.Tracer()
	}

	registry := broker.New(broker.Options{
		Pool:             pool,
		Spawner:          supervisor.New(cfg.Worker, client),
		Caller:           client,
		Store:            store,
		IdleTimeout:      cfg.Session.IdleTimeout(),
		TerminationGrace: cfg.Worker.Grace(),
		Tracer:           tracer,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reaper := broker.NewReaper(registry, cfg.Session.ReapInterval())
	reaper.Start(ctx)

	stopWatching := watchCommandFilter(ctx, filter)
	defer stopWatching()

	server, err := api.NewServer(api.ServerConfig{
		Addr: cfg.HTTP.Addr(),
		Handler: api.HandlerConfig{
			Registry:           registry,
			Pool:               pool,
			APIKey:             cfg.HTTP.APIKey,
			CORSAllowedOrigins: cfg.HTTP.CORSAllowedOrigins,
			RateLimitPerMin:    cfg.HTTP.RateLimitPerMin,
			Tracer:             tracer,
		},
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	log.Info(log.CatBroker, "broker started",
		"addr", cfg.HTTP.Addr(),
		"worker_ports", fmt.Sprintf("%d-%d", cfg.PortPool.Start, cfg.PortPool.End-1),
		"version", version)

	// Wait for shutdown signal or server error
	select {
	case sig := <-sigCh:
		log.Info(log.CatBroker, "shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Stop the reaper and the config watcher before ending sessions so
	// neither races ShutdownAll.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		log.ErrorErr(log.CatAPI, "error stopping API server", err)
	}

	ended := registry.ShutdownAll()
	log.Info(log.CatBroker, "sessions ended", "count", ended)

	if err := provider.Shutdown(shutdownCtx); err != nil {
		log.ErrorErr(log.CatBroker, "error flushing traces", err)
	}

	log.Info(log.CatBroker, "broker stopped")
	return nil
}

// watchCommandFilter hot-reloads the command-log filter lists when the
// config file changes. Only the filter is live; every other setting
// needs a restart. The returned stop function releases the watch.
func watchCommandFilter(ctx context.Context, filter *sqlite.CommandFilter) func() {
	path := viper.ConfigFileUsed()
	if path == "" {
		return func() {}
	}

	w, err := watcher.New(path, watcher.DefaultDebounce)
	if err != nil {
		log.Warn(log.CatConfig, "config watch disabled", "error", err.Error())
		return func() {}
	}

	changes, err := w.Start()
	if err != nil {
		log.Warn(log.CatConfig, "config watch disabled", "error", err.Error())
		_ = w.Stop()
		return func() {}
	}

	log.SafeGo("config-watcher", func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-changes:
				var next config.Config
				if err := viper.ReadInConfig(); err != nil {
					log.Warn(log.CatConfig, "config reload failed", "error", err.Error())
					continue
				}
				if err := viper.Unmarshal(&next); err != nil {
					log.Warn(log.CatConfig, "config reload failed", "error", err.Error())
					continue
				}
				filter.Swap(next.Database.IncludeList(), next.Database.ExcludeList())
				log.Info(log.CatConfig, "command filter reloaded",
					"include", next.Database.LogIncludeCommands,
					"exclude", next.Database.LogExcludeCommands)
			}
		}
	})

	return func() { _ = w.Stop() }
}
