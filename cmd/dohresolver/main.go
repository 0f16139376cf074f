package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/PeterCxy/workerns/pkg/blocklist"
	"github.com/PeterCxy/workerns/pkg/cache"
	"github.com/PeterCxy/workerns/pkg/config"
	"github.com/PeterCxy/workerns/pkg/dohserver"
	"github.com/PeterCxy/workerns/pkg/kv"
	"github.com/PeterCxy/workerns/pkg/logging"
	"github.com/PeterCxy/workerns/pkg/override"
	"github.com/PeterCxy/workerns/pkg/planner"
	"github.com/PeterCxy/workerns/pkg/telemetry"
	"github.com/PeterCxy/workerns/pkg/upstream"
)

var (
	configPath     = flag.String("config", "config.yaml", "Path to configuration file")
	showVersion    = flag.Bool("version", false, "Show version information and exit")
	validateConfig = flag.Bool("validate-config", false, "Validate configuration file and exit")

	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("dohresolver\n")
		fmt.Printf("Version:     %s\n", version)
		fmt.Printf("Git Commit:  %s\n", gitCommit)
		fmt.Printf("Build Time:  %s\n", buildTime)
		fmt.Printf("Go Version:  %s\n", runtime.Version())
		os.Exit(0)
	}

	if *validateConfig {
		if _, err := config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Configuration valid.")
		return
	}

	ctx := context.Background()

	cfgWatcher, err := config.NewWatcher(*configPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize config watcher: %v\n", err)
		os.Exit(1)
	}
	cfg := cfgWatcher.Config()

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)

	cfgWatcher, err = config.NewWatcher(*configPath, logger.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to reinitialize config watcher with logger: %v\n", err)
		os.Exit(1)
	}
	cfg = cfgWatcher.Config()

	watcherCtx, watcherCancel := context.WithCancel(ctx)
	defer watcherCancel()
	go func() {
		if err := cfgWatcher.Start(watcherCtx); err != nil {
			logger.Error("config watcher stopped", "error", err)
		}
	}()

	logger.Info("dohresolver starting", "version", version, "build_time", buildTime)

	telem, err := telemetry.New(ctx, &cfg.Telemetry, logger)
	if err != nil {
		logger.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	metrics, err := telem.InitMetrics()
	if err != nil {
		logger.Error("failed to initialize metrics", "error", err)
		os.Exit(1)
	}

	store, err := newStore(&cfg.KV, logger)
	if err != nil {
		logger.Error("failed to initialize kv store", "error", err)
		os.Exit(1)
	}

	dnsCache := cache.New(store, logger, cache.WithMetrics(metrics), cache.WithListLimit(cfg.Cache.ListLimit))

	overrideResolver := buildOverrideResolver(ctx, &cfg.Blocklists, &cfg.Overrides, cfg.HostsFile, logger, metrics)

	upstreamClient := upstream.New(cfg.Upstreams.URLs, cfg.Upstreams.Timeout, logger, upstream.WithMetrics(metrics))

	plan := planner.New(overrideResolver, dnsCache, upstreamClient, cfg.Upstreams.Retries, logger, planner.WithMetrics(metrics))

	server := dohserver.New(cfg.Server.ListenAddress, plan, logger, dohserver.WithMetrics(metrics))

	cfgWatcher.OnChange(func(newCfg *config.Config) {
		logger.Info("configuration reloaded",
			"upstreams", len(newCfg.Upstreams.URLs),
			"overrides", len(newCfg.Overrides.Entries),
		)
		// Listen address, KV backend and telemetry wiring require a restart;
		// overrides/blocklists could be hot-swapped here in a future pass.
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	serverCtx, serverCancel := context.WithCancel(ctx)
	defer serverCancel()

	errChan := make(chan error, 1)
	go func() {
		if err := server.Start(serverCtx); err != nil {
			errChan <- fmt.Errorf("DoH server error: %w", err)
		}
	}()

	logger.Info("dohresolver is running",
		"address", cfg.Server.ListenAddress,
		"upstreams", cfg.Upstreams.URLs,
	)

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig.String())
		serverCancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("error during DoH server shutdown", "error", err)
		}
		if err := store.Close(); err != nil {
			logger.Error("error closing kv store", "error", err)
		}
		if err := telem.Shutdown(shutdownCtx); err != nil {
			logger.Error("error during telemetry shutdown", "error", err)
		}

		logger.Info("dohresolver stopped")

	case err := <-errChan:
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// newStore builds the kv.Store backend selected by configuration.
func newStore(cfg *config.KVConfig, logger *logging.Logger) (kv.Store, error) {
	switch cfg.Backend {
	case "sqlite":
		logger.Info("using sqlite kv backend", "path", cfg.SQLitePath)
		return kv.NewSQLiteStore(cfg.SQLitePath)
	default:
		logger.Info("using in-memory kv backend")
		return kv.NewMemStore(), nil
	}
}

// buildOverrideResolver loads the blocklist (from remote URLs and local
// files) and the static hosts file, then composes them with the
// configured override entries into a single override.Resolver.
func buildOverrideResolver(ctx context.Context, blocklistsCfg *config.BlocklistsConfig, overridesCfg *config.OverridesConfig, hostsFile string, logger *logging.Logger, metrics *telemetry.Metrics) *override.Resolver {
	downloader := blocklist.NewDownloader(logger, nil)

	blocked := make(map[string]struct{})
	if len(blocklistsCfg.URLs) > 0 {
		downloaded, err := downloader.DownloadAll(ctx, blocklistsCfg.URLs)
		if err != nil {
			logger.Error("failed to download blocklists", "error", err)
		}
		for d := range downloaded {
			blocked[d] = struct{}{}
		}
	}
	if len(blocklistsCfg.Files) > 0 {
		for d := range downloader.LoadAllFiles(blocklistsCfg.Files) {
			blocked[d] = struct{}{}
		}
	}

	overrides := make(map[string]string, len(overridesCfg.Entries))
	for k, v := range overridesCfg.Entries {
		overrides[k] = v
	}
	if hostsFile != "" {
		hostsEntries, err := loadHostsFile(hostsFile)
		if err != nil {
			logger.Error("failed to load hosts file", "path", hostsFile, "error", err)
		} else {
			for k, v := range hostsEntries {
				overrides[k] = v
			}
		}
	}

	logger.Info("override table built", "entries", len(overrides), "blocklist_domains", len(blocked))
	return override.New(overrides, blocked, overridesCfg.OverrideTTL, override.WithMetrics(metrics))
}
