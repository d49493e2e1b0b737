// Agentmemd is the execution memory daemon for browser-automation agents.
//
// It owns the SQLite-backed memory stores (session cache, checkpoints,
// reasoning patterns, task patterns, user profiles), runs the background
// maintenance scheduler, and serves an operational HTTP surface for health
// and metrics.
//
// Usage:
//
//	# Start with defaults (agentmem.db in the working directory)
//	agentmemd
//
//	# Point at a config file
//	agentmemd --config /etc/agentmem/agentmem.yaml
//
//	# Configure via environment
//	AGENTMEM_STORE_PATH=/var/lib/agentmem/agentmem.db agentmemd
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bottleneckbots/agentmem/internal/checkpoint"
	"github.com/bottleneckbots/agentmem/internal/config"
	"github.com/bottleneckbots/agentmem/internal/events"
	"github.com/bottleneckbots/agentmem/internal/learning"
	"github.com/bottleneckbots/agentmem/internal/logging"
	"github.com/bottleneckbots/agentmem/internal/maintenance"
	"github.com/bottleneckbots/agentmem/internal/memcache"
	"github.com/bottleneckbots/agentmem/internal/ops"
	"github.com/bottleneckbots/agentmem/internal/patternbank"
	"github.com/bottleneckbots/agentmem/internal/profile"
	"github.com/bottleneckbots/agentmem/internal/store"
	"github.com/bottleneckbots/agentmem/internal/taskpattern"
	"github.com/bottleneckbots/agentmem/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "agentmemd",
		Short:         "Execution memory daemon for browser-automation agents",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(),
				syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to the YAML config file")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agentmemd\n")
			fmt.Printf("Version:    %s\n", version)
			fmt.Printf("Commit:     %s\n", gitCommit)
			fmt.Printf("Build Date: %s\n", buildDate)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "agentmemd: %v\n", err)
		os.Exit(1)
	}
}

// run wires the daemon and blocks until ctx is cancelled.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	tel, err := telemetry.New(ctx, &cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "telemetry shutdown: %v\n", err)
		}
	}()

	logger, err := logging.New(&cfg.Logging, tel.LoggerProvider())
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logger.Sync() //nolint:errcheck // stderr sync failure is benign

	logger.Info("starting agentmemd",
		zap.String("version", version),
		zap.String("commit", gitCommit),
	)
	if tel.Degraded() {
		logger.Warn("telemetry is degraded; continuing without full export")
	}

	st, err := store.Open(ctx, &cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	// Event publishing is optional; a nil publisher is a no-op.
	var publisher *events.Publisher
	if cfg.Events.URL != "" {
		nc, err := nats.Connect(cfg.Events.URL,
			nats.Name("agentmemd"),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.Events.URL, err)
		}
		defer nc.Drain() //nolint:errcheck // best-effort flush on shutdown
		publisher = events.NewPublisher(nc, logger)
		logger.Info("event publishing enabled", zap.String("url", cfg.Events.URL))
	}

	// Memory services.
	backend, err := memcache.NewSQLiteBackend(st)
	if err != nil {
		return fmt.Errorf("failed to create cache backend: %w", err)
	}
	sessionCache, err := memcache.New[map[string]any]("session", cfg.Cache.Capacity, backend, logger)
	if err != nil {
		return fmt.Errorf("failed to create session cache: %w", err)
	}
	checkpoints, err := checkpoint.NewService(&checkpoint.Config{
		DefaultTTL:    cfg.Checkpoint.DefaultTTL,
		CacheCapacity: cfg.Checkpoint.CacheCapacity,
	}, st, publisher, logger)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint service: %w", err)
	}

	bank, err := patternbank.NewService(st, logger)
	if err != nil {
		return fmt.Errorf("failed to create pattern bank: %w", err)
	}

	registry, err := taskpattern.NewRegistry(st, logger)
	if err != nil {
		return fmt.Errorf("failed to create task pattern registry: %w", err)
	}
	matcher, err := taskpattern.NewMatcher(registry, bank, logger)
	if err != nil {
		return fmt.Errorf("failed to create pattern matcher: %w", err)
	}

	profiles, err := profile.NewService(st, logger)
	if err != nil {
		return fmt.Errorf("failed to create profile service: %w", err)
	}

	coordinator, err := learning.NewService(nil, profiles, registry, bank, matcher, publisher, logger)
	if err != nil {
		return fmt.Errorf("failed to create learning coordinator: %w", err)
	}

	// Background maintenance.
	newScheduler := func(mc config.MaintenanceConfig) (*maintenance.Scheduler, error) {
		return maintenance.NewScheduler(&maintenance.Config{
			SweepInterval:    mc.SweepInterval,
			CleanupInterval:  mc.CleanupInterval,
			FeedbackInterval: mc.FeedbackInterval,
			MinSuccessRate:   mc.MinSuccessRate,
			MinUsageCount:    mc.MinUsageCount,
			RatePerSecond:    mc.RatePerSecond,
		},
			[]maintenance.Sweeper{checkpoints, sessionCache},
			[]maintenance.Cleaner{bank, registry},
			coordinator, profiles, logger)
	}

	scheduler, err := newScheduler(cfg.Maintenance)
	if err != nil {
		return fmt.Errorf("failed to create maintenance scheduler: %w", err)
	}
	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start maintenance scheduler: %w", err)
	}

	var schedMu sync.Mutex
	defer func() {
		schedMu.Lock()
		scheduler.Stop()
		schedMu.Unlock()
	}()

	// Config changes retune the maintenance scheduler without a restart.
	if configPath != "" {
		go func() {
			err := config.Watch(ctx, configPath, logger, func(next *config.Config) {
				replacement, err := newScheduler(next.Maintenance)
				if err != nil {
					logger.Warn("keeping previous maintenance settings", zap.Error(err))
					return
				}
				if err := replacement.Start(); err != nil {
					logger.Warn("failed to start retuned scheduler", zap.Error(err))
					return
				}
				schedMu.Lock()
				old := scheduler
				scheduler = replacement
				schedMu.Unlock()
				old.Stop()
				logger.Info("maintenance scheduler retuned")
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("config watcher stopped", zap.Error(err))
			}
		}()
	}

	// Operational HTTP surface.
	opsServer, err := ops.NewServer(st, logger, &ops.Config{
		Addr:            cfg.Ops.Addr,
		ShutdownTimeout: cfg.Ops.ShutdownTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create ops server: %w", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := opsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	logger.Info("agentmemd ready",
		zap.String("ops_addr", cfg.Ops.Addr),
		zap.String("store_path", cfg.Store.Path),
	)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		return fmt.Errorf("ops server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Ops.ShutdownTimeout)
	defer cancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ops server shutdown failed", zap.Error(err))
	}

	logger.Info("agentmemd stopped")
	return nil
}
