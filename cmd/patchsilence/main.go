package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/audun/patchsilence/internal/config"
	"github.com/audun/patchsilence/internal/directory"
	"github.com/audun/patchsilence/internal/engine"
	"github.com/audun/patchsilence/internal/logging"
	"github.com/audun/patchsilence/internal/metrics"
	"github.com/audun/patchsilence/internal/monitoring"
	"github.com/audun/patchsilence/internal/resolve"
	"github.com/audun/patchsilence/internal/scheduler"
	"github.com/audun/patchsilence/internal/status"
	"github.com/audun/patchsilence/internal/store"
	"github.com/audun/patchsilence/internal/virt"
)

func main() {
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before the first run")
	configFlag := flag.String("config", "", "Config file path (overrides PATCHSILENCE_CONFIG)")
	flag.Parse()

	cfg, err := loadConfig(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}

	if *migrateFlag {
		logger.Info().Str("driver", cfg.Store.Driver).Msg("running database migrations")
		if err := store.RunMigrations(cfg); err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open datastore")
	}
	defer st.Close()

	timeout := cfg.Timeouts.External.Duration()
	mon := monitoring.NewClient(cfg.Monitoring, timeout, logger)
	virtClient := virt.NewClient(cfg.Virt, timeout, logger)

	eng := engine.New(logger, engine.Deps{
		Tasks:    scheduler.NewClient(cfg.Scheduler, cfg.Groups.Mappings, cfg.Run.Horizon.Duration(), timeout, logger),
		Groups:   directory.NewClient(cfg.Groups, timeout, logger),
		Resolver: resolve.NewResolver(resolve.NewVirtOpener(virtClient), nil, timeout, logger),
		Nodes:    mon,
		Gateway:  mon,
		Windows:  st,
		Locks:    st,
	}, engine.Options{
		WindowLength:    cfg.Run.WindowLength.Duration(),
		LockTTL:         cfg.Run.LockTTL.Duration(),
		Interval:        cfg.Run.Interval.Duration(),
		Jitter:          cfg.Run.Jitter.Duration(),
		ExternalTimeout: timeout,
	}, engine.NewMetrics(prometheus.DefaultRegisterer))

	if cfg.Run.Interval.Duration() > 0 {
		runDaemon(ctx, cancel, cfg, logger, st, eng)
		return
	}
	runOnce(ctx, cfg, logger, eng)
}

// runOnce executes a single reconciliation and exits. A run skipped because
// another instance holds the lock, or one that finds no pending tasks, is a
// normal exit.
func runOnce(ctx context.Context, cfg *config.Config, logger zerolog.Logger, eng *engine.Engine) {
	_, runErr := eng.Run(ctx, time.Now())

	if err := metrics.Push(cfg.Metrics.PushgatewayURL, cfg.Metrics.Job, prometheus.DefaultGatherer); err != nil {
		logger.Warn().Err(err).Msg("metrics push failed")
	}

	if runErr != nil {
		logger.Fatal().Err(runErr).Msg("run failed")
	}
}

// runDaemon keeps the engine on its interval and serves the status endpoint
// until SIGINT or SIGTERM.
func runDaemon(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, logger zerolog.Logger, st store.Store, eng *engine.Engine) {
	if pg, ok := st.(*store.Postgres); ok {
		metrics.RegisterPoolMetrics(prometheus.DefaultRegisterer, pg.Pool())
	}

	httpServer := &http.Server{
		Addr:         cfg.Metrics.ListenAddr,
		Handler:      status.NewServer(logger, st, eng),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		eng.RunLoop(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info().Str("addr", cfg.Metrics.ListenAddr).Msg("starting status server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("status server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-quit:
			logger.Info().Msg("shutting down")
		case <-gctx.Done():
		}
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("daemon failed")
	}
	logger.Info().Msg("shutdown complete")
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}
