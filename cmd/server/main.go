package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"r2clone/internal/api"
	"r2clone/internal/config"
	"r2clone/internal/engine"
	"r2clone/internal/ledger"
	"r2clone/internal/logging"
	"r2clone/internal/metrics"
	"r2clone/internal/models"
	"r2clone/internal/preflight"
	"r2clone/internal/scheduler"
	"r2clone/internal/storage"
	"r2clone/internal/transfer"
	"r2clone/internal/websocket"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Component: "r2clone"})

	if err := run(cfg, log); err != nil {
		log.WithError(err).Error("Server exited")
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logging.Logger) error {
	db, err := openDatabase(cfg.Database, log)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := models.Migrate(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	store := storage.NewStorage()
	l := ledger.New(db, store, log)
	m := metrics.New()

	tool := &transfer.Tool{
		Binary:        cfg.Transfer.Binary,
		ConfigPath:    cfg.Transfer.ConfigPath,
		StatsInterval: cfg.Transfer.StatsInterval,
		Transfers:     cfg.Transfer.Transfers,
		ExtraArgs:     cfg.Transfer.ExtraArgs,
		SizeTimeout:   cfg.Transfer.SizeTimeout,
	}

	// Handler is set once the engine exists
	hub := websocket.NewHub(nil, m, log)

	e := engine.New(engine.Config{
		Ledger:      l,
		Storage:     store,
		Tool:        tool,
		Preflight:   preflight.NewEstimator(tool, store, cfg.Preflight.Margin, log),
		Broadcaster: hub,
		Metrics:     m,
		Logger:      log,
	})
	hub.SetHandler(api.NewCommandHandler(e))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	swept, err := e.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover interrupted runs: %w", err)
	}
	if swept > 0 {
		log.Warn("Marked interrupted runs as stopped", "count", swept)
	}

	sched := scheduler.New(e, l, m, log)
	if err := sched.Load(ctx); err != nil {
		return fmt.Errorf("failed to load schedules: %w", err)
	}

	server := api.NewServer(api.Options{
		Ledger:    l,
		Engine:    e,
		Scheduler: sched,
		Hub:       hub,
		Metrics:   m,
		Logger:    log,
		Token:     cfg.Server.Token,
		WebDist:   cfg.Web.Dist,
	})
	httpServer := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	// The hub outlives the engine so observers see the final stopped events
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	g.Go(func() error {
		hub.Run(hubCtx)
		return nil
	})

	g.Go(func() error {
		log.Info("Starting HTTP server", "address", cfg.Server.Address)
		log.Info("Endpoints", "websocket", "/ws", "api", "/api/v1", "metrics", "/metrics")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})

	sched.Start()
	log.Info("Scheduler started", "entries", sched.Len())

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		sched.Stop(shutdownCtx)
		if err := e.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("Executions did not stop in time")
		}
		stopHub()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func openDatabase(cfg config.DatabaseConfig, log *logging.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		dialector = sqlite.Open(cfg.DSN)
	}

	// Missing rows are expected on lookups by ID
	gormLogger := logger.New(
		log.Named("gorm"),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	return gorm.Open(dialector, &gorm.Config{Logger: gormLogger})
}
