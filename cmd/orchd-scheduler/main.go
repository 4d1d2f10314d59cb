// Package main is the entry point for the standalone schedule runner. It
// shares the state store, coordination store, and event bus with the control
// plane; multiple replicas coordinate through per-schedule locks.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/orchd/orchd/internal/agentclient"
	"github.com/orchd/orchd/internal/common/config"
	"github.com/orchd/orchd/internal/common/logger"
	"github.com/orchd/orchd/internal/coord"
	"github.com/orchd/orchd/internal/db"
	"github.com/orchd/orchd/internal/events/bus"
	"github.com/orchd/orchd/internal/gateway"
	"github.com/orchd/orchd/internal/ledger"
	"github.com/orchd/orchd/internal/queue"
	"github.com/orchd/orchd/internal/scheduler"
	"github.com/orchd/orchd/internal/store"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting orchd scheduler...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Open the state store
	dbConn, err := openDatabase(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer dbConn.Close()
	st, err := store.New(dbConn, driverName(cfg))
	if err != nil {
		log.Fatal("Failed to initialize state store", zap.Error(err))
	}

	// 4. Connect to the coordination store
	coordClient, err := coord.New(cfg.Redis)
	if err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer coordClient.Close()

	// 5. Connect the event bus
	eventBus, err := bus.New(cfg, log, coordClient)
	if err != nil {
		log.Fatal("Failed to connect event bus", zap.Error(err))
	}
	defer eventBus.Close()

	// 6. Dispatch path: schedules fire through the same gateway the API uses
	execQueue := queue.New(coordClient, cfg.Agent.ChatTTLDuration(), log)
	led := ledger.New(st, eventBus, log)
	sandboxClient := agentclient.New(cfg.Agent, log)
	gw := gateway.New(st, execQueue, led, sandboxClient, log)

	// 7. Run the scheduler until a signal arrives
	sched := scheduler.New(st, coordClient, gw, cfg.Scheduler, log)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := sched.Run(ctx); err != nil {
			log.Error("Scheduler run ended", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down scheduler...")
	cancel()
	<-done
	gw.Wait()
	log.Info("Scheduler stopped")
}

func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	if cfg.Database.Driver == "postgres" {
		return db.OpenPostgres(ctx, cfg.Database.DSN(), cfg.Database.MaxConns)
	}
	return db.OpenSQLite(cfg.Database.SQLitePath)
}

func driverName(cfg *config.Config) string {
	if cfg.Database.Driver == "postgres" {
		return "pgx"
	}
	return "sqlite3"
}
