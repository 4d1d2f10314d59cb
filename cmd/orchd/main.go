// Package main is the entry point for the orchd control plane.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/orchd/orchd/internal/agentclient"
	"github.com/orchd/orchd/internal/api"
	"github.com/orchd/orchd/internal/common/config"
	"github.com/orchd/orchd/internal/common/httpmw"
	"github.com/orchd/orchd/internal/common/logger"
	"github.com/orchd/orchd/internal/common/tracing"
	"github.com/orchd/orchd/internal/container"
	"github.com/orchd/orchd/internal/coord"
	"github.com/orchd/orchd/internal/db"
	"github.com/orchd/orchd/internal/events/bus"
	"github.com/orchd/orchd/internal/gateway"
	"github.com/orchd/orchd/internal/ledger"
	"github.com/orchd/orchd/internal/lifecycle"
	"github.com/orchd/orchd/internal/queue"
	"github.com/orchd/orchd/internal/store"
)

const serverName = "orchd"

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

	log.Info("Starting orchd control plane...")

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
	log.Info("State store ready", zap.String("driver", cfg.Database.Driver))

	// 4. Connect to the coordination store
	coordClient, err := coord.New(cfg.Redis)
	if err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer coordClient.Close()
	log.Info("Connected to coordination store", zap.String("addr", cfg.Redis.Addr))

	// 5. Connect the event bus
	eventBus, err := bus.New(cfg, log, coordClient)
	if err != nil {
		log.Fatal("Failed to connect event bus", zap.Error(err))
	}
	defer eventBus.Close()

	// 6. Build the execution plumbing
	execQueue := queue.New(coordClient, cfg.Agent.ChatTTLDuration(), log)
	led := ledger.New(st, eventBus, log)
	sandboxClient := agentclient.New(cfg.Agent, log)

	// 7. Container driver and lifecycle manager
	driver, err := container.NewDockerDriver(cfg.Docker, log)
	if err != nil {
		log.Fatal("Failed to create container driver", zap.Error(err))
	}
	defer driver.Close()
	manager := lifecycle.New(driver, st, coordClient, sandboxClient, lifecycle.Config{
		Image:          cfg.Docker.AgentImage,
		VolumeBasePath: cfg.Docker.VolumeBasePath,
		Network:        cfg.Docker.DefaultNetwork,
		SystemAgent:    cfg.Agent.SystemAgent,
		ControlPlane:   fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port),
	}, log)

	// 8. Converge store and engine before serving traffic
	if err := manager.Reconcile(ctx); err != nil {
		log.Error("Startup reconcile failed", zap.Error(err))
	}

	// 9. Gateway and API surface
	gw := gateway.New(st, execQueue, led, sandboxClient, log)
	handler := api.NewHandler(st, gw, manager, eventBus, log)
	hub := api.NewHub(st, eventBus, log)
	go func() {
		if err := hub.Run(ctx); err != nil {
			log.Error("Event hub stopped", zap.Error(err))
		}
	}()
	auth := api.NewAuthenticator(st, nil, cfg.Auth, log)

	// 10. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(httpmw.RequestLogger(log, serverName))
	router.Use(httpmw.OtelTracing(serverName))
	router.Use(gin.Recovery())

	v1 := router.Group("/api/v1")
	api.SetupRoutes(v1, handler, hub, auth)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 11. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down orchd...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	// let in-flight async tasks seal their executions
	gw.Wait()

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}
	log.Info("orchd stopped")
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
