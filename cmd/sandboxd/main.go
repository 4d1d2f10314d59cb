// Package main is the entry point for sandboxd, the runtime supervisor that
// runs inside every agent container. It exposes the execution endpoints the
// control plane dispatches to and tracks sub-processes for termination.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/orchd/orchd/internal/common/config"
	"github.com/orchd/orchd/internal/common/logger"
	"github.com/orchd/orchd/internal/sandbox"
)

const workspaceDir = "/workspace"

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

	agentName := os.Getenv("ORCHD_AGENT_NAME")
	log.Info("Starting sandboxd",
		zap.String("agent", agentName),
		zap.Int("port", cfg.Agent.HTTPPort))

	// 3. Runtime command line: the lifecycle manager bakes it into the image
	// env; space-separated, first token is the binary
	command, args := runtimeCommand()

	// 4. Wire the sandbox components
	registry := sandbox.NewRegistry(log)
	runner := sandbox.NewRunner(registry, command, args, workspaceDir, log)
	server := sandbox.NewServer(registry, runner, log)

	// 5. HTTP server on the agent network
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	server.SetupRoutes(router)

	httpServer := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Agent.HTTPPort),
		Handler:     router,
		ReadTimeout: 30 * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 6. Wait for shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down sandboxd...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("sandboxd stopped")
}

// runtimeCommand reads the agent runtime invocation from ORCHD_RUNTIME_CMD,
// defaulting to the bundled runtime shim.
func runtimeCommand() (string, []string) {
	raw := os.Getenv("ORCHD_RUNTIME_CMD")
	if raw == "" {
		return "orchd-runtime", nil
	}
	parts := strings.Fields(raw)
	return parts[0], parts[1:]
}
