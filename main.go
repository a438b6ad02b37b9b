package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"cassava/app"
	"cassava/config"
	qhttp "cassava/http"
	"cassava/logger"
)

func main() {
	// 1. Load config
	cfg, err := config.Load("config.yaml")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// 2. Build services: model, registry, job tracker, retrain runner
	a, err := app.New(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize service", zap.Error(err))
	}
	a.Start()

	// 3. Start HTTP server
	server := qhttp.NewServer(a)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// 4. Handle graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down...")

	if err := server.Stop(); err != nil {
		log.Warn("Server forced to shutdown", zap.Error(err))
	}
	if err := a.Close(); err != nil {
		log.Warn("Service shutdown incomplete", zap.Error(err))
	}

	log.Info("Exiting")
}
