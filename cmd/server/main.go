package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/fathima-sithara/messaging-service/internal/bootstrap"
	"github.com/fathima-sithara/messaging-service/internal/config"
	"github.com/fathima-sithara/messaging-service/internal/logger"
)

func main() {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	sugar, err := logger.New(logger.Config{Development: cfg.Development(), Level: cfg.Log.Level})
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = sugar.Sync() }()
	sugar.Infof("Starting messaging-service in %s environment on port %d", cfg.App.Env, cfg.App.Port)

	initCtx, cancelInit := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	app, cleanup, err := bootstrap.Init(initCtx, cfg, sugar)
	cancelInit()
	if err != nil {
		sugar.Fatalf("bootstrap failed: %v", err)
	}
	app.Start()

	go func() {
		addr := ":" + cfg.App.PortString()
		sugar.Infof("Server listening on %s", addr)
		if err := app.App.Listen(addr); err != nil {
			sugar.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	sugar.Info("Shutting down server...")

	app.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	cleanup(ctx)
	sugar.Info("Graceful shutdown complete")
}
