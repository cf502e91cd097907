package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/OFFIS-RIT/catalyst/internal/config"
	"github.com/OFFIS-RIT/catalyst/internal/server"
	"github.com/OFFIS-RIT/catalyst/internal/util"
	"github.com/OFFIS-RIT/catalyst/migrations"
	"github.com/OFFIS-RIT/catalyst/pkg/logger"
	"github.com/OFFIS-RIT/catalyst/pkg/logger/console"
)

func main() {
	util.LoadEnv()

	cfg, err := config.Load()
	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: cfg.Debug,
		JSON:  cfg.LogJSON,
	})
	logger.Init(consoleLogger)
	if err != nil {
		logger.Fatal("Invalid configuration", "err", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := migrations.Up(cfg.DatabaseURL); err != nil {
		logger.Fatal("Failed to migrate database", "err", err)
	}

	if err := server.Init(ctx, cfg); err != nil {
		logger.Fatal("Server stopped", "err", err)
	}
}
