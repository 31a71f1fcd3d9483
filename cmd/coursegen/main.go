package main

import (
	"context"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"coursegen/internal/cli"
	"coursegen/internal/config"
	"coursegen/internal/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	// stdout carries results; diagnostics go to stderr and stay quiet unless asked for.
	logger := logging.NewWithWriter(cfg.Env, os.Stderr)
	if os.Getenv("COURSEGEN_DEBUG") == "" {
		logger = logger.Level(zerolog.ErrorLevel)
	}
	os.Exit(cli.Execute(context.Background(), cli.BuildCLI(cfg, logger)))
}
