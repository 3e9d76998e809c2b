// RCL - shadow-mode payout rule engine
package main

import (
	"context"
	"os"

	"github.com/mbd888/rcl/internal/config"
	"github.com/mbd888/rcl/internal/logging"
	"github.com/mbd888/rcl/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.Commit == "" && Commit != "unknown" {
		cfg.Commit = Commit
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting rcl",
		"version", Version,
		"commit", cfg.ShortCommit(),
		"build_time", BuildTime,
		"env", cfg.Env,
		"storage", cfg.StorageBackend(),
	)

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger), server.WithVersion(Version))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
