// Command speechflowd runs the orchestration daemon: the router, the
// configured worker variants, and the daily metrics rollup, all sharing one
// data directory.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"speechflow/internal/config"
	"speechflow/internal/daemon"
	"speechflow/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, resolvedPath, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config %s: %v", resolvedPath, err)
	}

	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	logger.Info("speechflowd starting", logging.String("config", resolvedPath))

	d := daemon.New(cfg, logger)
	if err := d.Start(ctx); err != nil {
		logger.Error("daemon start", logging.Error(err))
		os.Exit(1)
	}
	if err := d.Wait(ctx); err != nil {
		logger.Error("daemon exited with error", logging.Error(err))
		os.Exit(1)
	}
	logger.Info("speechflowd shut down")
}
