package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"carenote/internal/agent"
	"carenote/internal/config"
	"carenote/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "Configuration file path")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath); err != nil {
		log.Printf("carenoted: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, path, exists, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	logger, err := logging.NewFromConfig(cfg, "carenoted.log")
	if err != nil {
		return err
	}
	if !exists {
		logger.Info("no config file found; using defaults", logging.String("path", path))
	}

	a, err := agent.New(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Start(ctx); err != nil {
		if errors.Is(err, agent.ErrAlreadyRunning) {
			logging.ErrorWithContext(logger, "agent already running", "agent_lock_held",
				logging.String("lock", cfg.LockPath()),
				logging.String(logging.FieldErrorHint, "stop the running carenoted before starting another"),
			)
		}
		return err
	}

	<-ctx.Done()
	logger.Info("carenoted shutting down")
	return nil
}
