package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/wudi/edgegate/internal/config"
	"github.com/wudi/edgegate/internal/logging"
	"github.com/wudi/edgegate/internal/server"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/gateway.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("edgegate %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	secrets := config.DefaultSecretRegistry()
	cfg, err := config.Load(*configPath, secrets)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	if *validateOnly {
		fmt.Println("configuration is valid")
		os.Exit(0)
	}

	logger, closer, err := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Output:     cfg.Logging.Output,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	if closer != nil {
		defer closer.Close()
	}
	defer logger.Sync()

	logger.Info("starting edgegate",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.Int("routes", len(cfg.Routes)),
	)

	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to build server", zap.Error(err))
	}
	if err := srv.WatchConfig(*configPath, secrets); err != nil {
		logger.Fatal("failed to start config watcher", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := srv.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
