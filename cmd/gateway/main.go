package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/wudi/gatekeeper/internal/config"
	"github.com/wudi/gatekeeper/internal/gateway"
	"github.com/wudi/gatekeeper/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	// Parse command line flags
	configFlag := flag.String("config", "", "Path to configuration file (default $"+config.EnvConfigPath+" or "+config.DefaultPath+")")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("gatekeeper %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	configPath := config.ResolvePath(*configFlag)
	cfg, err := config.NewLoader().Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	// Initialize structured logger
	logger, err := logging.New(logging.Options{
		Level:      cfg.Logging.Level,
		Output:     cfg.Logging.Output,
		MaxSize:    cfg.Logging.Rotation.MaxSize,
		MaxBackups: cfg.Logging.Rotation.MaxBackups,
		MaxAge:     cfg.Logging.Rotation.MaxAge,
		Compress:   cfg.Logging.Rotation.Compress,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)
	defer logging.Sync()

	logging.Info("starting gatekeeper",
		zap.String("version", version),
		zap.String("config", configPath),
		zap.Int("routes", len(cfg.Routes)),
		zap.Int("plugins", len(cfg.Plugins)),
	)

	server, err := gateway.NewServer(cfg, configPath)
	if err != nil {
		logging.Error("failed to create gateway", zap.Error(err))
		logging.Sync()
		os.Exit(1)
	}

	if err := server.Run(context.Background()); err != nil {
		logging.Error("server error", zap.Error(err))
		logging.Sync()
		os.Exit(1)
	}
}
