package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-wer/internal/config"
	"github.com/loqalabs/loqa-wer/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		logLevel    string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "loqa.yaml", "Path to configuration file")
	flag.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides telemetry.log_level")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("failed to load config",
			slog.String("path", configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	level := effectiveLogLevel(flag.CommandLine, cfg.Telemetry.LogLevel)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: config.ParseLogLevel(level)})).
		With(slog.String("runtime", cfg.RuntimeName))
	logger.Info("starting werd",
		slog.String("version", version),
		slog.String("config", configPath),
		slog.String("log_level", level),
	)

	rt := runtime.New(cfg, logger, runtime.WithVersion(version))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

// effectiveLogLevel prefers an explicit -log-level over telemetry.log_level.
func effectiveLogLevel(fs *flag.FlagSet, configured string) string {
	level := configured
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "log-level" {
			level = f.Value.String()
		}
	})
	if level == "" {
		return "info"
	}
	return level
}
