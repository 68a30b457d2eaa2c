package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gridtrace/dwelltrack/internal/app"
	"github.com/gridtrace/dwelltrack/internal/config"
)

func main() {
	bootstrap := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load("ENGINE", ":8082")
	if err != nil {
		bootstrap.Error("config_load_failed", slog.Any("err", err))
		os.Exit(1)
	}

	application, err := app.NewEngine(cfg)
	if err != nil {
		bootstrap.Error("app_init_failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if cerr := application.Close(); cerr != nil {
			bootstrap.Error("app_close_failed", slog.Any("err", cerr))
		}
	}()

	logger := application.Logger()
	logger.Info("engine_boot",
		slog.String("detection_topic", cfg.DetectionTopic),
		slog.String("consumer_group", cfg.ConsumerGroup),
		slog.String("kafka_brokers", strings.Join(cfg.KafkaBrokers, ",")),
		slog.Int64("timeout_ms", cfg.TimeoutMs),
		slog.Duration("sweep_interval", cfg.SweepInterval),
		slog.String("store_dsn", cfg.StoreDSN),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		logger.Error("engine_terminated", slog.Any("err", err))
		os.Exit(1)
	}

	logger.Info("engine_stopped")
}
