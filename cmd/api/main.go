package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gridtrace/dwelltrack/internal/app"
	"github.com/gridtrace/dwelltrack/internal/config"
)

func main() {
	bootstrap := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load("API", ":8090")
	if err != nil {
		bootstrap.Error("config_load_failed", slog.Any("err", err))
		os.Exit(1)
	}

	application, err := app.NewAPI(cfg)
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
	logger.Info("api_boot",
		slog.String("listen_address", cfg.ListenAddress),
		slog.String("store_dsn", cfg.StoreDSN),
		slog.String("feedback_topic", cfg.FeedbackTopic),
		slog.Bool("feedback_consumer_enabled", application.FeedbackConsumerEnabled()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		logger.Error("api_terminated", slog.Any("err", err))
		os.Exit(1)
	}

	logger.Info("api_stopped")
}
