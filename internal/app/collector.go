// Package app wires configuration, logging, storage, transport and HTTP
// into the three deployable binaries (collector, engine, api), each exposed
// as a New/Run/Close application struct.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gridtrace/dwelltrack/internal/circuitbreaker"
	"github.com/gridtrace/dwelltrack/internal/config"
	"github.com/gridtrace/dwelltrack/internal/grid"
	"github.com/gridtrace/dwelltrack/internal/httpx"
	"github.com/gridtrace/dwelltrack/internal/metrics"
	"github.com/gridtrace/dwelltrack/internal/normalize"
	"github.com/gridtrace/dwelltrack/internal/queue"
)

// CollectorApp runs the ingress HTTP endpoint that normalizes inbound
// detection frames and publishes one message per object to the detection
// topic.
type CollectorApp struct {
	cfg      config.Config
	logger   *slog.Logger
	logFile  *os.File
	server   *http.Server
	producer *queue.Producer
	metrics  *metrics.Registry
}

// NewCollector wires a CollectorApp from cfg.
func NewCollector(cfg config.Config) (*CollectorApp, error) {
	logger, lf, err := newLogger(cfg.LogFilePath, cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	reg := metrics.NewRegistry()
	g := grid.New(cfg.GridW, cfg.GridH)

	kcfg := kafkaConfig(cfg)
	producer := queue.NewProducer(cfg.KafkaBrokers, cfg.DetectionTopic, kcfg, logger.With(slog.String("component", "producer")))

	handler := normalize.NewHandler(g, producer, reg, logger.With(slog.String("component", "ingress")))
	mux := http.NewServeMux()
	mux.HandleFunc("/frames", httpx.Method(http.MethodPost, handler.ServeHTTP))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = w.Write([]byte(reg.Render()))
	})

	var rootHandler http.Handler = mux
	rootHandler = httpx.WithDeadline(cfg.RequestDeadline, rootHandler)
	rootHandler = httpx.WithLogging(logger, rootHandler)

	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           rootHandler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		ReadHeaderTimeout: cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPWriteTimeout,
	}

	return &CollectorApp{cfg: cfg, logger: logger, logFile: lf, server: server, producer: producer, metrics: reg}, nil
}

// Logger exposes the configured logger.
func (a *CollectorApp) Logger() *slog.Logger { return a.logger }

// Run blocks serving HTTP until ctx is cancelled, then drains gracefully.
func (a *CollectorApp) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		a.logger.Info("http_server_listen", slog.String("address", a.cfg.ListenAddress))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	})
	return group.Wait()
}

// Close releases the producer's Kafka connection and the log file.
func (a *CollectorApp) Close() error {
	if err := a.producer.Close(); err != nil {
		return err
	}
	return closeLogFile(a.logFile)
}

func kafkaConfig(cfg config.Config) circuitbreaker.KafkaConfig {
	return circuitbreaker.KafkaConfig{
		Enabled:      cfg.CBEnabled,
		MaxFailures:  cfg.CBMaxFailures,
		ResetTimeout: time.Duration(cfg.CBResetSeconds * float64(time.Second)),
		Timeout:      time.Duration(cfg.CBTimeoutMs) * time.Millisecond,
		Backoff:      time.Duration(cfg.CBBackoffMs) * time.Millisecond,
	}
}

// newStoreBreaker builds the breaker guarding the store's write path, or
// nil when breaker protection is disabled.
func newStoreBreaker(cfg config.Config, logger *slog.Logger) *circuitbreaker.Breaker {
	if !cfg.CBEnabled {
		return nil
	}
	return circuitbreaker.New("store", circuitbreaker.Config{
		MaxFailures:  cfg.CBMaxFailures,
		ResetTimeout: time.Duration(cfg.CBResetSeconds * float64(time.Second)),
	}, logger, nil)
}
