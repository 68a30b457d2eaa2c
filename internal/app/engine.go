package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gridtrace/dwelltrack/internal/config"
	"github.com/gridtrace/dwelltrack/internal/engine"
	"github.com/gridtrace/dwelltrack/internal/metrics"
	"github.com/gridtrace/dwelltrack/internal/model"
	"github.com/gridtrace/dwelltrack/internal/queue"
	"github.com/gridtrace/dwelltrack/internal/store"
)

// EngineApp runs the dwell state machine: a Kafka consumer feeding the
// per-partition engine, plus the timeout sweeper running against the same
// store handle.
type EngineApp struct {
	cfg      config.Config
	logger   *slog.Logger
	logFile  *os.File
	st       *store.Store
	consumer *queue.Consumer
	eng      *engine.Engine
	sweeper  *engine.Sweeper
}

// NewEngine wires an EngineApp from cfg.
func NewEngine(cfg config.Config) (*EngineApp, error) {
	logger, lf, err := newLogger(cfg.LogFilePath, cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.StoreDSN)
	if err != nil {
		_ = closeLogFile(lf)
		return nil, err
	}

	reg := metrics.NewRegistry()
	st.Guard(newStoreBreaker(cfg, logger.With(slog.String("component", "store_breaker"))), reg)
	engCfg := engine.Config{
		Timeout:        time.Duration(cfg.TimeoutMs) * time.Millisecond,
		TimelineCap:    cfg.TimelineCap,
		RecentEventCap: cfg.RecentEventCap,
		TTL:            time.Duration(cfg.TTLStateSec) * time.Second,
		DedupWindow:    cfg.DedupWindow,
	}
	eng := engine.New(st, engCfg, reg, logger.With(slog.String("component", "engine")))
	sweeper := engine.NewSweeper(st, engCfg, cfg.SweepInterval, reg, logger.With(slog.String("component", "sweeper")))

	kcfg := kafkaConfig(cfg)
	consumer := queue.NewConsumer(cfg.KafkaBrokers, cfg.DetectionTopic, cfg.ConsumerGroup, kcfg, reg, logger.With(slog.String("component", "consumer")))

	return &EngineApp{cfg: cfg, logger: logger, logFile: lf, st: st, consumer: consumer, eng: eng, sweeper: sweeper}, nil
}

// Logger exposes the configured logger.
func (a *EngineApp) Logger() *slog.Logger { return a.logger }

// Run consumes detection messages and sweeps for stale objects concurrently
// until ctx is cancelled; the first failure cancels the other.
func (a *EngineApp) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return a.consumer.Run(groupCtx, a.handle)
	})
	group.Go(func() error {
		return a.sweeper.Run(groupCtx)
	})
	return group.Wait()
}

func (a *EngineApp) handle(ctx context.Context, msg queue.Message) error {
	var obs model.Observation
	if err := json.Unmarshal(msg.Value, &obs); err != nil {
		a.logger.Error("decode_observation_failed", slog.Any("err", err))
		return err
	}
	return a.eng.Submit(ctx, obs)
}

// Close releases the engine's workers, the consumer connection and the
// store handle.
func (a *EngineApp) Close() error {
	a.eng.Close()
	if err := a.consumer.Close(); err != nil {
		return err
	}
	if err := a.st.Close(); err != nil {
		return err
	}
	return closeLogFile(a.logFile)
}
