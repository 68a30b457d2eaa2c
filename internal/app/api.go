package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"github.com/gridtrace/dwelltrack/internal/circuitbreaker"
	"github.com/gridtrace/dwelltrack/internal/config"
	"github.com/gridtrace/dwelltrack/internal/feedback"
	"github.com/gridtrace/dwelltrack/internal/grid"
	"github.com/gridtrace/dwelltrack/internal/httpx"
	"github.com/gridtrace/dwelltrack/internal/metrics"
	"github.com/gridtrace/dwelltrack/internal/query"
	"github.com/gridtrace/dwelltrack/internal/queue"
	"github.com/gridtrace/dwelltrack/internal/store"
)

// APIApp runs the Query API and the Feedback Processor behind one HTTP
// server, plus an optional consumer applying feedback operations arriving
// over the feedback.updates topic rather than the direct HTTP call path.
type APIApp struct {
	cfg      config.Config
	logger   *slog.Logger
	logFile  *os.File
	st       *store.Store
	server   *http.Server
	consumer *queue.Consumer
	proc     *feedback.Processor
	breaker  *circuitbreaker.Breaker
}

// NewAPI wires an APIApp from cfg.
func NewAPI(cfg config.Config) (*APIApp, error) {
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
	g := grid.New(cfg.GridW, cfg.GridH)

	breaker := newStoreBreaker(cfg, logger.With(slog.String("component", "store_breaker")))
	st.Guard(breaker, reg)

	svc := query.New(st, g)
	fbCfg := feedback.Config{TimelineCap: cfg.TimelineCap, TTL: time.Duration(cfg.TTLStateSec) * time.Second}
	proc := feedback.New(st, fbCfg, g, reg)

	app := &APIApp{cfg: cfg, logger: logger, logFile: lf, st: st, proc: proc, breaker: breaker}

	queryHandlers := query.NewHandlers(svc, reg, app, logger.With(slog.String("component", "query")))
	feedbackHandlers := feedback.NewHandlers(proc)

	r := mux.NewRouter()
	queryHandlers.Register(r)
	feedbackHandlers.Register(r)

	var rootHandler http.Handler = r
	rootHandler = httpx.WithDeadline(cfg.RequestDeadline, rootHandler)
	rootHandler = httpx.WithLogging(logger, rootHandler)

	app.server = &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           rootHandler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		ReadHeaderTimeout: cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPWriteTimeout,
	}

	if len(cfg.FeedbackTopic) > 0 {
		kcfg := kafkaConfig(cfg)
		app.consumer = queue.NewConsumer(cfg.KafkaBrokers, cfg.FeedbackTopic, cfg.ConsumerGroup+"-feedback", kcfg, reg, logger.With(slog.String("component", "feedback_consumer")))
	}

	return app, nil
}

// Logger exposes the configured logger.
func (a *APIApp) Logger() *slog.Logger { return a.logger }

// BreakerState implements query.StatusProvider, reporting the live state
// of the store's write-path breaker.
func (a *APIApp) BreakerState() string {
	if a.breaker == nil {
		return "disabled"
	}
	return a.breaker.State().String()
}

// FeedbackConsumerEnabled implements query.StatusProvider.
func (a *APIApp) FeedbackConsumerEnabled() bool { return a.consumer != nil }

// feedbackMessage is the wire shape for an asynchronous feedback operation
// delivered over the feedback.updates topic, mirroring the request bodies
// the direct-call HTTP handlers accept.
type feedbackMessage struct {
	Op            string `json:"op"`
	CollectorID   string `json:"collector_id"`
	CameraID      string `json:"camera_id"`
	ObjectID      string `json:"object_id"`
	OldObjectID   string `json:"old_object_id"`
	NewObjectID   string `json:"new_object_id"`
	FrameTsMs     int64  `json:"frame_ts_ms"`
	CorrectCellID string `json:"correct_cell_id"`
	FromTsMs      int64  `json:"from_ts_ms"`
	ToTsMs        int64  `json:"to_ts_ms"`
	CellID        string `json:"cell_id"`
}

func (a *APIApp) handleFeedback(ctx context.Context, msg queue.Message) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.RequestDeadline)
	defer cancel()
	var fm feedbackMessage
	if err := json.Unmarshal(msg.Value, &fm); err != nil {
		a.logger.Error("decode_feedback_message_failed", slog.Any("err", err))
		return err
	}
	switch fm.Op {
	case "relabel":
		return a.proc.Relabel(ctx, fm.CollectorID, fm.CameraID, fm.OldObjectID, fm.NewObjectID)
	case "correct_cell":
		_, err := a.proc.CorrectCell(ctx, fm.CollectorID, fm.CameraID, fm.ObjectID, fm.FrameTsMs, fm.CorrectCellID)
		return err
	case "delete_span":
		return a.proc.DeleteSpan(ctx, fm.CollectorID, fm.CameraID, fm.ObjectID, fm.FromTsMs, fm.ToTsMs, fm.CellID)
	default:
		a.logger.Warn("unknown_feedback_op", slog.String("op", fm.Op))
		return nil
	}
}

// Run serves the HTTP API and, when configured, drains the feedback topic
// concurrently until ctx is cancelled.
func (a *APIApp) Run(ctx context.Context) error {
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
		return a.server.Shutdown(shutdownCtx)
	})
	if a.consumer != nil {
		group.Go(func() error {
			return a.consumer.Run(groupCtx, a.handleFeedback)
		})
	}
	return group.Wait()
}

// Close releases the store handle, the feedback consumer (if any) and the
// log file.
func (a *APIApp) Close() error {
	if a.consumer != nil {
		if err := a.consumer.Close(); err != nil {
			return err
		}
	}
	if err := a.st.Close(); err != nil {
		return err
	}
	return closeLogFile(a.logFile)
}
