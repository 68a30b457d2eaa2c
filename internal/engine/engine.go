// Package engine implements the dwell-time state machine: a cooperative
// consumer loop per (collector, camera) partition that applies
// observations to object state, cell contributions and timelines.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gridtrace/dwelltrack/internal/metrics"
	"github.com/gridtrace/dwelltrack/internal/model"
	"github.com/gridtrace/dwelltrack/internal/store"
)

// Config carries the engine's tunables.
type Config struct {
	Timeout        time.Duration
	TimelineCap    int
	RecentEventCap int
	TTL            time.Duration
	DedupWindow    int
	QueueDepth     int
}

// Engine routes observations to per-partition workers and applies the
// dwell state machine against the State Store.
type Engine struct {
	store   *store.Store
	cfg     Config
	metrics *metrics.Registry
	logger  *slog.Logger

	mu       sync.Mutex
	workers  map[string]*partitionWorker
	wg       sync.WaitGroup
	shutdown chan struct{}
}

type partitionWorker struct {
	jobs chan job
}

type job struct {
	obs    model.Observation
	result chan error
}

// New constructs an Engine bound to store.
func New(st *store.Store, cfg Config, reg *metrics.Registry, logger *slog.Logger) *Engine {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 64
	}
	return &Engine{
		store:    st,
		cfg:      cfg,
		metrics:  reg,
		logger:   logger,
		workers:  make(map[string]*partitionWorker),
		shutdown: make(chan struct{}),
	}
}

// Submit routes obs to its partition's worker and blocks until it has been
// applied (or failed), so callers can decide whether to commit redelivery
// offsets.
func (e *Engine) Submit(ctx context.Context, obs model.Observation) error {
	w := e.workerFor(obs.PartitionKey())
	result := make(chan error, 1)
	select {
	case w.jobs <- job{obs: obs, result: result}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) workerFor(partitionKey string) *partitionWorker {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.workers[partitionKey]
	if ok {
		return w
	}
	w = &partitionWorker{jobs: make(chan job, e.cfg.QueueDepth)}
	e.workers[partitionKey] = w
	e.wg.Add(1)
	go e.runWorker(partitionKey, w)
	return w
}

func (e *Engine) runWorker(partitionKey string, w *partitionWorker) {
	defer e.wg.Done()
	seen := newLRUSet(e.cfg.DedupWindow)
	logger := e.logger.With(slog.String("partition", partitionKey))
	for {
		select {
		case j := <-w.jobs:
			j.result <- e.apply(context.Background(), seen, j.obs, logger)
		case <-e.shutdown:
			return
		}
	}
}

// Close signals every partition worker to stop accepting new work and
// waits for in-flight observations to finish.
func (e *Engine) Close() {
	close(e.shutdown)
	e.wg.Wait()
}

// apply executes the five-step dwell algorithm for one observation. The
// dedup set is only updated after the corresponding store write succeeds,
// so a failed persist leaves the event unmarked and eligible for retry on
// redelivery.
func (e *Engine) apply(ctx context.Context, seen *lruSet, obs model.Observation, logger *slog.Logger) error {
	// Step 1: deduplicate.
	if seen.Contains(obs.EventID) {
		e.metrics.IncObservation("duplicate")
		return nil
	}

	prior, found, err := e.store.GetObjectState(ctx, obs.CollectorID, obs.CameraID, obs.ObjectID)
	if err != nil {
		return err
	}

	if !found {
		if err := e.firstSighting(ctx, obs); err != nil {
			return err
		}
		seen.Add(obs.EventID)
		e.metrics.IncObservation("applied")
		return nil
	}

	// Ordering policy: reject observations behind the partition watermark.
	if obs.TsMs < prior.LastSeenTsMs {
		seen.Add(obs.EventID)
		e.metrics.IncObservation("out_of_order")
		logger.Warn("observation_out_of_order",
			slog.String("object_id", obs.ObjectID), slog.Int64("ts_ms", obs.TsMs), slog.Int64("last_seen_ms", prior.LastSeenTsMs))
		return nil
	}

	// The object has state (history, accumulated_ms) but no open span —
	// the sweeper or a prior timeout already closed it. There is nothing
	// to implicitly close; this is a fresh enter that preserves history.
	if !prior.IsOpen() {
		if err := e.reenter(ctx, prior, obs); err != nil {
			return err
		}
		seen.Add(obs.EventID)
		e.metrics.IncObservation("applied")
		return nil
	}

	gap := time.Duration(obs.TsMs-prior.LastSeenTsMs) * time.Millisecond
	if gap > e.cfg.Timeout {
		if err := e.implicitCloseThenReenter(ctx, prior, obs); err != nil {
			return err
		}
		seen.Add(obs.EventID)
		e.metrics.IncObservation("applied")
		return nil
	}

	if prior.CurrentCell == obs.GridCellID {
		if err := e.sameCellTick(ctx, prior, obs); err != nil {
			return err
		}
		seen.Add(obs.EventID)
		e.metrics.IncObservation("applied")
		return nil
	}

	if err := e.transition(ctx, prior, obs); err != nil {
		return err
	}
	seen.Add(obs.EventID)
	e.metrics.IncObservation("applied")
	return nil
}

// firstSighting implements step 2.
func (e *Engine) firstSighting(ctx context.Context, obs model.Observation) error {
	st := model.ObjectState{
		CollectorID: obs.CollectorID, CameraID: obs.CameraID, ObjectID: obs.ObjectID,
		CurrentCell: obs.GridCellID, EnterTsMs: obs.TsMs, LastSeenTsMs: obs.TsMs, AccumulatedMs: 0,
	}
	return e.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.UpsertObjectState(ctx, st, e.cfg.TTL); err != nil {
			return err
		}
		if err := tx.AppendTimeline(ctx, obs.CollectorID, obs.CameraID, obs.ObjectID,
			model.TimelineEntry{Type: model.TimelineEnter, CellID: obs.GridCellID, FromTsMs: obs.TsMs}, e.cfg.TimelineCap); err != nil {
			return err
		}
		return tx.PushRecentEvent(ctx, model.RecentEvent{
			Type: model.EventEnter, CollectorID: obs.CollectorID, CameraID: obs.CameraID,
			ObjectID: obs.ObjectID, CellID: obs.GridCellID, TsMs: obs.TsMs,
		}, e.cfg.RecentEventCap)
	})
}

// reenter opens a fresh span for an object that has history but no
// currently open span (its last span was already closed by an implicit
// close or the sweeper). accumulated_ms carries forward unchanged.
func (e *Engine) reenter(ctx context.Context, prior model.ObjectState, obs model.Observation) error {
	st := model.ObjectState{
		CollectorID: obs.CollectorID, CameraID: obs.CameraID, ObjectID: obs.ObjectID,
		CurrentCell: obs.GridCellID, EnterTsMs: obs.TsMs, LastSeenTsMs: obs.TsMs, AccumulatedMs: prior.AccumulatedMs,
	}
	return e.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.UpsertObjectState(ctx, st, e.cfg.TTL); err != nil {
			return err
		}
		if err := tx.AppendTimeline(ctx, obs.CollectorID, obs.CameraID, obs.ObjectID,
			model.TimelineEntry{Type: model.TimelineEnter, CellID: obs.GridCellID, FromTsMs: obs.TsMs}, e.cfg.TimelineCap); err != nil {
			return err
		}
		return tx.PushRecentEvent(ctx, model.RecentEvent{
			Type: model.EventEnter, CollectorID: obs.CollectorID, CameraID: obs.CameraID,
			ObjectID: obs.ObjectID, CellID: obs.GridCellID, TsMs: obs.TsMs,
		}, e.cfg.RecentEventCap)
	})
}

// implicitCloseThenReenter implements step 3: close the stale span at
// last_seen_ts_ms, then treat obs as a first sighting after the gap,
// preserving accumulated_ms.
func (e *Engine) implicitCloseThenReenter(ctx context.Context, prior model.ObjectState, obs model.Observation) error {
	dwell := prior.LastSeenTsMs - prior.EnterTsMs
	newState := model.ObjectState{
		CollectorID: obs.CollectorID, CameraID: obs.CameraID, ObjectID: obs.ObjectID,
		CurrentCell: obs.GridCellID, EnterTsMs: obs.TsMs, LastSeenTsMs: obs.TsMs,
		AccumulatedMs: prior.AccumulatedMs,
	}
	return e.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.AddContribution(ctx, obs.CollectorID, obs.CameraID, prior.CurrentCell, obs.ObjectID, dwell); err != nil {
			return err
		}
		if err := tx.AppendTimeline(ctx, obs.CollectorID, obs.CameraID, obs.ObjectID, model.TimelineEntry{
			Type: model.TimelineLeave, CellID: prior.CurrentCell, FromTsMs: prior.EnterTsMs, ToTsMs: ptr(prior.LastSeenTsMs),
			Meta: map[string]string{"reason": "timeout"},
		}, e.cfg.TimelineCap); err != nil {
			return err
		}
		if err := tx.UpsertObjectState(ctx, newState, e.cfg.TTL); err != nil {
			return err
		}
		if err := tx.AppendTimeline(ctx, obs.CollectorID, obs.CameraID, obs.ObjectID,
			model.TimelineEntry{Type: model.TimelineEnter, CellID: obs.GridCellID, FromTsMs: obs.TsMs}, e.cfg.TimelineCap); err != nil {
			return err
		}
		return tx.PushRecentEvent(ctx, model.RecentEvent{
			Type: model.EventEnter, CollectorID: obs.CollectorID, CameraID: obs.CameraID,
			ObjectID: obs.ObjectID, CellID: obs.GridCellID, TsMs: obs.TsMs,
		}, e.cfg.RecentEventCap)
	})
}

// sameCellTick implements step 4.
func (e *Engine) sameCellTick(ctx context.Context, prior model.ObjectState, obs model.Observation) error {
	prior.LastSeenTsMs = obs.TsMs
	return e.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.UpsertObjectState(ctx, prior, e.cfg.TTL); err != nil {
			return err
		}
		return tx.PushRecentEvent(ctx, model.RecentEvent{
			Type: model.EventMove, CollectorID: obs.CollectorID, CameraID: obs.CameraID,
			ObjectID: obs.ObjectID, CellID: obs.GridCellID, TsMs: obs.TsMs,
		}, e.cfg.RecentEventCap)
	})
}

// transition implements step 5: dwell is closed on the new observation's
// timestamp, not on last_seen_ts_ms, so contiguous tracks account for
// every millisecond.
func (e *Engine) transition(ctx context.Context, prior model.ObjectState, obs model.Observation) error {
	dwell := obs.TsMs - prior.EnterTsMs
	newState := model.ObjectState{
		CollectorID: obs.CollectorID, CameraID: obs.CameraID, ObjectID: obs.ObjectID,
		CurrentCell: obs.GridCellID, EnterTsMs: obs.TsMs, LastSeenTsMs: obs.TsMs,
		AccumulatedMs: prior.AccumulatedMs + dwell,
	}
	return e.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.AddContribution(ctx, obs.CollectorID, obs.CameraID, prior.CurrentCell, obs.ObjectID, dwell); err != nil {
			return err
		}
		if err := tx.AppendTimeline(ctx, obs.CollectorID, obs.CameraID, obs.ObjectID, model.TimelineEntry{
			Type: model.TimelineLeave, CellID: prior.CurrentCell, FromTsMs: prior.EnterTsMs, ToTsMs: ptr(obs.TsMs),
		}, e.cfg.TimelineCap); err != nil {
			return err
		}
		if err := tx.UpsertObjectState(ctx, newState, e.cfg.TTL); err != nil {
			return err
		}
		if err := tx.AppendTimeline(ctx, obs.CollectorID, obs.CameraID, obs.ObjectID,
			model.TimelineEntry{Type: model.TimelineEnter, CellID: obs.GridCellID, FromTsMs: obs.TsMs}, e.cfg.TimelineCap); err != nil {
			return err
		}
		if err := tx.PushRecentEvent(ctx, model.RecentEvent{
			Type: model.EventExit, CollectorID: obs.CollectorID, CameraID: obs.CameraID,
			ObjectID: obs.ObjectID, CellID: prior.CurrentCell, TsMs: obs.TsMs,
		}, e.cfg.RecentEventCap); err != nil {
			return err
		}
		return tx.PushRecentEvent(ctx, model.RecentEvent{
			Type: model.EventEnter, CollectorID: obs.CollectorID, CameraID: obs.CameraID,
			ObjectID: obs.ObjectID, CellID: obs.GridCellID, TsMs: obs.TsMs,
		}, e.cfg.RecentEventCap)
	})
}

func ptr(v int64) *int64 { return &v }
