package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/gridtrace/dwelltrack/internal/model"
	"github.com/gridtrace/dwelltrack/internal/store"
)

// Sweeper periodically closes spans for objects not seen within the
// configured timeout, running against the same store handle the
// engine writes through.
type Sweeper struct {
	store    *store.Store
	timeout  time.Duration
	interval time.Duration
	ttl      time.Duration
	cap      int
	eventCap int
	metrics  sweepMetrics
	logger   *slog.Logger
}

type sweepMetrics interface {
	IncSweepClosed()
}

// NewSweeper constructs a Sweeper sharing cfg with the Engine it
// accompanies.
func NewSweeper(st *store.Store, cfg Config, interval time.Duration, reg sweepMetrics, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store: st, timeout: cfg.Timeout, interval: interval, ttl: cfg.TTL,
		cap: cfg.TimelineCap, eventCap: cfg.RecentEventCap, metrics: reg, logger: logger,
	}
}

// Run blocks on a fixed tick, sweeping stale objects until ctx is
// cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.sweepOnce(ctx); err != nil {
				s.logger.Error("sweeper_tick_failed", slog.Any("err", err))
			}
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) error {
	cutoff := time.Now().Add(-s.timeout).UnixMilli()
	stale, err := s.store.ListExpiredObjects(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, st := range stale {
		if err := s.closeOne(ctx, st); err != nil {
			s.logger.Error("sweeper_close_failed", slog.Any("err", err),
				slog.String("collector_id", st.CollectorID), slog.String("camera_id", st.CameraID), slog.String("object_id", st.ObjectID))
			continue
		}
		if s.metrics != nil {
			s.metrics.IncSweepClosed()
		}
	}
	return nil
}

// closeOne performs the same implicit-close action as the engine's step 3,
// then clears current_cell/enter_ts_ms without deleting the row (TTL
// handles eventual removal). accumulated_ms is left untouched: per the
// engine's implicit-close step, only transition-closed dwell accrues to
// it, while the dwell itself still lands in the cell's contribution.
func (s *Sweeper) closeOne(ctx context.Context, st model.ObjectState) error {
	dwell := st.LastSeenTsMs - st.EnterTsMs
	closed := model.ObjectState{
		CollectorID: st.CollectorID, CameraID: st.CameraID, ObjectID: st.ObjectID,
		CurrentCell: "", EnterTsMs: 0, LastSeenTsMs: st.LastSeenTsMs, AccumulatedMs: st.AccumulatedMs,
	}
	return s.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.AddContribution(ctx, st.CollectorID, st.CameraID, st.CurrentCell, st.ObjectID, dwell); err != nil {
			return err
		}
		if err := tx.AppendTimeline(ctx, st.CollectorID, st.CameraID, st.ObjectID, model.TimelineEntry{
			Type: model.TimelineLeave, CellID: st.CurrentCell, FromTsMs: st.EnterTsMs, ToTsMs: ptr(st.LastSeenTsMs),
			Meta: map[string]string{"reason": "timeout"},
		}, s.cap); err != nil {
			return err
		}
		if err := tx.UpsertObjectState(ctx, closed, s.ttl); err != nil {
			return err
		}
		return tx.PushRecentEvent(ctx, model.RecentEvent{
			Type: model.EventExit, CollectorID: st.CollectorID, CameraID: st.CameraID,
			ObjectID: st.ObjectID, CellID: st.CurrentCell, TsMs: st.LastSeenTsMs,
		}, s.eventCap)
	})
}
