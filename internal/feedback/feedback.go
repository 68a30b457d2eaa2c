// Package feedback implements the three human-in-the-loop corrections —
// relabel, correct_cell, delete_span — each applied atomically across
// object state, cell contributions and the timeline via store.WithTx.
package feedback

import (
	"context"
	"strconv"
	"time"

	"github.com/gridtrace/dwelltrack/internal/grid"
	"github.com/gridtrace/dwelltrack/internal/metrics"
	"github.com/gridtrace/dwelltrack/internal/model"
	"github.com/gridtrace/dwelltrack/internal/store"
)

// Config carries the feedback processor's tunables.
type Config struct {
	TimelineCap int
	TTL         time.Duration
	// SubtractOnDelete controls whether delete_span also reverses the
	// span's contribution to its cell aggregate. Audit-only by default;
	// operators needing aggregates to reflect deleted false positives can
	// turn it on.
	SubtractOnDelete bool
}

// Processor applies feedback operations against the State Store. Cell ids
// arriving in feedback payloads are validated against the configured grid
// before any state is touched.
type Processor struct {
	store   *store.Store
	cfg     Config
	grid    grid.Grid
	metrics *metrics.Registry
	now     func() int64
}

// New constructs a Processor. now defaults to the wall clock; tests may
// override it for deterministic open-dwell scenarios.
func New(st *store.Store, cfg Config, g grid.Grid, reg *metrics.Registry) *Processor {
	return &Processor{store: st, cfg: cfg, grid: g, metrics: reg, now: func() int64 { return time.Now().UnixMilli() }}
}

// Relabel moves oldID's state, every cell contribution and timeline to
// newID, carrying forward any open-span dwell as a closed contribution
// under the new id.
func (p *Processor) Relabel(ctx context.Context, collectorID, cameraID, oldID, newID string) error {
	err := p.store.WithTx(ctx, func(tx *store.Tx) error {
		st, found, err := tx.GetObjectState(ctx, collectorID, cameraID, oldID)
		if err != nil {
			return err
		}
		if !found {
			return model.Coded(model.ErrNotFound, "object state not found", nil)
		}
		if _, exists, err := tx.GetObjectState(ctx, collectorID, cameraID, newID); err != nil {
			return err
		} else if exists {
			return model.Coded(model.ErrConflict, "relabel target already exists", nil)
		}

		newState := st
		newState.ObjectID = newID
		if err := tx.UpsertObjectState(ctx, newState, p.cfg.TTL); err != nil {
			return err
		}
		if err := tx.DeleteObjectState(ctx, collectorID, cameraID, oldID); err != nil {
			return err
		}

		// The whole contribution footprint follows the new id; the open
		// span is closed at now and credited under the new id as well.
		if err := tx.MoveContributions(ctx, collectorID, cameraID, oldID, newID); err != nil {
			return err
		}
		if st.IsOpen() {
			openDwell := p.now() - st.EnterTsMs
			if err := tx.AddContribution(ctx, collectorID, cameraID, st.CurrentCell, newID, openDwell); err != nil {
				return err
			}
		}

		if err := p.moveTimeline(ctx, tx, collectorID, cameraID, oldID, newID); err != nil {
			return err
		}

		return tx.AppendFeedbackAudit(ctx, model.FeedbackAudit{
			Op: model.FeedbackRelabel,
			Payload: map[string]string{
				"collector_id": collectorID, "camera_id": cameraID, "old_object_id": oldID, "new_object_id": newID,
			},
			TsMs: p.now(),
		})
	})
	if err != nil {
		p.metrics.IncFeedbackError(string(model.FeedbackRelabel))
		return err
	}
	p.metrics.IncFeedback(string(model.FeedbackRelabel))
	return nil
}

func (p *Processor) moveTimeline(ctx context.Context, tx *store.Tx, collectorID, cameraID, oldID, newID string) error {
	entries, err := tx.ListTimeline(ctx, collectorID, cameraID, oldID)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := tx.AppendTimeline(ctx, collectorID, cameraID, newID, entry, p.cfg.TimelineCap); err != nil {
			return err
		}
	}
	return tx.DeleteTimeline(ctx, collectorID, cameraID, oldID)
}

// CorrectCellResult distinguishes an applied correction from a no-op when
// the requested cell already matches the object's current cell.
type CorrectCellResult string

const (
	CorrectCellApplied  CorrectCellResult = "APPLIED"
	CorrectCellNoChange CorrectCellResult = "NO_CHANGE"
)

// CorrectCell retroactively fixes the object's current cell without
// touching accumulated_ms.
func (p *Processor) CorrectCell(ctx context.Context, collectorID, cameraID, objectID string, frameTsMs int64, correctCellID string) (CorrectCellResult, error) {
	if err := p.grid.Validate(correctCellID); err != nil {
		return "", model.Coded(model.ErrInvalidPayload, "invalid correct_cell_id", err)
	}

	var result CorrectCellResult
	err := p.store.WithTx(ctx, func(tx *store.Tx) error {
		st, found, err := tx.GetObjectState(ctx, collectorID, cameraID, objectID)
		if err != nil {
			return err
		}
		if !found {
			return model.Coded(model.ErrNotFound, "object state not found", nil)
		}
		if st.CurrentCell == correctCellID {
			result = CorrectCellNoChange
			return nil
		}
		result = CorrectCellApplied

		originalCell := st.CurrentCell
		if st.IsOpen() {
			if err := tx.RemoveContribution(ctx, collectorID, cameraID, st.CurrentCell, objectID); err != nil {
				return err
			}
			if err := tx.AppendTimeline(ctx, collectorID, cameraID, objectID, model.TimelineEntry{
				Type: model.TimelineCorrect, CellID: st.CurrentCell, FromTsMs: st.EnterTsMs, ToTsMs: ptr(frameTsMs),
				Meta: map[string]string{"original": originalCell, "corrected": correctCellID},
			}, p.cfg.TimelineCap); err != nil {
				return err
			}
		}

		st.CurrentCell = correctCellID
		st.EnterTsMs = frameTsMs
		st.LastSeenTsMs = frameTsMs
		if err := tx.UpsertObjectState(ctx, st, p.cfg.TTL); err != nil {
			return err
		}

		if err := tx.AppendTimeline(ctx, collectorID, cameraID, objectID, model.TimelineEntry{
			Type: model.TimelineEnter, CellID: correctCellID, FromTsMs: frameTsMs,
			Meta: map[string]string{"reason": "correction"},
		}, p.cfg.TimelineCap); err != nil {
			return err
		}

		return tx.AppendFeedbackAudit(ctx, model.FeedbackAudit{
			Op: model.FeedbackCorrectCell,
			Payload: map[string]string{
				"collector_id": collectorID, "camera_id": cameraID, "object_id": objectID,
				"original_cell": originalCell, "corrected_cell": correctCellID,
			},
			TsMs: p.now(),
		})
	})
	if err != nil {
		p.metrics.IncFeedbackError(string(model.FeedbackCorrectCell))
		return "", err
	}
	p.metrics.IncFeedback(string(model.FeedbackCorrectCell))
	return result, nil
}

// DeleteSpan records an audit-trail removal of a false-positive span.
// Whether this also reverses the aggregate contribution is governed by
// Config.SubtractOnDelete.
func (p *Processor) DeleteSpan(ctx context.Context, collectorID, cameraID, objectID string, fromTsMs, toTsMs int64, cellID string) error {
	if fromTsMs >= toTsMs {
		return model.Coded(model.ErrInvalidSpan, "from_ts_ms must be before to_ts_ms", nil)
	}
	if cellID != "" {
		if err := p.grid.Validate(cellID); err != nil {
			return model.Coded(model.ErrInvalidSpan, "invalid cell_id", err)
		}
	}
	durationMs := toTsMs - fromTsMs

	err := p.store.WithTx(ctx, func(tx *store.Tx) error {
		if p.cfg.SubtractOnDelete && cellID != "" {
			if err := tx.RemoveContribution(ctx, collectorID, cameraID, cellID, objectID); err != nil {
				return err
			}
		}
		if err := tx.AppendTimeline(ctx, collectorID, cameraID, objectID, model.TimelineEntry{
			Type: model.TimelineDelete, CellID: "deleted", FromTsMs: fromTsMs, ToTsMs: ptr(toTsMs),
			Meta: map[string]string{"reason": "false_positive_removal", "duration_ms": itoa(durationMs)},
		}, p.cfg.TimelineCap); err != nil {
			return err
		}
		return tx.AppendFeedbackAudit(ctx, model.FeedbackAudit{
			Op: model.FeedbackDeleteSpan,
			Payload: map[string]string{
				"collector_id": collectorID, "camera_id": cameraID, "object_id": objectID,
				"from_ts_ms": itoa(fromTsMs), "to_ts_ms": itoa(toTsMs),
			},
			TsMs: p.now(),
		})
	})
	if err != nil {
		p.metrics.IncFeedbackError(string(model.FeedbackDeleteSpan))
		return err
	}
	p.metrics.IncFeedback(string(model.FeedbackDeleteSpan))
	return nil
}

func ptr(v int64) *int64 { return &v }

func itoa(v int64) string { return strconv.FormatInt(v, 10) }
