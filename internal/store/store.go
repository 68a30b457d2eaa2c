// Package store persists object state, per-cell contributions (from which
// cell aggregates are derived on read), timelines, recent events and the
// feedback audit log on top of modernc.org/sqlite (pure Go,
// no cgo). Cross-key atomicity for the feedback processor is provided by
// WithTx.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gridtrace/dwelltrack/internal/circuitbreaker"
	"github.com/gridtrace/dwelltrack/internal/model"
)

// Store wraps a *sql.DB opened against the configured DSN. Its write path
// can be guarded by a circuit breaker and report telemetry via Guard.
type Store struct {
	db      *sql.DB
	breaker *circuitbreaker.Breaker
	tele    Telemetry
}

// Telemetry receives the store's operational signals: write latency and
// whether the write-path breaker is currently open.
type Telemetry interface {
	ObserveStoreLatency(sec float64)
	SetBreakerOpen(open bool)
}

// Open opens (creating if necessary) the sqlite-backed store at dsn and
// applies the schema.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite writer serialization; avoids SQLITE_BUSY under concurrent workers
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Guard wires breaker protection and telemetry around the store's write
// path. Either argument may be nil. Reads stay unguarded: a degraded store
// should fast-fail writes while queries keep answering from whatever is
// reachable.
func (s *Store) Guard(b *circuitbreaker.Breaker, tele Telemetry) {
	s.breaker = b
	s.tele = tele
}

// write runs op through the breaker (when configured), records its latency
// and maps a fast-failed call to ERR_STORE_UNAVAILABLE.
func (s *Store) write(ctx context.Context, label string, op func(ctx context.Context) error) error {
	start := time.Now()
	var err error
	if s.breaker != nil {
		err = s.breaker.Execute(ctx, op)
	} else {
		err = op(ctx)
	}
	if s.tele != nil {
		s.tele.ObserveStoreLatency(time.Since(start).Seconds())
		if s.breaker != nil {
			s.tele.SetBreakerOpen(s.breaker.State() == circuitbreaker.Open)
		}
	}
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return model.Coded(model.ErrStoreUnavailable, label, err)
	}
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx, letting every method
// below run either standalone or inside a WithTx closure.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Tx exposes the same operations as Store, scoped to a single transaction.
type Tx struct {
	q querier
}

// WithTx runs fn inside a single sqlite transaction, committing on success
// and rolling back if fn (or the commit) fails. This is the only place the
// feedback processor mutates state, so relabel/correct_cell/delete_span are
// atomic across the object_state, contributions, timeline and
// feedback_audit tables.
//
// Domain errors returned by fn (not-found, conflict) roll the transaction
// back but do not count against the write-path breaker; only store-level
// failures do.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	var domainErr error
	err := s.write(ctx, "transaction", func(ctx context.Context) error {
		sqlTx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return model.Coded(model.ErrStoreUnavailable, "begin transaction", err)
		}
		if err := fn(&Tx{q: sqlTx}); err != nil {
			_ = sqlTx.Rollback()
			if model.CodeOf(err) == model.ErrStoreUnavailable {
				return err
			}
			domainErr = err
			return nil
		}
		if err := sqlTx.Commit(); err != nil {
			return model.Coded(model.ErrStoreUnavailable, "commit transaction", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return domainErr
}

func (s *Store) q() querier { return s.db }

// ---- object_state ----

// GetObjectState returns the live object state, honoring TTL: a row whose
// expires_at_ms has passed is treated as absent (lazy expiry, no background
// compaction).
func (s *Store) GetObjectState(ctx context.Context, collectorID, cameraID, objectID string) (model.ObjectState, bool, error) {
	return getObjectState(ctx, s.q(), collectorID, cameraID, objectID)
}

func (tx *Tx) GetObjectState(ctx context.Context, collectorID, cameraID, objectID string) (model.ObjectState, bool, error) {
	return getObjectState(ctx, tx.q, collectorID, cameraID, objectID)
}

func getObjectState(ctx context.Context, q querier, collectorID, cameraID, objectID string) (model.ObjectState, bool, error) {
	row := q.QueryRowContext(ctx, `SELECT current_cell, enter_ts_ms, last_seen_ms, accumulated_ms, expires_at_ms
		FROM object_state WHERE collector_id = ? AND camera_id = ? AND object_id = ?`, collectorID, cameraID, objectID)
	var st model.ObjectState
	var expiresAt int64
	if err := row.Scan(&st.CurrentCell, &st.EnterTsMs, &st.LastSeenTsMs, &st.AccumulatedMs, &expiresAt); err != nil {
		if err == sql.ErrNoRows {
			return model.ObjectState{}, false, nil
		}
		return model.ObjectState{}, false, model.Coded(model.ErrStoreUnavailable, "get object state", err)
	}
	if expiresAt <= nowMs() {
		return model.ObjectState{}, false, nil
	}
	st.CollectorID, st.CameraID, st.ObjectID = collectorID, cameraID, objectID
	return st, true, nil
}

// UpsertObjectState writes the full object state, refreshing its TTL to
// nowMs()+ttl.
func (s *Store) UpsertObjectState(ctx context.Context, st model.ObjectState, ttl time.Duration) error {
	return s.write(ctx, "upsert object state", func(ctx context.Context) error {
		return upsertObjectState(ctx, s.q(), st, ttl)
	})
}

func (tx *Tx) UpsertObjectState(ctx context.Context, st model.ObjectState, ttl time.Duration) error {
	return upsertObjectState(ctx, tx.q, st, ttl)
}

func upsertObjectState(ctx context.Context, q querier, st model.ObjectState, ttl time.Duration) error {
	expiresAt := nowMs() + ttl.Milliseconds()
	_, err := q.ExecContext(ctx, `INSERT INTO object_state
		(collector_id, camera_id, object_id, current_cell, enter_ts_ms, last_seen_ms, accumulated_ms, expires_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (collector_id, camera_id, object_id) DO UPDATE SET
			current_cell = excluded.current_cell,
			enter_ts_ms = excluded.enter_ts_ms,
			last_seen_ms = excluded.last_seen_ms,
			accumulated_ms = excluded.accumulated_ms,
			expires_at_ms = excluded.expires_at_ms`,
		st.CollectorID, st.CameraID, st.ObjectID, st.CurrentCell, st.EnterTsMs, st.LastSeenTsMs, st.AccumulatedMs, expiresAt)
	if err != nil {
		return model.Coded(model.ErrStoreUnavailable, "upsert object state", err)
	}
	return nil
}

// DeleteObjectState removes the object's live state row (used by relabel
// to drop the old id's state once it has been copied to the new id).
func (s *Store) DeleteObjectState(ctx context.Context, collectorID, cameraID, objectID string) error {
	return s.write(ctx, "delete object state", func(ctx context.Context) error {
		return deleteObjectState(ctx, s.q(), collectorID, cameraID, objectID)
	})
}

func (tx *Tx) DeleteObjectState(ctx context.Context, collectorID, cameraID, objectID string) error {
	return deleteObjectState(ctx, tx.q, collectorID, cameraID, objectID)
}

func deleteObjectState(ctx context.Context, q querier, collectorID, cameraID, objectID string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM object_state WHERE collector_id = ? AND camera_id = ? AND object_id = ?`,
		collectorID, cameraID, objectID)
	if err != nil {
		return model.Coded(model.ErrStoreUnavailable, "delete object state", err)
	}
	return nil
}

// ListActiveObjects lists every non-expired object currently tracked for a
// collector/camera pair.
func (s *Store) ListActiveObjects(ctx context.Context, collectorID, cameraID string) ([]model.ObjectState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT object_id, current_cell, enter_ts_ms, last_seen_ms, accumulated_ms
		FROM object_state WHERE collector_id = ? AND camera_id = ? AND expires_at_ms > ?`, collectorID, cameraID, nowMs())
	if err != nil {
		return nil, model.Coded(model.ErrStoreUnavailable, "list active objects", err)
	}
	defer rows.Close()

	var out []model.ObjectState
	for rows.Next() {
		st := model.ObjectState{CollectorID: collectorID, CameraID: cameraID}
		if err := rows.Scan(&st.ObjectID, &st.CurrentCell, &st.EnterTsMs, &st.LastSeenTsMs, &st.AccumulatedMs); err != nil {
			return nil, model.Coded(model.ErrStoreUnavailable, "scan active object", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// ListExpiredObjects returns every object with an open span whose
// last_seen_ms is older than cutoffMs, for the timeout sweeper. Objects
// already closed (empty current_cell) are skipped.
func (s *Store) ListExpiredObjects(ctx context.Context, cutoffMs int64) ([]model.ObjectState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT collector_id, camera_id, object_id, current_cell, enter_ts_ms, last_seen_ms, accumulated_ms
		FROM object_state WHERE last_seen_ms < ? AND current_cell != '' AND expires_at_ms > ?`, cutoffMs, nowMs())
	if err != nil {
		return nil, model.Coded(model.ErrStoreUnavailable, "list expired objects", err)
	}
	defer rows.Close()

	var out []model.ObjectState
	for rows.Next() {
		var st model.ObjectState
		if err := rows.Scan(&st.CollectorID, &st.CameraID, &st.ObjectID, &st.CurrentCell, &st.EnterTsMs, &st.LastSeenTsMs, &st.AccumulatedMs); err != nil {
			return nil, model.Coded(model.ErrStoreUnavailable, "scan expired object", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// ---- contributions / cell aggregates ----
//
// A CellAggregate is never stored materialized: it is always derived on
// read from the per-(cell, object) contributions table, so queries see the
// contribution set as it stands with no cache to invalidate.

// AddContribution folds one closed span's dwell into object's running
// contribution to cell. Repeated calls for the same (cell, object) are
// accumulative, matching the store's contribution semantics.
func (s *Store) AddContribution(ctx context.Context, collectorID, cameraID, cellID, objectID string, durationMs int64) error {
	return s.write(ctx, "add contribution", func(ctx context.Context) error {
		return addContribution(ctx, s.q(), collectorID, cameraID, cellID, objectID, durationMs)
	})
}

func (tx *Tx) AddContribution(ctx context.Context, collectorID, cameraID, cellID, objectID string, durationMs int64) error {
	return addContribution(ctx, tx.q, collectorID, cameraID, cellID, objectID, durationMs)
}

func addContribution(ctx context.Context, q querier, collectorID, cameraID, cellID, objectID string, durationMs int64) error {
	_, err := q.ExecContext(ctx, `INSERT INTO contributions
		(collector_id, camera_id, grid_cell_id, object_id, dwell_ms)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (collector_id, camera_id, grid_cell_id, object_id) DO UPDATE SET
			dwell_ms = dwell_ms + excluded.dwell_ms`,
		collectorID, cameraID, cellID, objectID, durationMs)
	if err != nil {
		return model.Coded(model.ErrStoreUnavailable, "add contribution", err)
	}
	return nil
}

// RemoveContribution deletes object's entire contribution to cell. Used by
// feedback operations (correct_cell, and delete_span when SubtractOnDelete
// is set); never called by the engine.
func (tx *Tx) RemoveContribution(ctx context.Context, collectorID, cameraID, cellID, objectID string) error {
	_, err := tx.q.ExecContext(ctx, `DELETE FROM contributions
		WHERE collector_id = ? AND camera_id = ? AND grid_cell_id = ? AND object_id = ?`,
		collectorID, cameraID, cellID, objectID)
	if err != nil {
		return model.Coded(model.ErrStoreUnavailable, "remove contribution", err)
	}
	return nil
}

// MoveContributions re-attributes every contribution of oldID to newID,
// merging sums where newID already contributes to a cell. Used by relabel
// so the old id keeps no aggregate footprint.
func (tx *Tx) MoveContributions(ctx context.Context, collectorID, cameraID, oldID, newID string) error {
	_, err := tx.q.ExecContext(ctx, `INSERT INTO contributions
		(collector_id, camera_id, grid_cell_id, object_id, dwell_ms)
		SELECT collector_id, camera_id, grid_cell_id, ?, dwell_ms FROM contributions
		WHERE collector_id = ? AND camera_id = ? AND object_id = ?
		ON CONFLICT (collector_id, camera_id, grid_cell_id, object_id) DO UPDATE SET
			dwell_ms = dwell_ms + excluded.dwell_ms`,
		newID, collectorID, cameraID, oldID)
	if err != nil {
		return model.Coded(model.ErrStoreUnavailable, "move contributions", err)
	}
	_, err = tx.q.ExecContext(ctx, `DELETE FROM contributions
		WHERE collector_id = ? AND camera_id = ? AND object_id = ?`,
		collectorID, cameraID, oldID)
	if err != nil {
		return model.Coded(model.ErrStoreUnavailable, "drop moved contributions", err)
	}
	return nil
}

// GetContribution returns object's current contribution to cell, if any.
func (s *Store) GetContribution(ctx context.Context, collectorID, cameraID, cellID, objectID string) (int64, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT dwell_ms FROM contributions
		WHERE collector_id = ? AND camera_id = ? AND grid_cell_id = ? AND object_id = ?`,
		collectorID, cameraID, cellID, objectID)
	var dwell int64
	if err := row.Scan(&dwell); err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, model.Coded(model.ErrStoreUnavailable, "get contribution", err)
	}
	return dwell, true, nil
}

// GetCellAggregate derives the aggregate for one cell from its
// contributions, with object_count counting only contributors with
// nonzero dwell.
func (s *Store) GetCellAggregate(ctx context.Context, collectorID, cameraID, cellID string) (model.CellAggregate, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT
			COALESCE(SUM(dwell_ms), 0),
			COALESCE(SUM(CASE WHEN dwell_ms > 0 THEN 1 ELSE 0 END), 0),
			COALESCE(MAX(dwell_ms), 0),
			COALESCE(MIN(CASE WHEN dwell_ms > 0 THEN dwell_ms END), 0)
		FROM contributions WHERE collector_id = ? AND camera_id = ? AND grid_cell_id = ?`,
		collectorID, cameraID, cellID)
	var agg model.CellAggregate
	if err := row.Scan(&agg.TotalDwellMs, &agg.ObjectCount, &agg.MaxDwellMs, &agg.MinDwellMs); err != nil {
		return model.CellAggregate{}, false, model.Coded(model.ErrStoreUnavailable, "get cell aggregate", err)
	}
	if agg.ObjectCount == 0 {
		return model.CellAggregate{}, false, nil
	}
	agg.CollectorID, agg.CameraID, agg.GridCellID = collectorID, cameraID, cellID
	agg.AvgDwellMs = avg(agg.TotalDwellMs, agg.ObjectCount)
	return agg, true, nil
}

// ListCellAggregates derives every cell aggregate with at least one
// nonzero contribution for a collector/camera pair, used by /stats/cells
// and the heatmap projection.
func (s *Store) ListCellAggregates(ctx context.Context, collectorID, cameraID string) ([]model.CellAggregate, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
			grid_cell_id,
			COALESCE(SUM(dwell_ms), 0),
			COALESCE(SUM(CASE WHEN dwell_ms > 0 THEN 1 ELSE 0 END), 0),
			COALESCE(MAX(dwell_ms), 0),
			COALESCE(MIN(CASE WHEN dwell_ms > 0 THEN dwell_ms END), 0)
		FROM contributions
		WHERE collector_id = ? AND camera_id = ?
		GROUP BY grid_cell_id
		HAVING SUM(CASE WHEN dwell_ms > 0 THEN 1 ELSE 0 END) > 0`, collectorID, cameraID)
	if err != nil {
		return nil, model.Coded(model.ErrStoreUnavailable, "list cell aggregates", err)
	}
	defer rows.Close()

	var out []model.CellAggregate
	for rows.Next() {
		agg := model.CellAggregate{CollectorID: collectorID, CameraID: cameraID}
		if err := rows.Scan(&agg.GridCellID, &agg.TotalDwellMs, &agg.ObjectCount, &agg.MaxDwellMs, &agg.MinDwellMs); err != nil {
			return nil, model.Coded(model.ErrStoreUnavailable, "scan cell aggregate", err)
		}
		agg.AvgDwellMs = avg(agg.TotalDwellMs, agg.ObjectCount)
		out = append(out, agg)
	}
	return out, rows.Err()
}

func avg(total int64, count int) float64 {
	if count == 0 {
		return 0
	}
	return float64(total) / float64(count)
}

// ---- timeline ----

// AppendTimeline inserts entry and trims the object's timeline to cap
// entries, oldest first.
func (tx *Tx) AppendTimeline(ctx context.Context, collectorID, cameraID, objectID string, entry model.TimelineEntry, cap int) error {
	metaJSON, err := json.Marshal(entry.Meta)
	if err != nil {
		return model.Coded(model.ErrInternal, "marshal timeline meta", err)
	}
	_, err = tx.q.ExecContext(ctx, `INSERT INTO timeline
		(collector_id, camera_id, object_id, entry_type, cell_id, from_ts_ms, to_ts_ms, meta_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		collectorID, cameraID, objectID, string(entry.Type), entry.CellID, entry.FromTsMs, entry.ToTsMs, string(metaJSON))
	if err != nil {
		return model.Coded(model.ErrStoreUnavailable, "append timeline", err)
	}
	if cap <= 0 {
		return nil
	}
	_, err = tx.q.ExecContext(ctx, `DELETE FROM timeline WHERE id IN (
		SELECT id FROM timeline WHERE collector_id = ? AND camera_id = ? AND object_id = ?
		ORDER BY id DESC LIMIT -1 OFFSET ?)`, collectorID, cameraID, objectID, cap)
	if err != nil {
		return model.Coded(model.ErrStoreUnavailable, "trim timeline", err)
	}
	return nil
}

// DeleteTimeline removes every timeline row for an object, used by
// relabel after its entries have been copied to the new object id.
func (tx *Tx) DeleteTimeline(ctx context.Context, collectorID, cameraID, objectID string) error {
	_, err := tx.q.ExecContext(ctx, `DELETE FROM timeline WHERE collector_id = ? AND camera_id = ? AND object_id = ?`,
		collectorID, cameraID, objectID)
	if err != nil {
		return model.Coded(model.ErrStoreUnavailable, "delete timeline", err)
	}
	return nil
}

// ListTimeline returns the object's timeline, oldest first.
func (s *Store) ListTimeline(ctx context.Context, collectorID, cameraID, objectID string) ([]model.TimelineEntry, error) {
	return listTimeline(ctx, s.q(), collectorID, cameraID, objectID)
}

func (tx *Tx) ListTimeline(ctx context.Context, collectorID, cameraID, objectID string) ([]model.TimelineEntry, error) {
	return listTimeline(ctx, tx.q, collectorID, cameraID, objectID)
}

func listTimeline(ctx context.Context, q querier, collectorID, cameraID, objectID string) ([]model.TimelineEntry, error) {
	rows, err := q.QueryContext(ctx, `SELECT entry_type, cell_id, from_ts_ms, to_ts_ms, meta_json
		FROM timeline WHERE collector_id = ? AND camera_id = ? AND object_id = ? ORDER BY id ASC`,
		collectorID, cameraID, objectID)
	if err != nil {
		return nil, model.Coded(model.ErrStoreUnavailable, "list timeline", err)
	}
	defer rows.Close()

	var out []model.TimelineEntry
	for rows.Next() {
		var entry model.TimelineEntry
		var entryType, metaJSON string
		if err := rows.Scan(&entryType, &entry.CellID, &entry.FromTsMs, &entry.ToTsMs, &metaJSON); err != nil {
			return nil, model.Coded(model.ErrStoreUnavailable, "scan timeline", err)
		}
		entry.Type = model.TimelineEntryType(entryType)
		if metaJSON != "" {
			_ = json.Unmarshal([]byte(metaJSON), &entry.Meta)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// ---- recent_events ----

// PushRecentEvent inserts ev and trims the global recent-events FIFO to cap.
func (tx *Tx) PushRecentEvent(ctx context.Context, ev model.RecentEvent, cap int) error {
	_, err := tx.q.ExecContext(ctx, `INSERT INTO recent_events
		(collector_id, camera_id, object_id, event_type, cell_id, ts_ms)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.CollectorID, ev.CameraID, ev.ObjectID, string(ev.Type), ev.CellID, ev.TsMs)
	if err != nil {
		return model.Coded(model.ErrStoreUnavailable, "push recent event", err)
	}
	if cap <= 0 {
		return nil
	}
	_, err = tx.q.ExecContext(ctx, `DELETE FROM recent_events WHERE id IN (
		SELECT id FROM recent_events ORDER BY id DESC LIMIT -1 OFFSET ?)`, cap)
	if err != nil {
		return model.Coded(model.ErrStoreUnavailable, "trim recent events", err)
	}
	return nil
}

// ListRecentEvents returns up to limit of the most recent events, newest
// first.
func (s *Store) ListRecentEvents(ctx context.Context, limit int) ([]model.RecentEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT collector_id, camera_id, object_id, event_type, cell_id, ts_ms
		FROM recent_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, model.Coded(model.ErrStoreUnavailable, "list recent events", err)
	}
	defer rows.Close()

	var out []model.RecentEvent
	for rows.Next() {
		var ev model.RecentEvent
		var evType string
		if err := rows.Scan(&ev.CollectorID, &ev.CameraID, &ev.ObjectID, &evType, &ev.CellID, &ev.TsMs); err != nil {
			return nil, model.Coded(model.ErrStoreUnavailable, "scan recent event", err)
		}
		ev.Type = model.RecentEventType(evType)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ---- feedback_audit ----

// AppendFeedbackAudit records one feedback operation to the append-only
// audit log.
func (tx *Tx) AppendFeedbackAudit(ctx context.Context, audit model.FeedbackAudit) error {
	payloadJSON, err := json.Marshal(audit.Payload)
	if err != nil {
		return model.Coded(model.ErrInternal, "marshal feedback payload", err)
	}
	_, err = tx.q.ExecContext(ctx, `INSERT INTO feedback_audit (op, payload_json, ts_ms) VALUES (?, ?, ?)`,
		string(audit.Op), string(payloadJSON), audit.TsMs)
	if err != nil {
		return model.Coded(model.ErrStoreUnavailable, "append feedback audit", err)
	}
	return nil
}

func nowMs() int64 { return time.Now().UnixMilli() }
