package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gridtrace/dwelltrack/internal/metrics"
	"github.com/gridtrace/dwelltrack/internal/model"
	"github.com/gridtrace/dwelltrack/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "dwell.db")
	st, err := store.Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	st := newTestStore(t)
	cfg := Config{
		Timeout:        30 * time.Second,
		TimelineCap:    100,
		RecentEventCap: 100,
		TTL:            24 * time.Hour,
		DedupWindow:    1000,
	}
	logger := discardLogger()
	eng := New(st, cfg, metrics.NewRegistry(), logger)
	t.Cleanup(eng.Close)
	return eng, st
}

const (
	collectorID = "c1"
	cameraID    = "cam1"
)

func obs(objectID, cell string, tsMs int64) model.Observation {
	return model.Observation{
		EventID:     objectID + ":" + cell + ":" + itoa(tsMs),
		CollectorID: collectorID,
		CameraID:    cameraID,
		ObjectID:    objectID,
		GridCellID:  cell,
		TsMs:        tsMs,
	}
}

// TestFirstSightingOpensSpan: the first sighting of an object opens a
// span and leaves the cell's aggregate empty.
func TestFirstSightingOpensSpan(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.Submit(ctx, obs("A", "G_05_08", 1000)))

	state, found, err := st.GetObjectState(ctx, collectorID, cameraID, "A")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, model.ObjectState{
		CollectorID: collectorID, CameraID: cameraID, ObjectID: "A",
		CurrentCell: "G_05_08", EnterTsMs: 1000, LastSeenTsMs: 1000, AccumulatedMs: 0,
	}, state)

	timeline, err := st.ListTimeline(ctx, collectorID, cameraID, "A")
	require.NoError(t, err)
	require.Len(t, timeline, 1)
	require.Equal(t, model.TimelineEnter, timeline[0].Type)
	require.Equal(t, "G_05_08", timeline[0].CellID)
	require.Equal(t, int64(1000), timeline[0].FromTsMs)
	require.Nil(t, timeline[0].ToTsMs)

	_, found, err = st.GetCellAggregate(ctx, collectorID, cameraID, "G_05_08")
	require.NoError(t, err)
	require.False(t, found)
}

// TestSameCellTickRefreshesLastSeen: a later observation in the same cell
// only refreshes last_seen_ts_ms.
func TestSameCellTickRefreshesLastSeen(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.Submit(ctx, obs("A", "G_05_08", 1000)))
	require.NoError(t, eng.Submit(ctx, obs("A", "G_05_08", 1500)))

	state, found, err := st.GetObjectState(ctx, collectorID, cameraID, "A")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(1000), state.EnterTsMs)
	require.Equal(t, int64(1500), state.LastSeenTsMs)
	require.Equal(t, int64(0), state.AccumulatedMs)

	timeline, err := st.ListTimeline(ctx, collectorID, cameraID, "A")
	require.NoError(t, err)
	require.Len(t, timeline, 1)
}

// TestTransitionClosesPriorSpan: moving cells closes the prior span,
// folds its dwell into the old cell's aggregate, and opens a new span.
func TestTransitionClosesPriorSpan(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.Submit(ctx, obs("A", "G_05_08", 1000)))
	require.NoError(t, eng.Submit(ctx, obs("A", "G_05_08", 1500)))
	require.NoError(t, eng.Submit(ctx, obs("A", "G_06_08", 2500)))

	state, found, err := st.GetObjectState(ctx, collectorID, cameraID, "A")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, model.ObjectState{
		CollectorID: collectorID, CameraID: cameraID, ObjectID: "A",
		CurrentCell: "G_06_08", EnterTsMs: 2500, LastSeenTsMs: 2500, AccumulatedMs: 1500,
	}, state)

	agg, found, err := st.GetCellAggregate(ctx, collectorID, cameraID, "G_05_08")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(1500), agg.TotalDwellMs)

	timeline, err := st.ListTimeline(ctx, collectorID, cameraID, "A")
	require.NoError(t, err)
	require.Len(t, timeline, 3)
	require.Equal(t, model.TimelineEnter, timeline[2].Type)
	require.Equal(t, "G_06_08", timeline[2].CellID)
}

// TestTimeoutCloseCreditsObservedDwellOnly: the sweeper closes a stale
// span at last_seen, crediting no dwell beyond what was observed.
func TestTimeoutCloseCreditsObservedDwellOnly(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.Submit(ctx, obs("A", "G_05_08", 1000)))
	require.NoError(t, eng.Submit(ctx, obs("A", "G_05_08", 1500)))
	require.NoError(t, eng.Submit(ctx, obs("A", "G_06_08", 2500)))

	sweepCfg := Config{Timeout: 30 * time.Second, TimelineCap: 100, RecentEventCap: 100, TTL: 24 * time.Hour}
	sweeper := NewSweeper(st, sweepCfg, time.Second, metrics.NewRegistry(), discardLogger())

	stale, found, err := st.GetObjectState(ctx, collectorID, cameraID, "A")
	require.NoError(t, err)
	require.True(t, found)
	require.NoError(t, sweeper.closeOne(ctx, stale))

	state, found, err := st.GetObjectState(ctx, collectorID, cameraID, "A")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "", state.CurrentCell)
	require.Equal(t, int64(0), state.EnterTsMs)
	require.Equal(t, int64(2500), state.LastSeenTsMs)

	// The zero-duration contribution leaves the cell with no counted
	// contributor, so the aggregate projection reports it as empty.
	_, found, err = st.GetCellAggregate(ctx, collectorID, cameraID, "G_06_08")
	require.NoError(t, err)
	require.False(t, found)

	timeline, err := st.ListTimeline(ctx, collectorID, cameraID, "A")
	require.NoError(t, err)
	last := timeline[len(timeline)-1]
	require.Equal(t, model.TimelineLeave, last.Type)
	require.Equal(t, "G_06_08", last.CellID)
	require.Equal(t, "timeout", last.Meta["reason"])
}

// TestOutOfOrderObservationRejected: an observation behind the partition
// watermark is rejected without mutating state.
func TestOutOfOrderObservationRejected(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.Submit(ctx, obs("A", "G_05_08", 1000)))
	require.NoError(t, eng.Submit(ctx, obs("A", "G_05_08", 1500)))
	require.NoError(t, eng.Submit(ctx, obs("A", "G_06_08", 2500)))

	require.NoError(t, eng.Submit(ctx, obs("A", "G_04_08", 1200)))

	state, found, err := st.GetObjectState(ctx, collectorID, cameraID, "A")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "G_06_08", state.CurrentCell)
	require.Equal(t, int64(2500), state.LastSeenTsMs)
}

// TestIdempotenceOnEventID: redelivering the same observation after it
// has already been applied leaves no trace.
func TestIdempotenceOnEventID(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	o := obs("A", "G_05_08", 1000)
	require.NoError(t, eng.Submit(ctx, o))
	require.NoError(t, eng.Submit(ctx, o))

	timeline, err := st.ListTimeline(ctx, collectorID, cameraID, "A")
	require.NoError(t, err)
	require.Len(t, timeline, 1)
}

// TestMonotonicAccumulation: accumulated_ms never decreases across a
// sequence of transitions.
func TestMonotonicAccumulation(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.Submit(ctx, obs("A", "G_01_01", 0)))
	var last int64
	for i, ts := range []int64{1000, 2500, 4200, 5000} {
		cell := "G_0" + itoa(int64(i+2)) + "_01"
		require.NoError(t, eng.Submit(ctx, obs("A", cell, ts)))
		state, found, err := st.GetObjectState(ctx, collectorID, cameraID, "A")
		require.NoError(t, err)
		require.True(t, found)
		require.GreaterOrEqual(t, state.AccumulatedMs, last)
		last = state.AccumulatedMs
	}
}
