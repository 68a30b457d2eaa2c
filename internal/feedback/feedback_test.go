package feedback

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gridtrace/dwelltrack/internal/grid"
	"github.com/gridtrace/dwelltrack/internal/metrics"
	"github.com/gridtrace/dwelltrack/internal/model"
	"github.com/gridtrace/dwelltrack/internal/store"
)

const (
	collectorID = "c1"
	cameraID    = "cam1"
)

func newTestProcessor(t *testing.T, cfg Config) (*Processor, *store.Store) {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "feedback.db")
	st, err := store.Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	if cfg.TTL == 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.TimelineCap == 0 {
		cfg.TimelineCap = 100
	}
	return New(st, cfg, grid.New(20, 15), metrics.NewRegistry()), st
}

// seedOpenSpan writes a mid-track state directly against the store: object
// A transitioned into G_06_08 at ts=2500 carrying 1500ms of accumulated
// dwell from a prior closed span in G_05_08.
func seedOpenSpan(t *testing.T, ctx context.Context, st *store.Store) {
	t.Helper()
	require.NoError(t, st.UpsertObjectState(ctx, model.ObjectState{
		CollectorID: collectorID, CameraID: cameraID, ObjectID: "A",
		CurrentCell: "G_06_08", EnterTsMs: 2500, LastSeenTsMs: 2500, AccumulatedMs: 1500,
	}, 24*time.Hour))
	require.NoError(t, st.AddContribution(ctx, collectorID, cameraID, "G_05_08", "A", 1500))
}

// TestRelabelCarriesOpenDwellForward: relabeling an object with an open
// span carries its accumulated dwell plus the still-open dwell forward to
// the new id, and leaves the old id with no footprint.
func TestRelabelCarriesOpenDwellForward(t *testing.T) {
	proc, st := newTestProcessor(t, Config{})
	ctx := context.Background()
	seedOpenSpan(t, ctx, st)

	proc.now = func() int64 { return 5000 }

	require.NoError(t, proc.Relabel(ctx, collectorID, cameraID, "A", "B"))

	_, found, err := st.GetObjectState(ctx, collectorID, cameraID, "A")
	require.NoError(t, err)
	require.False(t, found)

	newState, found, err := st.GetObjectState(ctx, collectorID, cameraID, "B")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, model.ObjectState{
		CollectorID: collectorID, CameraID: cameraID, ObjectID: "B",
		CurrentCell: "G_06_08", EnterTsMs: 2500, LastSeenTsMs: 2500, AccumulatedMs: 1500,
	}, newState)

	dwell, found, err := st.GetContribution(ctx, collectorID, cameraID, "G_06_08", "B")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(2500), dwell) // 5000 (now) - 2500 (enter)

	// The closed-span footprint moved with the relabel too: the old id
	// keeps no contribution anywhere.
	dwell, found, err = st.GetContribution(ctx, collectorID, cameraID, "G_05_08", "B")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(1500), dwell)

	for _, cell := range []string{"G_05_08", "G_06_08"} {
		_, found, err = st.GetContribution(ctx, collectorID, cameraID, cell, "A")
		require.NoError(t, err)
		require.False(t, found)
	}
}

// TestRelabelUnknownSource rejects relabeling an object with no state.
func TestRelabelUnknownSource(t *testing.T) {
	proc, _ := newTestProcessor(t, Config{})
	ctx := context.Background()

	err := proc.Relabel(ctx, collectorID, cameraID, "ghost", "B")
	require.Error(t, err)
	require.Equal(t, model.ErrNotFound, model.CodeOf(err))
}

// TestRelabelConflict rejects relabeling onto an id that already exists.
func TestRelabelConflict(t *testing.T) {
	proc, st := newTestProcessor(t, Config{})
	ctx := context.Background()
	seedOpenSpan(t, ctx, st)
	require.NoError(t, st.UpsertObjectState(ctx, model.ObjectState{
		CollectorID: collectorID, CameraID: cameraID, ObjectID: "B",
		CurrentCell: "G_01_01", EnterTsMs: 10, LastSeenTsMs: 10,
	}, 24*time.Hour))

	err := proc.Relabel(ctx, collectorID, cameraID, "A", "B")
	require.Error(t, err)
	require.Equal(t, model.ErrConflict, model.CodeOf(err))
}

// TestCorrectCellLeavesAccumulationUnchanged: correct_cell zeroes the
// original cell's contribution without touching accumulated_ms.
func TestCorrectCellLeavesAccumulationUnchanged(t *testing.T) {
	proc, st := newTestProcessor(t, Config{})
	ctx := context.Background()
	seedOpenSpan(t, ctx, st)
	require.NoError(t, st.AddContribution(ctx, collectorID, cameraID, "G_06_08", "A", 400))

	result, err := proc.CorrectCell(ctx, collectorID, cameraID, "A", 2600, "G_07_08")
	require.NoError(t, err)
	require.Equal(t, CorrectCellApplied, result)

	state, found, err := st.GetObjectState(ctx, collectorID, cameraID, "A")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(1500), state.AccumulatedMs)
	require.Equal(t, "G_07_08", state.CurrentCell)

	_, found, err = st.GetContribution(ctx, collectorID, cameraID, "G_06_08", "A")
	require.NoError(t, err)
	require.False(t, found)
}

// TestCorrectCellNoChange reports NO_CHANGE when the requested cell
// already matches the current one, without touching any state.
func TestCorrectCellNoChange(t *testing.T) {
	proc, st := newTestProcessor(t, Config{})
	ctx := context.Background()
	seedOpenSpan(t, ctx, st)

	result, err := proc.CorrectCell(ctx, collectorID, cameraID, "A", 2600, "G_06_08")
	require.NoError(t, err)
	require.Equal(t, CorrectCellNoChange, result)

	state, _, err := st.GetObjectState(ctx, collectorID, cameraID, "A")
	require.NoError(t, err)
	require.Equal(t, int64(2500), state.EnterTsMs)
}

// TestCorrectCellRejectsOutOfBoundsCell rejects a lexically valid cell id
// whose coordinates fall outside the configured grid, before any state is
// touched.
func TestCorrectCellRejectsOutOfBoundsCell(t *testing.T) {
	proc, st := newTestProcessor(t, Config{})
	ctx := context.Background()
	seedOpenSpan(t, ctx, st)

	_, err := proc.CorrectCell(ctx, collectorID, cameraID, "A", 2600, "G_25_00")
	require.Error(t, err)
	require.Equal(t, model.ErrInvalidPayload, model.CodeOf(err))

	state, found, err := st.GetObjectState(ctx, collectorID, cameraID, "A")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "G_06_08", state.CurrentCell)
	require.Equal(t, int64(2500), state.EnterTsMs)
}

// TestDeleteSpanRejectsOutOfBoundsCell rejects a cell argument outside the
// configured grid without appending anything to the timeline.
func TestDeleteSpanRejectsOutOfBoundsCell(t *testing.T) {
	proc, st := newTestProcessor(t, Config{})
	ctx := context.Background()

	err := proc.DeleteSpan(ctx, collectorID, cameraID, "A", 1000, 2500, "G_25_00")
	require.Error(t, err)
	require.Equal(t, model.ErrInvalidSpan, model.CodeOf(err))

	timeline, err := st.ListTimeline(ctx, collectorID, cameraID, "A")
	require.NoError(t, err)
	require.Empty(t, timeline)
}

// TestDeleteSpanValidatesRange rejects a span where from >= to.
func TestDeleteSpanValidatesRange(t *testing.T) {
	proc, _ := newTestProcessor(t, Config{})
	ctx := context.Background()

	err := proc.DeleteSpan(ctx, collectorID, cameraID, "A", 5000, 4000, "G_06_08")
	require.Error(t, err)
	require.Equal(t, model.ErrInvalidSpan, model.CodeOf(err))
}

// TestDeleteSpanAuditOnlyByDefault covers the default SubtractOnDelete=false
// path: the span is recorded in the timeline and audit log but the cell's
// aggregate contribution is left untouched.
func TestDeleteSpanAuditOnlyByDefault(t *testing.T) {
	proc, st := newTestProcessor(t, Config{})
	ctx := context.Background()
	seedOpenSpan(t, ctx, st)

	require.NoError(t, proc.DeleteSpan(ctx, collectorID, cameraID, "A", 1000, 2500, "G_05_08"))

	dwell, found, err := st.GetContribution(ctx, collectorID, cameraID, "G_05_08", "A")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(1500), dwell)

	timeline, err := st.ListTimeline(ctx, collectorID, cameraID, "A")
	require.NoError(t, err)
	require.Len(t, timeline, 1)
	require.Equal(t, model.TimelineDelete, timeline[0].Type)
}

// TestDeleteSpanSubtractsWhenConfigured covers the opt-in SubtractOnDelete
// path: the deleted span's full contribution to its cell is reversed.
func TestDeleteSpanSubtractsWhenConfigured(t *testing.T) {
	proc, st := newTestProcessor(t, Config{SubtractOnDelete: true})
	ctx := context.Background()
	seedOpenSpan(t, ctx, st)

	require.NoError(t, proc.DeleteSpan(ctx, collectorID, cameraID, "A", 1000, 2500, "G_05_08"))

	_, found, err := st.GetContribution(ctx, collectorID, cameraID, "G_05_08", "A")
	require.NoError(t, err)
	require.False(t, found)
}
