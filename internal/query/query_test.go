package query

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gridtrace/dwelltrack/internal/grid"
	"github.com/gridtrace/dwelltrack/internal/model"
	"github.com/gridtrace/dwelltrack/internal/store"
)

const (
	collectorID = "c1"
	cameraID    = "cam1"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	st, err := store.Open("file:" + filepath.Join(t.TempDir(), "query.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(st, grid.New(20, 15)), st
}

// TestHeatmapIntensityRange: every intensity is in [0,1] and the
// maximum-dwell cell reports exactly 1.0.
func TestHeatmapIntensityRange(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	require.NoError(t, st.AddContribution(ctx, collectorID, cameraID, "G_01_01", "A", 4000))
	require.NoError(t, st.AddContribution(ctx, collectorID, cameraID, "G_02_01", "A", 1000))
	require.NoError(t, st.AddContribution(ctx, collectorID, cameraID, "G_03_01", "B", 2000))

	hm, err := svc.Heatmap(ctx, collectorID, cameraID, 60_000)
	require.NoError(t, err)
	require.Equal(t, GridSize{W: 20, H: 15}, hm.GridSize)
	require.Len(t, hm.Cells, 3)

	var sawMax bool
	for _, cell := range hm.Cells {
		require.GreaterOrEqual(t, cell.Intensity, 0.0)
		require.LessOrEqual(t, cell.Intensity, 1.0)
		if cell.GridCellID == "G_01_01" {
			require.Equal(t, 1.0, cell.Intensity)
			require.Equal(t, 1, cell.X)
			require.Equal(t, 1, cell.Y)
			sawMax = true
		}
	}
	require.True(t, sawMax)
}

// TestHeatmapZeroWindowReservedEmpty returns an empty cell list for
// window_ms = 0, the reserved future real-time projection.
func TestHeatmapZeroWindowReservedEmpty(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	require.NoError(t, st.AddContribution(ctx, collectorID, cameraID, "G_01_01", "A", 4000))

	hm, err := svc.Heatmap(ctx, collectorID, cameraID, 0)
	require.NoError(t, err)
	require.Empty(t, hm.Cells)
}

func TestListCellStatsSortedByTotalDwell(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	require.NoError(t, st.AddContribution(ctx, collectorID, cameraID, "G_01_01", "A", 1000))
	require.NoError(t, st.AddContribution(ctx, collectorID, cameraID, "G_02_01", "A", 5000))
	require.NoError(t, st.AddContribution(ctx, collectorID, cameraID, "G_03_01", "B", 3000))

	aggs, err := svc.ListCellStats(ctx, collectorID, cameraID, "")
	require.NoError(t, err)
	require.Len(t, aggs, 3)
	require.Equal(t, "G_02_01", aggs[0].GridCellID)
	require.Equal(t, "G_03_01", aggs[1].GridCellID)
	require.Equal(t, "G_01_01", aggs[2].GridCellID)
}

func TestListCellStatsRejectsOutOfBoundsCell(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.ListCellStats(context.Background(), collectorID, cameraID, "G_25_00")
	require.Error(t, err)
	require.Equal(t, model.ErrInvalidPayload, model.CodeOf(err))
}

func TestGetObjectDetailNotFound(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.GetObjectDetail(context.Background(), collectorID, cameraID, "ghost")
	require.Error(t, err)
	require.Equal(t, model.ErrNotFound, model.CodeOf(err))
}

func TestGetObjectDetailReturnsTimelineNewestFirst(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertObjectState(ctx, model.ObjectState{
		CollectorID: collectorID, CameraID: cameraID, ObjectID: "A",
		CurrentCell: "G_02_01", EnterTsMs: 4000, LastSeenTsMs: 4000, AccumulatedMs: 4000,
	}, time.Hour))
	require.NoError(t, st.WithTx(ctx, func(tx *store.Tx) error {
		to := int64(4000)
		if err := tx.AppendTimeline(ctx, collectorID, cameraID, "A",
			model.TimelineEntry{Type: model.TimelineEnter, CellID: "G_01_01", FromTsMs: 0}, 100); err != nil {
			return err
		}
		if err := tx.AppendTimeline(ctx, collectorID, cameraID, "A",
			model.TimelineEntry{Type: model.TimelineLeave, CellID: "G_01_01", FromTsMs: 0, ToTsMs: &to}, 100); err != nil {
			return err
		}
		return tx.AppendTimeline(ctx, collectorID, cameraID, "A",
			model.TimelineEntry{Type: model.TimelineEnter, CellID: "G_02_01", FromTsMs: 4000}, 100)
	}))

	detail, err := svc.GetObjectDetail(ctx, collectorID, cameraID, "A")
	require.NoError(t, err)
	require.Len(t, detail.Timeline, 3)
	require.Equal(t, model.TimelineEnter, detail.Timeline[0].Type)
	require.Equal(t, "G_02_01", detail.Timeline[0].CellID)
	require.Equal(t, "G_01_01", detail.Timeline[2].CellID)
}

func TestListActiveObjectsFiltersClosed(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertObjectState(ctx, model.ObjectState{
		CollectorID: collectorID, CameraID: cameraID, ObjectID: "open",
		CurrentCell: "G_01_01", EnterTsMs: 1000, LastSeenTsMs: 1000,
	}, time.Hour))
	require.NoError(t, st.UpsertObjectState(ctx, model.ObjectState{
		CollectorID: collectorID, CameraID: cameraID, ObjectID: "closed",
		LastSeenTsMs: 1000,
	}, time.Hour))

	active, err := svc.ListActiveObjects(ctx, collectorID, cameraID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "open", active[0].ObjectID)
}
