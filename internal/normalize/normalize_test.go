package normalize

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gridtrace/dwelltrack/internal/grid"
	"github.com/gridtrace/dwelltrack/internal/model"
)

func validFrame() DetectionFrame {
	return DetectionFrame{
		CollectorID: "c1",
		CameraID:    "cam1",
		TsMs:        1000,
		FrameID:     "f1",
		Objects: []DetectedObject{
			{ObjectID: "A", Class: "person", Confidence: 0.92, GridCellID: "G_05_08", Bbox: []float64{1, 2, 3, 4}},
			{ObjectID: "B", GridCellID: "G_06_08"},
		},
	}
}

func TestNormalizeExplodesPerObject(t *testing.T) {
	res, err := Normalize(grid.New(20, 15), validFrame())
	require.NoError(t, err)
	require.Len(t, res.Observations, 2)
	require.Zero(t, res.DroppedObjects)

	first := res.Observations[0]
	require.Equal(t, "c1", first.CollectorID)
	require.Equal(t, "cam1", first.CameraID)
	require.Equal(t, "A", first.ObjectID)
	require.Equal(t, "G_05_08", first.GridCellID)
	require.Equal(t, int64(1000), first.TsMs)
	require.Len(t, first.EventID, 16)
}

func TestNormalizeFrameValidation(t *testing.T) {
	g := grid.New(20, 15)
	cases := []struct {
		name   string
		mutate func(*DetectionFrame)
	}{
		{"missing collector", func(f *DetectionFrame) { f.CollectorID = "" }},
		{"missing camera", func(f *DetectionFrame) { f.CameraID = "" }},
		{"non-positive timestamp", func(f *DetectionFrame) { f.TsMs = 0 }},
		{"empty objects", func(f *DetectionFrame) { f.Objects = nil }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			frame := validFrame()
			tc.mutate(&frame)
			_, err := Normalize(g, frame)
			require.Error(t, err)
			require.Equal(t, model.ErrInvalidPayload, model.CodeOf(err))
		})
	}
}

func TestNormalizeDropsInvalidObjects(t *testing.T) {
	frame := validFrame()
	frame.Objects = append(frame.Objects,
		DetectedObject{ObjectID: "", GridCellID: "G_01_01"},
		DetectedObject{ObjectID: "C", GridCellID: "not-a-cell"},
		DetectedObject{ObjectID: "D", GridCellID: "G_25_00"}, // lexically valid, out of bounds for 20x15
	)

	res, err := Normalize(grid.New(20, 15), frame)
	require.NoError(t, err)
	require.Len(t, res.Observations, 2)
	require.Equal(t, 3, res.DroppedObjects)
}

func TestEventIDDeterministic(t *testing.T) {
	a := EventID("c1", "cam1", 1000, "A")
	require.Equal(t, a, EventID("c1", "cam1", 1000, "A"))
	require.Len(t, a, 16)

	require.NotEqual(t, a, EventID("c1", "cam1", 1001, "A"))
	require.NotEqual(t, a, EventID("c1", "cam1", 1000, "B"))
	require.NotEqual(t, a, EventID("c2", "cam1", 1000, "A"))
}
