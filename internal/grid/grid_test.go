package grid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCellIDCoordRoundTrip(t *testing.T) {
	for _, tc := range []struct{ x, y int }{{0, 0}, {5, 8}, {19, 14}} {
		id := CellID(tc.x, tc.y)
		x, y, err := Coord(id)
		require.NoError(t, err)
		require.Equal(t, tc.x, x)
		require.Equal(t, tc.y, y)
	}
}

func TestCoordRejectsMalformed(t *testing.T) {
	for _, id := range []string{"", "G_5_8", "G_005_008", "g_05_08", "G_05_08_01", "X_05_08"} {
		_, _, err := Coord(id)
		require.Error(t, err, "id %q", id)
	}
}

func TestValidateEnforcesBounds(t *testing.T) {
	g := New(20, 15)
	require.NoError(t, g.Validate("G_00_00"))
	require.NoError(t, g.Validate("G_19_14"))
	require.Error(t, g.Validate("G_20_00"))
	require.Error(t, g.Validate("G_00_15"))
	require.Error(t, g.Validate("G_25_00"))
}

func TestNewDefaults(t *testing.T) {
	g := New(0, -1)
	require.Equal(t, 20, g.W)
	require.Equal(t, 15, g.H)
}

func TestAllCellsRowMajor(t *testing.T) {
	g := New(3, 2)
	cells := g.AllCells()
	require.Len(t, cells, 6)
	require.Equal(t, "G_00_00", cells[0])
	require.Equal(t, "G_02_00", cells[2])
	require.Equal(t, "G_00_01", cells[3])
	require.Equal(t, "G_02_01", cells[5])
}
