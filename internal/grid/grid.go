// Package grid implements the fixed W×H sensor grid addressing scheme: cell
// ids of the form G_XX_YY with zero-padded two-digit coordinates.
package grid

import (
	"fmt"
	"regexp"
	"strconv"
)

var cellIDPattern = regexp.MustCompile(`^G_(\d{2})_(\d{2})$`)

// Grid carries the configured dimensions and validates/constructs cell ids
// against them. The regex only constrains the lexical shape of a cell id;
// a Grid additionally enforces that the coordinates fall within the
// configured bounds (G_25_00 parses but is out of range for a 20-wide grid).
type Grid struct {
	W, H int
}

// New returns a Grid with the given dimensions, defaulting to 20x15 for
// non-positive values.
func New(w, h int) Grid {
	if w <= 0 {
		w = 20
	}
	if h <= 0 {
		h = 15
	}
	return Grid{W: w, H: h}
}

// CellID formats the zero-padded G_XX_YY identifier for (x, y).
func CellID(x, y int) string {
	return fmt.Sprintf("G_%02d_%02d", x, y)
}

// Coord parses a cell id into its (x, y) coordinates without bounds
// checking; use Grid.Validate for a bounds-aware check.
func Coord(cellID string) (x, y int, err error) {
	m := cellIDPattern.FindStringSubmatch(cellID)
	if m == nil {
		return 0, 0, fmt.Errorf("malformed grid cell id %q", cellID)
	}
	x, _ = strconv.Atoi(m[1])
	y, _ = strconv.Atoi(m[2])
	return x, y, nil
}

// Validate reports whether cellID is both lexically well-formed and within
// the grid's configured bounds.
func (g Grid) Validate(cellID string) error {
	x, y, err := Coord(cellID)
	if err != nil {
		return err
	}
	if x < 0 || x >= g.W || y < 0 || y >= g.H {
		return fmt.Errorf("grid cell id %q out of bounds for %dx%d grid", cellID, g.W, g.H)
	}
	return nil
}

// AllCells enumerates every valid cell id in row-major order.
func (g Grid) AllCells() []string {
	out := make([]string, 0, g.W*g.H)
	for y := 0; y < g.H; y++ {
		for x := 0; x < g.W; x++ {
			out = append(out, CellID(x, y))
		}
	}
	return out
}
