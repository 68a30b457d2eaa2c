// Package query implements the read-only projections exposed over HTTP:
// cell statistics, the heatmap, object detail, active objects, recent
// events and service status. Every exported method only calls Get/List/Read
// methods on the store — see readonly_guardrail_test.go.
package query

import (
	"context"
	"sort"

	"github.com/gridtrace/dwelltrack/internal/grid"
	"github.com/gridtrace/dwelltrack/internal/model"
	"github.com/gridtrace/dwelltrack/internal/store"
)

// Store is the subset of store.Store the query layer reads through.
type Store interface {
	GetObjectState(ctx context.Context, collectorID, cameraID, objectID string) (model.ObjectState, bool, error)
	ListActiveObjects(ctx context.Context, collectorID, cameraID string) ([]model.ObjectState, error)
	ListTimeline(ctx context.Context, collectorID, cameraID, objectID string) ([]model.TimelineEntry, error)
	GetCellAggregate(ctx context.Context, collectorID, cameraID, cellID string) (model.CellAggregate, bool, error)
	ListCellAggregates(ctx context.Context, collectorID, cameraID string) ([]model.CellAggregate, error)
	ListRecentEvents(ctx context.Context, limit int) ([]model.RecentEvent, error)
}

var _ Store = (*store.Store)(nil)

// Service answers every read projection against a Store.
type Service struct {
	store Store
	grid  grid.Grid
}

// New constructs a Service backed by st, validating heatmap/cell requests
// against g's configured dimensions.
func New(st Store, g grid.Grid) *Service {
	return &Service{store: st, grid: g}
}

// ObjectDetail is the {state, timeline[]} shape returned for one object.
type ObjectDetail struct {
	State    model.ObjectState     `json:"state"`
	Timeline []model.TimelineEntry `json:"timeline"`
}

// GetObjectDetail returns state plus its full timeline, newest first (the
// store lists it oldest first, so the entries are reversed here), or
// ErrNotFound if the object has no state.
func (s *Service) GetObjectDetail(ctx context.Context, collectorID, cameraID, objectID string) (ObjectDetail, error) {
	st, found, err := s.store.GetObjectState(ctx, collectorID, cameraID, objectID)
	if err != nil {
		return ObjectDetail{}, err
	}
	if !found {
		return ObjectDetail{}, model.Coded(model.ErrNotFound, "object state not found", nil)
	}
	entries, err := s.store.ListTimeline(ctx, collectorID, cameraID, objectID)
	if err != nil {
		return ObjectDetail{}, err
	}
	reversed := make([]model.TimelineEntry, len(entries))
	for i, e := range entries {
		reversed[len(entries)-1-i] = e
	}
	return ObjectDetail{State: st, Timeline: reversed}, nil
}

// ListActiveObjects returns every object currently occupying a cell for a
// collector/camera pair.
func (s *Service) ListActiveObjects(ctx context.Context, collectorID, cameraID string) ([]model.ObjectState, error) {
	all, err := s.store.ListActiveObjects(ctx, collectorID, cameraID)
	if err != nil {
		return nil, err
	}
	active := make([]model.ObjectState, 0, len(all))
	for _, st := range all {
		if st.IsOpen() {
			active = append(active, st)
		}
	}
	return active, nil
}

// ListCellStats returns aggregates for a collector/camera, optionally
// scoped to one cell, sorted by total_dwell_ms descending.
func (s *Service) ListCellStats(ctx context.Context, collectorID, cameraID, cellID string) ([]model.CellAggregate, error) {
	if cellID != "" {
		if err := s.grid.Validate(cellID); err != nil {
			return nil, model.Coded(model.ErrInvalidPayload, "invalid grid_cell_id", err)
		}
		agg, found, err := s.store.GetCellAggregate(ctx, collectorID, cameraID, cellID)
		if err != nil {
			return nil, err
		}
		if !found {
			return []model.CellAggregate{}, nil
		}
		return []model.CellAggregate{agg}, nil
	}

	aggs, err := s.store.ListCellAggregates(ctx, collectorID, cameraID)
	if err != nil {
		return nil, err
	}
	sort.Slice(aggs, func(i, j int) bool { return aggs[i].TotalDwellMs > aggs[j].TotalDwellMs })
	return aggs, nil
}

// HeatmapCell is one entry of the heatmap projection.
type HeatmapCell struct {
	GridCellID  string  `json:"grid_cell_id"`
	X           int     `json:"x"`
	Y           int     `json:"y"`
	DwellMs     int64   `json:"dwell_ms"`
	ObjectCount int     `json:"object_count"`
	Intensity   float64 `json:"intensity"`
}

// Heatmap is the response body for GET /heatmap.
type Heatmap struct {
	GridSize GridSize      `json:"grid_size"`
	Cells    []HeatmapCell `json:"cells"`
	WindowMs int64         `json:"window_ms"`
}

// GridSize carries the configured W×H grid dimensions.
type GridSize struct {
	W int `json:"w"`
	H int `json:"h"`
}

// Heatmap computes the intensity-normalized heatmap for a collector/camera.
// windowMs == 0 is reserved for a future real-time projection and always
// returns an empty cell list.
func (s *Service) Heatmap(ctx context.Context, collectorID, cameraID string, windowMs int64) (Heatmap, error) {
	out := Heatmap{GridSize: GridSize{W: s.grid.W, H: s.grid.H}, WindowMs: windowMs}
	if windowMs == 0 {
		out.Cells = []HeatmapCell{}
		return out, nil
	}

	aggs, err := s.store.ListCellAggregates(ctx, collectorID, cameraID)
	if err != nil {
		return Heatmap{}, err
	}

	var maxDwell int64
	for _, agg := range aggs {
		if agg.TotalDwellMs > maxDwell {
			maxDwell = agg.TotalDwellMs
		}
	}

	cells := make([]HeatmapCell, 0, len(aggs))
	for _, agg := range aggs {
		x, y, err := grid.Coord(agg.GridCellID)
		if err != nil {
			continue
		}
		intensity := 0.0
		if maxDwell > 0 {
			intensity = float64(agg.TotalDwellMs) / float64(maxDwell)
		}
		cells = append(cells, HeatmapCell{
			GridCellID:  agg.GridCellID,
			X:           x,
			Y:           y,
			DwellMs:     agg.TotalDwellMs,
			ObjectCount: agg.ObjectCount,
			Intensity:   intensity,
		})
	}
	sort.Slice(cells, func(i, j int) bool { return cells[i].DwellMs > cells[j].DwellMs })
	out.Cells = cells
	return out, nil
}

// RecentEvents returns up to limit of the most recently pushed events.
func (s *Service) RecentEvents(ctx context.Context, limit int) ([]model.RecentEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListRecentEvents(ctx, limit)
}
