// Package normalize validates an inbound detection frame and explodes it
// into per-object Observations, computing the deterministic event id used
// for downstream dedup. DTO shape is patterned on the detection/stay
// payloads seen across the example pack's ingestion layers.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/gridtrace/dwelltrack/internal/grid"
	"github.com/gridtrace/dwelltrack/internal/model"
)

// DetectedObject is one entry in an inbound detection frame's objects
// array. Class, Confidence and Bbox are accepted on the wire but dropped
// during normalization — the engine is class-agnostic.
type DetectedObject struct {
	ObjectID   string    `json:"object_id"`
	Class      string    `json:"class,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	GridCellID string    `json:"grid_cell_id"`
	Bbox       []float64 `json:"bbox,omitempty"`
}

// DetectionFrame is the raw payload accepted by the ingress endpoint.
type DetectionFrame struct {
	CollectorID string           `json:"collector_id"`
	CameraID    string           `json:"camera_id"`
	TsMs        int64            `json:"timestamp_ms"`
	FrameID     string           `json:"frame_id"`
	Objects     []DetectedObject `json:"objects"`
}

// Result carries the Observations successfully normalized from a frame
// plus a count of objects dropped for failing per-object validation.
type Result struct {
	Observations   []model.Observation
	DroppedObjects int
}

// Normalize validates frame-level fields, then validates and converts each
// object into an Observation, dropping (not failing) objects that fail
// per-object validation so one bad detection doesn't sink the whole frame.
func Normalize(g grid.Grid, frame DetectionFrame) (Result, error) {
	if frame.CollectorID == "" {
		return Result{}, model.Coded(model.ErrInvalidPayload, "collector_id is required", nil)
	}
	if frame.CameraID == "" {
		return Result{}, model.Coded(model.ErrInvalidPayload, "camera_id is required", nil)
	}
	if frame.TsMs <= 0 {
		return Result{}, model.Coded(model.ErrInvalidPayload, "timestamp_ms must be positive", nil)
	}
	if len(frame.Objects) == 0 {
		return Result{}, model.Coded(model.ErrInvalidPayload, "objects must be non-empty", nil)
	}

	res := Result{Observations: make([]model.Observation, 0, len(frame.Objects))}
	for _, obj := range frame.Objects {
		if obj.ObjectID == "" {
			res.DroppedObjects++
			continue
		}
		if err := g.Validate(obj.GridCellID); err != nil {
			res.DroppedObjects++
			continue
		}
		res.Observations = append(res.Observations, model.Observation{
			EventID:     EventID(frame.CollectorID, frame.CameraID, frame.TsMs, obj.ObjectID),
			CollectorID: frame.CollectorID,
			CameraID:    frame.CameraID,
			ObjectID:    obj.ObjectID,
			GridCellID:  obj.GridCellID,
			TsMs:        frame.TsMs,
		})
	}
	return res, nil
}

// EventID derives the deterministic dedup key for one (collector, camera,
// ts, object) tuple: sha256 of the pipe-joined fields, truncated to 16 hex
// characters.
func EventID(collectorID, cameraID string, tsMs int64, objectID string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s", collectorID, cameraID, tsMs, objectID)))
	return hex.EncodeToString(sum[:])[:16]
}
