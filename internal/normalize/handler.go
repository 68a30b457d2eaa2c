package normalize

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/gridtrace/dwelltrack/internal/grid"
	"github.com/gridtrace/dwelltrack/internal/httpx"
	"github.com/gridtrace/dwelltrack/internal/metrics"
	"github.com/gridtrace/dwelltrack/internal/model"
	"github.com/gridtrace/dwelltrack/internal/queue"
)

// Publisher is the subset of queue.Producer the ingress handler needs.
type Publisher interface {
	Publish(ctx context.Context, msg queue.Message) error
}

// Handler implements POST /frames: validate, normalize, and publish each
// resulting observation to the detections topic.
type Handler struct {
	grid      grid.Grid
	publisher Publisher
	metrics   *metrics.Registry
	logger    *slog.Logger
}

// NewHandler constructs Handler.
func NewHandler(g grid.Grid, publisher Publisher, reg *metrics.Registry, logger *slog.Logger) *Handler {
	return &Handler{grid: g, publisher: publisher, metrics: reg, logger: logger}
}

type frameResponse struct {
	Status         string `json:"status"`
	FrameID        string `json:"frame_id"`
	DroppedObjects int    `json:"dropped_objects"`
}

// ServeHTTP implements POST /frames.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var frame DetectionFrame
	if err := json.NewDecoder(r.Body).Decode(&frame); err != nil {
		h.metrics.IncFrame("rejected")
		httpx.WriteError(w, model.Coded(model.ErrInvalidPayload, "malformed frame body", err))
		return
	}

	if frame.FrameID == "" {
		frame.FrameID = uuid.NewString()
	}

	result, err := Normalize(h.grid, frame)
	if err != nil {
		h.metrics.IncFrame("rejected")
		httpx.WriteError(w, err)
		return
	}

	for _, obs := range result.Observations {
		payload, merr := json.Marshal(obs)
		if merr != nil {
			httpx.WriteError(w, model.Coded(model.ErrInternal, "marshal observation", merr))
			return
		}
		msg := queue.Message{Key: obs.PartitionKey(), Value: payload}
		if perr := h.publisher.Publish(r.Context(), msg); perr != nil {
			h.logger.Error("publish_observation_failed", slog.Any("err", perr), slog.String("event_id", obs.EventID))
			httpx.WriteError(w, model.Coded(model.ErrStoreUnavailable, "publish observation", perr))
			return
		}
	}

	h.metrics.IncFrame("accepted")
	h.metrics.IncDroppedObjects(result.DroppedObjects)
	httpx.WriteJSON(w, http.StatusOK, frameResponse{
		Status:         "accepted",
		FrameID:        frame.FrameID,
		DroppedObjects: result.DroppedObjects,
	})
}
