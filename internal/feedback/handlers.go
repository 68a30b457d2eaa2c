package feedback

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/gridtrace/dwelltrack/internal/httpx"
	"github.com/gridtrace/dwelltrack/internal/model"
)

// Handlers exposes the three feedback operations over the direct-call
// path: a synchronous HTTP request that either fully applies or has no
// effect, with no partial state visible.
type Handlers struct {
	proc *Processor
}

// NewHandlers constructs Handlers bound to proc.
func NewHandlers(proc *Processor) *Handlers {
	return &Handlers{proc: proc}
}

// Register mounts the feedback routes onto r.
func (h *Handlers) Register(r *mux.Router) {
	r.HandleFunc("/feedback/relabel", httpx.Method(http.MethodPost, h.relabel))
	r.HandleFunc("/feedback/correct_cell", httpx.Method(http.MethodPost, h.correctCell))
	r.HandleFunc("/feedback/delete_span", httpx.Method(http.MethodPost, h.deleteSpan))
}

type relabelRequest struct {
	CollectorID string `json:"collector_id"`
	CameraID    string `json:"camera_id"`
	OldObjectID string `json:"old_object_id"`
	NewObjectID string `json:"new_object_id"`
}

func (h *Handlers) relabel(w http.ResponseWriter, r *http.Request) {
	var req relabelRequest
	if !decodeOrFail(w, r, &req) {
		return
	}
	if req.CollectorID == "" || req.CameraID == "" || req.OldObjectID == "" || req.NewObjectID == "" {
		httpx.WriteError(w, model.Coded(model.ErrInvalidPayload, "collector_id, camera_id, old_object_id and new_object_id are required", nil))
		return
	}
	if err := h.proc.Relabel(r.Context(), req.CollectorID, req.CameraID, req.OldObjectID, req.NewObjectID); err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}

type correctCellRequest struct {
	CollectorID   string `json:"collector_id"`
	CameraID      string `json:"camera_id"`
	ObjectID      string `json:"object_id"`
	FrameTsMs     int64  `json:"frame_ts_ms"`
	CorrectCellID string `json:"correct_cell_id"`
}

func (h *Handlers) correctCell(w http.ResponseWriter, r *http.Request) {
	var req correctCellRequest
	if !decodeOrFail(w, r, &req) {
		return
	}
	if req.CollectorID == "" || req.CameraID == "" || req.ObjectID == "" || req.CorrectCellID == "" {
		httpx.WriteError(w, model.Coded(model.ErrInvalidPayload, "collector_id, camera_id, object_id and correct_cell_id are required", nil))
		return
	}
	result, err := h.proc.CorrectCell(r.Context(), req.CollectorID, req.CameraID, req.ObjectID, req.FrameTsMs, req.CorrectCellID)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": string(result)})
}

type deleteSpanRequest struct {
	CollectorID string `json:"collector_id"`
	CameraID    string `json:"camera_id"`
	ObjectID    string `json:"object_id"`
	FromTsMs    int64  `json:"from_ts_ms"`
	ToTsMs      int64  `json:"to_ts_ms"`
	CellID      string `json:"cell_id"`
}

func (h *Handlers) deleteSpan(w http.ResponseWriter, r *http.Request) {
	var req deleteSpanRequest
	if !decodeOrFail(w, r, &req) {
		return
	}
	if req.CollectorID == "" || req.CameraID == "" || req.ObjectID == "" {
		httpx.WriteError(w, model.Coded(model.ErrInvalidPayload, "collector_id, camera_id and object_id are required", nil))
		return
	}
	if err := h.proc.DeleteSpan(r.Context(), req.CollectorID, req.CameraID, req.ObjectID, req.FromTsMs, req.ToTsMs, req.CellID); err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}

func decodeOrFail(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpx.WriteError(w, model.Coded(model.ErrInvalidPayload, "malformed request body", err))
		return false
	}
	return true
}
