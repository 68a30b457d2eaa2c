package query

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/gridtrace/dwelltrack/internal/httpx"
	"github.com/gridtrace/dwelltrack/internal/metrics"
	"github.com/gridtrace/dwelltrack/internal/model"
)

// StatusProvider supplies the process-level facts GET /status reports that
// the query service itself doesn't own: breaker state and whether the
// optional feedback.updates consumer is running.
type StatusProvider interface {
	BreakerState() string
	FeedbackConsumerEnabled() bool
}

// Handlers wires Service against its HTTP surface.
type Handlers struct {
	svc       *Service
	metrics   *metrics.Registry
	status    StatusProvider
	startedAt time.Time
	logger    *slog.Logger
}

// NewHandlers constructs Handlers bound to svc.
func NewHandlers(svc *Service, reg *metrics.Registry, status StatusProvider, logger *slog.Logger) *Handlers {
	return &Handlers{svc: svc, metrics: reg, status: status, startedAt: time.Now(), logger: logger}
}

// Register mounts every query route onto r.
func (h *Handlers) Register(r *mux.Router) {
	r.HandleFunc("/stats/cells", httpx.Method(http.MethodGet, h.statsCells))
	r.HandleFunc("/objects/active", httpx.Method(http.MethodGet, h.objectsActive))
	r.HandleFunc("/objects/{collector}/{camera}/{object}", httpx.Method(http.MethodGet, h.objectDetail))
	r.HandleFunc("/heatmap", httpx.Method(http.MethodGet, h.heatmap))
	r.HandleFunc("/events/recent", httpx.Method(http.MethodGet, h.eventsRecent))
	r.HandleFunc("/health", httpx.Method(http.MethodGet, h.health))
	r.HandleFunc("/status", httpx.Method(http.MethodGet, h.status_))
	r.HandleFunc("/metrics", httpx.Method(http.MethodGet, h.metricsHandler))
}

type envelope struct {
	Timestamp int64       `json:"timestamp"`
	Data      interface{} `json:"data"`
}

func (h *Handlers) respond(w http.ResponseWriter, status int, data interface{}) {
	httpx.WriteJSON(w, status, envelope{Timestamp: time.Now().UnixMilli(), Data: data})
}

func (h *Handlers) statsCells(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	collector, camera := q.Get("collector"), q.Get("camera")
	if collector == "" || camera == "" {
		httpx.WriteError(w, model.Coded(model.ErrInvalidPayload, "collector and camera are required", nil))
		return
	}
	aggs, err := h.svc.ListCellStats(r.Context(), collector, camera, q.Get("cell"))
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	h.respond(w, http.StatusOK, aggs)
}

func (h *Handlers) objectsActive(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	collector, camera := q.Get("collector"), q.Get("camera")
	if collector == "" || camera == "" {
		httpx.WriteError(w, model.Coded(model.ErrInvalidPayload, "collector and camera are required", nil))
		return
	}
	states, err := h.svc.ListActiveObjects(r.Context(), collector, camera)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	h.respond(w, http.StatusOK, states)
}

func (h *Handlers) objectDetail(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	detail, err := h.svc.GetObjectDetail(r.Context(), vars["collector"], vars["camera"], vars["object"])
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	h.respond(w, http.StatusOK, detail)
}

func (h *Handlers) heatmap(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	collector, camera := q.Get("collector"), q.Get("camera")
	if collector == "" || camera == "" {
		httpx.WriteError(w, model.Coded(model.ErrInvalidPayload, "collector and camera are required", nil))
		return
	}
	windowMs, err := parseInt64(q.Get("window_ms"), 0)
	if err != nil {
		httpx.WriteError(w, model.Coded(model.ErrInvalidPayload, "window_ms must be an integer", err))
		return
	}
	hm, err := h.svc.Heatmap(r.Context(), collector, camera, windowMs)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	h.respond(w, http.StatusOK, hm)
}

func (h *Handlers) eventsRecent(w http.ResponseWriter, r *http.Request) {
	limit, err := parseInt64(r.URL.Query().Get("limit"), 100)
	if err != nil {
		httpx.WriteError(w, model.Coded(model.ErrInvalidPayload, "limit must be an integer", err))
		return
	}
	events, err := h.svc.RecentEvents(r.Context(), int(limit))
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	h.respond(w, http.StatusOK, events)
}

func (h *Handlers) health(w http.ResponseWriter, r *http.Request) {
	h.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) status_(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"uptime_seconds": time.Since(h.startedAt).Seconds(),
	}
	if h.status != nil {
		body["breaker_state"] = h.status.BreakerState()
		body["feedback_consumer_enabled"] = h.status.FeedbackConsumerEnabled()
	}
	h.respond(w, http.StatusOK, body)
}

func (h *Handlers) metricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(h.metrics.Render()))
}

func parseInt64(v string, def int64) (int64, error) {
	if v == "" {
		return def, nil
	}
	return strconv.ParseInt(v, 10, 64)
}
