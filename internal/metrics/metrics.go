// Package metrics implements a minimal Prometheus-text registry: counters,
// labeled counters, gauges and a latency histogram rendered on demand by
// GET /metrics.
package metrics

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
)

type counter struct {
	mu    sync.Mutex
	value uint64
}

func newCounter() *counter { return &counter{} }

func (c *counter) inc() {
	c.mu.Lock()
	c.value++
	c.mu.Unlock()
}

func (c *counter) snapshot() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

type counterVec struct {
	mu     sync.RWMutex
	values map[string]uint64
}

func newCounterVec() *counterVec { return &counterVec{values: make(map[string]uint64)} }

func (c *counterVec) inc(label string) {
	c.mu.Lock()
	c.values[label]++
	c.mu.Unlock()
}

func (c *counterVec) snapshot() map[string]uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]uint64, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

type gauge struct {
	mu    sync.Mutex
	value float64
}

func newGauge() *gauge { return &gauge{} }

func (g *gauge) set(v float64) {
	g.mu.Lock()
	g.value = v
	g.mu.Unlock()
}

func (g *gauge) snapshot() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.value
}

type histogram struct {
	mu      sync.RWMutex
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(edges []float64) *histogram {
	sorted := append([]float64(nil), edges...)
	sort.Float64s(sorted)
	return &histogram{buckets: sorted, counts: make([]uint64, len(sorted))}
}

func (h *histogram) observe(v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return
	}
	h.mu.Lock()
	for i, upper := range h.buckets {
		if v <= upper {
			h.counts[i]++
			break
		}
	}
	h.count++
	h.sum += v
	h.mu.Unlock()
}

func (h *histogram) snapshot() (buckets []float64, counts []uint64, sum float64, count uint64) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	buckets = append([]float64(nil), h.buckets...)
	counts = append([]uint64(nil), h.counts...)
	sum, count = h.sum, h.count
	return
}

// Registry collects every counter/gauge/histogram this service exposes.
// One Registry is constructed per process (collector/engine/api each wire
// their own set of names) and rendered via Render.
type Registry struct {
	observationsTotal   *counterVec // label: result (applied|duplicate|out_of_order)
	framesTotal         *counterVec // label: result (accepted|rejected)
	droppedObjectsTotal *counter
	feedbackTotal       *counterVec // label: op
	feedbackErrorsTotal *counterVec // label: op
	sweepClosedTotal    *counter
	queueLagGauge       *gauge
	storeLatency        *histogram
	breakerOpenGauge    *gauge
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		observationsTotal:   newCounterVec(),
		framesTotal:         newCounterVec(),
		droppedObjectsTotal: newCounter(),
		feedbackTotal:       newCounterVec(),
		feedbackErrorsTotal: newCounterVec(),
		sweepClosedTotal:    newCounter(),
		queueLagGauge:       newGauge(),
		storeLatency:        newHistogram([]float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1}),
		breakerOpenGauge:    newGauge(),
	}
}

func (r *Registry) IncObservation(result string) { r.observationsTotal.inc(result) }
func (r *Registry) IncFrame(result string)       { r.framesTotal.inc(result) }
func (r *Registry) IncDroppedObjects(n int) {
	for i := 0; i < n; i++ {
		r.droppedObjectsTotal.inc()
	}
}
func (r *Registry) IncFeedback(op string)      { r.feedbackTotal.inc(op) }
func (r *Registry) IncFeedbackError(op string) { r.feedbackErrorsTotal.inc(op) }
func (r *Registry) IncSweepClosed()            { r.sweepClosedTotal.inc() }
func (r *Registry) SetQueueLag(v float64)      { r.queueLagGauge.set(v) }
func (r *Registry) ObserveStoreLatency(sec float64) { r.storeLatency.observe(sec) }
func (r *Registry) SetBreakerOpen(open bool) {
	if open {
		r.breakerOpenGauge.set(1)
		return
	}
	r.breakerOpenGauge.set(0)
}

// Render produces the Prometheus exposition text for every metric.
func (r *Registry) Render() string {
	var b strings.Builder
	writeCounterVec(&b, "dwelltrack_observations_total", "result", r.observationsTotal.snapshot())
	writeCounterVec(&b, "dwelltrack_frames_total", "result", r.framesTotal.snapshot())
	writeSimpleCounter(&b, "dwelltrack_dropped_objects_total", r.droppedObjectsTotal.snapshot())
	writeCounterVec(&b, "dwelltrack_feedback_total", "op", r.feedbackTotal.snapshot())
	writeCounterVec(&b, "dwelltrack_feedback_errors_total", "op", r.feedbackErrorsTotal.snapshot())
	writeSimpleCounter(&b, "dwelltrack_sweep_closed_total", r.sweepClosedTotal.snapshot())
	writeGauge(&b, "dwelltrack_queue_lag", r.queueLagGauge.snapshot())
	writeHistogram(&b, "dwelltrack_store_latency_seconds", r.storeLatency)
	writeGauge(&b, "dwelltrack_breaker_open", r.breakerOpenGauge.snapshot())
	return b.String()
}

func writeMetricHeader(b *strings.Builder, name, typ string) {
	b.WriteString("# TYPE ")
	b.WriteString(name)
	b.WriteByte(' ')
	b.WriteString(typ)
	b.WriteByte('\n')
}

func writeCounterVec(b *strings.Builder, name, label string, values map[string]uint64) {
	writeMetricHeader(b, name, "counter")
	if len(values) == 0 {
		fmt.Fprintf(b, "%s{} %d\n", name, 0)
		return
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "%s{%s=%q} %d\n", name, label, k, values[k])
	}
}

func writeSimpleCounter(b *strings.Builder, name string, value uint64) {
	writeMetricHeader(b, name, "counter")
	fmt.Fprintf(b, "%s{} %d\n", name, value)
}

func writeGauge(b *strings.Builder, name string, value float64) {
	writeMetricHeader(b, name, "gauge")
	fmt.Fprintf(b, "%s{} %g\n", name, value)
}

func writeHistogram(b *strings.Builder, name string, h *histogram) {
	writeMetricHeader(b, name, "histogram")
	buckets, counts, sum, count := h.snapshot()
	var cumulative uint64
	for i, upper := range buckets {
		cumulative += counts[i]
		fmt.Fprintf(b, "%s_bucket{le=\"%g\"} %d\n", name, upper, cumulative)
	}
	fmt.Fprintf(b, "%s_bucket{le=\"+Inf\"} %d\n", name, count)
	fmt.Fprintf(b, "%s_sum %f\n", name, sum)
	fmt.Fprintf(b, "%s_count %d\n", name, count)
}
