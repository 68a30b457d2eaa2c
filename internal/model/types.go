package model

// Observation is the ingress unit produced by the Normalizer and consumed
// by the Dwell Engine. Immutable once constructed.
type Observation struct {
	EventID     string `json:"event_id"`
	CollectorID string `json:"collector_id"`
	CameraID    string `json:"camera_id"`
	ObjectID    string `json:"object_id"`
	GridCellID  string `json:"grid_cell_id"`
	TsMs        int64  `json:"ts_ms"`
}

// PartitionKey returns the (collector_id, camera_id) ordering unit.
func (o Observation) PartitionKey() string {
	return o.CollectorID + ":" + o.CameraID
}

// ObjectState is the per-(collector, camera, object) live state maintained
// by the Dwell Engine and also mutated by the Timeout Sweeper and the
// Feedback Processor.
//
// Invariants: EnterTsMs <= LastSeenTsMs; CurrentCell == "" iff EnterTsMs == 0;
// AccumulatedMs >= 0.
type ObjectState struct {
	CollectorID   string `json:"collector_id"`
	CameraID      string `json:"camera_id"`
	ObjectID      string `json:"object_id"`
	CurrentCell   string `json:"current_cell,omitempty"`
	EnterTsMs     int64  `json:"enter_ts_ms,omitempty"`
	LastSeenTsMs  int64  `json:"last_seen_ts_ms"`
	AccumulatedMs int64  `json:"accumulated_ms"`
}

// IsOpen reports whether the object currently occupies a cell.
func (s ObjectState) IsOpen() bool { return s.CurrentCell != "" }

// TimelineEntryType enumerates the kinds of timeline entries.
type TimelineEntryType string

const (
	TimelineEnter   TimelineEntryType = "enter"
	TimelineLeave   TimelineEntryType = "leave"
	TimelineCorrect TimelineEntryType = "correct"
	TimelineDelete  TimelineEntryType = "delete"
)

// TimelineEntry is one row of an object's chronological span history. The
// store lists entries in insertion order, oldest first; the object-detail
// query returns them newest first.
type TimelineEntry struct {
	Type     TimelineEntryType `json:"type"`
	CellID   string            `json:"cell_id"`
	FromTsMs int64             `json:"from_ts_ms"`
	ToTsMs   *int64            `json:"to_ts_ms,omitempty"`
	Meta     map[string]string `json:"meta,omitempty"`
}

// CellAggregate is the derived, read-only projection of a cell's
// object-contribution set, computed on read from the contribution rows the
// State Store holds for (collector, camera, cell).
type CellAggregate struct {
	CollectorID  string  `json:"collector_id"`
	CameraID     string  `json:"camera_id"`
	GridCellID   string  `json:"grid_cell_id"`
	TotalDwellMs int64   `json:"total_dwell_ms"`
	ObjectCount  int     `json:"object_count"`
	AvgDwellMs   float64 `json:"avg_dwell_ms"`
	MaxDwellMs   int64   `json:"max_dwell_ms"`
	MinDwellMs   int64   `json:"min_dwell_ms"`
}

// RecentEventType enumerates the events pushed to the bounded live feed.
type RecentEventType string

const (
	EventEnter RecentEventType = "enter"
	EventMove  RecentEventType = "move"
	EventExit  RecentEventType = "exit"
)

// RecentEvent is one row of the bounded FIFO live feed.
type RecentEvent struct {
	Type        RecentEventType `json:"type"`
	CollectorID string          `json:"collector_id"`
	CameraID    string          `json:"camera_id"`
	ObjectID    string          `json:"object_id"`
	CellID      string          `json:"cell_id"`
	TsMs        int64           `json:"ts_ms"`
}

// FeedbackOp enumerates the feedback operation types recorded in the audit
// log.
type FeedbackOp string

const (
	FeedbackRelabel     FeedbackOp = "relabel"
	FeedbackCorrectCell FeedbackOp = "correct_cell"
	FeedbackDeleteSpan  FeedbackOp = "delete_span"
)

// FeedbackAudit is one append-only row of the feedback audit log.
type FeedbackAudit struct {
	Op      FeedbackOp        `json:"op"`
	Payload map[string]string `json:"payload"`
	TsMs    int64             `json:"ts_ms"`
}
