package store

const schema = `
CREATE TABLE IF NOT EXISTS object_state (
	collector_id   TEXT NOT NULL,
	camera_id      TEXT NOT NULL,
	object_id      TEXT NOT NULL,
	current_cell   TEXT NOT NULL,
	enter_ts_ms    INTEGER NOT NULL,
	last_seen_ms   INTEGER NOT NULL,
	accumulated_ms INTEGER NOT NULL,
	expires_at_ms  INTEGER NOT NULL,
	PRIMARY KEY (collector_id, camera_id, object_id)
);

CREATE TABLE IF NOT EXISTS contributions (
	collector_id TEXT NOT NULL,
	camera_id    TEXT NOT NULL,
	grid_cell_id TEXT NOT NULL,
	object_id    TEXT NOT NULL,
	dwell_ms     INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (collector_id, camera_id, grid_cell_id, object_id)
);
CREATE INDEX IF NOT EXISTS idx_contributions_cell
	ON contributions (collector_id, camera_id, grid_cell_id);

CREATE TABLE IF NOT EXISTS timeline (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	collector_id  TEXT NOT NULL,
	camera_id     TEXT NOT NULL,
	object_id     TEXT NOT NULL,
	entry_type    TEXT NOT NULL,
	cell_id       TEXT NOT NULL,
	from_ts_ms    INTEGER NOT NULL,
	to_ts_ms      INTEGER,
	meta_json     TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_timeline_lookup
	ON timeline (collector_id, camera_id, object_id, id);

CREATE TABLE IF NOT EXISTS recent_events (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	collector_id TEXT NOT NULL,
	camera_id    TEXT NOT NULL,
	object_id    TEXT NOT NULL,
	event_type   TEXT NOT NULL,
	cell_id      TEXT NOT NULL,
	ts_ms        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_recent_events_id ON recent_events (id DESC);

CREATE TABLE IF NOT EXISTS feedback_audit (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	op          TEXT NOT NULL,
	payload_json TEXT NOT NULL,
	ts_ms       INTEGER NOT NULL
);
`
