package store

import "context"

// schema is portable across SQLite and Postgres: TEXT keys, BIGINT sequences,
// RFC 3339 timestamps stored as TEXT, JSON stored as TEXT.
//
// Deleting a run cascades to events, tool_correlations, artifact_links, and
// approvals. Artifacts are content-addressed and never deleted transitively.
const schema = `
CREATE TABLE IF NOT EXISTS projects (
	project_id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS project_members (
	project_id TEXT NOT NULL REFERENCES projects(project_id) ON DELETE CASCADE,
	user_id TEXT NOT NULL,
	role TEXT NOT NULL DEFAULT 'member',
	PRIMARY KEY (project_id, user_id)
);

CREATE TABLE IF NOT EXISTS scope_grants (
	project_id TEXT NOT NULL REFERENCES projects(project_id) ON DELETE CASCADE,
	scope TEXT NOT NULL,
	granted_by TEXT NOT NULL DEFAULT '',
	granted_at TEXT NOT NULL,
	condition TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (project_id, scope)
);

CREATE TABLE IF NOT EXISTS threads (
	thread_id TEXT PRIMARY KEY,
	project_id TEXT REFERENCES projects(project_id) ON DELETE CASCADE,
	owner_user_id TEXT,
	title TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	thread_id TEXT NOT NULL REFERENCES threads(thread_id) ON DELETE CASCADE,
	status TEXT NOT NULL,
	created_by_user_id TEXT NOT NULL,
	pins TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS run_metrics (
	run_id TEXT PRIMARY KEY REFERENCES runs(run_id) ON DELETE CASCADE,
	event_count BIGINT NOT NULL DEFAULT 0,
	tool_calls BIGINT NOT NULL DEFAULT 0,
	tool_errors BIGINT NOT NULL DEFAULT 0,
	artifacts_count BIGINT NOT NULL DEFAULT 0,
	bytes_in BIGINT NOT NULL DEFAULT 0,
	bytes_out BIGINT NOT NULL DEFAULT 0,
	completed_at TEXT,
	duration_ms BIGINT
);

CREATE TABLE IF NOT EXISTS events (
	event_id TEXT NOT NULL UNIQUE,
	run_id TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
	seq BIGINT NOT NULL,
	ts TEXT NOT NULL,
	kind TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	actor TEXT NOT NULL,
	parent_event_id TEXT,
	correlation_id TEXT,
	privacy TEXT NOT NULL DEFAULT '',
	pins TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (run_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_events_correlation ON events(run_id, correlation_id);
CREATE INDEX IF NOT EXISTS idx_events_kind ON events(run_id, kind);

CREATE TABLE IF NOT EXISTS artifacts (
	artifact_id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	media_type TEXT NOT NULL DEFAULT '',
	size BIGINT NOT NULL,
	content_hash TEXT NOT NULL,
	storage_ref TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	created_by TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS artifact_links (
	run_id TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
	event_id TEXT NOT NULL,
	artifact_id TEXT NOT NULL,
	source_event_id TEXT,
	correlation_id TEXT,
	tool_id TEXT,
	purpose TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (run_id, event_id, artifact_id)
);

CREATE TABLE IF NOT EXISTS tool_correlations (
	run_id TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
	correlation_id TEXT NOT NULL,
	tool_call_event_id TEXT,
	tool_outcome_event_id TEXT,
	latency_ms BIGINT,
	PRIMARY KEY (run_id, correlation_id)
);

CREATE TABLE IF NOT EXISTS tool_manifests (
	tool_id TEXT NOT NULL,
	version TEXT NOT NULL,
	inputs_schema TEXT NOT NULL DEFAULT '{}',
	outputs_schema TEXT NOT NULL DEFAULT '{}',
	binding_type TEXT NOT NULL,
	binding_entrypoint TEXT NOT NULL DEFAULT '',
	scopes_required TEXT NOT NULL DEFAULT '[]',
	external_write INTEGER NOT NULL DEFAULT 0,
	network_egress INTEGER NOT NULL DEFAULT 0,
	installed_at TEXT NOT NULL,
	PRIMARY KEY (tool_id, version)
);

CREATE TABLE IF NOT EXISTS tool_pins (
	project_id TEXT NOT NULL REFERENCES projects(project_id) ON DELETE CASCADE,
	tool_id TEXT NOT NULL,
	version TEXT NOT NULL,
	PRIMARY KEY (project_id, tool_id)
);

CREATE TABLE IF NOT EXISTS tool_metrics (
	tool_id TEXT PRIMARY KEY,
	calls BIGINT NOT NULL DEFAULT 0,
	errors BIGINT NOT NULL DEFAULT 0,
	total_latency_ms BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS approvals (
	approval_id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
	correlation_id TEXT NOT NULL,
	tool_id TEXT NOT NULL,
	tool_version TEXT NOT NULL,
	tool_call_event_id TEXT,
	inputs TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL,
	decided_by TEXT,
	created_at TEXT NOT NULL,
	decided_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_approvals_run ON approvals(run_id, status);

CREATE TABLE IF NOT EXISTS idempotency (
	user_id TEXT NOT NULL,
	endpoint TEXT NOT NULL,
	comp_key TEXT NOT NULL,
	stored_response BLOB NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (user_id, endpoint, comp_key)
);

CREATE TABLE IF NOT EXISTS provenance_cache (
	run_id TEXT PRIMARY KEY REFERENCES runs(run_id) ON DELETE CASCADE,
	last_seq BIGINT NOT NULL,
	graph_blob BLOB NOT NULL,
	computed_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS notifications (
	notification_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	notification_seq BIGINT NOT NULL,
	kind TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	project_id TEXT,
	run_id TEXT,
	read_at TEXT,
	created_at TEXT NOT NULL,
	UNIQUE (user_id, notification_seq)
);

CREATE TABLE IF NOT EXISTS notification_state (
	user_id TEXT PRIMARY KEY,
	last_seen_notification_seq BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS activity (
	project_id TEXT NOT NULL REFERENCES projects(project_id) ON DELETE CASCADE,
	activity_seq BIGINT NOT NULL,
	kind TEXT NOT NULL,
	ref_type TEXT NOT NULL DEFAULT '',
	ref_id TEXT NOT NULL DEFAULT '',
	actor_id TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	PRIMARY KEY (project_id, activity_seq)
);

CREATE TABLE IF NOT EXISTS activity_seen (
	project_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	last_seen_seq BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (project_id, user_id)
);

CREATE TABLE IF NOT EXISTS research_sources (
	source_id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
	correlation_id TEXT,
	url TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS research_source_links (
	run_id TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
	source_id TEXT NOT NULL,
	event_id TEXT NOT NULL,
	PRIMARY KEY (run_id, source_id, event_id)
);

CREATE TABLE IF NOT EXISTS uploads (
	upload_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	kind TEXT NOT NULL DEFAULT '',
	media_type TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	declared_bytes BIGINT NOT NULL DEFAULT 0,
	received_bytes BIGINT NOT NULL DEFAULT 0,
	parts BIGINT NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS counters (
	name TEXT PRIMARY KEY,
	value BIGINT NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS gauges (
	name TEXT PRIMARY KEY,
	value REAL NOT NULL DEFAULT 0,
	text_value TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL
);
`

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}
