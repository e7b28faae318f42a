package sqlite

// SchemaVersion is recorded in pack_meta when a pack is created.
const SchemaVersion = "1"

// pack_meta keys
const (
	metaOwner         = "owner"
	metaPackID        = "pack_id"
	metaSchemaVersion = "schema_version"
	metaCreatedAt     = "created_at"
)

// Schema creates every table of a memory pack. It is idempotent.
//
// Timestamps are fixed-width UTC text (see timeLayout) so ORDER BY on them
// is chronological. The consolidation log is protected by triggers that
// abort any UPDATE or DELETE.
const Schema = `
CREATE TABLE IF NOT EXISTS pack_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS memory_nodes (
	id            TEXT PRIMARY KEY,
	agent_id      TEXT NOT NULL,
	content       TEXT NOT NULL,
	summary       TEXT NOT NULL DEFAULT '',
	category      TEXT NOT NULL CHECK (category IN ('conversation', 'thought', 'knowledge', 'fact', 'preference')),
	importance    REAL NOT NULL DEFAULT 0.5 CHECK (importance >= 0.0 AND importance <= 1.0),
	confidence    REAL NOT NULL DEFAULT 1.0 CHECK (confidence >= 0.0 AND confidence <= 1.0),
	created_at    TEXT NOT NULL,
	last_accessed TEXT,
	access_count  INTEGER NOT NULL DEFAULT 0,
	source_type   TEXT NOT NULL DEFAULT '',
	source_ref    TEXT NOT NULL DEFAULT '',
	source_range  TEXT NOT NULL DEFAULT '',
	is_active     INTEGER NOT NULL DEFAULT 1,
	superseded_by TEXT REFERENCES memory_nodes(id),
	CHECK (superseded_by IS NULL OR superseded_by <> id)
);

CREATE INDEX IF NOT EXISTS idx_nodes_active_importance ON memory_nodes(is_active, importance DESC, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_nodes_category ON memory_nodes(category);
CREATE INDEX IF NOT EXISTS idx_nodes_source ON memory_nodes(source_type, source_ref);
CREATE INDEX IF NOT EXISTS idx_nodes_superseded_by ON memory_nodes(superseded_by);

CREATE TABLE IF NOT EXISTS memory_relationships (
	id         TEXT PRIMARY KEY,
	source_id  TEXT NOT NULL REFERENCES memory_nodes(id) ON DELETE CASCADE,
	target_id  TEXT NOT NULL REFERENCES memory_nodes(id) ON DELETE CASCADE,
	type       TEXT NOT NULL,
	strength   REAL NOT NULL DEFAULT 1.0,
	context    TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	CHECK (source_id <> target_id)
);

CREATE INDEX IF NOT EXISTS idx_relationships_source ON memory_relationships(source_id);
CREATE INDEX IF NOT EXISTS idx_relationships_target ON memory_relationships(target_id);

CREATE TABLE IF NOT EXISTS memory_tags (
	id         TEXT PRIMARY KEY,
	memory_id  TEXT NOT NULL REFERENCES memory_nodes(id) ON DELETE CASCADE,
	tag        TEXT NOT NULL,
	created_at TEXT NOT NULL,
	UNIQUE (memory_id, tag)
);

CREATE INDEX IF NOT EXISTS idx_tags_tag ON memory_tags(tag);

CREATE TABLE IF NOT EXISTS consolidation_log (
	id           TEXT PRIMARY KEY,
	agent_id     TEXT NOT NULL,
	action       TEXT NOT NULL CHECK (action IN ('STORE', 'UPDATE', 'FORGET', 'MERGE', 'EXTRACT')),
	affected_ids TEXT NOT NULL DEFAULT '[]',
	details      TEXT NOT NULL DEFAULT '',
	source_type  TEXT NOT NULL DEFAULT '',
	source_ref   TEXT NOT NULL DEFAULT '',
	created_at   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_log_source ON consolidation_log(action, source_type, source_ref);
CREATE INDEX IF NOT EXISTS idx_log_created ON consolidation_log(created_at);

CREATE TRIGGER IF NOT EXISTS consolidation_log_no_update
BEFORE UPDATE ON consolidation_log
BEGIN
	SELECT RAISE(ABORT, 'consolidation log is append-only');
END;

CREATE TRIGGER IF NOT EXISTS consolidation_log_no_delete
BEFORE DELETE ON consolidation_log
BEGIN
	SELECT RAISE(ABORT, 'consolidation log is append-only');
END;

CREATE TABLE IF NOT EXISTS extraction_jobs (
	id           TEXT PRIMARY KEY,
	agent_id     TEXT NOT NULL,
	type         TEXT NOT NULL,
	status       TEXT NOT NULL CHECK (status IN ('pending', 'running', 'completed', 'failed')),
	payload      TEXT NOT NULL,
	result       TEXT,
	progress     INTEGER NOT NULL DEFAULT 0,
	total_steps  INTEGER NOT NULL DEFAULT 0,
	error        TEXT NOT NULL DEFAULT '',
	source_type  TEXT NOT NULL DEFAULT '',
	source_ref   TEXT NOT NULL DEFAULT '',
	created_at   TEXT NOT NULL,
	started_at   TEXT,
	completed_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON extraction_jobs(status, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_source ON extraction_jobs(source_type, source_ref);

CREATE TABLE IF NOT EXISTS source_texts (
	source_type TEXT NOT NULL,
	source_ref  TEXT NOT NULL,
	content     TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	PRIMARY KEY (source_type, source_ref)
);
`
