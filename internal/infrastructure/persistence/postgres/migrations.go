package postgres

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 001: CREATE COURSE GRAPH
// ══════════════════════════════════════════════════════════════════════════════

const migration001Up = `
-- Migration: Create course graph tables
-- Version: 001

CREATE TABLE IF NOT EXISTS learning_nodes (
    id VARCHAR(128) PRIMARY KEY,
    course_id VARCHAR(128) NOT NULL,
    node_type VARCHAR(32) NOT NULL,
    completion_threshold DOUBLE PRECISION NOT NULL,
    duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
    question_count INTEGER NOT NULL DEFAULT 0,
    sort_order INTEGER NOT NULL DEFAULT 0,
    active BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_node_type CHECK (node_type IN ('VIDEO', 'QUIZ', 'INTERACTIVE', 'EXTERNAL_PACKAGE')),
    CONSTRAINT valid_threshold CHECK (completion_threshold >= 0 AND completion_threshold <= 100),
    CONSTRAINT valid_duration CHECK (duration_seconds >= 0),
    CONSTRAINT valid_question_count CHECK (question_count >= 0)
);

CREATE INDEX IF NOT EXISTS idx_learning_nodes_course ON learning_nodes(course_id, sort_order);

CREATE TABLE IF NOT EXISTS node_dependencies (
    course_id VARCHAR(128) NOT NULL,
    from_node VARCHAR(128) NOT NULL REFERENCES learning_nodes(id) ON DELETE CASCADE,
    to_node VARCHAR(128) NOT NULL REFERENCES learning_nodes(id) ON DELETE CASCADE,
    condition_kind VARCHAR(32) NOT NULL,
    threshold DOUBLE PRECISION NOT NULL DEFAULT 0,
    combinator VARCHAR(8) NOT NULL,

    PRIMARY KEY (from_node, to_node),
    CONSTRAINT valid_condition_kind CHECK (condition_kind IN ('COMPLETED', 'SCORE_AT_LEAST', 'WATCH_PERCENT_AT_LEAST')),
    CONSTRAINT valid_combinator CHECK (combinator IN ('ALL', 'ANY'))
);

CREATE INDEX IF NOT EXISTS idx_node_dependencies_course ON node_dependencies(course_id);
CREATE INDEX IF NOT EXISTS idx_node_dependencies_to ON node_dependencies(to_node);
`

const migration001Down = `
DROP TABLE IF EXISTS node_dependencies;
DROP TABLE IF EXISTS learning_nodes;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 002: CREATE NODE PROGRESS
// ══════════════════════════════════════════════════════════════════════════════

const migration002Up = `
-- Migration: Create progress records
-- Version: 002
-- No foreign key to learning_nodes: progress outlives re-authored courses.

CREATE TABLE IF NOT EXISTS node_progress (
    user_id VARCHAR(128) NOT NULL,
    node_id VARCHAR(128) NOT NULL,
    state VARCHAR(16) NOT NULL,
    value DOUBLE PRECISION NOT NULL DEFAULT 0,
    version BIGINT NOT NULL,
    updated_at TIMESTAMP WITH TIME ZONE,
    idempotency_keys JSONB NOT NULL DEFAULT '[]'::jsonb,

    PRIMARY KEY (user_id, node_id),
    CONSTRAINT valid_state CHECK (state IN ('LOCKED', 'UNLOCKED', 'IN_PROGRESS', 'COMPLETED')),
    CONSTRAINT valid_version CHECK (version > 0),
    CONSTRAINT valid_value CHECK (value >= 0)
);

-- The sweep only visits rows that still remember keys.
CREATE INDEX IF NOT EXISTS idx_node_progress_with_keys ON node_progress(user_id, node_id)
    WHERE idempotency_keys <> '[]'::jsonb;
`

const migration002Down = `
DROP TABLE IF EXISTS node_progress;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 003: SERVER RECEIVE TIME
// ══════════════════════════════════════════════════════════════════════════════

// last_event_at is the server clock at the last accepted event; the watch-time
// budget is measured from it, never from client timestamps.
const migration003Up = `
ALTER TABLE node_progress ADD COLUMN IF NOT EXISTS last_event_at TIMESTAMP WITH TIME ZONE;
`

const migration003Down = `
ALTER TABLE node_progress DROP COLUMN IF EXISTS last_event_at;
`

// Migrations returns the embedded migrations in version order.
func Migrations() []Migration {
	return []Migration{
		{Version: 1, Name: "create_course_graph", UpSQL: migration001Up, DownSQL: migration001Down},
		{Version: 2, Name: "create_node_progress", UpSQL: migration002Up, DownSQL: migration002Down},
		{Version: 3, Name: "add_last_event_at", UpSQL: migration003Up, DownSQL: migration003Down},
	}
}
