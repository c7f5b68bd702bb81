package sessions

// postgresSchema creates the tables used by PostgresStore when they are missing.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS ai_sessions (
	id               TEXT PRIMARY KEY,
	org_id           TEXT NOT NULL,
	user_id          TEXT NOT NULL,
	model            TEXT NOT NULL,
	title            TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL DEFAULT 'active',
	turn_count       INTEGER NOT NULL DEFAULT 0,
	max_turns        INTEGER NOT NULL DEFAULT 0,
	system_prompt    TEXT NOT NULL DEFAULT '',
	context_snapshot JSONB,
	created_at       TIMESTAMPTZ NOT NULL,
	last_activity_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS ai_sessions_user_idx ON ai_sessions (user_id, last_activity_at DESC);
CREATE INDEX IF NOT EXISTS ai_sessions_active_idx ON ai_sessions (status, last_activity_at);

CREATE TABLE IF NOT EXISTS ai_messages (
	seq            BIGSERIAL,
	id             TEXT PRIMARY KEY,
	session_id     TEXT NOT NULL REFERENCES ai_sessions (id) ON DELETE CASCADE,
	role           TEXT NOT NULL,
	content        TEXT NOT NULL DEFAULT '',
	content_blocks JSONB,
	tool_name      TEXT NOT NULL DEFAULT '',
	tool_input     JSONB,
	tool_output    TEXT NOT NULL DEFAULT '',
	tool_use_id    TEXT NOT NULL DEFAULT '',
	is_error       BOOLEAN NOT NULL DEFAULT FALSE,
	input_tokens   INTEGER NOT NULL DEFAULT 0,
	output_tokens  INTEGER NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS ai_messages_session_idx ON ai_messages (session_id, created_at, seq);

CREATE TABLE IF NOT EXISTS ai_tool_executions (
	id            TEXT PRIMARY KEY,
	session_id    TEXT NOT NULL REFERENCES ai_sessions (id) ON DELETE CASCADE,
	tool_name     TEXT NOT NULL,
	tool_input    JSONB,
	status        TEXT NOT NULL,
	tool_output   TEXT NOT NULL DEFAULT '',
	duration_ms   BIGINT NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	approved_by   TEXT NOT NULL DEFAULT '',
	approved_at   TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS ai_tool_executions_pending_idx ON ai_tool_executions (status, created_at);
`

// sqliteSchema mirrors postgresSchema. Timestamps are unix milliseconds.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS ai_sessions (
	id               TEXT PRIMARY KEY,
	org_id           TEXT NOT NULL,
	user_id          TEXT NOT NULL,
	model            TEXT NOT NULL,
	title            TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL DEFAULT 'active',
	turn_count       INTEGER NOT NULL DEFAULT 0,
	max_turns        INTEGER NOT NULL DEFAULT 0,
	system_prompt    TEXT NOT NULL DEFAULT '',
	context_snapshot TEXT,
	created_at       INTEGER NOT NULL,
	last_activity_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS ai_sessions_user_idx ON ai_sessions (user_id, last_activity_at);

CREATE TABLE IF NOT EXISTS ai_messages (
	seq            INTEGER PRIMARY KEY AUTOINCREMENT,
	id             TEXT NOT NULL UNIQUE,
	session_id     TEXT NOT NULL REFERENCES ai_sessions (id) ON DELETE CASCADE,
	role           TEXT NOT NULL,
	content        TEXT NOT NULL DEFAULT '',
	content_blocks TEXT,
	tool_name      TEXT NOT NULL DEFAULT '',
	tool_input     TEXT,
	tool_output    TEXT NOT NULL DEFAULT '',
	tool_use_id    TEXT NOT NULL DEFAULT '',
	is_error       INTEGER NOT NULL DEFAULT 0,
	input_tokens   INTEGER NOT NULL DEFAULT 0,
	output_tokens  INTEGER NOT NULL DEFAULT 0,
	created_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS ai_messages_session_idx ON ai_messages (session_id, seq);

CREATE TABLE IF NOT EXISTS ai_tool_executions (
	id            TEXT PRIMARY KEY,
	session_id    TEXT NOT NULL REFERENCES ai_sessions (id) ON DELETE CASCADE,
	tool_name     TEXT NOT NULL,
	tool_input    TEXT,
	status        TEXT NOT NULL,
	tool_output   TEXT NOT NULL DEFAULT '',
	duration_ms   INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	approved_by   TEXT NOT NULL DEFAULT '',
	approved_at   INTEGER,
	completed_at  INTEGER,
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS ai_tool_executions_pending_idx ON ai_tool_executions (status, created_at);
`
