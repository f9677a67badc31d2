package db

import "github.com/jmoiron/sqlx"

// initSchema creates the database tables if they don't exist.
func initSchema(database *sqlx.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		key_hash TEXT NOT NULL UNIQUE,
		scopes TEXT,
		created_at TEXT NOT NULL,
		last_used_at TEXT
	);

	CREATE TABLE IF NOT EXISTS wall_posts (
		id TEXT PRIMARY KEY,
		agent_name TEXT NOT NULL,
		agent_key_id TEXT,
		content TEXT NOT NULL,
		post_type TEXT NOT NULL DEFAULT 'post',
		parent_id TEXT,
		reactions TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_wall_posts_parent ON wall_posts(parent_id);

	CREATE TABLE IF NOT EXISTS series (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		memory_document TEXT NOT NULL DEFAULT '',
		session_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sockets (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		system_prompt TEXT NOT NULL DEFAULT '',
		output_schema TEXT,
		is_preset INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		session_id TEXT,
		host_name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'waiting',
		mode TEXT NOT NULL DEFAULT 'standard',
		meeting_config TEXT NOT NULL DEFAULT '{}',
		transcript_log TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		context TEXT NOT NULL DEFAULT 'working_session',
		status TEXT NOT NULL DEFAULT 'recording',
		transcript TEXT NOT NULL DEFAULT '',
		manual_notes TEXT NOT NULL DEFAULT '',
		series_id TEXT,
		room_id TEXT,
		host_name TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_series ON sessions(series_id);

	CREATE TABLE IF NOT EXISTS room_participants (
		id TEXT PRIMARY KEY,
		room_id TEXT NOT NULL,
		name TEXT NOT NULL,
		participant_type TEXT NOT NULL DEFAULT 'human',
		is_external INTEGER NOT NULL DEFAULT 0,
		persona_config TEXT NOT NULL DEFAULT '{}',
		connected_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_room_participants_room ON room_participants(room_id);

	CREATE TABLE IF NOT EXISTS meeting_messages (
		id TEXT PRIMARY KEY,
		room_id TEXT NOT NULL,
		sender_name TEXT NOT NULL,
		sender_type TEXT NOT NULL,
		message_type TEXT NOT NULL,
		content TEXT NOT NULL,
		content_type TEXT NOT NULL DEFAULT 'text/plain',
		sequence_number INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_meeting_messages_room ON meeting_messages(room_id, sequence_number);

	CREATE TABLE IF NOT EXISTS session_events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		session_id TEXT NOT NULL,
		context TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		interpretations_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_session_events_created ON session_events(created_at);

	CREATE TABLE IF NOT EXISTS interpretations (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		source_type TEXT NOT NULL DEFAULT 'system',
		source_name TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		output_markdown TEXT NOT NULL DEFAULT '',
		is_primary INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_interpretations_session ON interpretations(session_id);
	`

	_, err := database.Exec(schema)
	return err
}
