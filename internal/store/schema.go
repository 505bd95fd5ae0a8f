package store

// schema is applied at startup. Statements are idempotent and portable
// between SQLite and postgres; timestamps are fixed-width UTC text so range
// predicates compare lexically.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS organizations (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		settings TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS calls (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL REFERENCES organizations(id),
		agent_id TEXT,
		external_call_sid TEXT NOT NULL UNIQUE,
		recording_url TEXT NOT NULL DEFAULT '',
		local_audio_path TEXT,
		duration_seconds INTEGER,
		direction TEXT,
		caller_number TEXT NOT NULL DEFAULT '',
		callee_number TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_calls_status ON calls(status)`,
	`CREATE INDEX IF NOT EXISTS idx_calls_org_created ON calls(org_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS transcripts (
		id TEXT PRIMARY KEY,
		call_id TEXT NOT NULL UNIQUE REFERENCES calls(id) ON DELETE CASCADE,
		content TEXT NOT NULL,
		language TEXT NOT NULL DEFAULT '',
		speaker_segments TEXT NOT NULL DEFAULT '[]',
		word_count INTEGER NOT NULL DEFAULT 0,
		stt_provider TEXT NOT NULL,
		processing_time_ms INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS analyses (
		id TEXT PRIMARY KEY,
		call_id TEXT NOT NULL UNIQUE REFERENCES calls(id) ON DELETE CASCADE,
		overall_score DOUBLE PRECISION NOT NULL,
		category_scores TEXT NOT NULL DEFAULT '{}',
		issues TEXT NOT NULL DEFAULT '[]',
		recommendations TEXT NOT NULL DEFAULT '[]',
		summary TEXT NOT NULL DEFAULT '',
		sentiment TEXT NOT NULL,
		llm_model TEXT NOT NULL DEFAULT '',
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		processing_time_ms INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_analyses_created ON analyses(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_analyses_score ON analyses(overall_score)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		call_id TEXT REFERENCES calls(id) ON DELETE CASCADE,
		user_id TEXT,
		channel TEXT NOT NULL,
		type TEXT NOT NULL,
		message TEXT NOT NULL,
		status TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		dedupe_key TEXT NOT NULL DEFAULT '',
		sent_at TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_dedupe ON notifications(dedupe_key, status)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_created ON notifications(created_at)`,
	`CREATE TABLE IF NOT EXISTS user_preferences (
		user_id TEXT PRIMARY KEY,
		telegram_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		telegram_chat_id TEXT,
		console_enabled BOOLEAN NOT NULL DEFAULT TRUE,
		email_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		alert_low_score BOOLEAN NOT NULL DEFAULT TRUE,
		alert_critical_issue BOOLEAN NOT NULL DEFAULT TRUE,
		daily_digest BOOLEAN NOT NULL DEFAULT TRUE,
		low_score_threshold DOUBLE PRECISION NOT NULL DEFAULT 50,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS call_events (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL DEFAULT '',
		call_id TEXT NOT NULL REFERENCES calls(id) ON DELETE CASCADE,
		type TEXT NOT NULL,
		from_status TEXT NOT NULL DEFAULT '',
		to_status TEXT NOT NULL DEFAULT '',
		actor TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_call_events_call ON call_events(call_id, created_at)`,
}
