package database

import "database/sql"

// Schema is the full DDL. The unique index on webhook_deliveries.delivery_id
// is the idempotency guarantee for at-least-once provider redeliveries;
// application code never does check-then-insert.
const Schema = `
CREATE TABLE IF NOT EXISTS webhook_deliveries (
	id TEXT PRIMARY KEY,
	delivery_id TEXT NOT NULL UNIQUE,
	event_type TEXT NOT NULL,
	action TEXT,
	payload BLOB NOT NULL,
	signature_ok INTEGER NOT NULL DEFAULT 0,
	processed INTEGER NOT NULL DEFAULT 0,
	received_at INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_processed ON webhook_deliveries(processed);

CREATE TABLE IF NOT EXISTS canonical_events (
	id TEXT PRIMARY KEY,
	delivery_id TEXT NOT NULL REFERENCES webhook_deliveries(delivery_id),
	category TEXT NOT NULL,
	action TEXT NOT NULL,
	repository TEXT NOT NULL,
	org TEXT,
	actor TEXT NOT NULL,
	mentions TEXT,
	title TEXT,
	url TEXT,
	event_at INTEGER NOT NULL,
	processed INTEGER NOT NULL DEFAULT 0,
	processed_at INTEGER,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_canonical_events_processed ON canonical_events(processed);
CREATE INDEX IF NOT EXISTS idx_canonical_events_created_at ON canonical_events(created_at);

CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	github_login TEXT NOT NULL,
	slack_user_id TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS notification_preferences (
	user_id TEXT PRIMARY KEY REFERENCES users(id),
	enabled TEXT NOT NULL,
	real_time INTEGER NOT NULL DEFAULT 0,
	mentions_enabled INTEGER NOT NULL DEFAULT 1,
	notify_own_activity INTEGER NOT NULL DEFAULT 0,
	mention_keywords TEXT,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS digest_configs (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id),
	name TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	scope TEXT NOT NULL DEFAULT 'all',
	scope_value TEXT,
	digest_time TEXT NOT NULL,
	second_digest_time TEXT,
	second_enabled INTEGER NOT NULL DEFAULT 0,
	timezone TEXT NOT NULL DEFAULT 'UTC',
	digest_days TEXT NOT NULL,
	target_type TEXT NOT NULL DEFAULT 'dm',
	target TEXT NOT NULL,
	flush_retry_count INTEGER NOT NULL DEFAULT 0,
	last_flush_keys TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_digest_configs_user ON digest_configs(user_id);

CREATE TABLE IF NOT EXISTS pending_digest_items (
	id TEXT PRIMARY KEY,
	config_id TEXT NOT NULL REFERENCES digest_configs(id),
	event_id TEXT NOT NULL REFERENCES canonical_events(id),
	user_id TEXT NOT NULL,
	batch_id TEXT,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pending_items_config ON pending_digest_items(config_id);

CREATE TABLE IF NOT EXISTS delivery_attempts (
	id TEXT PRIMARY KEY,
	event_id TEXT,
	config_id TEXT,
	user_id TEXT NOT NULL,
	channel TEXT NOT NULL,
	target TEXT NOT NULL,
	attempt INTEGER NOT NULL,
	outcome TEXT NOT NULL,
	error TEXT,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_delivery_attempts_created_at ON delivery_attempts(created_at);

CREATE TABLE IF NOT EXISTS event_stats (
	day TEXT NOT NULL,
	event_type TEXT NOT NULL,
	outcome TEXT NOT NULL,
	count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (day, event_type, outcome)
);
`

// Migrate applies the schema. Idempotent.
func Migrate(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
