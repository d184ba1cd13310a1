package sqlite

// initSchema creates the database schema if it doesn't exist.
func (db *DB) initSchema() error {
	schema := `
	-- Monitor-tracked provider alerts, one row per (event, alert time, instance)
	CREATE TABLE IF NOT EXISTS monitor_alerts (
		event_id INTEGER NOT NULL,
		alert_time INTEGER NOT NULL,
		instance_start INTEGER NOT NULL,
		instance_end INTEGER NOT NULL DEFAULT 0,
		all_day INTEGER NOT NULL DEFAULT 0,
		was_handled INTEGER NOT NULL DEFAULT 0,
		created_by_us INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (event_id, alert_time, instance_start)
	);

	CREATE INDEX IF NOT EXISTS idx_monitor_alerts_alert_time ON monitor_alerts(alert_time);
	CREATE INDEX IF NOT EXISTS idx_monitor_alerts_instance_start ON monitor_alerts(instance_start);

	-- Live notification-bearing records, one row per (event, instance)
	CREATE TABLE IF NOT EXISTS event_records (
		event_id INTEGER NOT NULL,
		instance_start INTEGER NOT NULL,
		calendar_id INTEGER NOT NULL DEFAULT -1,
		title TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		location TEXT NOT NULL DEFAULT '',
		start_time INTEGER NOT NULL DEFAULT 0,
		end_time INTEGER NOT NULL DEFAULT 0,
		instance_end INTEGER NOT NULL DEFAULT 0,
		alert_time INTEGER NOT NULL DEFAULT 0,
		all_day INTEGER NOT NULL DEFAULT 0,
		repeating INTEGER NOT NULL DEFAULT 0,
		task INTEGER NOT NULL DEFAULT 0,
		color INTEGER NOT NULL DEFAULT 0,
		origin TEXT NOT NULL DEFAULT 'provider_push',
		time_first_seen INTEGER NOT NULL DEFAULT 0,
		last_status_change INTEGER NOT NULL DEFAULT 0,
		snoozed_until INTEGER NOT NULL DEFAULT 0,
		display_status TEXT NOT NULL DEFAULT 'hidden',
		muted INTEGER NOT NULL DEFAULT 0,
		notification_id INTEGER NOT NULL DEFAULT 0,
		event_status TEXT NOT NULL DEFAULT 'confirmed',
		attendance TEXT NOT NULL DEFAULT 'none',
		PRIMARY KEY (event_id, instance_start)
	);

	CREATE INDEX IF NOT EXISTS idx_event_records_snoozed_until ON event_records(snoozed_until);
	CREATE INDEX IF NOT EXISTS idx_event_records_last_change ON event_records(last_status_change DESC);

	-- Dismissed archive
	CREATE TABLE IF NOT EXISTS dismissed_records (
		event_id INTEGER NOT NULL,
		instance_start INTEGER NOT NULL,
		dismiss_type TEXT NOT NULL,
		dismiss_time INTEGER NOT NULL,
		calendar_id INTEGER NOT NULL DEFAULT -1,
		title TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		location TEXT NOT NULL DEFAULT '',
		start_time INTEGER NOT NULL DEFAULT 0,
		end_time INTEGER NOT NULL DEFAULT 0,
		instance_end INTEGER NOT NULL DEFAULT 0,
		alert_time INTEGER NOT NULL DEFAULT 0,
		all_day INTEGER NOT NULL DEFAULT 0,
		repeating INTEGER NOT NULL DEFAULT 0,
		task INTEGER NOT NULL DEFAULT 0,
		color INTEGER NOT NULL DEFAULT 0,
		origin TEXT NOT NULL DEFAULT 'provider_push',
		PRIMARY KEY (event_id, instance_start, dismiss_time)
	);

	CREATE INDEX IF NOT EXISTS idx_dismissed_records_time ON dismissed_records(dismiss_time DESC);

	-- Scalar monitor/daemon state
	CREATE TABLE IF NOT EXISTS monitor_state (
		key TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);
	`

	_, err := db.conn.Exec(schema)
	return err
}
