package sqlite

import (
	"context"
	"database/sql"

	"calwatch/internal/event"
)

// AlertStore provides SQLite persistence for monitor-tracked alert entries.
// The handled flag is monotonic: the store only ever flips it false to true.
type AlertStore struct {
	db *DB
}

// NewAlertStore creates a new AlertStore.
func NewAlertStore(db *DB) *AlertStore {
	return &AlertStore{db: db}
}

const alertColumns = `event_id, alert_time, instance_start, instance_end, all_day, was_handled, created_by_us`

// alertUpsert updates detail fields on an identity-triple conflict but never
// lowers was_handled or created_by_us: re-adding a known triple must not
// revive a consumed alert.
const alertUpsert = `
	INSERT INTO monitor_alerts (` + alertColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(event_id, alert_time, instance_start) DO UPDATE SET
		instance_end = excluded.instance_end,
		all_day = excluded.all_day,
		was_handled = MAX(monitor_alerts.was_handled, excluded.was_handled),
		created_by_us = MAX(monitor_alerts.created_by_us, excluded.created_by_us)
`

// AddOrReplace inserts an alert entry, updating the details of any existing
// entry with the same identity triple. The handled flag stays monotonic
// through this path.
func (s *AlertStore) AddOrReplace(ctx context.Context, entry *event.AlertEntry) error {
	_, err := s.db.conn.ExecContext(ctx, alertUpsert,
		entry.EventID,
		entry.AlertTime,
		entry.InstanceStartTime,
		entry.InstanceEndTime,
		entry.AllDay,
		entry.WasHandled,
		entry.CreatedByUs,
	)
	return err
}

// Get returns the entry for the given identity triple, or nil if absent.
func (s *AlertStore) Get(ctx context.Context, key event.AlertKey) (*event.AlertEntry, error) {
	query := `
		SELECT ` + alertColumns + `
		FROM monitor_alerts
		WHERE event_id = ? AND alert_time = ? AND instance_start = ?
	`

	row := s.db.conn.QueryRowContext(ctx, query, key.EventID, key.AlertTime, key.InstanceStartTime)

	entry, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return entry, nil
}

// GetAll returns every tracked alert entry.
func (s *AlertStore) GetAll(ctx context.Context) ([]event.AlertEntry, error) {
	query := `SELECT ` + alertColumns + ` FROM monitor_alerts ORDER BY alert_time`

	rows, err := s.db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanAlerts(rows)
}

// GetInRange returns entries with alert_time in [from, to], ordered by
// alert time.
func (s *AlertStore) GetInRange(ctx context.Context, from, to int64) ([]event.AlertEntry, error) {
	query := `
		SELECT ` + alertColumns + `
		FROM monitor_alerts
		WHERE alert_time >= ? AND alert_time <= ?
		ORDER BY alert_time
	`

	rows, err := s.db.conn.QueryContext(ctx, query, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanAlerts(rows)
}

// GetAt returns entries scheduled at exactly alertTime.
func (s *AlertStore) GetAt(ctx context.Context, alertTime int64) ([]event.AlertEntry, error) {
	return s.GetInRange(ctx, alertTime, alertTime)
}

// GetForEvent returns every tracked entry for one event.
func (s *AlertStore) GetForEvent(ctx context.Context, eventID int64) ([]event.AlertEntry, error) {
	query := `
		SELECT ` + alertColumns + `
		FROM monitor_alerts
		WHERE event_id = ?
		ORDER BY alert_time
	`

	rows, err := s.db.conn.QueryContext(ctx, query, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanAlerts(rows)
}

// MarkHandled sets the handled flag on the given entries. The flag never
// transitions back; entries already handled are unaffected.
func (s *AlertStore) MarkHandled(ctx context.Context, keys []event.AlertKey) error {
	if len(keys) == 0 {
		return nil
	}

	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE monitor_alerts SET was_handled = 1
		WHERE event_id = ? AND alert_time = ? AND instance_start = ?
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, key := range keys {
		if _, err := stmt.ExecContext(ctx, key.EventID, key.AlertTime, key.InstanceStartTime); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ApplyMerge applies one scan merge as a single transaction: new entries
// inserted, detail changes updated in place (handled flag preserved),
// vanished entries deleted. Readers never observe a half-applied merge.
func (s *AlertStore) ApplyMerge(ctx context.Context, toAdd, toUpdate []event.AlertEntry, toDelete []event.AlertKey) error {
	if len(toAdd) == 0 && len(toUpdate) == 0 && len(toDelete) == 0 {
		return nil
	}

	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i := range toAdd {
		entry := &toAdd[i]
		_, err := tx.ExecContext(ctx, alertUpsert,
			entry.EventID, entry.AlertTime, entry.InstanceStartTime,
			entry.InstanceEndTime, entry.AllDay, entry.WasHandled, entry.CreatedByUs)
		if err != nil {
			return err
		}
	}

	for i := range toUpdate {
		entry := &toUpdate[i]
		_, err := tx.ExecContext(ctx, `
			UPDATE monitor_alerts SET instance_end = ?, all_day = ?
			WHERE event_id = ? AND alert_time = ? AND instance_start = ?
		`,
			entry.InstanceEndTime, entry.AllDay,
			entry.EventID, entry.AlertTime, entry.InstanceStartTime)
		if err != nil {
			return err
		}
	}

	for _, key := range toDelete {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM monitor_alerts
			WHERE event_id = ? AND alert_time = ? AND instance_start = ?
		`, key.EventID, key.AlertTime, key.InstanceStartTime)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Delete removes one entry.
func (s *AlertStore) Delete(ctx context.Context, key event.AlertKey) error {
	_, err := s.db.conn.ExecContext(ctx, `
		DELETE FROM monitor_alerts
		WHERE event_id = ? AND alert_time = ? AND instance_start = ?
	`, key.EventID, key.AlertTime, key.InstanceStartTime)
	return err
}

// DeleteHandledBefore removes handled entries whose instance start is older
// than the cutoff. Returns the number of deleted entries.
func (s *AlertStore) DeleteHandledBefore(ctx context.Context, cutoff int64) (int64, error) {
	result, err := s.db.conn.ExecContext(ctx, `
		DELETE FROM monitor_alerts
		WHERE was_handled = 1 AND instance_start < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// scanner abstracts sql.Row and sql.Rows for single-entry scanning.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAlert(row scanner) (*event.AlertEntry, error) {
	var e event.AlertEntry

	err := row.Scan(
		&e.EventID,
		&e.AlertTime,
		&e.InstanceStartTime,
		&e.InstanceEndTime,
		&e.AllDay,
		&e.WasHandled,
		&e.CreatedByUs,
	)
	if err != nil {
		return nil, err
	}

	return &e, nil
}

func scanAlerts(rows *sql.Rows) ([]event.AlertEntry, error) {
	var entries []event.AlertEntry

	for rows.Next() {
		entry, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}

	return entries, rows.Err()
}
