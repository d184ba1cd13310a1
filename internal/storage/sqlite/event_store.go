package sqlite

import (
	"context"
	"database/sql"

	"calwatch/internal/event"
)

// EventStore provides SQLite persistence for live alert records.
type EventStore struct {
	db *DB
}

// NewEventStore creates a new EventStore.
func NewEventStore(db *DB) *EventStore {
	return &EventStore{db: db}
}

const recordColumns = `event_id, instance_start, calendar_id, title, description, location,
	start_time, end_time, instance_end, alert_time, all_day, repeating, task, color,
	origin, time_first_seen, last_status_change, snoozed_until, display_status, muted,
	notification_id, event_status, attendance`

const recordPlaceholders = `?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?`

func recordArgs(r *event.AlertRecord) []interface{} {
	return []interface{}{
		r.EventID, r.InstanceStartTime, r.CalendarID, r.Title, r.Description, r.Location,
		r.StartTime, r.EndTime, r.InstanceEndTime, r.AlertTime, r.AllDay, r.Repeating,
		r.Task, r.Color, r.Origin.String(), r.TimeFirstSeen, r.LastStatusChangeTime,
		r.SnoozedUntil, r.DisplayStatus.String(), r.Muted, r.NotificationID,
		r.EventStatus.String(), r.Attendance.String(),
	}
}

// Add inserts a record, replacing any existing record with the same key.
func (s *EventStore) Add(ctx context.Context, r *event.AlertRecord) error {
	query := `INSERT OR REPLACE INTO event_records (` + recordColumns + `) VALUES (` + recordPlaceholders + `)`
	_, err := s.db.conn.ExecContext(ctx, query, recordArgs(r)...)
	return err
}

// AddBatch inserts records in a single transaction.
func (s *EventStore) AddBatch(ctx context.Context, records []event.AlertRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO event_records (`+recordColumns+`) VALUES (`+recordPlaceholders+`)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range records {
		if _, err := stmt.ExecContext(ctx, recordArgs(&records[i])...); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Get returns the record for the given key, or nil if absent.
func (s *EventStore) Get(ctx context.Context, key event.RecordKey) (*event.AlertRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM event_records WHERE event_id = ? AND instance_start = ?`

	row := s.db.conn.QueryRowContext(ctx, query, key.EventID, key.InstanceStartTime)

	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return r, nil
}

// GetByEventID returns every live record for one event, across instances.
func (s *EventStore) GetByEventID(ctx context.Context, eventID int64) ([]event.AlertRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM event_records WHERE event_id = ? ORDER BY instance_start`

	rows, err := s.db.conn.QueryContext(ctx, query, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRecords(rows)
}

// GetAll returns every live record ordered by last status change.
func (s *EventStore) GetAll(ctx context.Context) ([]event.AlertRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM event_records ORDER BY last_status_change DESC`

	rows, err := s.db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRecords(rows)
}

// GetSnoozed returns records currently deferred past now.
func (s *EventStore) GetSnoozed(ctx context.Context, now int64) ([]event.AlertRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM event_records WHERE snoozed_until > ? ORDER BY snoozed_until`

	rows, err := s.db.conn.QueryContext(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRecords(rows)
}

// EarliestSnoozeAfter returns the earliest snoozed_until strictly after
// now, or 0 if nothing is snoozed that far out.
func (s *EventStore) EarliestSnoozeAfter(ctx context.Context, now int64) (int64, error) {
	query := `SELECT COALESCE(MIN(snoozed_until), 0) FROM event_records WHERE snoozed_until > ?`

	var earliest int64
	if err := s.db.conn.QueryRowContext(ctx, query, now).Scan(&earliest); err != nil {
		return 0, err
	}

	return earliest, nil
}

// Update rewrites a record in place.
func (s *EventStore) Update(ctx context.Context, r *event.AlertRecord) error {
	query := `
		UPDATE event_records SET
			calendar_id = ?, title = ?, description = ?, location = ?,
			start_time = ?, end_time = ?, instance_end = ?, alert_time = ?,
			all_day = ?, repeating = ?, task = ?, color = ?, origin = ?,
			time_first_seen = ?, last_status_change = ?, snoozed_until = ?,
			display_status = ?, muted = ?, notification_id = ?,
			event_status = ?, attendance = ?
		WHERE event_id = ? AND instance_start = ?
	`

	_, err := s.db.conn.ExecContext(ctx, query,
		r.CalendarID, r.Title, r.Description, r.Location,
		r.StartTime, r.EndTime, r.InstanceEndTime, r.AlertTime,
		r.AllDay, r.Repeating, r.Task, r.Color, r.Origin.String(),
		r.TimeFirstSeen, r.LastStatusChangeTime, r.SnoozedUntil,
		r.DisplayStatus.String(), r.Muted, r.NotificationID,
		r.EventStatus.String(), r.Attendance.String(),
		r.EventID, r.InstanceStartTime,
	)
	return err
}

// UpdateBatch rewrites records in a single transaction.
func (s *EventStore) UpdateBatch(ctx context.Context, records []event.AlertRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i := range records {
		r := &records[i]
		_, err := tx.ExecContext(ctx, `
			UPDATE event_records SET
				calendar_id = ?, title = ?, description = ?, location = ?,
				start_time = ?, end_time = ?, instance_end = ?, alert_time = ?,
				all_day = ?, repeating = ?, task = ?, color = ?, origin = ?,
				time_first_seen = ?, last_status_change = ?, snoozed_until = ?,
				display_status = ?, muted = ?, notification_id = ?,
				event_status = ?, attendance = ?
			WHERE event_id = ? AND instance_start = ?
		`,
			r.CalendarID, r.Title, r.Description, r.Location,
			r.StartTime, r.EndTime, r.InstanceEndTime, r.AlertTime,
			r.AllDay, r.Repeating, r.Task, r.Color, r.Origin.String(),
			r.TimeFirstSeen, r.LastStatusChangeTime, r.SnoozedUntil,
			r.DisplayStatus.String(), r.Muted, r.NotificationID,
			r.EventStatus.String(), r.Attendance.String(),
			r.EventID, r.InstanceStartTime,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// MoveInstance changes a record's instance start time. Instance start is
// part of the primary key, so the move is a delete-and-insert inside one
// transaction.
func (s *EventStore) MoveInstance(ctx context.Context, oldKey event.RecordKey, r *event.AlertRecord) error {
	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`DELETE FROM event_records WHERE event_id = ? AND instance_start = ?`,
		oldKey.EventID, oldKey.InstanceStartTime)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO event_records (`+recordColumns+`) VALUES (`+recordPlaceholders+`)`,
		recordArgs(r)...)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// Delete removes one record.
func (s *EventStore) Delete(ctx context.Context, key event.RecordKey) error {
	_, err := s.db.conn.ExecContext(ctx,
		`DELETE FROM event_records WHERE event_id = ? AND instance_start = ?`,
		key.EventID, key.InstanceStartTime)
	return err
}

// Count returns the number of live records.
func (s *EventStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_records`).Scan(&count)
	return count, err
}

func scanRecord(row scanner) (*event.AlertRecord, error) {
	var r event.AlertRecord
	var origin, displayStatus, eventStatus, attendance string

	err := row.Scan(
		&r.EventID, &r.InstanceStartTime, &r.CalendarID, &r.Title, &r.Description, &r.Location,
		&r.StartTime, &r.EndTime, &r.InstanceEndTime, &r.AlertTime, &r.AllDay, &r.Repeating,
		&r.Task, &r.Color, &origin, &r.TimeFirstSeen, &r.LastStatusChangeTime,
		&r.SnoozedUntil, &displayStatus, &r.Muted, &r.NotificationID,
		&eventStatus, &attendance,
	)
	if err != nil {
		return nil, err
	}

	r.Origin = event.Origin(origin)
	r.DisplayStatus = event.DisplayStatus(displayStatus)
	r.EventStatus = event.Status(eventStatus)
	r.Attendance = event.Attendance(attendance)

	return &r, nil
}

func scanRecords(rows *sql.Rows) ([]event.AlertRecord, error) {
	var records []event.AlertRecord

	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}

	return records, rows.Err()
}
