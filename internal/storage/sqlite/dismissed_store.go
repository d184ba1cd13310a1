package sqlite

import (
	"context"
	"database/sql"

	"calwatch/internal/event"
)

// DismissedStore provides SQLite persistence for the dismissed archive.
type DismissedStore struct {
	db *DB
}

// NewDismissedStore creates a new DismissedStore.
func NewDismissedStore(db *DB) *DismissedStore {
	return &DismissedStore{db: db}
}

const dismissedColumns = `event_id, instance_start, dismiss_type, dismiss_time, calendar_id,
	title, description, location, start_time, end_time, instance_end, alert_time,
	all_day, repeating, task, color, origin`

// Add archives a dismissed record.
func (s *DismissedStore) Add(ctx context.Context, d *event.DismissedRecord) error {
	query := `
		INSERT OR REPLACE INTO dismissed_records (` + dismissedColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	r := &d.Record
	_, err := s.db.conn.ExecContext(ctx, query,
		r.EventID, r.InstanceStartTime, d.DismissType.String(), d.DismissTime,
		r.CalendarID, r.Title, r.Description, r.Location,
		r.StartTime, r.EndTime, r.InstanceEndTime, r.AlertTime,
		r.AllDay, r.Repeating, r.Task, r.Color, r.Origin.String(),
	)
	return err
}

// Get returns the most recent archive entry for the given record key, or
// nil if the record was never dismissed.
func (s *DismissedStore) Get(ctx context.Context, key event.RecordKey) (*event.DismissedRecord, error) {
	query := `
		SELECT ` + dismissedColumns + `
		FROM dismissed_records
		WHERE event_id = ? AND instance_start = ?
		ORDER BY dismiss_time DESC
		LIMIT 1
	`

	row := s.db.conn.QueryRowContext(ctx, query, key.EventID, key.InstanceStartTime)

	d, err := scanDismissed(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return d, nil
}

// List returns archived records newest-first, all of them when limit is 0.
func (s *DismissedStore) List(ctx context.Context, limit int) ([]event.DismissedRecord, error) {
	query := `SELECT ` + dismissedColumns + ` FROM dismissed_records ORDER BY dismiss_time DESC`

	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.conn.QueryContext(ctx, query+" LIMIT ?", limit)
	} else {
		rows, err = s.db.conn.QueryContext(ctx, query)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []event.DismissedRecord
	for rows.Next() {
		d, err := scanDismissed(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *d)
	}

	return records, rows.Err()
}

// Delete removes every archive entry for the given record key.
func (s *DismissedStore) Delete(ctx context.Context, key event.RecordKey) error {
	_, err := s.db.conn.ExecContext(ctx,
		`DELETE FROM dismissed_records WHERE event_id = ? AND instance_start = ?`,
		key.EventID, key.InstanceStartTime)
	return err
}

// Prune removes archive entries dismissed before the cutoff. Returns the
// number of deleted entries.
func (s *DismissedStore) Prune(ctx context.Context, cutoff int64) (int64, error) {
	result, err := s.db.conn.ExecContext(ctx,
		`DELETE FROM dismissed_records WHERE dismiss_time < ?`, cutoff)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

func scanDismissed(row scanner) (*event.DismissedRecord, error) {
	var d event.DismissedRecord
	var dismissType, origin string

	r := &d.Record
	err := row.Scan(
		&r.EventID, &r.InstanceStartTime, &dismissType, &d.DismissTime,
		&r.CalendarID, &r.Title, &r.Description, &r.Location,
		&r.StartTime, &r.EndTime, &r.InstanceEndTime, &r.AlertTime,
		&r.AllDay, &r.Repeating, &r.Task, &r.Color, &origin,
	)
	if err != nil {
		return nil, err
	}

	d.DismissType = event.DismissType(dismissType)
	r.Origin = event.Origin(origin)

	return &d, nil
}
