package sqlite

import (
	"context"
	"database/sql"
)

// State keys persisted across restarts. The scan-window keys drive the
// monitor's incremental scan algorithm; the daemon keys carry alarm and
// notification bookkeeping.
const (
	KeyPrevEventScanTo           = "prev_event_scan_to"
	KeyNextEventFireFromScan     = "next_event_fire_from_scan"
	KeyPrevEventFireFromScan     = "prev_event_fire_from_scan"
	KeyFirstScanEver             = "first_scan_ever"
	KeyNextSnoozeAlarmExpectedAt = "next_snooze_alarm_expected_at"
	KeyNotificationLastFireTime  = "notification_last_fire_time"
	KeyRescanRequestedAt         = "rescan_requested_at"
)

// StateStore provides typed access to the scalar monitor state.
type StateStore struct {
	db *DB
}

// NewStateStore creates a new StateStore.
func NewStateStore(db *DB) *StateStore {
	return &StateStore{db: db}
}

// GetInt64 returns the value for key, or def when the key is unset.
func (s *StateStore) GetInt64(ctx context.Context, key string, def int64) (int64, error) {
	var value int64
	err := s.db.conn.QueryRowContext(ctx,
		`SELECT value FROM monitor_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return def, nil
	}
	if err != nil {
		return 0, err
	}

	return value, nil
}

// SetInt64 stores the value for key.
func (s *StateStore) SetInt64(ctx context.Context, key string, value int64) error {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO monitor_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// GetBool returns the boolean value for key, or def when unset.
func (s *StateStore) GetBool(ctx context.Context, key string, def bool) (bool, error) {
	defInt := int64(0)
	if def {
		defInt = 1
	}

	value, err := s.GetInt64(ctx, key, defInt)
	if err != nil {
		return false, err
	}

	return value != 0, nil
}

// SetBool stores the boolean value for key.
func (s *StateStore) SetBool(ctx context.Context, key string, value bool) error {
	v := int64(0)
	if value {
		v = 1
	}

	return s.SetInt64(ctx, key, v)
}
