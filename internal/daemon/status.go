package daemon

import (
	"database/sql"
	"time"
)

// DaemonStatus represents the running daemon's state for CLI detection and
// health monitoring. This is a singleton table (id=1 always).
type DaemonStatus struct {
	ID         int       `db:"id"`          // Always 1 (singleton)
	PID        int       `db:"pid"`         // Daemon process ID
	StartTime  time.Time `db:"start_time"`  // Daemon start time
	LastPass   time.Time `db:"last_pass"`   // Last completed reconciliation pass
	Version    string    `db:"version"`     // Daemon version string
	ConfigHash string    `db:"config_hash"` // Hash of config for drift detection
	ErrorCount int       `db:"error_count"` // Total pass errors
	LastError  string    `db:"last_error"`  // Most recent error message
	ScanAvgMs  float64   `db:"scan_avg_ms"` // Moving average scan duration
}

// StatusStore manages daemon status persistence.
type StatusStore struct {
	db *sql.DB
}

// NewStatusStore creates a new daemon status store.
func NewStatusStore(db *sql.DB) *StatusStore {
	return &StatusStore{db: db}
}

// InitSchema creates the daemon_status table if it doesn't exist.
func (s *StatusStore) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS daemon_status (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		pid INTEGER NOT NULL,
		start_time TIMESTAMP NOT NULL,
		last_pass TIMESTAMP NOT NULL,
		version TEXT NOT NULL,
		config_hash TEXT,
		error_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		scan_avg_ms REAL NOT NULL DEFAULT 0
	);`
	_, err := s.db.Exec(schema)
	return err
}

// Upsert inserts or updates the daemon status (singleton row).
func (s *StatusStore) Upsert(status *DaemonStatus) error {
	query := `
	INSERT INTO daemon_status (id, pid, start_time, last_pass, version, config_hash, error_count, last_error, scan_avg_ms)
	VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		pid = excluded.pid,
		start_time = excluded.start_time,
		last_pass = excluded.last_pass,
		version = excluded.version,
		config_hash = excluded.config_hash,
		error_count = excluded.error_count,
		last_error = excluded.last_error,
		scan_avg_ms = excluded.scan_avg_ms`

	_, err := s.db.Exec(query,
		status.PID,
		status.StartTime,
		status.LastPass,
		status.Version,
		status.ConfigHash,
		status.ErrorCount,
		status.LastError,
		status.ScanAvgMs,
	)
	return err
}

// UpdateLastPass updates the last_pass timestamp and the scan duration
// average.
func (s *StatusStore) UpdateLastPass(timestamp time.Time, scanAvgMs float64) error {
	_, err := s.db.Exec(
		`UPDATE daemon_status SET last_pass = ?, scan_avg_ms = ? WHERE id = 1`,
		timestamp, scanAvgMs)
	return err
}

// IncrementErrorCount increments error count and sets last error message.
func (s *StatusStore) IncrementErrorCount(errMsg string) error {
	_, err := s.db.Exec(`
		UPDATE daemon_status
		SET error_count = error_count + 1, last_error = ?
		WHERE id = 1`, errMsg)
	return err
}

// Get retrieves the current daemon status.
func (s *StatusStore) Get() (*DaemonStatus, error) {
	row := s.db.QueryRow(`
		SELECT id, pid, start_time, last_pass, version,
		       COALESCE(config_hash, ''),
		       COALESCE(error_count, 0),
		       COALESCE(last_error, ''),
		       COALESCE(scan_avg_ms, 0)
		FROM daemon_status WHERE id = 1`)

	var status DaemonStatus
	err := row.Scan(
		&status.ID,
		&status.PID,
		&status.StartTime,
		&status.LastPass,
		&status.Version,
		&status.ConfigHash,
		&status.ErrorCount,
		&status.LastError,
		&status.ScanAvgMs,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &status, nil
}

// Delete removes the daemon status row (called on clean shutdown).
func (s *StatusStore) Delete() error {
	_, err := s.db.Exec(`DELETE FROM daemon_status WHERE id = 1`)
	return err
}

// IsHealthy checks if the daemon is healthy based on last_pass freshness.
func (s *StatusStore) IsHealthy(maxStaleness time.Duration) (bool, *DaemonStatus, error) {
	status, err := s.Get()
	if err != nil {
		return false, nil, err
	}
	if status == nil {
		return false, nil, nil
	}

	staleness := time.Since(status.LastPass)
	return staleness <= maxStaleness, status, nil
}
