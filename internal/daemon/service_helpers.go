package daemon

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// daemonStatusRow represents a row from the daemon_status table, read over
// a separate read-only connection so the CLI never contends with the
// daemon's writes.
type daemonStatusRow struct {
	PID        int
	StartTime  time.Time
	LastPass   time.Time
	Version    string
	ConfigHash string
	ErrorCount int
	LastError  string
	ScanAvgMs  float64
}

// readDaemonStatus reads the daemon status from SQLite.
func readDaemonStatus(dbPath string) (*daemonStatusRow, error) {
	db, err := sql.Open("sqlite3", dbPath+"?mode=ro")
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var status daemonStatusRow
	var startTimeStr, lastPassStr sql.NullString

	err = db.QueryRow(`
		SELECT pid, start_time, last_pass, version, COALESCE(config_hash, ''),
		       error_count, COALESCE(last_error, ''), COALESCE(scan_avg_ms, 0)
		FROM daemon_status WHERE id = 1
	`).Scan(&status.PID, &startTimeStr, &lastPassStr, &status.Version,
		&status.ConfigHash, &status.ErrorCount, &status.LastError, &status.ScanAvgMs)
	if err != nil {
		return nil, err
	}

	if startTimeStr.Valid {
		status.StartTime = parseSQLiteTime(startTimeStr.String)
	}
	if lastPassStr.Valid {
		status.LastPass = parseSQLiteTime(lastPassStr.String)
	}

	return &status, nil
}

// parseSQLiteTime handles the two timestamp layouts SQLite may hand back.
func parseSQLiteTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err == nil {
		return t
	}
	t, _ = time.Parse("2006-01-02 15:04:05.999999999-07:00", s)
	return t
}

// formatUptime formats the duration since start time as a human-readable string.
func formatUptime(startTime time.Time) string {
	d := time.Since(startTime)

	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
