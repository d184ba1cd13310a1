package daemon

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"calwatch/internal/config"
	"calwatch/internal/event"
	"calwatch/internal/logger"
)

// RetentionManager handles automatic data pruning based on configured
// retention periods. It runs a periodic ticker that prunes rows older than
// the configured retention, using batched deletes to avoid long-running
// transactions that could block the CLI's reads.
type RetentionManager struct {
	db        *sql.DB
	retention *config.DaemonRetentionConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// pruneLimit is the maximum rows to delete per batch.
	pruneLimit int
}

// tableRetention maps a table to its timestamp column, an optional extra
// predicate, and the retention period getter.
type tableRetention struct {
	tableName       string
	timestampColumn string
	extraWhere      string
	getRetention    func(*config.DaemonRetentionConfig) time.Duration
}

// tables defines the tables the retention manager prunes.
//
// Tables NOT pruned here:
// - monitor_alerts: unhandled entries are live state; handled entries are
//   garbage-collected by the scan pass itself once they fall behind the
//   scan window. The entry below is only a safety net for entries the scan
//   never revisits.
// - event_records: live records leave via dismissal, never by age.
// - monitor_state / daemon_status: scalar rows, managed by their owners.
var tables = []tableRetention{
	{
		tableName:       "dismissed_records",
		timestampColumn: "dismiss_time",
		getRetention:    func(r *config.DaemonRetentionConfig) time.Duration { return r.Dismissed },
	},
	{
		tableName:       "monitor_alerts",
		timestampColumn: "alert_time",
		extraWhere:      "was_handled = 1",
		getRetention: func(r *config.DaemonRetentionConfig) time.Duration {
			return time.Duration(event.AlertRetention) * time.Millisecond
		},
	},
}

// NewRetentionManager creates a new RetentionManager.
func NewRetentionManager(db *sql.DB, retention *config.DaemonRetentionConfig) *RetentionManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &RetentionManager{
		db:         db,
		retention:  retention,
		ctx:        ctx,
		cancel:     cancel,
		pruneLimit: 10000,
	}
}

// Start begins the retention manager's prune cycle, running an initial
// prune immediately.
func (rm *RetentionManager) Start() {
	logger.Info("starting retention manager", "interval", rm.retention.PruneInterval.String())

	rm.pruneAll()

	rm.wg.Add(1)
	go rm.runPruneLoop()
}

// Stop gracefully shuts down the retention manager.
func (rm *RetentionManager) Stop() {
	logger.Info("stopping retention manager")
	rm.cancel()
	rm.wg.Wait()
}

func (rm *RetentionManager) runPruneLoop() {
	defer rm.wg.Done()

	ticker := time.NewTicker(rm.retention.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rm.ctx.Done():
			return
		case <-ticker.C:
			rm.pruneAll()
		}
	}
}

// pruneAll prunes every table based on its configured retention period.
func (rm *RetentionManager) pruneAll() {
	totalPruned := 0

	for _, table := range tables {
		retention := table.getRetention(rm.retention)
		pruned, err := rm.pruneTable(table, retention)
		if err != nil {
			logger.Warn("retention prune failed", "table", table.tableName, "error", err.Error())
			continue
		}
		totalPruned += pruned
		if pruned > 0 {
			logger.Debug("retention pruned rows",
				"table", table.tableName, "rows", pruned, "retention", retention.String())
		}
	}

	if totalPruned > 0 {
		logger.Info("retention prune cycle complete", "rows", totalPruned)
	}
}

// pruneTable deletes rows older than the retention period from one table,
// in batches so WAL readers never wait on a long transaction.
func (rm *RetentionManager) pruneTable(table tableRetention, retention time.Duration) (int, error) {
	cutoff := event.UnixMillis(time.Now().Add(-retention))
	totalPruned := 0

	where := table.timestampColumn + ` < ?`
	if table.extraWhere != "" {
		where += ` AND ` + table.extraWhere
	}

	for {
		select {
		case <-rm.ctx.Done():
			return totalPruned, rm.ctx.Err()
		default:
		}

		query := `DELETE FROM ` + table.tableName + ` WHERE rowid IN (
			SELECT rowid FROM ` + table.tableName + `
			WHERE ` + where + `
			LIMIT ?
		)`

		result, err := rm.db.ExecContext(rm.ctx, query, cutoff, rm.pruneLimit)
		if err != nil {
			return totalPruned, err
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return totalPruned, err
		}

		totalPruned += int(rowsAffected)

		if rowsAffected < int64(rm.pruneLimit) {
			break
		}

		// Brief pause between batches to reduce contention with readers.
		time.Sleep(10 * time.Millisecond)
	}

	return totalPruned, nil
}

// PruneNow runs an immediate prune cycle. Useful for testing.
func (rm *RetentionManager) PruneNow() {
	rm.pruneAll()
}
