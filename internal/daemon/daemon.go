// Package daemon wires the calendar alert engine into a long-running
// process: storage, the ICS provider, the monitor, the reload manager, the
// controller, the scheduler, and the notifier, plus the periodic passes
// that drive them.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/VividCortex/ewma"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"calwatch/internal/calendar"
	"calwatch/internal/calendar/ics"
	"calwatch/internal/config"
	"calwatch/internal/controller"
	"calwatch/internal/logger"
	"calwatch/internal/monitor"
	"calwatch/internal/notify"
	"calwatch/internal/reload"
	"calwatch/internal/scheduler"
	"calwatch/internal/storage/sqlite"
)

// Version is set by ldflags during build.
var Version = "dev"

// systemClock satisfies both clock contracts used across the engine.
type systemClock struct{}

func (systemClock) Now() time.Time   { return time.Now() }
func (systemClock) NowMillis() int64 { return time.Now().UnixMilli() }

// Daemon is the calwatch background process. All reconciliation passes
// serialize on a single mutex: passes are short and infrequent, and
// interleaving two passes (say, a wake and a cron rescan racing) would
// break the scan state's ordering assumptions.
type Daemon struct {
	cfg   *config.Config
	debug bool

	db        *sqlite.DB
	alerts    *sqlite.AlertStore
	events    *sqlite.EventStore
	dismissed *sqlite.DismissedStore
	state     *sqlite.StateStore

	provider *ics.Provider
	webhook  *notify.WebhookDelivery
	notifier notify.Notifier
	sched    *scheduler.Scheduler
	ctrl     *controller.Controller
	mon      *monitor.Monitor
	rel      *reload.Manager

	status    *StatusStore
	retention *RetentionManager
	cron      *cron.Cron

	passMu  sync.Mutex
	scanAvg ewma.MovingAverage

	lastRescanSeen int64
	configHash     string
	pidFile        string
	startTime      time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Daemon instance with the given configuration.
func New(cfg *config.Config, debug bool) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	pidFile := cfg.Daemon.PIDFile
	if pidFile == "" {
		pidFile = DefaultPIDFilePath()
	}

	d := &Daemon{
		cfg:        cfg,
		debug:      debug,
		ctx:        ctx,
		cancel:     cancel,
		scanAvg:    ewma.NewMovingAverage(),
		configHash: computeConfigHash(cfg),
		pidFile:    pidFile,
	}

	return d, nil
}

// Start initializes storage and collaborators and begins the periodic
// passes.
func (d *Daemon) Start() error {
	logger.Info("starting calwatch daemon", "version", Version)
	d.startTime = time.Now()

	db, err := sqlite.Open(d.cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	d.db = db

	d.alerts = sqlite.NewAlertStore(db)
	d.events = sqlite.NewEventStore(db)
	d.dismissed = sqlite.NewDismissedStore(db)
	d.state = sqlite.NewStateStore(db)

	d.status = NewStatusStore(db.Conn())
	if err := d.status.InitSchema(); err != nil {
		return fmt.Errorf("failed to init daemon_status schema: %w", err)
	}

	if err := WritePIDFile(d.pidFile); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	var calendars []ics.Calendar
	for _, c := range d.cfg.Calendars {
		calendars = append(calendars, ics.Calendar{
			ID:      c.ID,
			Name:    c.Name,
			URL:     c.URL,
			Enabled: c.Enabled,
			Color:   c.Color,
		})
	}
	d.provider = ics.NewProvider(ics.Config{
		Calendars:        calendars,
		CacheDir:         d.cfg.Provider.CacheDir,
		RefreshInterval:  d.cfg.Provider.RefreshInterval,
		DefaultReminders: d.cfg.Provider.DefaultReminders,
	})

	notify.Version = Version
	if d.cfg.Webhook.Enabled {
		wcfg := notify.DefaultWebhookConfig()
		wcfg.URL = d.cfg.Webhook.URL
		wcfg.MaxRetries = d.cfg.Webhook.MaxRetries
		if d.cfg.Webhook.Timeout > 0 {
			wcfg.Timeout = d.cfg.Webhook.Timeout
		}
		d.webhook = notify.NewWebhookDelivery(wcfg)
		d.webhook.Start()
		d.notifier = notify.NewWebhookNotifier(d.webhook)
	} else {
		d.notifier = notify.NewLogNotifier()
	}

	clock := systemClock{}

	d.sched = scheduler.New(d.events, d.state, d.onWake)
	d.ctrl = controller.New(d.events, d.dismissed, d.state, d.notifier, d.sched,
		d.provider, d.cfg, clock)
	d.mon = monitor.New(d.provider, d.alerts, d.state, d.ctrl, clock)
	d.rel = reload.New(d.provider, d.events, d.ctrl, clock)

	if err := d.status.Upsert(&DaemonStatus{
		PID:        os.Getpid(),
		StartTime:  d.startTime,
		LastPass:   d.startTime,
		Version:    Version,
		ConfigHash: d.configHash,
	}); err != nil {
		return fmt.Errorf("failed to write daemon status: %w", err)
	}

	d.retention = NewRetentionManager(db.Conn(), &d.cfg.Daemon.Retention)
	d.retention.Start()

	d.cron = cron.New()
	if d.cfg.Daemon.RescanCron != "" {
		if _, err := d.cron.AddFunc(d.cfg.Daemon.RescanCron, func() { d.RunScanPass() }); err != nil {
			return fmt.Errorf("failed to schedule rescan: %w", err)
		}
	}
	d.cron.Start()

	d.wg.Add(2)
	go d.runReloadLoop()
	go d.runHeartbeat()

	// Prime the snapshot and run the first scan so the wake timer is armed
	// before the daemon settles into its tick loops.
	if err := d.provider.Refresh(d.ctx); err != nil {
		logger.Warn("initial feed refresh failed", "error", err.Error())
	}
	d.RunScanPass()

	logger.Info("daemon started", "pid", os.Getpid(), "version", Version, "database", db.Path())
	if d.debug {
		logger.Debug("debug mode enabled", "config_hash", d.configHash)
	}

	return nil
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	logger.Info("stopping calwatch daemon")

	d.cancel()

	if d.cron != nil {
		<-d.cron.Stop().Done()
	}
	if d.retention != nil {
		d.retention.Stop()
	}
	if d.sched != nil {
		if err := d.sched.Disarm(context.Background()); err != nil {
			logger.Warn("failed to disarm wake timer", "error", err.Error())
		}
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all loops stopped gracefully")
	case <-time.After(5 * time.Second):
		logger.Warn("shutdown timeout, forcing exit")
	}

	if d.webhook != nil {
		d.webhook.Stop()
	}

	if d.db != nil {
		// WAL checkpoint for durability
		if _, err := d.db.Conn().Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			logger.Debug("WAL checkpoint failed", "error", err.Error())
		}
	}

	if d.status != nil {
		_ = d.status.Delete()
	}

	if err := RemovePIDFile(d.pidFile); err != nil {
		logger.Debug("failed to remove PID file", "error", err.Error())
	}

	if d.db != nil {
		if err := d.db.Close(); err != nil {
			logger.Debug("failed to close database", "error", err.Error())
		}
	}

	logger.Info("daemon stopped")
	return nil
}

// Shutdown is an alias for Stop (for kardianos/service compatibility).
func (d *Daemon) Shutdown() error {
	return d.Stop()
}

// Wait blocks until the daemon is stopped.
func (d *Daemon) Wait() {
	<-d.ctx.Done()
}

// Context returns the daemon's context.
func (d *Daemon) Context() context.Context {
	return d.ctx
}

// runPass serializes one reconciliation pass behind the pass mutex,
// converts panics into logged errors, and maintains the status row. No
// panic may escape an entry point: the daemon must outlive any single bad
// pass.
func (d *Daemon) runPass(name string, fn func(ctx context.Context) error) {
	d.passMu.Lock()
	defer d.passMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("panic in %s pass: %v", name, r)
			logger.Error(msg)
			_ = d.status.IncrementErrorCount(msg)
		}
	}()

	passID := uuid.NewString()
	start := time.Now()
	err := fn(d.ctx)
	elapsed := time.Since(start)

	switch {
	case errors.Is(err, calendar.ErrProviderUnavailable):
		// Waking on schedule would only fail again; disarm and wait for a
		// later pass to find the provider back.
		logger.Warn("provider unavailable, disarming wake timer", "pass", name, "pass_id", passID)
		if derr := d.sched.Disarm(d.ctx); derr != nil {
			logger.Warn("disarm failed", "error", derr.Error())
		}
		_ = d.status.IncrementErrorCount("provider unavailable")

	case err != nil:
		logger.Error("pass failed", "pass", name, "pass_id", passID, "error", err.Error(), "elapsed", elapsed.String())
		_ = d.status.IncrementErrorCount(err.Error())

	default:
		if name == "scan" {
			d.scanAvg.Add(float64(elapsed.Milliseconds()))
		}
		_ = d.status.UpdateLastPass(time.Now(), d.scanAvg.Value())
		logger.Debug("pass complete", "pass", name, "pass_id", passID, "elapsed", elapsed.String())
	}
}

// RunScanPass runs a full calendar scan and re-arms the wake timer.
func (d *Daemon) RunScanPass() {
	d.runPass("scan", func(ctx context.Context) error {
		next, fired, err := d.mon.ScanNextEvent(ctx)
		if err != nil {
			return err
		}

		logger.Debug("scan pass", "next_fire", next, "fired", fired)

		return d.sched.Reschedule(ctx)
	})
}

// RunReloadPass reconciles registered records against the live calendar.
func (d *Daemon) RunReloadPass() {
	d.runPass("reload", func(ctx context.Context) error {
		changed, err := d.rel.Reload(ctx)
		if err != nil {
			return err
		}

		dismissed, err := d.rel.RescanForRescheduledEvents(ctx)
		if err != nil {
			return err
		}

		if changed || dismissed {
			d.notifier.PostNotifications(ctx)
			return d.sched.Reschedule(ctx)
		}

		return nil
	})
}

// onWake handles the scheduler's timer: first the push path for the alert
// time the timer was armed for, then the fallback alarm path, then a
// re-render so expired snoozes resurface, then re-arm.
func (d *Daemon) onWake(ctx context.Context) {
	d.runPass("wake", func(ctx context.Context) error {
		expected, err := d.state.GetInt64(ctx, sqlite.KeyNextSnoozeAlarmExpectedAt, 0)
		if err != nil {
			return err
		}

		if expected > 0 {
			if err := d.mon.OnProviderAlert(ctx, expected); err != nil &&
				!errors.Is(err, calendar.ErrProviderUnavailable) {
				logger.Warn("provider alert handling failed", "alert_time", expected, "error", err.Error())
			}
		}

		if _, err := d.mon.OnAlarm(ctx); err != nil {
			return err
		}

		d.notifier.PostNotifications(ctx)

		return d.sched.Reschedule(ctx)
	})
}

// runReloadLoop drives the periodic reload pass.
func (d *Daemon) runReloadLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.Daemon.ReloadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.RunReloadPass()
		}
	}
}

// runHeartbeat observes CLI-driven state: a rescan request written by the
// CLI triggers a scan and reload pass on the next tick.
func (d *Daemon) runHeartbeat() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.Daemon.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			requested, err := d.state.GetInt64(d.ctx, sqlite.KeyRescanRequestedAt, 0)
			if err != nil {
				logger.Warn("heartbeat state read failed", "error", err.Error())
				continue
			}

			if requested > d.lastRescanSeen {
				d.lastRescanSeen = requested
				logger.Info("rescan requested", "requested_at", requested)
				d.RunScanPass()
				d.RunReloadPass()
			}
		}
	}
}

// computeConfigHash generates a hash of the configuration for drift
// detection between the running daemon and the config on disk.
func computeConfigHash(cfg *config.Config) string {
	return fmt.Sprintf("%d-%v-%v-%v",
		len(cfg.Calendars),
		cfg.Daemon.RescanCron,
		cfg.Daemon.ReloadInterval,
		cfg.Webhook.Enabled,
	)
}
