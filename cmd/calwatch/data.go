package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"calwatch/internal/calendar/ics"
	"calwatch/internal/config"
	"calwatch/internal/controller"
	"calwatch/internal/event"
	"calwatch/internal/logger"
	"calwatch/internal/monitor"
	"calwatch/internal/notify"
	"calwatch/internal/storage/sqlite"
)

// cliClock satisfies the controller clock over the wall clock.
type cliClock struct{}

func (cliClock) NowMillis() int64 { return time.Now().UnixMilli() }

// nudgeRescheduler stands in for the daemon's alarm scheduler in CLI
// processes. The CLI cannot re-arm the daemon's in-process timer, so it
// bumps the rescan-request key instead; the daemon's heartbeat observes the
// bump and runs a full pass, which reschedules.
type nudgeRescheduler struct {
	state *sqlite.StateStore
}

func (n *nudgeRescheduler) Reschedule(ctx context.Context) error {
	return n.state.SetInt64(ctx, sqlite.KeyRescanRequestedAt, time.Now().UnixMilli())
}

// cliEnv bundles everything a data command needs against the shared
// database.
type cliEnv struct {
	cfg  *config.Config
	db   *sqlite.DB
	al   *sqlite.AlertStore
	ev   *sqlite.EventStore
	dis  *sqlite.DismissedStore
	st   *sqlite.StateStore
	ctrl *controller.Controller
	mon  *monitor.Monitor
}

// openEnv opens the shared database and wires a CLI-side controller.
// Callers must Close.
func openEnv() (*cliEnv, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logLevel := logger.LevelWarn
	if debug {
		logLevel = logger.LevelDebug
	}
	logger.InitLogger(logLevel, "")

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", cfg.Database.Path, err)
	}

	env := &cliEnv{
		cfg: cfg,
		db:  db,
		al:  sqlite.NewAlertStore(db),
		ev:  sqlite.NewEventStore(db),
		dis: sqlite.NewDismissedStore(db),
		st:  sqlite.NewStateStore(db),
	}

	provider := ics.NewProvider(providerConfig(cfg))
	env.ctrl = controller.New(env.ev, env.dis, env.st,
		notify.NewLogNotifier(), &nudgeRescheduler{state: env.st},
		provider, cfg, cliClock{})
	env.mon = monitor.New(provider, env.al, env.st, env.ctrl, nil)

	return env, nil
}

func (e *cliEnv) Close() {
	if err := e.db.Close(); err != nil {
		logger.Warn("failed to close database", "error", err.Error())
	}
	logger.Close()
}

// providerConfig maps the loaded config onto the ICS provider config.
func providerConfig(cfg *config.Config) ics.Config {
	pc := ics.Config{
		CacheDir:         cfg.Provider.CacheDir,
		RefreshInterval:  cfg.Provider.RefreshInterval,
		DefaultReminders: cfg.Provider.DefaultReminders,
	}
	for _, cal := range cfg.Calendars {
		pc.Calendars = append(pc.Calendars, ics.Calendar{
			ID:      cal.ID,
			Name:    cal.Name,
			URL:     cal.URL,
			Enabled: cal.Enabled,
			Color:   cal.Color,
		})
	}
	return pc
}

// resolveRecordKey turns CLI arguments into a record key. With only an
// event ID it resolves the instance, erroring if the event has more than
// one live record.
func resolveRecordKey(ctx context.Context, env *cliEnv, args []string) (event.RecordKey, error) {
	eventID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return event.RecordKey{}, fmt.Errorf("invalid event id %q: %w", args[0], err)
	}

	if len(args) >= 2 {
		start, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return event.RecordKey{}, fmt.Errorf("invalid instance start %q: %w", args[1], err)
		}
		return event.RecordKey{EventID: eventID, InstanceStartTime: start}, nil
	}

	records, err := env.ev.GetByEventID(ctx, eventID)
	if err != nil {
		return event.RecordKey{}, err
	}
	switch len(records) {
	case 0:
		return event.RecordKey{}, fmt.Errorf("no live alert for event %d", eventID)
	case 1:
		return records[0].Key(), nil
	default:
		var lines string
		for _, r := range records {
			lines += fmt.Sprintf("\n  %d %d  %s", r.EventID, r.InstanceStartTime,
				time.UnixMilli(r.InstanceStartTime).Format(time.RFC3339))
		}
		return event.RecordKey{}, fmt.Errorf(
			"event %d has %d live instances, specify an instance start:%s",
			eventID, len(records), lines)
	}
}

// listRow is the serializable view of one live record for --json/--yaml.
type listRow struct {
	EventID       int64  `json:"event_id" yaml:"event_id"`
	InstanceStart int64  `json:"instance_start" yaml:"instance_start"`
	CalendarID    int64  `json:"calendar_id" yaml:"calendar_id"`
	Title         string `json:"title" yaml:"title"`
	Start         string `json:"start" yaml:"start"`
	AlertTime     string `json:"alert_time" yaml:"alert_time"`
	State         string `json:"state" yaml:"state"`
	SnoozedUntil  string `json:"snoozed_until,omitempty" yaml:"snoozed_until,omitempty"`
}

func recordState(r *event.AlertRecord, now int64) string {
	switch {
	case r.Muted:
		return "muted"
	case r.IsSnoozed(now):
		return "snoozed"
	case r.DisplayStatus == event.DisplayHidden:
		return "hidden"
	case r.DisplayStatus == event.DisplayCollapsed:
		return "collapsed"
	default:
		return "visible"
	}
}

// newListCmd creates the list subcommand
func newListCmd() *cobra.Command {
	var yamlOutput bool
	var showDismissed bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active event alerts",
		Long: `List the live event alert records in the shared database, including
snoozed and muted ones. Use --dismissed to list recently dismissed alerts
instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.Close()

			ctx := context.Background()

			if showDismissed {
				return listDismissed(ctx, env)
			}

			records, err := env.ev.GetAll(ctx)
			if err != nil {
				return fmt.Errorf("reading records: %w", err)
			}

			sort.Slice(records, func(i, j int) bool {
				return records[i].InstanceStartTime < records[j].InstanceStartTime
			})

			now := time.Now().UnixMilli()

			if yamlOutput {
				rows := make([]listRow, 0, len(records))
				for i := range records {
					rows = append(rows, rowOf(&records[i], now))
				}
				out, err := yaml.Marshal(rows)
				if err != nil {
					return err
				}
				os.Stdout.Write(out)
				return nil
			}

			if len(records) == 0 {
				fmt.Println("No live event alerts.")
				return nil
			}

			printRecordTable(records, now)
			return nil
		},
	}
	cmd.Flags().BoolVar(&yamlOutput, "yaml", false, "output as YAML")
	cmd.Flags().BoolVar(&showDismissed, "dismissed", false, "list recently dismissed alerts")
	return cmd
}

func rowOf(r *event.AlertRecord, now int64) listRow {
	row := listRow{
		EventID:       r.EventID,
		InstanceStart: r.InstanceStartTime,
		CalendarID:    r.CalendarID,
		Title:         r.Title,
		Start:         time.UnixMilli(r.InstanceStartTime).Format(time.RFC3339),
		AlertTime:     time.UnixMilli(r.AlertTime).Format(time.RFC3339),
		State:         recordState(r, now),
	}
	if r.IsSnoozed(now) {
		row.SnoozedUntil = time.UnixMilli(r.SnoozedUntil).Format(time.RFC3339)
	}
	return row
}

func printRecordTable(records []event.AlertRecord, now int64) {
	header := color.New(color.Bold)
	header.Printf("%-12s %-15s %-30s %-20s %s\n",
		"EVENT", "INSTANCE", "TITLE", "START", "STATE")

	stateColors := map[string]*color.Color{
		"visible":   color.New(color.FgGreen),
		"snoozed":   color.New(color.FgYellow),
		"muted":     color.New(color.FgHiBlack),
		"hidden":    color.New(color.FgHiBlack),
		"collapsed": color.New(color.FgCyan),
	}

	for i := range records {
		r := &records[i]
		state := recordState(r, now)

		title := r.Title
		if len(title) > 28 {
			title = title[:27] + "…"
		}

		stateText := state
		if state == "snoozed" {
			stateText = fmt.Sprintf("snoozed (%s)", humanize.Time(time.UnixMilli(r.SnoozedUntil)))
		}

		fmt.Printf("%-12d %-15d %-30s %-20s ",
			r.EventID, r.InstanceStartTime, title,
			humanize.Time(time.UnixMilli(r.InstanceStartTime)))
		if c, ok := stateColors[state]; ok {
			c.Println(stateText)
		} else {
			fmt.Println(stateText)
		}
	}

	fmt.Printf("\n%d live alert(s)\n", len(records))
}

func listDismissed(ctx context.Context, env *cliEnv) error {
	dismissed, err := env.dis.List(ctx, 50)
	if err != nil {
		return fmt.Errorf("reading dismissed records: %w", err)
	}

	if len(dismissed) == 0 {
		fmt.Println("No dismissed alerts.")
		return nil
	}

	header := color.New(color.Bold)
	header.Printf("%-12s %-15s %-30s %-15s %s\n",
		"EVENT", "INSTANCE", "TITLE", "TYPE", "DISMISSED")

	for i := range dismissed {
		d := &dismissed[i]
		title := d.Record.Title
		if len(title) > 28 {
			title = title[:27] + "…"
		}
		fmt.Printf("%-12d %-15d %-30s %-15s %s\n",
			d.Record.EventID, d.Record.InstanceStartTime, title,
			string(d.DismissType), humanize.Time(time.UnixMilli(d.DismissTime)))
	}

	fmt.Printf("\n%d dismissed alert(s)\n", len(dismissed))
	return nil
}

// newSnoozeCmd creates the snooze subcommand
func newSnoozeCmd() *cobra.Command {
	var snoozeFor time.Duration
	var snoozeUntil string

	cmd := &cobra.Command{
		Use:   "snooze <event-id> [instance-start]",
		Short: "Snooze an event alert",
		Long: `Snooze a live event alert for a duration (default 10m) or until an
absolute time (--until, RFC 3339 or HH:MM today). The alert re-surfaces when
the snooze expires.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.Close()

			ctx := context.Background()

			key, err := resolveRecordKey(ctx, env, args)
			if err != nil {
				return err
			}

			until := time.Now().Add(snoozeFor).UnixMilli()
			if snoozeUntil != "" {
				t, err := parseSnoozeUntil(snoozeUntil)
				if err != nil {
					return err
				}
				until = t.UnixMilli()
			}

			r, err := env.ctrl.SnoozeEvent(ctx, key, until)
			if err != nil {
				return err
			}

			fmt.Printf("Snoozed %q until %s\n", r.Title,
				time.UnixMilli(until).Format(time.Kitchen))
			return nil
		},
	}
	cmd.Flags().DurationVar(&snoozeFor, "for", 10*time.Minute, "snooze duration")
	cmd.Flags().StringVar(&snoozeUntil, "until", "", "snooze until an absolute time (RFC 3339 or HH:MM)")
	return cmd
}

// parseSnoozeUntil accepts an RFC 3339 timestamp or a bare HH:MM meaning
// today (tomorrow if already past).
func parseSnoozeUntil(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}

	clock, err := time.Parse("15:04", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --until value %q: want RFC 3339 or HH:MM", s)
	}

	now := time.Now()
	t := time.Date(now.Year(), now.Month(), now.Day(),
		clock.Hour(), clock.Minute(), 0, 0, now.Location())
	if !t.After(now) {
		t = t.Add(24 * time.Hour)
	}
	return t, nil
}

// newDismissCmd creates the dismiss subcommand
func newDismissCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dismiss <event-id> [instance-start]",
		Short: "Dismiss an event alert",
		Long: `Dismiss a live event alert. The record moves to the dismissed archive
and can be restored with 'calwatch restore'.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.Close()

			ctx := context.Background()

			key, err := resolveRecordKey(ctx, env, args)
			if err != nil {
				return err
			}

			if err := env.ctrl.DismissEvent(ctx, key, event.DismissManual); err != nil {
				return err
			}

			fmt.Printf("Dismissed event %d\n", key.EventID)
			return nil
		},
	}
}

// newRestoreCmd creates the restore subcommand
func newRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <event-id> [instance-start]",
		Short: "Restore a dismissed event alert",
		Long:  `Restore a previously dismissed event alert back into the live set.`,
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.Close()

			ctx := context.Background()

			eventID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid event id %q: %w", args[0], err)
			}

			var key event.RecordKey
			if len(args) >= 2 {
				start, err := strconv.ParseInt(args[1], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid instance start %q: %w", args[1], err)
				}
				key = event.RecordKey{EventID: eventID, InstanceStartTime: start}
			} else {
				// Dismissed records are not indexed by event alone, so scan
				// the recent archive for a match.
				dismissed, err := env.dis.List(ctx, 200)
				if err != nil {
					return err
				}
				found := false
				for i := range dismissed {
					if dismissed[i].Record.EventID == eventID {
						key = dismissed[i].Record.Key()
						found = true
						break
					}
				}
				if !found {
					return fmt.Errorf("no dismissed alert for event %d", eventID)
				}
			}

			r, err := env.ctrl.RestoreEvent(ctx, key)
			if err != nil {
				return err
			}

			// Reconcile the restored event's remaining reminders right away
			// rather than waiting for the next full scan.
			if _, err := env.mon.ScanForSingleEvent(ctx, key.EventID); err != nil {
				logger.Warn("targeted rescan after restore failed",
					"event_id", key.EventID, "error", err.Error())
			}

			fmt.Printf("Restored %q\n", r.Title)
			return nil
		},
	}
}

// newRescanCmd creates the rescan subcommand
func newRescanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rescan",
		Short: "Request an immediate calendar rescan",
		Long: `Ask the running daemon to perform a scan and reload pass now instead
of waiting for the next scheduled rescan. The daemon's heartbeat picks up
the request within its heartbeat interval.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.Close()

			ctx := context.Background()

			now := time.Now().UnixMilli()
			if err := env.st.SetInt64(ctx, sqlite.KeyRescanRequestedAt, now); err != nil {
				return fmt.Errorf("requesting rescan: %w", err)
			}

			fmt.Println("Rescan requested")
			return nil
		},
	}
}
