package ics

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"math"
	"sort"
	"sync"
	"time"

	"calwatch/internal/calendar"
	"calwatch/internal/event"
	"calwatch/internal/logger"
)

// Calendar is one configured feed subscription.
type Calendar struct {
	// ID is the stable internal calendar identifier. Assigned in config
	// and never reused across feeds.
	ID int64

	Name string
	URL  string

	// Enabled gates whether this calendar's alerts are handled at all.
	Enabled bool

	// Color is a display hint carried through to records.
	Color int
}

// Config configures the ICS provider.
type Config struct {
	Calendars []Calendar

	// CacheDir is where feed bodies and validators are cached.
	CacheDir string

	// RefreshInterval is how long a fetched snapshot stays fresh before
	// reads trigger a re-fetch. Default 5 minutes.
	RefreshInterval time.Duration

	// DefaultReminders are the offsets applied to events whose feed
	// carries no VALARM. Default: 15 minutes before start.
	DefaultReminders []time.Duration
}

// feedEvent is one event as assembled from a feed snapshot: the base
// VEVENT, its instance overrides, and the resolved reminder offsets.
type feedEvent struct {
	source    Source
	color     int
	base      ParsedEvent
	overrides []ParsedEvent
	reminders []int64
	repeating bool
}

// Provider implements calendar.Provider over ICS feed subscriptions. Feeds
// are read-only: DeleteEvent always reports failure, and native-alert
// dismissal is tracked locally so re-fetches do not re-announce.
type Provider struct {
	cfg     Config
	fetcher *Fetcher
	nowFn   func() time.Time

	mu          sync.RWMutex
	events      map[int64]*feedEvent
	available   bool
	lastRefresh time.Time

	// acks maps eventID to the latest alert time acknowledged via
	// DismissNativeEventAlert. Alerts at or before the ack are treated as
	// already dismissed at the source.
	acks map[int64]int64
}

// NewProvider creates an ICS provider. Call Refresh before first use, or
// let the first read trigger it.
func NewProvider(cfg Config) *Provider {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Minute
	}
	if len(cfg.DefaultReminders) == 0 {
		cfg.DefaultReminders = []time.Duration{15 * time.Minute}
	}

	return &Provider{
		cfg:     cfg,
		fetcher: NewFetcher(cfg.CacheDir),
		nowFn:   time.Now,
		events:  make(map[int64]*feedEvent),
		acks:    make(map[int64]int64),
	}
}

// EventID derives the stable engine identifier for an event: FNV-64a over
// the calendar ID and the ICS UID, masked positive.
func EventID(calendarID int64, uid string) int64 {
	h := fnv.New64a()

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(calendarID))
	h.Write(buf[:])
	h.Write([]byte(uid))

	return int64(h.Sum64() & math.MaxInt64)
}

// Refresh re-fetches every enabled feed and rebuilds the event snapshot.
// The provider is available as long as at least one feed produced a body
// (fresh or cached).
func (p *Provider) Refresh(ctx context.Context) error {
	var sources []Source
	for _, c := range p.cfg.Calendars {
		if !c.Enabled {
			continue
		}
		sources = append(sources, Source{CalendarID: c.ID, Name: c.Name, URL: c.URL})
	}

	colors := make(map[int64]int, len(p.cfg.Calendars))
	for _, c := range p.cfg.Calendars {
		colors[c.ID] = c.Color
	}

	results, errs := p.fetcher.FetchAll(ctx, sources)

	events := make(map[int64]*feedEvent)

	for _, res := range results {
		parsed, err := ParseICS(res.Source, res.Body)
		if err != nil {
			logger.Warn("ics feed unparseable",
				"calendar_id", res.Source.CalendarID, "error", err.Error())
			continue
		}

		for _, ev := range parsed {
			id := EventID(res.Source.CalendarID, ev.UID)

			fe, ok := events[id]
			if !ok {
				fe = &feedEvent{source: res.Source, color: colors[res.Source.CalendarID]}
				events[id] = fe
			}

			if ev.IsOverride {
				fe.overrides = append(fe.overrides, ev)
				continue
			}

			// Duplicate base UIDs keep the highest SEQUENCE.
			if fe.base.UID == "" || ev.Seq >= fe.base.Seq {
				fe.base = ev
			}
		}
	}

	// Overrides without a base cannot be expanded.
	for id, fe := range events {
		if fe.base.UID == "" {
			delete(events, id)
			continue
		}

		fe.repeating = fe.base.RawRRule != ""
		fe.reminders = fe.base.Reminders
		if len(fe.reminders) == 0 {
			for _, d := range p.cfg.DefaultReminders {
				fe.reminders = append(fe.reminders, int64(d/time.Millisecond))
			}
		}
	}

	available := len(sources) == 0 || len(results) > 0

	p.mu.Lock()
	p.events = events
	p.available = available
	p.lastRefresh = p.nowFn()
	p.mu.Unlock()

	logger.Info("ics provider refreshed",
		"feeds", len(sources), "fetched", len(results), "events", len(events), "errors", len(errs))

	if !available {
		return calendar.ErrProviderUnavailable
	}

	return nil
}

// ensureFresh refreshes the snapshot when it is stale, then reports
// availability.
func (p *Provider) ensureFresh(ctx context.Context) error {
	p.mu.RLock()
	fresh := !p.lastRefresh.IsZero() && p.nowFn().Sub(p.lastRefresh) < p.cfg.RefreshInterval
	available := p.available
	p.mu.RUnlock()

	if fresh {
		if !available {
			return calendar.ErrProviderUnavailable
		}
		return nil
	}

	return p.Refresh(ctx)
}

// Available reports whether the feeds can currently be read. Triggers a
// fetch when no snapshot exists yet.
func (p *Provider) Available() bool {
	p.mu.RLock()
	never := p.lastRefresh.IsZero()
	available := p.available
	p.mu.RUnlock()

	if never {
		if err := p.Refresh(context.Background()); err != nil {
			return false
		}
		p.mu.RLock()
		available = p.available
		p.mu.RUnlock()
	}

	return available
}

// maxReminderOffset returns the largest reminder offset across the
// snapshot, bounding how far instance expansion must look past an
// alert-time window.
func maxReminderOffset(events map[int64]*feedEvent) int64 {
	max := int64(0)
	for _, fe := range events {
		for _, o := range fe.reminders {
			if o > max {
				max = o
			}
		}
	}
	return max
}

// alertInstance pairs one expanded occurrence with one reminder firing.
type alertInstance struct {
	fe        *feedEvent
	inst      Instance
	alertTime int64
}

// alertsInRange expands every snapshot event and returns the alert firings
// with alertTime in [from, to]. Caller holds at least a read lock.
func (p *Provider) alertsInRange(from, to int64) []alertInstance {
	instFrom := event.TimeOfMillis(from)
	instTo := event.TimeOfMillis(to + maxReminderOffset(p.events))

	var out []alertInstance

	for _, fe := range p.events {
		for _, inst := range ExpandInstances(fe.base, fe.overrides, instFrom, instTo) {
			start := event.UnixMillis(inst.Start)
			for _, offset := range fe.reminders {
				at := start - offset
				if at < from || at > to {
					continue
				}
				out = append(out, alertInstance{fe: fe, inst: inst, alertTime: at})
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].alertTime != out[j].alertTime {
			return out[i].alertTime < out[j].alertTime
		}
		return event.UnixMillis(out[i].inst.Start) < event.UnixMillis(out[j].inst.Start)
	})

	return out
}

func (p *Provider) entryOf(ai alertInstance) event.AlertEntry {
	return event.AlertEntry{
		EventID:           EventID(ai.fe.source.CalendarID, ai.fe.base.UID),
		AlertTime:         ai.alertTime,
		InstanceStartTime: event.UnixMillis(ai.inst.Start),
		InstanceEndTime:   event.UnixMillis(ai.inst.End),
		AllDay:            ai.inst.Event.AllDay,
	}
}

func (p *Provider) recordOf(ai alertInstance) event.AlertRecord {
	ev := ai.inst.Event

	return event.AlertRecord{
		EventID:           EventID(ai.fe.source.CalendarID, ai.fe.base.UID),
		CalendarID:        ai.fe.source.CalendarID,
		Title:             ev.Summary,
		Description:       ev.Description,
		Location:          ev.Location,
		StartTime:         event.UnixMillis(ai.inst.Start),
		EndTime:           event.UnixMillis(ai.inst.End),
		InstanceStartTime: event.UnixMillis(ai.inst.Start),
		InstanceEndTime:   event.UnixMillis(ai.inst.End),
		AlertTime:         ai.alertTime,
		AllDay:            ev.AllDay,
		Repeating:         ai.fe.repeating,
		Color:             ai.fe.color,
		Origin:            event.OriginProviderPush,
		DisplayStatus:     event.DisplayHidden,
		EventStatus:       ev.Status,
		Attendance:        ev.Attendance,
	}
}

// GetEvent returns the current view of one event, resolved against the
// occurrence nearest to now: the next instance still running or upcoming,
// else the most recent past one.
func (p *Provider) GetEvent(ctx context.Context, eventID int64) (*calendar.Event, error) {
	if err := p.ensureFresh(ctx); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	fe, ok := p.events[eventID]
	if !ok {
		return nil, nil
	}

	now := p.nowFn()
	instances := ExpandInstances(fe.base, fe.overrides,
		now.Add(-24*time.Hour), now.Add(time.Duration(event.ManualScanWindow)*time.Millisecond))

	start, end := fe.base.Start, fe.base.End
	details := fe.base

	for i := range instances {
		inst := instances[i]
		start, end = inst.Start, inst.End
		details = inst.Event
		if inst.End.After(now) {
			break
		}
	}

	return &calendar.Event{
		EventID:     eventID,
		CalendarID:  fe.source.CalendarID,
		Title:       details.Summary,
		Description: details.Description,
		Location:    details.Location,
		StartTime:   event.UnixMillis(start),
		EndTime:     event.UnixMillis(end),
		AllDay:      details.AllDay,
		Repeating:   fe.repeating,
		Color:       fe.color,
		EventStatus: details.Status,
		Attendance:  details.Attendance,
		Reminders:   fe.reminders,
	}, nil
}

// GetAlertByEventIDAndTime re-fetches one specific alert slot. Returns nil
// when no instance of the event fires a reminder at exactly alertTime.
func (p *Provider) GetAlertByEventIDAndTime(ctx context.Context, eventID, alertTime int64) (*event.AlertRecord, error) {
	if err := p.ensureFresh(ctx); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	fe, ok := p.events[eventID]
	if !ok {
		return nil, nil
	}

	instFrom := event.TimeOfMillis(alertTime)
	instTo := event.TimeOfMillis(alertTime + maxOffsetOf(fe.reminders))

	for _, inst := range ExpandInstances(fe.base, fe.overrides, instFrom, instTo) {
		start := event.UnixMillis(inst.Start)
		for _, offset := range fe.reminders {
			if start-offset == alertTime {
				r := p.recordOf(alertInstance{fe: fe, inst: inst, alertTime: alertTime})
				return &r, nil
			}
		}
	}

	return nil, nil
}

func maxOffsetOf(offsets []int64) int64 {
	max := int64(0)
	for _, o := range offsets {
		if o > max {
			max = o
		}
	}
	return max
}

// GetAlertsAtTime returns every alert firing at exactly alertTime across
// all feeds. With skipDismissed, alerts already acknowledged at or past
// that time are omitted.
func (p *Provider) GetAlertsAtTime(ctx context.Context, alertTime int64, skipDismissed bool) ([]event.AlertRecord, error) {
	if err := p.ensureFresh(ctx); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []event.AlertRecord

	for _, ai := range p.alertsInRange(alertTime, alertTime) {
		r := p.recordOf(ai)

		if skipDismissed && p.acks[r.EventID] >= alertTime {
			continue
		}

		out = append(out, r)
	}

	return out, nil
}

// GetEventAlertsForEvent returns the alert entries for all upcoming
// instances of one event.
func (p *Provider) GetEventAlertsForEvent(ctx context.Context, eventID int64) ([]event.AlertEntry, error) {
	if err := p.ensureFresh(ctx); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	fe, ok := p.events[eventID]
	if !ok {
		return nil, nil
	}

	now := event.UnixMillis(p.nowFn())

	var out []event.AlertEntry

	for _, inst := range ExpandInstances(fe.base, fe.overrides,
		event.TimeOfMillis(now), event.TimeOfMillis(now+event.ManualScanWindow)) {
		start := event.UnixMillis(inst.Start)
		for _, offset := range fe.reminders {
			out = append(out, p.entryOf(alertInstance{fe: fe, inst: inst, alertTime: start - offset}))
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].AlertTime < out[j].AlertTime })

	return out, nil
}

// GetEventAlertsForRange returns the alert entries for all instances whose
// alert time falls inside [from, to).
func (p *Provider) GetEventAlertsForRange(ctx context.Context, from, to int64) ([]event.AlertEntry, error) {
	if err := p.ensureFresh(ctx); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []event.AlertEntry
	for _, ai := range p.alertsInRange(from, to-1) {
		out = append(out, p.entryOf(ai))
	}

	return out, nil
}

// IsRepeatingEvent reports whether the event recurs, or nil when the event
// is unknown to any feed.
func (p *Provider) IsRepeatingEvent(ctx context.Context, eventID int64) (*bool, error) {
	if err := p.ensureFresh(ctx); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	fe, ok := p.events[eventID]
	if !ok {
		return nil, nil
	}

	repeating := fe.repeating
	return &repeating, nil
}

// DismissNativeEventAlert acknowledges the source's copy of an event's
// alerts through now. Feeds have no writable alert state, so the ack is
// tracked locally and consulted by GetAlertsAtTime.
func (p *Provider) DismissNativeEventAlert(ctx context.Context, eventID int64) error {
	now := event.UnixMillis(p.nowFn())

	p.mu.Lock()
	if p.acks[eventID] < now {
		p.acks[eventID] = now
	}
	p.mu.Unlock()

	logger.Debug("native alert acknowledged", "event_id", eventID)

	return nil
}

// DeleteEvent always reports failure: ICS subscriptions are read-only.
func (p *Provider) DeleteEvent(ctx context.Context, eventID int64) (bool, error) {
	return false, nil
}

// HandledCalendarIDs returns the enabled calendars the given settings mark
// as handled.
func (p *Provider) HandledCalendarIDs(ctx context.Context, settings calendar.Settings) (map[int64]struct{}, error) {
	handled := make(map[int64]struct{})

	for _, c := range p.cfg.Calendars {
		if c.Enabled && settings.CalendarHandled(c.ID) {
			handled[c.ID] = struct{}{}
		}
	}

	return handled, nil
}
