// Package monitor implements the calendar monitoring engine: it reconciles
// provider-pushed alerts, periodic scans, and persisted alert state into
// exactly-once alert firing, and computes when the daemon must wake up next.
package monitor

import (
	"context"
	"errors"
	"sort"
	"time"

	"calwatch/internal/calendar"
	"calwatch/internal/event"
	"calwatch/internal/logger"
)

// AlertStore is the alert persistence the monitor needs.
type AlertStore interface {
	AddOrReplace(ctx context.Context, entry *event.AlertEntry) error
	Get(ctx context.Context, key event.AlertKey) (*event.AlertEntry, error)
	GetInRange(ctx context.Context, from, to int64) ([]event.AlertEntry, error)
	GetAt(ctx context.Context, alertTime int64) ([]event.AlertEntry, error)
	GetForEvent(ctx context.Context, eventID int64) ([]event.AlertEntry, error)
	MarkHandled(ctx context.Context, keys []event.AlertKey) error
	ApplyMerge(ctx context.Context, toAdd, toUpdate []event.AlertEntry, toDelete []event.AlertKey) error
	DeleteHandledBefore(ctx context.Context, cutoff int64) (int64, error)
}

// Registrar is the registration funnel fired alerts are handed to. It owns
// dedup, so delivering the same alert to it more than once is safe.
type Registrar interface {
	RegisterNewEvents(ctx context.Context, records []event.AlertRecord) ([]event.AlertRecord, error)
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Monitor reconciles three sources of truth about pending alerts: the
// provider push path, the periodic pull scan, and the persisted alert
// store. It is the single place deciding what is due now and when to wake
// up next.
type Monitor struct {
	provider  calendar.Provider
	alerts    AlertStore
	state     StateAccess
	registrar Registrar
	clock     Clock
}

// New creates a monitor. A nil clock selects the real clock.
func New(provider calendar.Provider, alerts AlertStore, state StateAccess, registrar Registrar, clock Clock) *Monitor {
	if clock == nil {
		clock = realClock{}
	}

	return &Monitor{
		provider:  provider,
		alerts:    alerts,
		state:     state,
		registrar: registrar,
		clock:     clock,
	}
}

func (m *Monitor) now() int64 {
	return m.clock.Now().UnixMilli()
}

// OnProviderAlert handles the push path: the provider announced that alerts
// scheduled at alertTime are firing. Every considered alert is acknowledged
// at the provider so the source never re-announces it; cancelled or
// declined instances are silently dropped but still acknowledged and marked
// handled.
func (m *Monitor) OnProviderAlert(ctx context.Context, alertTime int64) error {
	if !m.provider.Available() {
		return calendar.ErrProviderUnavailable
	}

	records, err := m.provider.GetAlertsAtTime(ctx, alertTime, false)
	if err != nil {
		return err
	}

	logger.Debug("provider alert received", "alert_time", alertTime, "alerts", len(records))

	var toRegister []event.AlertRecord
	var toHandle []event.AlertKey
	dismissed := make(map[int64]struct{})

	for i := range records {
		rec := &records[i]
		key := event.AlertKey{EventID: rec.EventID, AlertTime: rec.AlertTime, InstanceStartTime: rec.InstanceStartTime}

		// Always clear the native alert, even for skipped entries, so the
		// provider cannot deliver it again.
		if _, done := dismissed[rec.EventID]; !done {
			if err := m.provider.DismissNativeEventAlert(ctx, rec.EventID); err != nil {
				logger.Warn("failed to dismiss native alert", "event_id", rec.EventID, "error", err.Error())
			}
			dismissed[rec.EventID] = struct{}{}
		}

		known, err := m.alerts.Get(ctx, key)
		if err != nil {
			return err
		}
		if known != nil && known.WasHandled {
			continue
		}

		if known == nil {
			entry := event.AlertEntry{
				EventID:           rec.EventID,
				AlertTime:         rec.AlertTime,
				InstanceStartTime: rec.InstanceStartTime,
				InstanceEndTime:   rec.InstanceEndTime,
				AllDay:            rec.AllDay,
			}
			if err := m.alerts.AddOrReplace(ctx, &entry); err != nil {
				return err
			}
		}

		if rec.IsCancelledOrDeclined() {
			logger.Debug("dropping cancelled/declined alert", "event_id", rec.EventID, "status", rec.EventStatus.String())
			toHandle = append(toHandle, key)
			continue
		}

		rec.Origin = event.OriginProviderPush
		toRegister = append(toRegister, *rec)
		toHandle = append(toHandle, key)
	}

	if len(toRegister) > 0 {
		if _, err := m.registrar.RegisterNewEvents(ctx, toRegister); err != nil {
			return err
		}
	}

	return m.alerts.MarkHandled(ctx, toHandle)
}

// OnAlarm handles the self-scheduled wake path: if the persisted next fire
// position is imminent, fire everything between the previous and next fire
// positions that has not fired yet. Returns whether anything fired.
func (m *Monitor) OnAlarm(ctx context.Context) (bool, error) {
	if !m.provider.Available() {
		return false, calendar.ErrProviderUnavailable
	}

	st, err := LoadScanState(ctx, m.state)
	if err != nil {
		return false, err
	}

	now := m.now()

	if st.NextEventFireFromScan == event.InfiniteTime || st.NextEventFireFromScan > now+event.AlarmThreshold {
		logger.Debug("alarm fired with nothing imminent", "next_fire", st.NextEventFireFromScan)
		return false, nil
	}

	var prev *int64
	if st.PrevEventFireFromScan > 0 {
		prev = &st.PrevEventFireFromScan
	}

	fired, maxFired, err := m.manualFireAlertsAt(ctx, st.NextEventFireFromScan, prev)
	if err != nil {
		return false, err
	}

	if fired > 0 && maxFired > st.PrevEventFireFromScan {
		st.PrevEventFireFromScan = maxFired
		if err := SaveScanState(ctx, m.state, st); err != nil {
			return false, err
		}
	}

	return fired > 0, nil
}

// ScanNextEvent is the core polling pass: pull provider alerts for the scan
// window, merge them into the alert store, fire what is due, and return the
// next alert time after the due horizon (InfiniteTime when none) together
// with whether anything fired.
func (m *Monitor) ScanNextEvent(ctx context.Context) (int64, bool, error) {
	if !m.provider.Available() {
		return event.InfiniteTime, false, calendar.ErrProviderUnavailable
	}

	st, err := LoadScanState(ctx, m.state)
	if err != nil {
		return event.InfiniteTime, false, err
	}

	now := m.now()
	scanFrom, scanTo := scanWindow(now, st.PrevEventScanTo)

	providerAlerts, err := m.provider.GetEventAlertsForRange(ctx, scanFrom, scanTo)
	if err != nil {
		return event.InfiniteTime, false, err
	}

	known, err := m.alerts.GetInRange(ctx, scanFrom, scanTo)
	if err != nil {
		return event.InfiniteTime, false, err
	}

	merge := computeMerge(known, providerAlerts)
	if !merge.empty() {
		logger.Info("scan merge",
			"added", len(merge.toAdd), "updated", len(merge.toUpdate), "deleted", len(merge.toDelete))

		if err := m.alerts.ApplyMerge(ctx, merge.toAdd, merge.toUpdate, merge.toDelete); err != nil {
			return event.InfiniteTime, false, err
		}
	}

	current, err := m.alerts.GetInRange(ctx, scanFrom, scanTo)
	if err != nil {
		return event.InfiniteTime, false, err
	}

	due, next := splitDue(current, now)

	fired := false

	switch {
	case st.FirstScanEver:
		// A fresh install sees every historical alert in the window as
		// due. Mark them handled without firing so the user is not met
		// with a notification storm.
		if len(due) > 0 {
			logger.Info("first scan ever, suppressing due alerts", "count", len(due))
			if err := m.alerts.MarkHandled(ctx, keysOf(due)); err != nil {
				return event.InfiniteTime, false, err
			}
		}
		st.FirstScanEver = false

	case len(due) > 0:
		due, skipped := capDueAlerts(due)
		if len(skipped) > 0 {
			logger.Warn("too many due alerts, truncating batch",
				"firing", len(due), "skipped", len(skipped))
			if err := m.alerts.MarkHandled(ctx, keysOf(skipped)); err != nil {
				return event.InfiniteTime, false, err
			}
		}

		count, maxFired, err := m.fireAlertList(ctx, due, event.OriginFullManual)
		if err != nil {
			return event.InfiniteTime, false, err
		}

		fired = count > 0
		if maxFired > st.PrevEventFireFromScan {
			st.PrevEventFireFromScan = maxFired
		}
	}

	st.PrevEventScanTo = scanTo
	st.NextEventFireFromScan = next

	if err := SaveScanState(ctx, m.state, st); err != nil {
		return event.InfiniteTime, false, err
	}

	// Storage GC: handled alerts that fell behind the scan window are no
	// longer needed for dedup.
	if deleted, err := m.alerts.DeleteHandledBefore(ctx, scanFrom); err != nil {
		logger.Warn("alert GC failed", "error", err.Error())
	} else if deleted > 0 {
		logger.Debug("alert GC", "deleted", deleted)
	}

	return next, fired, nil
}

// ScanForSingleEvent re-scans one event's alerts after a targeted change,
// applying the same merge and due-fire logic scoped to that event.
func (m *Monitor) ScanForSingleEvent(ctx context.Context, eventID int64) (bool, error) {
	if !m.provider.Available() {
		return false, calendar.ErrProviderUnavailable
	}

	providerAlerts, err := m.provider.GetEventAlertsForEvent(ctx, eventID)
	if err != nil {
		return false, err
	}

	known, err := m.alerts.GetForEvent(ctx, eventID)
	if err != nil {
		return false, err
	}

	merge := computeMerge(known, providerAlerts)
	if !merge.empty() {
		if err := m.alerts.ApplyMerge(ctx, merge.toAdd, merge.toUpdate, merge.toDelete); err != nil {
			return false, err
		}
	}

	current, err := m.alerts.GetForEvent(ctx, eventID)
	if err != nil {
		return false, err
	}

	now := m.now()
	due, _ := splitDue(current, now)
	if len(due) == 0 {
		return false, nil
	}

	count, _, err := m.fireAlertList(ctx, due, event.OriginFullManual)
	if err != nil {
		return false, err
	}

	return count > 0, nil
}

// manualFireAlertsAt is the shared firing primitive: it reads unhandled
// alerts in (prevFire, nextFire] (or exactly nextFire when no previous fire
// position exists), sorts them by alert time, and fires them. No state
// housekeeping happens here; callers advance the high-water mark.
func (m *Monitor) manualFireAlertsAt(ctx context.Context, nextFire int64, prevFire *int64) (int, int64, error) {
	var entries []event.AlertEntry
	var err error

	if prevFire != nil {
		entries, err = m.alerts.GetInRange(ctx, *prevFire, nextFire)
	} else {
		entries, err = m.alerts.GetAt(ctx, nextFire)
	}
	if err != nil {
		return 0, 0, err
	}

	unhandled := entries[:0]
	for _, entry := range entries {
		if !entry.WasHandled {
			unhandled = append(unhandled, entry)
		}
	}

	if len(unhandled) == 0 {
		return 0, 0, nil
	}

	sort.Slice(unhandled, func(i, j int) bool {
		return unhandled[i].AlertTime < unhandled[j].AlertTime
	})

	return m.fireAlertList(ctx, unhandled, event.OriginFullManual)
}

// fireAlertList resolves each alert into a registrable record and funnels
// the batch through the registrar. Resolution prefers the live provider
// alert (authoritative); falls back to the owning event when the alert was
// already consumed; gives up, permanently, when neither is readable. All
// processed alerts are marked handled afterwards, and the maximum fired
// alert time is returned as the new high-water mark candidate.
func (m *Monitor) fireAlertList(ctx context.Context, entries []event.AlertEntry, origin event.Origin) (int, int64, error) {
	now := m.now()

	var toRegister []event.AlertRecord
	var toHandle []event.AlertKey
	var maxFired int64

	for i := range entries {
		entry := &entries[i]
		if entry.WasHandled {
			continue
		}

		rec, synthesized, err := m.resolveAlert(ctx, entry, origin, now)
		if err != nil {
			return 0, 0, err
		}

		toHandle = append(toHandle, entry.Key())

		if synthesized && !entry.CreatedByUs {
			// The provider no longer carries this alert; the record exists
			// only because we derived it from the owning event. Flag the
			// entry as ours so later merges do not read its absence from
			// the provider as a deletion.
			entry.CreatedByUs = true
			if err := m.alerts.AddOrReplace(ctx, entry); err != nil {
				return 0, 0, err
			}
		}

		if rec == nil {
			// Neither the alert nor its owning event is readable. Retrying
			// cannot succeed, so give up rather than loop forever.
			logger.Error("alert unrecoverable, dropping",
				"event_id", entry.EventID, "alert_time", entry.AlertTime)
			continue
		}

		if rec.IsCancelledOrDeclined() {
			logger.Debug("dropping cancelled/declined alert on fire", "event_id", rec.EventID)
			if err := m.provider.DismissNativeEventAlert(ctx, rec.EventID); err != nil {
				logger.Warn("failed to dismiss native alert", "event_id", rec.EventID, "error", err.Error())
			}
			continue
		}

		toRegister = append(toRegister, *rec)
		if entry.AlertTime > maxFired {
			maxFired = entry.AlertTime
		}
	}

	fired := 0
	if len(toRegister) > 0 {
		registered, err := m.registrar.RegisterNewEvents(ctx, toRegister)
		if err != nil {
			return 0, 0, err
		}
		fired = len(registered)
	}

	if err := m.alerts.MarkHandled(ctx, toHandle); err != nil {
		return 0, 0, err
	}

	return fired, maxFired, nil
}

// resolveAlert turns an alert entry into a registrable record, or nil when
// permanently unrecoverable. Provider read errors other than unavailability
// degrade to the next fallback instead of aborting the batch. The second
// return reports whether the record was synthesized from the owning event
// rather than read from a live provider alert.
func (m *Monitor) resolveAlert(ctx context.Context, entry *event.AlertEntry, origin event.Origin, now int64) (*event.AlertRecord, bool, error) {
	rec, err := m.provider.GetAlertByEventIDAndTime(ctx, entry.EventID, entry.AlertTime)
	if errors.Is(err, calendar.ErrProviderUnavailable) {
		return nil, false, err
	}
	if err != nil {
		logger.Warn("provider alert read failed, falling back to event",
			"event_id", entry.EventID, "error", err.Error())
	}

	if rec != nil {
		rec.Origin = origin
		if rec.TimeFirstSeen == 0 {
			rec.TimeFirstSeen = now
		}
		if rec.LastStatusChangeTime == 0 {
			rec.LastStatusChangeTime = now
		}
		return rec, false, nil
	}

	ev, err := m.provider.GetEvent(ctx, entry.EventID)
	if errors.Is(err, calendar.ErrProviderUnavailable) {
		return nil, false, err
	}
	if err != nil || ev == nil {
		return nil, false, nil
	}

	synthesized := ev.ToRecord(entry.InstanceStartTime, entry.InstanceEndTime, entry.AlertTime, origin, now)
	return &synthesized, true, nil
}

// scanWindow computes the scan range. The backward edge continues from the
// previous scan position (so nothing is missed across downtime) but is
// bounded to keep provider query cost sane; the forward edge is the manual
// scan horizon.
func scanWindow(now, prevScanTo int64) (from, to int64) {
	from = now - event.AlertRetention
	if prevScanTo > 0 && prevScanTo < from {
		from = prevScanTo
	}

	if lowest := now - event.MaxScanBackwardWindow; from < lowest {
		from = lowest
	}

	return from, now + event.ManualScanWindow
}

// splitDue partitions entries into those due now and computes the earliest
// alert time after the due horizon (InfiniteTime when none).
func splitDue(entries []event.AlertEntry, now int64) (due []event.AlertEntry, next int64) {
	next = event.InfiniteTime

	for _, entry := range entries {
		if entry.WasHandled {
			continue
		}

		if entry.IsDue(now) {
			due = append(due, entry)
			continue
		}

		if entry.AlertTime < next {
			next = entry.AlertTime
		}
	}

	return due, next
}

// capDueAlerts enforces the manual-scan batch cap, keeping the alerts with
// the latest instance start times. The truncated remainder is returned so
// the caller can mark it handled; leaving it unhandled would re-create the
// oversized batch on every following pass.
func capDueAlerts(due []event.AlertEntry) (kept, skipped []event.AlertEntry) {
	if len(due) <= event.MaxDueAlertsForManualScan {
		return due, nil
	}

	sorted := make([]event.AlertEntry, len(due))
	copy(sorted, due)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].InstanceStartTime > sorted[j].InstanceStartTime
	})

	return sorted[:event.MaxDueAlertsForManualScan], sorted[event.MaxDueAlertsForManualScan:]
}

func keysOf(entries []event.AlertEntry) []event.AlertKey {
	keys := make([]event.AlertKey, 0, len(entries))
	for i := range entries {
		keys = append(keys, entries[i].Key())
	}
	return keys
}
