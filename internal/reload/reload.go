// Package reload detects drift between registered, notification-bearing
// records and the live calendar, classifying the corrective action for each
// record and applying the result in bulk.
package reload

import (
	"context"
	"errors"

	"calwatch/internal/calendar"
	"calwatch/internal/event"
	"calwatch/internal/logger"
)

// Code classifies the outcome of reloading one record.
type Code int

const (
	// CodeNoChange means the record matches the provider's current view.
	CodeNoChange Code = iota

	// CodeUpdated means details changed but the instance identity did not.
	CodeUpdated

	// CodeInstanceMoved means the instance start moved, which changes the
	// record's storage key.
	CodeInstanceMoved

	// CodeAutoDismissed means the event moved far enough ahead that the
	// stale notification is safe to drop: a fresh alert will fire later.
	CodeAutoDismissed
)

// Result is the classified outcome for one record. Record carries the
// merged field values for CodeUpdated and CodeInstanceMoved; OldKey is the
// pre-move identity for CodeInstanceMoved.
type Result struct {
	Code   Code
	Record *event.AlertRecord
	OldKey event.RecordKey
}

// EventStore is the live-record persistence the reload manager needs.
type EventStore interface {
	GetAll(ctx context.Context) ([]event.AlertRecord, error)
	GetSnoozed(ctx context.Context, now int64) ([]event.AlertRecord, error)
	UpdateBatch(ctx context.Context, records []event.AlertRecord) error
	MoveInstance(ctx context.Context, oldKey event.RecordKey, r *event.AlertRecord) error
}

// Dismisser archives and removes a batch of records. Implemented by the
// controller so dismissals go through the usual notification path.
type Dismisser interface {
	DismissEvents(ctx context.Context, records []event.AlertRecord, dismissType event.DismissType) error
}

// Clock abstracts time for tests.
type Clock interface {
	NowMillis() int64
}

// Manager reconciles stored records against the provider's current view.
type Manager struct {
	provider  calendar.Provider
	events    EventStore
	dismisser Dismisser
	clock     Clock
}

// New creates a reload manager.
func New(provider calendar.Provider, events EventStore, dismisser Dismisser, clock Clock) *Manager {
	return &Manager{
		provider:  provider,
		events:    events,
		dismisser: dismisser,
		clock:     clock,
	}
}

// excludedFromAutoDismiss reports whether a record may never be silently
// dropped by the move heuristic: manually created or restored records, and
// tasks, always stay until the user acts on them.
func excludedFromAutoDismiss(r *event.AlertRecord) bool {
	return r.Task || r.Origin == event.OriginFullManual || r.Origin == event.OriginManualRestore
}

// reloadRecord classifies the corrective action for one stored record
// against the provider's current view.
func (m *Manager) reloadRecord(ctx context.Context, r *event.AlertRecord, now int64) (Result, error) {
	// Step 1: non-repeating events that moved well ahead of the old alert
	// are auto-dismissed rather than corrected.
	if !r.Repeating && !excludedFromAutoDismiss(r) {
		e, err := m.provider.GetEvent(ctx, r.EventID)
		if err != nil {
			return Result{}, err
		}

		if e != nil && event.ShouldAutoDismissMovedEvent(r.StartTime, e.StartTime, e.NextAlarmTime(now), now) {
			return Result{Code: CodeAutoDismissed, Record: r}, nil
		}
	}

	// Step 2: re-fetch the same alert slot and diff field-by-field.
	cur, err := m.provider.GetAlertByEventIDAndTime(ctx, r.EventID, r.AlertTime)
	if err != nil {
		return Result{}, err
	}

	if cur != nil {
		changed := r.UpdateFrom(cur)

		if !changed {
			return Result{Code: CodeNoChange}, nil
		}

		// Repeating events never get instance-time corrections: recurrence
		// expansion makes the mapping from old slot to new slot unreliable.
		if r.Repeating || cur.InstanceStartTime == r.InstanceStartTime {
			return Result{Code: CodeUpdated, Record: r}, nil
		}

		oldKey := r.Key()
		r.InstanceStartTime = cur.InstanceStartTime
		r.InstanceEndTime = cur.InstanceEndTime

		return Result{Code: CodeInstanceMoved, Record: r, OldKey: oldKey}, nil
	}

	// Step 3: the alert slot is gone. Repeating events are left alone;
	// non-repeating events re-derive from the owning event.
	if r.Repeating {
		return Result{Code: CodeNoChange}, nil
	}

	e, err := m.provider.GetEvent(ctx, r.EventID)
	if err != nil {
		return Result{}, err
	}

	if e == nil {
		logger.Debug("event gone from provider, leaving record as-is",
			"event_id", r.EventID, "instance_start", r.InstanceStartTime)
		return Result{Code: CodeNoChange}, nil
	}

	oldKey := r.Key()

	r.Title = e.Title
	r.Description = e.Description
	r.Location = e.Location
	r.StartTime = e.StartTime
	r.EndTime = e.EndTime
	r.AllDay = e.AllDay
	r.Color = e.Color
	r.EventStatus = e.EventStatus
	r.Attendance = e.Attendance

	r.InstanceStartTime = e.StartTime
	r.InstanceEndTime = e.EndTime

	if next := e.NextAlarmTime(now); next != 0 {
		r.AlertTime = next
	}

	// Force a re-display: the event was rescheduled under us and the user
	// should see the corrected record.
	r.DisplayStatus = event.DisplayHidden
	r.LastStatusChangeTime = now

	return Result{Code: CodeInstanceMoved, Record: r, OldKey: oldKey}, nil
}

// Reload reconciles every live record against the provider, partitioning
// the per-record outcomes into three buckets (auto-dismiss, plain update,
// instance move) and applying each bucket as one storage write. Returns
// whether any corrective action was taken; callers use that to decide
// whether to repost notifications and reschedule alarms.
func (m *Manager) Reload(ctx context.Context) (bool, error) {
	if !m.provider.Available() {
		return false, calendar.ErrProviderUnavailable
	}

	records, err := m.events.GetAll(ctx)
	if err != nil {
		return false, err
	}

	now := m.clock.NowMillis()

	var (
		toDismiss []event.AlertRecord
		toUpdate  []event.AlertRecord
		toMove    []Result
	)

	for i := range records {
		r := &records[i]

		res, err := m.reloadRecord(ctx, r, now)
		if err != nil {
			if errors.Is(err, calendar.ErrProviderUnavailable) {
				return false, err
			}

			// Per-record provider hiccups must not abort the rest of the
			// pass.
			logger.Warn("reload failed for record",
				"event_id", r.EventID, "instance_start", r.InstanceStartTime, "error", err.Error())
			continue
		}

		switch res.Code {
		case CodeAutoDismissed:
			toDismiss = append(toDismiss, *res.Record)
		case CodeUpdated:
			toUpdate = append(toUpdate, *res.Record)
		case CodeInstanceMoved:
			toMove = append(toMove, res)
		}
	}

	changed := false

	if len(toDismiss) > 0 {
		if err := m.dismisser.DismissEvents(ctx, toDismiss, event.DismissAutoMoved); err != nil {
			return changed, err
		}
		changed = true

		logger.Info("auto-dismissed moved events", "count", len(toDismiss))
	}

	if len(toUpdate) > 0 {
		if err := m.events.UpdateBatch(ctx, toUpdate); err != nil {
			return changed, err
		}
		changed = true

		logger.Info("updated event records from provider", "count", len(toUpdate))
	}

	for i := range toMove {
		res := &toMove[i]

		if err := m.events.MoveInstance(ctx, res.OldKey, res.Record); err != nil {
			return changed, err
		}
		changed = true

		logger.Info("moved event record instance",
			"event_id", res.Record.EventID,
			"old_instance_start", res.OldKey.InstanceStartTime,
			"new_instance_start", res.Record.InstanceStartTime)
	}

	return changed, nil
}

// RescanForRescheduledEvents is the lightweight variant scoped to snoozed,
// non-repeating, non-manual records: it detects pure start-time moves and
// applies the same future-move auto-dismiss test, without the detail-diff
// machinery. Returns whether anything was dismissed.
func (m *Manager) RescanForRescheduledEvents(ctx context.Context) (bool, error) {
	if !m.provider.Available() {
		return false, calendar.ErrProviderUnavailable
	}

	now := m.clock.NowMillis()

	snoozed, err := m.events.GetSnoozed(ctx, now)
	if err != nil {
		return false, err
	}

	var toDismiss []event.AlertRecord

	for i := range snoozed {
		r := &snoozed[i]

		if r.Repeating || excludedFromAutoDismiss(r) {
			continue
		}

		e, err := m.provider.GetEvent(ctx, r.EventID)
		if err != nil {
			if errors.Is(err, calendar.ErrProviderUnavailable) {
				return false, err
			}

			logger.Warn("rescan failed for record", "event_id", r.EventID, "error", err.Error())
			continue
		}

		if e == nil || e.StartTime == r.StartTime {
			continue
		}

		if event.ShouldAutoDismissMovedEvent(r.StartTime, e.StartTime, e.NextAlarmTime(now), now) {
			toDismiss = append(toDismiss, *r)
		}
	}

	if len(toDismiss) == 0 {
		return false, nil
	}

	if err := m.dismisser.DismissEvents(ctx, toDismiss, event.DismissAutoMoved); err != nil {
		return false, err
	}

	logger.Info("auto-dismissed rescheduled snoozed events", "count", len(toDismiss))

	return true, nil
}
