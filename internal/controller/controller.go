// Package controller implements the registration and transition funnel:
// the only path by which fired alerts become durable, visible records, and
// the only path that snoozes, mutes, dismisses, or restores them. Every
// state mutation is followed unconditionally by a notifier update, reminder
// bookkeeping, and an alarm reschedule.
package controller

import (
	"context"
	"errors"

	"calwatch/internal/calendar"
	"calwatch/internal/event"
	"calwatch/internal/logger"
	"calwatch/internal/notify"
	"calwatch/internal/storage/sqlite"
)

// ErrEventNotFound is returned when a transition targets a record that is
// not in the live set.
var ErrEventNotFound = errors.New("event alert record not found")

// EventStore is the live-record persistence the controller needs.
type EventStore interface {
	Add(ctx context.Context, r *event.AlertRecord) error
	AddBatch(ctx context.Context, records []event.AlertRecord) error
	Get(ctx context.Context, key event.RecordKey) (*event.AlertRecord, error)
	GetByEventID(ctx context.Context, eventID int64) ([]event.AlertRecord, error)
	GetAll(ctx context.Context) ([]event.AlertRecord, error)
	Update(ctx context.Context, r *event.AlertRecord) error
	Delete(ctx context.Context, key event.RecordKey) error
	Count(ctx context.Context) (int, error)
}

// DismissedStore is the archive persistence the controller needs.
type DismissedStore interface {
	Add(ctx context.Context, d *event.DismissedRecord) error
	Get(ctx context.Context, key event.RecordKey) (*event.DismissedRecord, error)
	Delete(ctx context.Context, key event.RecordKey) error
}

// StateAccess is the scalar state persistence the controller needs.
type StateAccess interface {
	GetInt64(ctx context.Context, key string, def int64) (int64, error)
	SetInt64(ctx context.Context, key string, value int64) error
}

// Rescheduler recomputes and re-arms the wake alarm from current storage
// state. Implemented by the alarm scheduler.
type Rescheduler interface {
	Reschedule(ctx context.Context) error
}

// Clock abstracts time for tests.
type Clock interface {
	NowMillis() int64
}

// Controller is the transition funnel. Constructed once per process and
// shared by the monitor, the reload manager, and the CLI commands.
type Controller struct {
	events    EventStore
	dismissed DismissedStore
	state     StateAccess
	notifier  notify.Notifier
	resched   Rescheduler
	provider  calendar.Provider
	settings  calendar.Settings
	clock     Clock
}

// New creates a controller.
func New(events EventStore, dismissed DismissedStore, state StateAccess,
	notifier notify.Notifier, resched Rescheduler,
	provider calendar.Provider, settings calendar.Settings, clock Clock) *Controller {
	return &Controller{
		events:    events,
		dismissed: dismissed,
		state:     state,
		notifier:  notifier,
		resched:   resched,
		provider:  provider,
		settings:  settings,
		clock:     clock,
	}
}

// afterMutation performs the side effects inseparable from any record
// mutation: re-render notifications, update reminder bookkeeping, and
// recompute the wake alarm. Skipping any of these leaves a stale
// notification or a stale alarm.
func (c *Controller) afterMutation(ctx context.Context) {
	c.notifier.PostNotifications(ctx)

	if err := c.state.SetInt64(ctx, sqlite.KeyNotificationLastFireTime, c.clock.NowMillis()); err != nil {
		logger.Warn("failed to record notification fire time", "error", err.Error())
	}

	if err := c.resched.Reschedule(ctx); err != nil {
		logger.Warn("alarm reschedule failed", "error", err.Error())
	}
}

// handledCalendars resolves the per-calendar policy for one batch. A
// resolution failure allows everything: availability hiccups must not drop
// alerts on the floor.
func (c *Controller) handledCalendars(ctx context.Context) map[int64]struct{} {
	handled, err := c.provider.HandledCalendarIDs(ctx, c.settings)
	if err != nil {
		logger.Warn("failed to resolve handled calendars, allowing all", "error", err.Error())
		return nil
	}

	return handled
}

func calendarAllowed(handled map[int64]struct{}, calendarID int64) bool {
	if handled == nil {
		return true
	}

	_, ok := handled[calendarID]
	return ok
}

// RegisterNewEvent registers a single fired alert. The boolean result
// reports whether the record is durably in storage afterwards, verified by
// read-back; callers use it as the gate for clearing the original reminder
// path.
func (c *Controller) RegisterNewEvent(ctx context.Context, r *event.AlertRecord) (bool, error) {
	registered, err := c.RegisterNewEvents(ctx, []event.AlertRecord{*r})
	if err != nil {
		return false, err
	}

	return len(registered) == 1, nil
}

// RegisterNewEvents registers a batch of fired alerts, deduplicating
// non-repeating events down to at most one live record per event.
// LastStatusChangeTime is staggered by increasing integers across the batch
// so bulk inserts keep a strict, collision-free ordering key. Returns the
// records that passed the calendar filter and verified as stored.
func (c *Controller) RegisterNewEvents(ctx context.Context, records []event.AlertRecord) ([]event.AlertRecord, error) {
	if len(records) == 0 {
		return nil, nil
	}

	handled := c.handledCalendars(ctx)
	now := c.clock.NowMillis()

	var accepted []event.AlertRecord

	for i := range records {
		r := records[i]

		if !calendarAllowed(handled, r.CalendarID) {
			logger.Info("rejecting event from unhandled calendar",
				"event_id", r.EventID, "calendar_id", r.CalendarID)
			continue
		}

		if r.TimeFirstSeen == 0 {
			r.TimeFirstSeen = now
		}

		// Strictly increasing across the batch, even when the wall clock
		// does not move between records.
		r.LastStatusChangeTime = now + int64(len(accepted))

		if !r.Repeating {
			if err := c.removeExistingForEvent(ctx, r.EventID, r.Key()); err != nil {
				return nil, err
			}
		}

		accepted = append(accepted, r)
	}

	if len(accepted) == 0 {
		return nil, nil
	}

	if err := c.events.AddBatch(ctx, accepted); err != nil {
		return nil, err
	}

	// Read-back verification: only records that actually landed count as
	// registered.
	verified := make([]event.AlertRecord, 0, len(accepted))
	for i := range accepted {
		stored, err := c.events.Get(ctx, accepted[i].Key())
		if err != nil {
			return nil, err
		}
		if stored == nil {
			logger.Error("record missing after write",
				"event_id", accepted[i].EventID, "instance_start", accepted[i].InstanceStartTime)
			continue
		}
		verified = append(verified, *stored)
	}

	for i := range verified {
		c.notifier.OnEventAdded(ctx, &verified[i])
	}

	c.afterMutation(ctx)

	return verified, nil
}

// removeExistingForEvent enforces at-most-one live record per non-repeating
// event: any record for the same event under a different instance key is
// dismissed from the notifier's point of view and deleted. Ideally there is
// exactly one; more than one indicates an earlier dedup miss and is handled
// the same way.
func (c *Controller) removeExistingForEvent(ctx context.Context, eventID int64, keep event.RecordKey) error {
	existing, err := c.events.GetByEventID(ctx, eventID)
	if err != nil {
		return err
	}

	if len(existing) > 1 {
		logger.Warn("multiple live records for non-repeating event", "event_id", eventID, "count", len(existing))
	}

	for i := range existing {
		old := &existing[i]
		if old.Key() == keep {
			continue
		}

		c.notifier.OnEventDismissed(ctx, old)
		if err := c.events.Delete(ctx, old.Key()); err != nil {
			return err
		}
	}

	return nil
}

// SnoozeEvent defers a record until the given time and hides it until then.
func (c *Controller) SnoozeEvent(ctx context.Context, key event.RecordKey, until int64) (*event.AlertRecord, error) {
	r, err := c.events.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, ErrEventNotFound
	}

	r.SnoozedUntil = until
	r.DisplayStatus = event.DisplayHidden
	r.LastStatusChangeTime = c.clock.NowMillis()

	if err := c.events.Update(ctx, r); err != nil {
		return nil, err
	}

	c.notifier.OnEventSnoozed(ctx, r)
	c.afterMutation(ctx)

	return r, nil
}

// DismissEvent removes a record from the live set into the archive.
func (c *Controller) DismissEvent(ctx context.Context, key event.RecordKey, dismissType event.DismissType) error {
	r, err := c.events.Get(ctx, key)
	if err != nil {
		return err
	}
	if r == nil {
		return ErrEventNotFound
	}

	if err := c.dismissed.Add(ctx, &event.DismissedRecord{
		Record:      *r,
		DismissType: dismissType,
		DismissTime: c.clock.NowMillis(),
	}); err != nil {
		return err
	}

	if err := c.events.Delete(ctx, key); err != nil {
		return err
	}

	c.notifier.OnEventDismissed(ctx, r)
	c.afterMutation(ctx)

	return nil
}

// DismissEvents archives and removes a batch of records, used by the
// reload manager's auto-dismiss bucket.
func (c *Controller) DismissEvents(ctx context.Context, records []event.AlertRecord, dismissType event.DismissType) error {
	if len(records) == 0 {
		return nil
	}

	now := c.clock.NowMillis()

	for i := range records {
		r := &records[i]

		if err := c.dismissed.Add(ctx, &event.DismissedRecord{
			Record:      *r,
			DismissType: dismissType,
			DismissTime: now,
		}); err != nil {
			return err
		}

		if err := c.events.Delete(ctx, r.Key()); err != nil {
			return err
		}

		c.notifier.OnEventDismissed(ctx, r)
	}

	c.afterMutation(ctx)

	return nil
}

// ToggleMuteEvent flips a record's muted flag.
func (c *Controller) ToggleMuteEvent(ctx context.Context, key event.RecordKey) (*event.AlertRecord, error) {
	r, err := c.events.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, ErrEventNotFound
	}

	r.Muted = !r.Muted
	r.LastStatusChangeTime = c.clock.NowMillis()

	if err := c.events.Update(ctx, r); err != nil {
		return nil, err
	}

	c.notifier.OnEventMuteToggled(ctx, r)
	c.afterMutation(ctx)

	return r, nil
}

// RestoreEvent returns the most recently archived copy of a record to the
// live set.
func (c *Controller) RestoreEvent(ctx context.Context, key event.RecordKey) (*event.AlertRecord, error) {
	d, err := c.dismissed.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, ErrEventNotFound
	}

	r := d.Record
	r.Origin = event.OriginManualRestore
	r.SnoozedUntil = 0
	r.DisplayStatus = event.DisplayHidden
	r.LastStatusChangeTime = c.clock.NowMillis()

	if err := c.events.Add(ctx, &r); err != nil {
		return nil, err
	}

	if err := c.dismissed.Delete(ctx, key); err != nil {
		return nil, err
	}

	c.notifier.OnEventAdded(ctx, &r)
	c.afterMutation(ctx)

	return &r, nil
}

// CheckShouldRemoveMovedEvent applies the shared move policy to a record
// whose event moved inside the application.
func (c *Controller) CheckShouldRemoveMovedEvent(oldStart, newStart, newAlertTime int64) bool {
	return event.ShouldAutoDismissMovedEvent(oldStart, newStart, newAlertTime, c.clock.NowMillis())
}

// OnEventMoved handles a move performed through this application: when the
// move policy says the stale record is safe to drop, it is auto-dismissed.
// Returns whether the record was removed.
func (c *Controller) OnEventMoved(ctx context.Context, key event.RecordKey, newStart, newAlertTime int64) (bool, error) {
	r, err := c.events.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if r == nil {
		return false, ErrEventNotFound
	}

	if !c.CheckShouldRemoveMovedEvent(r.StartTime, newStart, newAlertTime) {
		return false, nil
	}

	if err := c.DismissEvent(ctx, key, event.DismissMovedInApp); err != nil {
		return false, err
	}

	return true, nil
}
