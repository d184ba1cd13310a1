package calendar

import (
	"context"
	"errors"

	"calwatch/internal/event"
)

// ErrProviderUnavailable is returned by every Provider method when the
// calendar source cannot be read (feed unreachable, auth revoked, file
// gone). Callers are expected to check Available first and to disarm
// scheduling rather than retry in a loop.
var ErrProviderUnavailable = errors.New("calendar provider unavailable")

// Settings is the per-calendar policy the provider consults when deciding
// which calendars this application handles.
type Settings interface {
	// CalendarHandled reports whether alerts from the given calendar
	// should be handled by us.
	CalendarHandled(calendarID int64) bool
}

// Provider is the read/ack capability over the calendar source. All times
// are Unix milliseconds.
type Provider interface {
	// Available reports whether the source can currently be read. Plays
	// the role of an upfront permission check: entry points that find the
	// provider unavailable disarm their wake-ups instead of failing
	// mid-pass.
	Available() bool

	// GetEvent returns the current state of one event, or nil if the
	// provider no longer knows it.
	GetEvent(ctx context.Context, eventID int64) (*Event, error)

	// GetAlertByEventIDAndTime re-fetches one specific alert. Returns nil
	// if that alert slot no longer exists (event rescheduled, reminder
	// removed, or alert already consumed).
	GetAlertByEventIDAndTime(ctx context.Context, eventID, alertTime int64) (*event.AlertRecord, error)

	// GetAlertsAtTime returns every alert scheduled at exactly alertTime.
	// When skipDismissed is set, alerts already acknowledged at the
	// provider are omitted.
	GetAlertsAtTime(ctx context.Context, alertTime int64, skipDismissed bool) ([]event.AlertRecord, error)

	// GetEventAlertsForEvent returns the alert entries for all upcoming
	// instances of one event.
	GetEventAlertsForEvent(ctx context.Context, eventID int64) ([]event.AlertEntry, error)

	// GetEventAlertsForRange returns the alert entries for all event
	// instances whose alert time falls inside [from, to).
	GetEventAlertsForRange(ctx context.Context, from, to int64) ([]event.AlertEntry, error)

	// IsRepeatingEvent reports whether the event recurs. Returns nil when
	// the event is unknown.
	IsRepeatingEvent(ctx context.Context, eventID int64) (*bool, error)

	// DismissNativeEventAlert acknowledges the provider's own copy of an
	// alert so the source never re-announces it.
	DismissNativeEventAlert(ctx context.Context, eventID int64) error

	// DeleteEvent removes the event at the source, returning false when
	// the source is read-only.
	DeleteEvent(ctx context.Context, eventID int64) (bool, error)

	// HandledCalendarIDs returns the set of calendars the given settings
	// mark as handled by us.
	HandledCalendarIDs(ctx context.Context, settings Settings) (map[int64]struct{}, error)
}
