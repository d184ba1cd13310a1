// Package calendar defines the read capability the monitoring engine has
// over calendar sources, plus the event/alert shapes that capability
// returns. The production implementation over ICS feeds lives in
// calendar/ics; the engine only ever sees the Provider interface.
package calendar

import (
	"calwatch/internal/event"
)

// Event is the provider's current view of one calendar event. For
// non-repeating events StartTime/EndTime are the single occurrence; for
// repeating events they describe the occurrence the provider resolved the
// lookup against.
type Event struct {
	EventID    int64
	CalendarID int64

	Title       string
	Description string
	Location    string

	StartTime int64
	EndTime   int64

	AllDay    bool
	Repeating bool
	Task      bool

	Color int

	EventStatus event.Status
	Attendance  event.Attendance

	// Reminders holds the reminder offsets in milliseconds before the
	// event start, sorted ascending.
	Reminders []int64
}

// NextAlarmTime returns the earliest reminder time strictly after now, or 0
// if every reminder for this occurrence has passed. Only meaningful for
// non-repeating events; repeating events are resolved through the
// provider's instance expansion instead.
func (e *Event) NextAlarmTime(now int64) int64 {
	next := int64(0)

	for _, offset := range e.Reminders {
		at := e.StartTime - offset
		if at <= now {
			continue
		}

		if next == 0 || at < next {
			next = at
		}
	}

	return next
}

// ToRecord synthesizes an alert record from the event, used when the
// original provider alert is no longer readable and the owning event is
// the only remaining source of truth.
func (e *Event) ToRecord(instanceStart, instanceEnd, alertTime int64, origin event.Origin, now int64) event.AlertRecord {
	return event.AlertRecord{
		EventID:              e.EventID,
		CalendarID:           e.CalendarID,
		Title:                e.Title,
		Description:          e.Description,
		Location:             e.Location,
		StartTime:            instanceStart,
		EndTime:              instanceEnd,
		InstanceStartTime:    instanceStart,
		InstanceEndTime:      instanceEnd,
		AlertTime:            alertTime,
		AllDay:               e.AllDay,
		Repeating:            e.Repeating,
		Task:                 e.Task,
		Color:                e.Color,
		Origin:               origin,
		TimeFirstSeen:        now,
		LastStatusChangeTime: now,
		DisplayStatus:        event.DisplayHidden,
		EventStatus:          e.EventStatus,
		Attendance:           e.Attendance,
	}
}
