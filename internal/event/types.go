// Package event defines the domain model for calendar alert monitoring:
// alert entries tracked by the monitor, live notification-bearing records,
// and the enumerations describing their lifecycle.
package event

// Origin records which code path first produced an alert record.
type Origin string

const (
	// OriginProviderPush means the record came from a provider-pushed alert
	// delivered at its scheduled alert time.
	OriginProviderPush Origin = "provider_push"
	// OriginFullManual means the record was produced by a manual/periodic
	// calendar scan rather than a pushed alert.
	OriginFullManual Origin = "full_manual"
	// OriginManualRestore means the record was restored from the dismissed
	// archive by an explicit user action.
	OriginManualRestore Origin = "manual_restore"
)

// String returns the string representation of the origin.
func (o Origin) String() string {
	return string(o)
}

// DisplayStatus tracks how a record is currently presented.
type DisplayStatus string

const (
	// DisplayHidden means the record is not currently shown (snoozed, or
	// pending its first post). A reconciliation that changes a record always
	// resets it to hidden so the update is re-posted.
	DisplayHidden DisplayStatus = "hidden"
	// DisplayNormal means the record is shown as a full notification.
	DisplayNormal DisplayStatus = "normal"
	// DisplayCollapsed means the record is shown inside a collapsed group.
	DisplayCollapsed DisplayStatus = "collapsed"
)

// String returns the string representation of the display status.
func (s DisplayStatus) String() string {
	return string(s)
}

// Status is the scheduling status of the underlying calendar event.
type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusTentative Status = "tentative"
	StatusCancelled Status = "cancelled"
)

// String returns the string representation of the event status.
func (s Status) String() string {
	return string(s)
}

// Attendance is the user's participation status for the event.
type Attendance string

const (
	AttendanceNone      Attendance = "none"
	AttendanceAccepted  Attendance = "accepted"
	AttendanceDeclined  Attendance = "declined"
	AttendanceTentative Attendance = "tentative"
)

// String returns the string representation of the attendance status.
func (a Attendance) String() string {
	return string(a)
}

// DismissType records why a record left the live set.
type DismissType string

const (
	// DismissManual is an explicit user dismissal.
	DismissManual DismissType = "manual"
	// DismissAutoMoved means the event was rescheduled far enough into the
	// future that the stale notification was silently dropped.
	DismissAutoMoved DismissType = "auto_moved"
	// DismissMovedInApp means the move was performed through this
	// application rather than detected on reload.
	DismissMovedInApp DismissType = "moved_in_app"
)

// String returns the string representation of the dismiss type.
func (d DismissType) String() string {
	return string(d)
}
