package event

// RecordKey identifies a live notification-bearing record: one instance of
// one event. Non-repeating events additionally guarantee at most one live
// record per EventID via dedup-and-replace on registration.
type RecordKey struct {
	EventID           int64
	InstanceStartTime int64
}

// AlertRecord is the live, notification-bearing state of one fired alert.
// It is created on first successful fire, mutated by snooze/mute/reload,
// and moved to the dismissed archive when it leaves the live set.
type AlertRecord struct {
	EventID    int64
	CalendarID int64

	Title       string
	Description string
	Location    string

	// StartTime/EndTime are instance-specific, not the series start.
	StartTime int64
	EndTime   int64

	InstanceStartTime int64
	InstanceEndTime   int64

	AlertTime int64

	AllDay    bool
	Repeating bool
	Task      bool

	Color  int
	Origin Origin

	TimeFirstSeen        int64
	LastStatusChangeTime int64

	// SnoozedUntil is 0 when the record should be visible now.
	SnoozedUntil int64

	DisplayStatus DisplayStatus
	Muted         bool

	NotificationID int

	EventStatus Status
	Attendance  Attendance
}

// Key returns the record identity.
func (r *AlertRecord) Key() RecordKey {
	return RecordKey{EventID: r.EventID, InstanceStartTime: r.InstanceStartTime}
}

// IsSnoozed reports whether the record is deferred past the given time.
func (r *AlertRecord) IsSnoozed(now int64) bool {
	return r.SnoozedUntil > now
}

// IsDueNow reports whether the record should be visible at the given time.
func (r *AlertRecord) IsDueNow(now int64) bool {
	return r.SnoozedUntil == 0 || r.SnoozedUntil <= now
}

// IsCancelledOrDeclined reports whether the underlying event was cancelled
// or the user declined it. Such alerts are silently dropped rather than
// surfaced.
func (r *AlertRecord) IsCancelledOrDeclined() bool {
	return r.EventStatus == StatusCancelled || r.Attendance == AttendanceDeclined
}

// UpdateFrom merges the current provider view of the same alert instance
// into the record, returning true if any notification-worthy field changed.
// Identity, snooze state and presentation bookkeeping are left untouched;
// callers decide separately whether a change warrants re-display.
func (r *AlertRecord) UpdateFrom(cur *AlertRecord) bool {
	changed := false

	if r.Title != cur.Title {
		r.Title = cur.Title
		changed = true
	}

	if r.Description != cur.Description {
		r.Description = cur.Description
		changed = true
	}

	if r.Location != cur.Location {
		r.Location = cur.Location
		changed = true
	}

	if r.StartTime != cur.StartTime {
		r.StartTime = cur.StartTime
		changed = true
	}

	if r.EndTime != cur.EndTime {
		r.EndTime = cur.EndTime
		changed = true
	}

	if r.AllDay != cur.AllDay {
		r.AllDay = cur.AllDay
		changed = true
	}

	if r.Color != cur.Color {
		r.Color = cur.Color
		changed = true
	}

	if r.EventStatus != cur.EventStatus {
		r.EventStatus = cur.EventStatus
		changed = true
	}

	if r.Attendance != cur.Attendance {
		r.Attendance = cur.Attendance
		changed = true
	}

	return changed
}

// DismissedRecord is an archived AlertRecord plus why and when it was
// dismissed. Kept so dismissals can be inspected and undone.
type DismissedRecord struct {
	Record      AlertRecord
	DismissType DismissType
	DismissTime int64
}
