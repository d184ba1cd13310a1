package event

// AlertKey is the identity triple of a provider alert: one reminder firing
// for one instance of one event.
type AlertKey struct {
	EventID           int64
	AlertTime         int64
	InstanceStartTime int64
}

// AlertEntry is a monitor-tracked alert as persisted in alert storage.
// At most one entry exists per AlertKey. WasHandled is monotonic: once an
// entry has been turned into a registration attempt (or explicitly given up
// on), no later scan may flip it back.
type AlertEntry struct {
	EventID           int64
	AlertTime         int64
	InstanceStartTime int64
	InstanceEndTime   int64
	AllDay            bool

	// WasHandled marks that this alert has fired (or was dropped as
	// unrecoverable) and must never fire again.
	WasHandled bool

	// CreatedByUs marks entries synthesized during a manual scan rather
	// than read off the provider. Such entries are exempt from
	// vanished-from-provider deletion during merges.
	CreatedByUs bool
}

// Key returns the identity triple of the entry.
func (a *AlertEntry) Key() AlertKey {
	return AlertKey{EventID: a.EventID, AlertTime: a.AlertTime, InstanceStartTime: a.InstanceStartTime}
}

// IsDue reports whether the alert should fire at the given time, within the
// standard look-ahead threshold.
func (a *AlertEntry) IsDue(now int64) bool {
	return !a.WasHandled && a.AlertTime <= now+AlarmThreshold
}

// DetailsEqual reports whether the non-identity fields match. Entries with
// the same key but differing details are updated in place by the merge,
// preserving WasHandled.
func (a *AlertEntry) DetailsEqual(other *AlertEntry) bool {
	return a.InstanceEndTime == other.InstanceEndTime && a.AllDay == other.AllDay
}
