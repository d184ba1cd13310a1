package event

import (
	"math"
	"time"
)

// All engine timestamps are Unix milliseconds. The scan and merge logic is
// interval arithmetic on these values; time.Time appears only at the edges
// (provider parsing, CLI output).

const (
	// InfiniteTime is the sentinel for "no alert scheduled".
	InfiniteTime int64 = math.MaxInt64

	// AlarmThreshold is the look-ahead within which an alert counts as due.
	// An alert with AlertTime <= now+AlarmThreshold fires on this pass
	// instead of scheduling a wake-up a few seconds out.
	AlarmThreshold = int64(30 * time.Second / time.Millisecond)

	// MoveThreshold is the minimum forward move of an event's start time
	// before a reschedule is treated as a real move rather than jitter.
	MoveThreshold = int64(time.Hour / time.Millisecond)

	// ManualScanWindow is how far ahead a full calendar scan looks.
	ManualScanWindow = int64(30 * 24 * time.Hour / time.Millisecond)

	// MaxScanBackwardWindow bounds how far back a scan window may reach,
	// regardless of how stale the persisted scan position is. Caps provider
	// query cost after long downtime.
	MaxScanBackwardWindow = int64(31 * 24 * time.Hour / time.Millisecond)

	// AlertRetention is how long handled alert entries are kept before the
	// scan garbage-collects them.
	AlertRetention = int64(3 * 24 * time.Hour / time.Millisecond)

	// MaxDueAlertsForManualScan caps how many due alerts a single scan pass
	// may fire. Over-capacity batches keep the alerts with the latest
	// instance start times.
	MaxDueAlertsForManualScan = 512
)

// UnixMillis converts a time.Time to engine milliseconds.
func UnixMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// TimeOfMillis converts engine milliseconds back to a time.Time.
func TimeOfMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}
