package event

// ShouldAutoDismissMovedEvent is the single codified move policy: a stale
// notification may be silently dropped only when the event moved forward by
// more than the move threshold AND its recomputed alert time is far enough
// in the future that a fresh alert will fire on its own. Used identically
// by the reload manager and the in-app move handler.
func ShouldAutoDismissMovedEvent(oldStart, newStart, newAlertTime, now int64) bool {
	return newStart-oldStart > MoveThreshold && newAlertTime > now+AlarmThreshold
}
