// Package notify defines the notification rendering boundary. The engine
// treats delivery as fire-and-forget: failures are logged, never propagated
// into a reconciliation pass.
package notify

import (
	"context"

	"calwatch/internal/event"
	"calwatch/internal/logger"
)

// Notifier is the rendering layer the engine drives. Implementations must
// be safe for concurrent use and must never block a pass for long.
type Notifier interface {
	// PostNotifications re-renders the full set of currently-due records.
	PostNotifications(ctx context.Context)

	OnEventAdded(ctx context.Context, r *event.AlertRecord)
	OnEventDismissed(ctx context.Context, r *event.AlertRecord)
	OnEventSnoozed(ctx context.Context, r *event.AlertRecord)
	OnEventMuteToggled(ctx context.Context, r *event.AlertRecord)
}

// LogNotifier renders notifications into the structured log. Used when no
// webhook is configured, and in tests.
type LogNotifier struct{}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

// PostNotifications logs a re-render request.
func (n *LogNotifier) PostNotifications(ctx context.Context) {
	logger.Debug("notifications re-posted")
}

// OnEventAdded logs a newly registered record.
func (n *LogNotifier) OnEventAdded(ctx context.Context, r *event.AlertRecord) {
	logger.Info("event alert added",
		"event_id", r.EventID, "instance_start", r.InstanceStartTime, "title", r.Title)
}

// OnEventDismissed logs a dismissal.
func (n *LogNotifier) OnEventDismissed(ctx context.Context, r *event.AlertRecord) {
	logger.Info("event alert dismissed",
		"event_id", r.EventID, "instance_start", r.InstanceStartTime, "title", r.Title)
}

// OnEventSnoozed logs a snooze.
func (n *LogNotifier) OnEventSnoozed(ctx context.Context, r *event.AlertRecord) {
	logger.Info("event alert snoozed",
		"event_id", r.EventID, "instance_start", r.InstanceStartTime, "snoozed_until", r.SnoozedUntil)
}

// OnEventMuteToggled logs a mute toggle.
func (n *LogNotifier) OnEventMuteToggled(ctx context.Context, r *event.AlertRecord) {
	logger.Info("event alert mute toggled",
		"event_id", r.EventID, "instance_start", r.InstanceStartTime, "muted", r.Muted)
}
