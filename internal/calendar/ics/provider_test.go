package ics

import (
	"context"
	"testing"
	"time"

	"calwatch/internal/event"
)

func TestEventID(t *testing.T) {
	a := EventID(1, "meeting-1@example.com")
	b := EventID(1, "meeting-1@example.com")
	if a != b {
		t.Error("EventID must be stable for the same calendar and UID")
	}
	if a <= 0 {
		t.Errorf("EventID must be positive, got %d", a)
	}

	if EventID(2, "meeting-1@example.com") == a {
		t.Error("different calendars must produce different event IDs")
	}
	if EventID(1, "meeting-2@example.com") == a {
		t.Error("different UIDs must produce different event IDs")
	}
}

// setupSnapshotProvider builds a provider with a preloaded snapshot so no
// fetching happens.
func setupSnapshotProvider(now time.Time, events map[int64]*feedEvent) *Provider {
	p := NewProvider(Config{})
	p.nowFn = func() time.Time { return now }
	p.events = events
	p.available = true
	p.lastRefresh = now
	return p
}

func snapshotWith(now time.Time) (map[int64]*feedEvent, int64, time.Time) {
	start := now.Add(2 * time.Hour)
	src := testSource()
	ev := ParsedEvent{
		Source:  src,
		UID:     "ev-1@example.com",
		Summary: "Review",
		Start:   start,
		End:     start.Add(time.Hour),
	}

	id := EventID(src.CalendarID, ev.UID)
	events := map[int64]*feedEvent{
		id: {
			source:    src,
			base:      ev,
			reminders: []int64{15 * time.Minute.Milliseconds()},
		},
	}

	return events, id, start
}

func TestProvider_GetAlertByEventIDAndTime(t *testing.T) {
	now := time.Date(2026, 3, 16, 8, 0, 0, 0, time.UTC)
	events, id, start := snapshotWith(now)
	p := setupSnapshotProvider(now, events)
	ctx := context.Background()

	alertTime := event.UnixMillis(start) - 15*time.Minute.Milliseconds()

	rec, err := p.GetAlertByEventIDAndTime(ctx, id, alertTime)
	if err != nil {
		t.Fatalf("GetAlertByEventIDAndTime failed: %v", err)
	}
	if rec == nil {
		t.Fatal("expected alert record")
	}
	if rec.Title != "Review" || rec.InstanceStartTime != event.UnixMillis(start) {
		t.Errorf("record mismatch: %+v", rec)
	}

	// No reminder fires at an arbitrary other time.
	rec, err = p.GetAlertByEventIDAndTime(ctx, id, alertTime-1)
	if err != nil {
		t.Fatalf("GetAlertByEventIDAndTime failed: %v", err)
	}
	if rec != nil {
		t.Error("expected nil for a non-matching alert time")
	}

	// Unknown event.
	rec, err = p.GetAlertByEventIDAndTime(ctx, 424242, alertTime)
	if err != nil {
		t.Fatalf("GetAlertByEventIDAndTime failed: %v", err)
	}
	if rec != nil {
		t.Error("expected nil for unknown event")
	}
}

func TestProvider_GetAlertsAtTimeSkipsAcked(t *testing.T) {
	now := time.Date(2026, 3, 16, 8, 0, 0, 0, time.UTC)
	events, id, start := snapshotWith(now)
	p := setupSnapshotProvider(now, events)
	ctx := context.Background()

	alertTime := event.UnixMillis(start) - 15*time.Minute.Milliseconds()

	records, err := p.GetAlertsAtTime(ctx, alertTime, true)
	if err != nil {
		t.Fatalf("GetAlertsAtTime failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(records))
	}

	// Ack at a time past the alert: the slot is considered consumed.
	p.nowFn = func() time.Time { return time.UnixMilli(alertTime).Add(time.Minute) }
	if err := p.DismissNativeEventAlert(ctx, id); err != nil {
		t.Fatalf("DismissNativeEventAlert failed: %v", err)
	}
	p.nowFn = func() time.Time { return now }

	records, err = p.GetAlertsAtTime(ctx, alertTime, true)
	if err != nil {
		t.Fatalf("GetAlertsAtTime failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("acked alert must be skipped, got %d", len(records))
	}

	// Without skipDismissed the alert is still visible.
	records, err = p.GetAlertsAtTime(ctx, alertTime, false)
	if err != nil {
		t.Fatalf("GetAlertsAtTime failed: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("expected acked alert without skip flag, got %d", len(records))
	}
}

func TestProvider_GetEventAlertsForRange(t *testing.T) {
	now := time.Date(2026, 3, 16, 8, 0, 0, 0, time.UTC)
	src := testSource()

	// A daily recurring event with a 15 minute reminder.
	start := now.Add(time.Hour)
	ev := ParsedEvent{
		Source:   src,
		UID:      "daily@example.com",
		Summary:  "Daily",
		Start:    start,
		End:      start.Add(30 * time.Minute),
		RawRRule: "FREQ=DAILY;COUNT=10",
	}
	id := EventID(src.CalendarID, ev.UID)
	p := setupSnapshotProvider(now, map[int64]*feedEvent{
		id: {
			source:    src,
			base:      ev,
			reminders: []int64{15 * time.Minute.Milliseconds()},
			repeating: true,
		},
	})
	ctx := context.Background()

	from := event.UnixMillis(now)
	to := from + 3*24*time.Hour.Milliseconds()

	entries, err := p.GetEventAlertsForRange(ctx, from, to)
	if err != nil {
		t.Fatalf("GetEventAlertsForRange failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 alert entries in 3 days, got %d", len(entries))
	}

	firstAlert := event.UnixMillis(start) - 15*time.Minute.Milliseconds()
	if entries[0].AlertTime != firstAlert {
		t.Errorf("expected first alert at %d, got %d", firstAlert, entries[0].AlertTime)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].AlertTime <= entries[i-1].AlertTime {
			t.Error("entries must be ordered by alert time")
		}
	}

	// The range end is exclusive.
	entries, err = p.GetEventAlertsForRange(ctx, firstAlert, firstAlert)
	if err != nil {
		t.Fatalf("GetEventAlertsForRange failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("empty half-open range must match nothing, got %d", len(entries))
	}
}

func TestProvider_GetEvent(t *testing.T) {
	now := time.Date(2026, 3, 16, 8, 0, 0, 0, time.UTC)
	events, id, start := snapshotWith(now)
	p := setupSnapshotProvider(now, events)
	ctx := context.Background()

	ev, err := p.GetEvent(ctx, id)
	if err != nil {
		t.Fatalf("GetEvent failed: %v", err)
	}
	if ev == nil {
		t.Fatal("expected event")
	}
	if ev.StartTime != event.UnixMillis(start) {
		t.Errorf("expected start %d, got %d", event.UnixMillis(start), ev.StartTime)
	}
	if len(ev.Reminders) != 1 || ev.Reminders[0] != 15*time.Minute.Milliseconds() {
		t.Errorf("reminders not carried: %v", ev.Reminders)
	}

	missing, err := p.GetEvent(ctx, 424242)
	if err != nil {
		t.Fatalf("GetEvent failed: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for unknown event")
	}
}

func TestProvider_DeleteEventReadOnly(t *testing.T) {
	now := time.Date(2026, 3, 16, 8, 0, 0, 0, time.UTC)
	events, id, _ := snapshotWith(now)
	p := setupSnapshotProvider(now, events)

	ok, err := p.DeleteEvent(context.Background(), id)
	if err != nil {
		t.Fatalf("DeleteEvent failed: %v", err)
	}
	if ok {
		t.Error("feed-backed events must report delete failure")
	}
}

type allowAllSettings struct{}

func (allowAllSettings) CalendarHandled(calendarID int64) bool { return true }

func TestProvider_HandledCalendarIDs(t *testing.T) {
	p := NewProvider(Config{
		Calendars: []Calendar{
			{ID: 1, Name: "Work", URL: "https://example.com/a.ics", Enabled: true},
			{ID: 2, Name: "Off", URL: "https://example.com/b.ics", Enabled: false},
		},
	})

	handled, err := p.HandledCalendarIDs(context.Background(), allowAllSettings{})
	if err != nil {
		t.Fatalf("HandledCalendarIDs failed: %v", err)
	}
	if _, ok := handled[1]; !ok {
		t.Error("enabled calendar must be handled")
	}
	if _, ok := handled[2]; ok {
		t.Error("disabled calendar must not be handled")
	}
}
