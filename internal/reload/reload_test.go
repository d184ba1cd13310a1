package reload

import (
	"context"
	"testing"
	"time"

	"calwatch/internal/calendar"
	"calwatch/internal/event"
)

// fakeProvider serves the three provider reads the reload manager performs.
type fakeProvider struct {
	calendar.Provider

	available bool
	events    map[int64]*calendar.Event
	alerts    map[int64]*event.AlertRecord // by event ID; AlertTime must match
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		available: true,
		events:    make(map[int64]*calendar.Event),
		alerts:    make(map[int64]*event.AlertRecord),
	}
}

func (p *fakeProvider) Available() bool { return p.available }

func (p *fakeProvider) GetEvent(ctx context.Context, eventID int64) (*calendar.Event, error) {
	if !p.available {
		return nil, calendar.ErrProviderUnavailable
	}
	return p.events[eventID], nil
}

func (p *fakeProvider) GetAlertByEventIDAndTime(ctx context.Context, eventID, alertTime int64) (*event.AlertRecord, error) {
	if !p.available {
		return nil, calendar.ErrProviderUnavailable
	}
	rec, ok := p.alerts[eventID]
	if !ok || rec.AlertTime != alertTime {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

// fakeEventStore is an in-memory EventStore tracking mutations.
type fakeEventStore struct {
	records map[event.RecordKey]event.AlertRecord
	updated []event.AlertRecord
	moved   []event.RecordKey
}

func newFakeEventStore() *fakeEventStore {
	return &fakeEventStore{records: make(map[event.RecordKey]event.AlertRecord)}
}

func (s *fakeEventStore) add(r event.AlertRecord) {
	s.records[r.Key()] = r
}

func (s *fakeEventStore) GetAll(ctx context.Context) ([]event.AlertRecord, error) {
	var out []event.AlertRecord
	for _, r := range s.records {
		out = append(out, r)
	}
	return out, nil
}

func (s *fakeEventStore) GetSnoozed(ctx context.Context, now int64) ([]event.AlertRecord, error) {
	var out []event.AlertRecord
	for _, r := range s.records {
		if r.SnoozedUntil > now {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeEventStore) UpdateBatch(ctx context.Context, records []event.AlertRecord) error {
	for _, r := range records {
		s.records[r.Key()] = r
		s.updated = append(s.updated, r)
	}
	return nil
}

func (s *fakeEventStore) MoveInstance(ctx context.Context, oldKey event.RecordKey, r *event.AlertRecord) error {
	delete(s.records, oldKey)
	s.records[r.Key()] = *r
	s.moved = append(s.moved, oldKey)
	return nil
}

// fakeDismisser records dismissals.
type fakeDismisser struct {
	dismissed []event.AlertRecord
	types     []event.DismissType
}

func (d *fakeDismisser) DismissEvents(ctx context.Context, records []event.AlertRecord, dismissType event.DismissType) error {
	d.dismissed = append(d.dismissed, records...)
	for range records {
		d.types = append(d.types, dismissType)
	}
	return nil
}

type fixedClock struct {
	millis int64
}

func (c fixedClock) NowMillis() int64 { return c.millis }

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC).UnixMilli()

func setupTestManager() (*Manager, *fakeProvider, *fakeEventStore, *fakeDismisser) {
	provider := newFakeProvider()
	store := newFakeEventStore()
	dismisser := &fakeDismisser{}
	mgr := New(provider, store, dismisser, fixedClock{millis: testNow})
	return mgr, provider, store, dismisser
}

func storedRecord(eventID int64) event.AlertRecord {
	start := testNow + 2*time.Hour.Milliseconds()
	return event.AlertRecord{
		EventID:           eventID,
		CalendarID:        1,
		Title:             "Planning",
		StartTime:         start,
		EndTime:           start + 3600000,
		InstanceStartTime: start,
		InstanceEndTime:   start + 3600000,
		AlertTime:         start - 900000,
		Origin:            event.OriginProviderPush,
		DisplayStatus:     event.DisplayNormal,
		EventStatus:       event.StatusConfirmed,
	}
}

func providerViewOf(r event.AlertRecord) *event.AlertRecord {
	cp := r
	return &cp
}

func TestReload_NoChange(t *testing.T) {
	mgr, provider, store, dismisser := setupTestManager()

	r := storedRecord(1)
	store.add(r)
	provider.alerts[1] = providerViewOf(r)

	changed, err := mgr.Reload(context.Background())
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if changed {
		t.Error("identical provider view must produce no change")
	}
	if len(store.updated) != 0 || len(store.moved) != 0 || len(dismisser.dismissed) != 0 {
		t.Error("no-change reload must not write")
	}
}

func TestReload_Updated(t *testing.T) {
	mgr, provider, store, _ := setupTestManager()

	r := storedRecord(1)
	store.add(r)

	cur := providerViewOf(r)
	cur.Title = "Planning (room changed)"
	cur.Location = "B-204"
	provider.alerts[1] = cur

	changed, err := mgr.Reload(context.Background())
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if !changed {
		t.Fatal("expected a change")
	}
	if len(store.updated) != 1 {
		t.Fatalf("expected 1 update, got %d", len(store.updated))
	}
	if store.updated[0].Title != "Planning (room changed)" {
		t.Errorf("title not merged: %q", store.updated[0].Title)
	}
	if len(store.moved) != 0 {
		t.Error("same-instance change must not move the record")
	}
}

func TestReload_InstanceMoved(t *testing.T) {
	mgr, provider, store, _ := setupTestManager()

	r := storedRecord(1)
	store.add(r)

	// Instance nudged 30 minutes: inside the move threshold, so corrected
	// rather than dismissed. The event view backs the step-1 check.
	newStart := r.InstanceStartTime + 30*time.Minute.Milliseconds()
	cur := providerViewOf(r)
	cur.StartTime = newStart
	cur.EndTime = newStart + 3600000
	cur.InstanceStartTime = newStart
	cur.InstanceEndTime = newStart + 3600000
	provider.alerts[1] = cur
	provider.events[1] = &calendar.Event{
		EventID:   1,
		StartTime: newStart,
		EndTime:   newStart + 3600000,
		Reminders: []int64{900000},
	}

	changed, err := mgr.Reload(context.Background())
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if !changed {
		t.Fatal("expected a change")
	}
	if len(store.moved) != 1 {
		t.Fatalf("expected 1 move, got %d", len(store.moved))
	}
	if store.moved[0] != r.Key() {
		t.Errorf("move must reference the old key, got %+v", store.moved[0])
	}

	movedKey := event.RecordKey{EventID: 1, InstanceStartTime: newStart}
	if _, ok := store.records[movedKey]; !ok {
		t.Error("record must live under the new instance key")
	}
	if _, ok := store.records[r.Key()]; ok {
		t.Error("old instance key must be gone")
	}
}

func TestReload_RepeatingNeverMoves(t *testing.T) {
	mgr, provider, store, _ := setupTestManager()

	r := storedRecord(1)
	r.Repeating = true
	store.add(r)

	// Provider reports the same alert slot under a different instance
	// start. For repeating events this is treated as a plain update.
	cur := providerViewOf(r)
	cur.Title = "Weekly sync (updated)"
	cur.InstanceStartTime = r.InstanceStartTime + time.Hour.Milliseconds()
	provider.alerts[1] = cur

	changed, err := mgr.Reload(context.Background())
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if !changed {
		t.Fatal("expected a change")
	}
	if len(store.moved) != 0 {
		t.Error("repeating events must never get instance-time corrections")
	}
	if len(store.updated) != 1 {
		t.Errorf("expected a plain update, got %d", len(store.updated))
	}
	if store.updated[0].InstanceStartTime != r.InstanceStartTime {
		t.Error("repeating record must keep its stored instance start")
	}
}

func TestReload_AutoDismissed(t *testing.T) {
	mgr, provider, store, dismisser := setupTestManager()

	r := storedRecord(1)
	store.add(r)

	// Event moved a day ahead with a reminder comfortably in the future.
	newStart := r.StartTime + 24*time.Hour.Milliseconds()
	provider.events[1] = &calendar.Event{
		EventID:   1,
		StartTime: newStart,
		EndTime:   newStart + 3600000,
		Reminders: []int64{900000},
	}

	changed, err := mgr.Reload(context.Background())
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if !changed {
		t.Fatal("expected a change")
	}
	if len(dismisser.dismissed) != 1 {
		t.Fatalf("expected 1 auto-dismissal, got %d", len(dismisser.dismissed))
	}
	if dismisser.types[0] != event.DismissAutoMoved {
		t.Errorf("expected auto-moved dismiss type, got %s", dismisser.types[0])
	}
}

func TestReload_ManualOriginNeverAutoDismissed(t *testing.T) {
	mgr, provider, store, dismisser := setupTestManager()

	r := storedRecord(1)
	r.Origin = event.OriginManualRestore
	store.add(r)
	provider.alerts[1] = providerViewOf(r)

	newStart := r.StartTime + 24*time.Hour.Milliseconds()
	provider.events[1] = &calendar.Event{
		EventID:   1,
		StartTime: newStart,
		Reminders: []int64{900000},
	}

	if _, err := mgr.Reload(context.Background()); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if len(dismisser.dismissed) != 0 {
		t.Error("restored records must survive the move heuristic")
	}
}

func TestReload_VanishedSlotRederives(t *testing.T) {
	mgr, provider, store, _ := setupTestManager()

	r := storedRecord(1)
	r.DisplayStatus = event.DisplayNormal
	store.add(r)

	// No alert slot at the stored time; the owning event moved slightly.
	newStart := r.StartTime + 20*time.Minute.Milliseconds()
	provider.events[1] = &calendar.Event{
		EventID:     1,
		CalendarID:  1,
		Title:       "Planning (rescheduled)",
		StartTime:   newStart,
		EndTime:     newStart + 3600000,
		EventStatus: event.StatusConfirmed,
		Reminders:   []int64{900000},
	}

	changed, err := mgr.Reload(context.Background())
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if !changed {
		t.Fatal("expected a change")
	}
	if len(store.moved) != 1 {
		t.Fatalf("expected 1 move, got %d", len(store.moved))
	}

	got, ok := store.records[event.RecordKey{EventID: 1, InstanceStartTime: newStart}]
	if !ok {
		t.Fatal("record must be re-keyed to the event's new start")
	}
	if got.Title != "Planning (rescheduled)" {
		t.Errorf("record fields must re-derive from the event, got title %q", got.Title)
	}
	if got.AlertTime != newStart-900000 {
		t.Errorf("alert time must re-derive from the next reminder, got %d", got.AlertTime)
	}
	if got.DisplayStatus != event.DisplayHidden {
		t.Error("re-derived record must be hidden to force a re-display")
	}
}

func TestReload_VanishedEventLeftAlone(t *testing.T) {
	mgr, _, store, dismisser := setupTestManager()

	r := storedRecord(1)
	store.add(r)
	// Provider knows neither the alert slot nor the event.

	changed, err := mgr.Reload(context.Background())
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if changed {
		t.Error("a fully vanished event must leave the record untouched")
	}
	if len(dismisser.dismissed) != 0 {
		t.Error("vanished events are not auto-dismissed")
	}
}

func TestReload_ProviderUnavailable(t *testing.T) {
	mgr, provider, _, _ := setupTestManager()
	provider.available = false

	_, err := mgr.Reload(context.Background())
	if err != calendar.ErrProviderUnavailable {
		t.Errorf("expected ErrProviderUnavailable, got %v", err)
	}
}

func TestRescanForRescheduledEvents(t *testing.T) {
	mgr, provider, store, dismisser := setupTestManager()

	// Snoozed non-repeating record whose event moved a day ahead.
	moved := storedRecord(1)
	moved.SnoozedUntil = testNow + time.Hour.Milliseconds()
	store.add(moved)
	newStart := moved.StartTime + 24*time.Hour.Milliseconds()
	provider.events[1] = &calendar.Event{
		EventID:   1,
		StartTime: newStart,
		Reminders: []int64{900000},
	}

	// Snoozed repeating record: out of scope regardless of movement.
	repeating := storedRecord(2)
	repeating.Repeating = true
	repeating.SnoozedUntil = testNow + time.Hour.Milliseconds()
	store.add(repeating)

	// Not snoozed: out of scope.
	active := storedRecord(3)
	store.add(active)
	provider.events[3] = &calendar.Event{
		EventID:   3,
		StartTime: active.StartTime + 48*time.Hour.Milliseconds(),
		Reminders: []int64{900000},
	}

	changed, err := mgr.RescanForRescheduledEvents(context.Background())
	if err != nil {
		t.Fatalf("RescanForRescheduledEvents failed: %v", err)
	}
	if !changed {
		t.Fatal("expected a dismissal")
	}
	if len(dismisser.dismissed) != 1 || dismisser.dismissed[0].EventID != 1 {
		t.Errorf("expected only the snoozed moved record dismissed, got %+v", dismisser.dismissed)
	}
}
