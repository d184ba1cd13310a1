package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"calwatch/internal/event"
)

func setupTestDB(t *testing.T) (*DB, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "calwatch_store_test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tmpDir, "test.db")
	db, err := Open(dbPath)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("failed to open database: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.RemoveAll(tmpDir)
	}

	return db, cleanup
}

func setupTestAlertStore(t *testing.T) (*AlertStore, func()) {
	t.Helper()
	db, cleanup := setupTestDB(t)
	return NewAlertStore(db), cleanup
}

func TestAlertStore_AddOrReplace(t *testing.T) {
	store, cleanup := setupTestAlertStore(t)
	defer cleanup()

	ctx := context.Background()
	entry := event.AlertEntry{
		EventID:           100,
		AlertTime:         5000,
		InstanceStartTime: 6000,
		InstanceEndTime:   7000,
	}

	if err := store.AddOrReplace(ctx, &entry); err != nil {
		t.Fatalf("AddOrReplace failed: %v", err)
	}

	got, err := store.Get(ctx, entry.Key())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected entry, got nil")
	}
	if got.InstanceEndTime != 7000 {
		t.Errorf("expected instance end 7000, got %d", got.InstanceEndTime)
	}

	// Replace with new details under the same identity triple.
	entry.InstanceEndTime = 8000
	if err := store.AddOrReplace(ctx, &entry); err != nil {
		t.Fatalf("AddOrReplace (replace) failed: %v", err)
	}

	got, err = store.Get(ctx, entry.Key())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.InstanceEndTime != 8000 {
		t.Errorf("expected instance end 8000 after replace, got %d", got.InstanceEndTime)
	}
}

func TestAlertStore_GetMissing(t *testing.T) {
	store, cleanup := setupTestAlertStore(t)
	defer cleanup()

	got, err := store.Get(context.Background(), event.AlertKey{EventID: 1, AlertTime: 2, InstanceStartTime: 3})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing entry, got %+v", got)
	}
}

func TestAlertStore_MarkHandled(t *testing.T) {
	store, cleanup := setupTestAlertStore(t)
	defer cleanup()

	ctx := context.Background()
	entry := event.AlertEntry{EventID: 1, AlertTime: 1000, InstanceStartTime: 2000}
	if err := store.AddOrReplace(ctx, &entry); err != nil {
		t.Fatalf("AddOrReplace failed: %v", err)
	}

	if err := store.MarkHandled(ctx, []event.AlertKey{entry.Key()}); err != nil {
		t.Fatalf("MarkHandled failed: %v", err)
	}

	got, err := store.Get(ctx, entry.Key())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.WasHandled {
		t.Error("expected entry to be handled")
	}

	// A later merge update must not reset the handled flag.
	updated := *got
	updated.InstanceEndTime = 9999
	if err := store.ApplyMerge(ctx, nil, []event.AlertEntry{updated}, nil); err != nil {
		t.Fatalf("ApplyMerge failed: %v", err)
	}

	got, err = store.Get(ctx, entry.Key())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.WasHandled {
		t.Error("merge update must preserve the handled flag")
	}
	if got.InstanceEndTime != 9999 {
		t.Errorf("expected detail update applied, got instance end %d", got.InstanceEndTime)
	}
}

func TestAlertStore_HandledMonotonic(t *testing.T) {
	store, cleanup := setupTestAlertStore(t)
	defer cleanup()

	ctx := context.Background()
	entry := event.AlertEntry{EventID: 1, AlertTime: 1000, InstanceStartTime: 2000, CreatedByUs: true}
	if err := store.AddOrReplace(ctx, &entry); err != nil {
		t.Fatalf("AddOrReplace failed: %v", err)
	}
	if err := store.MarkHandled(ctx, []event.AlertKey{entry.Key()}); err != nil {
		t.Fatalf("MarkHandled failed: %v", err)
	}

	// Re-adding the same identity triple as a fresh unhandled entry must not
	// revive it.
	fresh := event.AlertEntry{EventID: 1, AlertTime: 1000, InstanceStartTime: 2000, InstanceEndTime: 4000}
	if err := store.AddOrReplace(ctx, &fresh); err != nil {
		t.Fatalf("AddOrReplace failed: %v", err)
	}

	got, err := store.Get(ctx, entry.Key())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.WasHandled {
		t.Error("handled flag must survive a re-add of the same triple")
	}
	if !got.CreatedByUs {
		t.Error("ownership flag must survive a re-add of the same triple")
	}
	if got.InstanceEndTime != 4000 {
		t.Errorf("detail fields must still update, got instance end %d", got.InstanceEndTime)
	}

	// The same holds for the merge insert path.
	if err := store.ApplyMerge(ctx, []event.AlertEntry{fresh}, nil, nil); err != nil {
		t.Fatalf("ApplyMerge failed: %v", err)
	}
	got, err = store.Get(ctx, entry.Key())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.WasHandled {
		t.Error("handled flag must survive a merge re-add of the same triple")
	}
}

func TestAlertStore_MarkHandledEmpty(t *testing.T) {
	store, cleanup := setupTestAlertStore(t)
	defer cleanup()

	if err := store.MarkHandled(context.Background(), nil); err != nil {
		t.Fatalf("MarkHandled with no keys failed: %v", err)
	}
}

func TestAlertStore_ApplyMerge(t *testing.T) {
	store, cleanup := setupTestAlertStore(t)
	defer cleanup()

	ctx := context.Background()

	existing := []event.AlertEntry{
		{EventID: 1, AlertTime: 1000, InstanceStartTime: 1500},
		{EventID: 2, AlertTime: 2000, InstanceStartTime: 2500},
	}
	for i := range existing {
		if err := store.AddOrReplace(ctx, &existing[i]); err != nil {
			t.Fatalf("AddOrReplace failed: %v", err)
		}
	}

	toAdd := []event.AlertEntry{{EventID: 3, AlertTime: 3000, InstanceStartTime: 3500}}
	toDelete := []event.AlertKey{existing[0].Key()}

	if err := store.ApplyMerge(ctx, toAdd, nil, toDelete); err != nil {
		t.Fatalf("ApplyMerge failed: %v", err)
	}

	all, err := store.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 entries after merge, got %d", len(all))
	}
	if all[0].EventID != 2 || all[1].EventID != 3 {
		t.Errorf("unexpected surviving entries: %+v", all)
	}
}

func TestAlertStore_GetInRange(t *testing.T) {
	store, cleanup := setupTestAlertStore(t)
	defer cleanup()

	ctx := context.Background()
	for _, at := range []int64{1000, 2000, 3000, 4000} {
		entry := event.AlertEntry{EventID: at, AlertTime: at, InstanceStartTime: at + 500}
		if err := store.AddOrReplace(ctx, &entry); err != nil {
			t.Fatalf("AddOrReplace failed: %v", err)
		}
	}

	got, err := store.GetInRange(ctx, 2000, 3000)
	if err != nil {
		t.Fatalf("GetInRange failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries in [2000, 3000], got %d", len(got))
	}
	if got[0].AlertTime != 2000 || got[1].AlertTime != 3000 {
		t.Errorf("range boundaries must be inclusive: %+v", got)
	}
}

func TestAlertStore_DeleteHandledBefore(t *testing.T) {
	store, cleanup := setupTestAlertStore(t)
	defer cleanup()

	ctx := context.Background()

	entries := []event.AlertEntry{
		{EventID: 1, AlertTime: 1000, InstanceStartTime: 1000, WasHandled: true},
		{EventID: 2, AlertTime: 2000, InstanceStartTime: 2000, WasHandled: false},
		{EventID: 3, AlertTime: 3000, InstanceStartTime: 9000, WasHandled: true},
	}
	for i := range entries {
		if err := store.AddOrReplace(ctx, &entries[i]); err != nil {
			t.Fatalf("AddOrReplace failed: %v", err)
		}
	}

	deleted, err := store.DeleteHandledBefore(ctx, 5000)
	if err != nil {
		t.Fatalf("DeleteHandledBefore failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted, got %d", deleted)
	}

	// Unhandled entries survive regardless of age.
	got, err := store.Get(ctx, entries[1].Key())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Error("unhandled entry must survive GC")
	}
}
