package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"calwatch/internal/config"
	"calwatch/internal/event"
	"calwatch/internal/storage/sqlite"
)

func setupTestStatusStore(t *testing.T) (*StatusStore, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "daemon_test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	db, err := sqlite.Open(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("failed to open database: %v", err)
	}

	store := NewStatusStore(db.Conn())
	if err := store.InitSchema(); err != nil {
		db.Close()
		os.RemoveAll(tmpDir)
		t.Fatalf("InitSchema failed: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.RemoveAll(tmpDir)
	}

	return store, cleanup
}

func TestStatusStore_UpsertAndGet(t *testing.T) {
	store, cleanup := setupTestStatusStore(t)
	defer cleanup()

	now := time.Now()
	status := &DaemonStatus{
		PID:       12345,
		StartTime: now,
		LastPass:  now,
		Version:   "1.0.0-test",
		ScanAvgMs: 12.5,
	}

	if err := store.Upsert(status); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, err := store.Get()
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected status row")
	}
	if got.PID != 12345 || got.Version != "1.0.0-test" {
		t.Errorf("status mismatch: %+v", got)
	}

	// Singleton: a second upsert replaces.
	status.PID = 54321
	if err := store.Upsert(status); err != nil {
		t.Fatalf("second Upsert failed: %v", err)
	}
	got, err = store.Get()
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.PID != 54321 {
		t.Errorf("expected replaced PID, got %d", got.PID)
	}
}

func TestStatusStore_IncrementErrorCount(t *testing.T) {
	store, cleanup := setupTestStatusStore(t)
	defer cleanup()

	now := time.Now()
	if err := store.Upsert(&DaemonStatus{PID: 1, StartTime: now, LastPass: now, Version: "test"}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := store.IncrementErrorCount("pass failed"); err != nil {
			t.Fatalf("IncrementErrorCount failed: %v", err)
		}
	}

	got, err := store.Get()
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ErrorCount != 3 {
		t.Errorf("expected error count 3, got %d", got.ErrorCount)
	}
	if got.LastError != "pass failed" {
		t.Errorf("expected last error recorded, got %q", got.LastError)
	}
}

func TestStatusStore_Delete(t *testing.T) {
	store, cleanup := setupTestStatusStore(t)
	defer cleanup()

	now := time.Now()
	if err := store.Upsert(&DaemonStatus{PID: 1, StartTime: now, LastPass: now, Version: "test"}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	if err := store.Delete(); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	got, err := store.Get()
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Error("expected nil after delete")
	}
}

func TestStatusStore_IsHealthy(t *testing.T) {
	store, cleanup := setupTestStatusStore(t)
	defer cleanup()

	now := time.Now()
	if err := store.Upsert(&DaemonStatus{PID: 1, StartTime: now, LastPass: now.Add(-time.Minute), Version: "test"}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	healthy, _, err := store.IsHealthy(5 * time.Minute)
	if err != nil {
		t.Fatalf("IsHealthy failed: %v", err)
	}
	if !healthy {
		t.Error("fresh last pass must be healthy")
	}

	healthy, _, err = store.IsHealthy(time.Second)
	if err != nil {
		t.Fatalf("IsHealthy failed: %v", err)
	}
	if healthy {
		t.Error("stale last pass must be unhealthy")
	}
}

func TestRetentionManager_PruneNow(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "retention_test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	db, err := sqlite.Open(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	dismissed := sqlite.NewDismissedStore(db)
	alerts := sqlite.NewAlertStore(db)

	now := time.Now()
	oldTime := event.UnixMillis(now.Add(-100 * 24 * time.Hour))
	recentTime := event.UnixMillis(now.Add(-time.Hour))

	// Old and recent archive entries.
	for i, at := range []int64{oldTime, recentTime} {
		d := event.DismissedRecord{
			Record: event.AlertRecord{
				EventID:           int64(i + 1),
				InstanceStartTime: at,
				Title:             "Old Meeting",
			},
			DismissType: event.DismissManual,
			DismissTime: at,
		}
		if err := dismissed.Add(ctx, &d); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	// Old handled alert, old unhandled alert.
	handled := event.AlertEntry{EventID: 1, AlertTime: oldTime, InstanceStartTime: oldTime, WasHandled: true}
	unhandled := event.AlertEntry{EventID: 2, AlertTime: oldTime, InstanceStartTime: oldTime}
	for _, e := range []event.AlertEntry{handled, unhandled} {
		entry := e
		if err := alerts.AddOrReplace(ctx, &entry); err != nil {
			t.Fatalf("AddOrReplace failed: %v", err)
		}
	}

	retention := &config.DaemonRetentionConfig{
		Dismissed:     720 * time.Hour,
		PruneInterval: time.Hour,
	}
	rm := NewRetentionManager(db.Conn(), retention)
	rm.PruneNow()

	remaining, err := dismissed.List(ctx, 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(remaining) != 1 || remaining[0].DismissTime != recentTime {
		t.Errorf("expected only the recent archive entry, got %+v", remaining)
	}

	// The handled alert is pruned; the unhandled one survives.
	got, err := alerts.Get(ctx, handled.Key())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Error("old handled alert must be pruned")
	}
	got, err = alerts.Get(ctx, unhandled.Key())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Error("unhandled alert must survive retention")
	}
}

func TestPIDFile(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "pidfile_test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	path := filepath.Join(tmpDir, "calwatch.pid")

	if err := WritePIDFile(path); err != nil {
		t.Fatalf("WritePIDFile failed: %v", err)
	}

	pid, err := ReadPIDFile(path)
	if err != nil {
		t.Fatalf("ReadPIDFile failed: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("expected own PID %d, got %d", os.Getpid(), pid)
	}

	// Our own process is running, so the check reports a live daemon
	// and a second writer is refused.
	live, err := CheckPIDFile(path)
	if err != nil {
		t.Fatalf("CheckPIDFile failed: %v", err)
	}
	if live != os.Getpid() {
		t.Errorf("expected live PID %d, got %d", os.Getpid(), live)
	}
	if err := WritePIDFile(path); err != ErrDaemonRunning {
		t.Errorf("expected ErrDaemonRunning, got %v", err)
	}

	if err := RemovePIDFile(path); err != nil {
		t.Fatalf("RemovePIDFile failed: %v", err)
	}
	if _, err := ReadPIDFile(path); err != ErrNoPIDFile {
		t.Errorf("expected ErrNoPIDFile after removal, got %v", err)
	}
}
