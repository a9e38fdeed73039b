// internal/database/db_test.go
package database

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/containerd/errdefs"

	"envtracker/internal/eventhub"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDatabase_Open(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
}

func TestDatabase_Environments(t *testing.T) {
	db := openTestDB(t)

	env := &Environment{Name: "myenv", HistoryID: "id-1", LocalDir: "/tmp/envs/myenv", Revisions: 1}
	if err := db.SaveEnvironment(env); err != nil {
		t.Fatalf("SaveEnvironment failed: %v", err)
	}
	if err := db.SaveEnvironment(&Environment{Name: "other", HistoryID: "id-2", LocalDir: "/tmp/envs/other"}); err != nil {
		t.Fatalf("SaveEnvironment failed: %v", err)
	}

	env.RemoteDir = "/shared/myenv"
	env.Revisions = 3
	if err := db.SaveEnvironment(env); err != nil {
		t.Fatalf("SaveEnvironment update failed: %v", err)
	}

	got, err := db.GetEnvironment("myenv")
	if err != nil {
		t.Fatalf("GetEnvironment failed: %v", err)
	}
	if got.RemoteDir != "/shared/myenv" || got.Revisions != 3 || got.HistoryID != "id-1" {
		t.Errorf("Unexpected environment %+v", got)
	}
	if got.LastSyncAt != nil {
		t.Error("LastSyncAt should be unset before any sync")
	}

	envs, err := db.ListEnvironments()
	if err != nil {
		t.Fatalf("ListEnvironments failed: %v", err)
	}
	if len(envs) != 2 || envs[0].Name != "myenv" || envs[1].Name != "other" {
		t.Errorf("Unexpected list %+v", envs)
	}

	if err := db.DeleteEnvironment("other"); err != nil {
		t.Fatalf("DeleteEnvironment failed: %v", err)
	}
	if _, err := db.GetEnvironment("other"); !errdefs.IsNotFound(err) {
		t.Errorf("Expected not found, got %v", err)
	}
}

func TestDatabase_SyncEvents(t *testing.T) {
	db := openTestDB(t)
	if err := db.SaveEnvironment(&Environment{Name: "myenv", HistoryID: "id-1", LocalDir: "/tmp/envs/myenv"}); err != nil {
		t.Fatal(err)
	}

	at := time.Date(2021, 10, 1, 12, 0, 0, 0, time.UTC)
	failed := &SyncEvent{Env: "myenv", Direction: "push", RemoteDir: "/shared", Error: "rejected", CreatedAt: at}
	if _, err := db.RecordSyncEvent(failed); err != nil {
		t.Fatalf("RecordSyncEvent failed: %v", err)
	}
	env, _ := db.GetEnvironment("myenv")
	if env.LastSyncAt != nil {
		t.Error("A failed sync should not stamp the environment")
	}

	merged := &SyncEvent{
		Env: "myenv", Direction: "pull", Outcome: "merged", RemoteDir: "/shared",
		LocalRevisions: 3, RemoteRevisions: 2,
		Replayed: []string{"conda install --name myenv pytest"}, CreatedAt: at.Add(time.Minute),
	}
	id, err := db.RecordSyncEvent(merged)
	if err != nil {
		t.Fatalf("RecordSyncEvent failed: %v", err)
	}
	if id == 0 {
		t.Error("Expected an event id")
	}
	if _, err := db.RecordSyncEvent(&SyncEvent{Env: "other", Direction: "pull", RemoteDir: "/x", Outcome: "nothing-to-pull"}); err != nil {
		t.Fatal(err)
	}

	events, err := db.ListSyncEvents("myenv", 10)
	if err != nil {
		t.Fatalf("ListSyncEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}
	if events[0].Outcome != "merged" || len(events[0].Replayed) != 1 || events[0].Conflicts != nil {
		t.Errorf("Unexpected newest event %+v", events[0])
	}
	if !events[1].Failed() {
		t.Error("Expected the oldest event to be failed")
	}

	env, _ = db.GetEnvironment("myenv")
	if env.LastSyncAt == nil || !env.LastSyncAt.Equal(at.Add(time.Minute)) {
		t.Errorf("Unexpected last sync %v", env.LastSyncAt)
	}

	all, err := db.ListSyncEvents("", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].Env != "other" {
		t.Errorf("Unexpected events %+v", all)
	}
}

func TestRecorder(t *testing.T) {
	db := openTestDB(t)
	hub := eventhub.New()
	hub.Subscribe(NewRecorder(db))

	hub.EmitSync(eventhub.SyncEvent{Env: "myenv", Direction: "pull", Outcome: "fast-forward", RemoteDir: "/shared", Time: time.Now()})
	hub.EmitSync(eventhub.SyncEvent{Env: "myenv", Direction: "push", RemoteDir: "/shared", Conflicts: []string{"conda:pandas"}, Error: "conflict"})
	hub.EmitRemoteChanged(eventhub.RemoteChangedEvent{Env: "myenv", Path: "/shared/history.yaml"})

	events, err := db.ListSyncEvents("myenv", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 journaled events, got %d", len(events))
	}
	if events[0].Direction != "push" || events[0].Conflicts[0] != "conda:pandas" {
		t.Errorf("Unexpected event %+v", events[0])
	}
}
