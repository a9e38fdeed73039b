// internal/checkpoint/storage_test.go
package checkpoint

import (
	"testing"
	"time"

	"github.com/containerd/errdefs"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	storage, err := NewStorage(t.TempDir(), 3)
	if err != nil {
		t.Fatalf("NewStorage failed: %v", err)
	}
	return storage
}

func TestCheckpointStorage_SaveLoad(t *testing.T) {
	storage := newTestStorage(t)

	content := []byte("name: myenv\n")
	checkpoint := &Checkpoint{
		ID:          "cp-001",
		EnvName:     "myenv",
		Description: "Test checkpoint",
		TriggerType: TriggerManual,
		Timestamp:   time.Now(),
	}
	files := []FileSnapshot{{
		FilePath: "history.yaml",
		Content:  content,
		Hash:     CalculateHash(content),
		Size:     int64(len(content)),
	}}

	result, err := storage.Save(checkpoint, files)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if result.FilesProcessed != 1 {
		t.Errorf("Expected 1 file processed, got %d", result.FilesProcessed)
	}

	loaded, snapshots, err := storage.Load("myenv", "cp-001")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Description != "Test checkpoint" || loaded.FileCount != 1 {
		t.Errorf("Unexpected metadata: %+v", loaded)
	}
	if len(snapshots) != 1 || string(snapshots[0].Content) != string(content) {
		t.Errorf("Expected content to round trip, got %+v", snapshots)
	}
}

func TestCheckpointStorage_LoadMissing(t *testing.T) {
	storage := newTestStorage(t)
	_, _, err := storage.Load("myenv", "nope")
	if !errdefs.IsNotFound(err) {
		t.Errorf("Expected not found, got %v", err)
	}
}

func TestCheckpointStorage_ListSorted(t *testing.T) {
	storage := newTestStorage(t)
	base := time.Now()

	for i, id := range []string{"cp-c", "cp-a", "cp-b"} {
		cp := &Checkpoint{ID: id, EnvName: "env", Timestamp: base.Add(time.Duration(i) * time.Minute)}
		if _, err := storage.Save(cp, nil); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	checkpoints, err := storage.List("env")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(checkpoints) != 3 {
		t.Fatalf("Expected 3 checkpoints, got %d", len(checkpoints))
	}
	want := []string{"cp-c", "cp-a", "cp-b"}
	for i, cp := range checkpoints {
		if cp.ID != want[i] {
			t.Errorf("Position %d: expected %s, got %s", i, want[i], cp.ID)
		}
	}
}

func TestCheckpointStorage_Delete(t *testing.T) {
	storage := newTestStorage(t)
	if _, err := storage.Save(&Checkpoint{ID: "cp-del", EnvName: "env"}, nil); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := storage.Delete("env", "cp-del"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	checkpoints, _ := storage.List("env")
	if len(checkpoints) != 0 {
		t.Errorf("Expected no checkpoints, got %d", len(checkpoints))
	}
}

func TestCalculateHash(t *testing.T) {
	h1 := CalculateHash([]byte("hello"))
	h2 := CalculateHash([]byte("hello"))
	h3 := CalculateHash([]byte("world"))

	if h1 != h2 {
		t.Error("Same content should produce same hash")
	}
	if h1 == h3 {
		t.Error("Different content should produce different hash")
	}
	if len(h1) != 64 {
		t.Errorf("Expected 64 character hash, got %d", len(h1))
	}
}
