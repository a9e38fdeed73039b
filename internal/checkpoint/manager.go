// internal/checkpoint/manager.go
package checkpoint

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultMaxCheckpoints is the retention used when none is configured
const DefaultMaxCheckpoints = 50

// Manager takes and restores backups of environment directories
type Manager struct {
	storage        *Storage
	maxCheckpoints int
	mu             sync.Mutex
}

// NewManager creates a new checkpoint manager
func NewManager(storage *Storage, maxCheckpoints int) *Manager {
	if maxCheckpoints <= 0 {
		maxCheckpoints = DefaultMaxCheckpoints
	}
	return &Manager{
		storage:        storage,
		maxCheckpoints: maxCheckpoints,
	}
}

// Capture backs up the regular files of dir
func (m *Manager) Capture(envName, dir, trigger, description string) (*CheckpointResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	checkpoint := &Checkpoint{
		ID:          GenerateID(),
		EnvName:     envName,
		Timestamp:   time.Now(),
		Description: description,
		TriggerType: trigger,
	}

	files, err := readDirFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", dir, err)
	}
	for i := range files {
		files[i].CheckpointID = checkpoint.ID
	}

	result, err := m.storage.Save(checkpoint, files)
	if err != nil {
		return nil, err
	}
	if _, err := m.cleanupOld(envName); err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("cleanup old checkpoints: %v", err))
	}
	return result, nil
}

// Restore puts dir back into the state recorded by the checkpoint. Files
// created after the checkpoint are removed.
func (m *Manager) Restore(envName, checkpointID, dir string) (*CheckpointResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	checkpoint, snapshots, err := m.storage.Load(envName, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}

	result := &CheckpointResult{Checkpoint: checkpoint}
	keep := make(map[string]bool, len(snapshots))
	for _, snapshot := range snapshots {
		keep[snapshot.FilePath] = true
		perm := os.FileMode(snapshot.Permissions)
		if perm == 0 {
			perm = 0644
		}
		if err := os.WriteFile(filepath.Join(dir, snapshot.FilePath), snapshot.Content, perm); err != nil {
			return result, fmt.Errorf("restore %s: %w", snapshot.FilePath, err)
		}
		result.FilesProcessed++
	}

	current, err := readDirFiles(dir)
	if err != nil {
		return result, err
	}
	for _, f := range current {
		if keep[f.FilePath] {
			continue
		}
		if err := os.Remove(filepath.Join(dir, f.FilePath)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			result.Warnings = append(result.Warnings, fmt.Sprintf("Failed to remove %s: %v", f.FilePath, err))
		}
	}

	return result, nil
}

// List returns the checkpoints of an environment, oldest first
func (m *Manager) List(envName string) ([]Checkpoint, error) {
	return m.storage.List(envName)
}

// Delete removes a checkpoint
func (m *Manager) Delete(envName, checkpointID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.storage.Delete(envName, checkpointID)
}

// GetDiff compares the files of two checkpoints
func (m *Manager) GetDiff(envName, fromID, toID string) (*CheckpointDiff, error) {
	_, fromFiles, err := m.storage.Load(envName, fromID)
	if err != nil {
		return nil, fmt.Errorf("load from checkpoint: %w", err)
	}
	_, toFiles, err := m.storage.Load(envName, toID)
	if err != nil {
		return nil, fmt.Errorf("load to checkpoint: %w", err)
	}

	fromMap := make(map[string]FileSnapshot, len(fromFiles))
	for _, f := range fromFiles {
		fromMap[f.FilePath] = f
	}
	toMap := make(map[string]FileSnapshot, len(toFiles))
	for _, f := range toFiles {
		toMap[f.FilePath] = f
	}

	diff := &CheckpointDiff{FromID: fromID, ToID: toID}
	for _, fromFile := range fromFiles {
		toFile, exists := toMap[fromFile.FilePath]
		switch {
		case !exists:
			diff.Deleted = append(diff.Deleted, FileChange{Path: fromFile.FilePath, FromHash: fromFile.Hash})
		case fromFile.Hash != toFile.Hash:
			diff.Modified = append(diff.Modified, FileChange{Path: fromFile.FilePath, FromHash: fromFile.Hash, ToHash: toFile.Hash})
		}
	}
	for _, toFile := range toFiles {
		if _, exists := fromMap[toFile.FilePath]; !exists {
			diff.Added = append(diff.Added, FileChange{Path: toFile.FilePath, ToHash: toFile.Hash})
		}
	}

	return diff, nil
}

// CleanupOld removes the oldest checkpoints beyond the retention limit
func (m *Manager) CleanupOld(envName string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cleanupOld(envName)
}

func (m *Manager) cleanupOld(envName string) (int, error) {
	checkpoints, err := m.storage.List(envName)
	if err != nil {
		return 0, fmt.Errorf("list checkpoints: %w", err)
	}
	if len(checkpoints) <= m.maxCheckpoints {
		return 0, nil
	}

	deleted := 0
	for _, cp := range checkpoints[:len(checkpoints)-m.maxCheckpoints] {
		if err := m.storage.Delete(envName, cp.ID); err != nil {
			continue
		}
		deleted++
	}
	return deleted, nil
}

// readDirFiles snapshots the regular, non-hidden top-level files of dir
func readDirFiles(dir string) ([]FileSnapshot, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var files []FileSnapshot
	for _, entry := range entries {
		if !entry.Type().IsRegular() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, err
		}
		content, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		files = append(files, FileSnapshot{
			FilePath:    entry.Name(),
			Content:     content,
			Hash:        CalculateHash(content),
			Permissions: uint32(info.Mode().Perm()),
			Size:        info.Size(),
		})
	}
	return files, nil
}
