// internal/checkpoint/storage.go
package checkpoint

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

// Storage persists checkpoints under baseDir/checkpoints/<env>. File
// contents are zstd compressed and shared between checkpoints by hash.
type Storage struct {
	baseDir          string
	compressionLevel int
	mu               sync.RWMutex
	encoder          *zstd.Encoder
	decoder          *zstd.Decoder
}

// NewStorage creates a new checkpoint storage
func NewStorage(baseDir string, compressionLevel int) (*Storage, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(compressionLevel)))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &Storage{
		baseDir:          baseDir,
		compressionLevel: compressionLevel,
		encoder:          encoder,
		decoder:          decoder,
	}, nil
}

func (s *Storage) envDir(envName string) string {
	return filepath.Join(s.baseDir, "checkpoints", envName)
}

// Save writes the checkpoint metadata and its file snapshots
func (s *Storage) Save(checkpoint *Checkpoint, files []FileSnapshot) (*CheckpointResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if checkpoint.Timestamp.IsZero() {
		checkpoint.Timestamp = time.Now()
	}
	checkpoint.FileCount = len(files)

	baseDir := s.envDir(checkpoint.EnvName)
	checkpointDir := filepath.Join(baseDir, checkpoint.ID)
	if err := os.MkdirAll(checkpointDir, 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}

	result := &CheckpointResult{Checkpoint: checkpoint}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, file := range files {
		wg.Add(1)
		go func(f FileSnapshot) {
			defer wg.Done()
			err := s.saveFileSnapshot(baseDir, checkpoint.ID, &f)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Warnings = append(result.Warnings, fmt.Sprintf("Failed to save %s: %v", f.FilePath, err))
				return
			}
			result.FilesProcessed++
		}(file)
	}
	wg.Wait()

	if len(result.Warnings) > 0 {
		_ = os.RemoveAll(checkpointDir)
		return result, fmt.Errorf("save checkpoint %s: %s", checkpoint.ID, result.Warnings[0])
	}

	// metadata goes last so a checkpoint without it is never listed
	metadataJSON, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(checkpointDir, "metadata.json"), metadataJSON, 0644); err != nil {
		return nil, fmt.Errorf("write metadata: %w", err)
	}

	return result, nil
}

func (s *Storage) saveFileSnapshot(baseDir, checkpointID string, snapshot *FileSnapshot) error {
	contentPoolDir := filepath.Join(baseDir, "content_pool")
	if err := os.MkdirAll(contentPoolDir, 0755); err != nil {
		return err
	}

	contentFile := filepath.Join(contentPoolDir, snapshot.Hash)
	if _, err := os.Stat(contentFile); errors.Is(err, fs.ErrNotExist) {
		compressed := s.encoder.EncodeAll(snapshot.Content, nil)
		if err := os.WriteFile(contentFile, compressed, 0644); err != nil {
			return err
		}
	}

	refsDir := filepath.Join(baseDir, checkpointID, "refs")
	if err := os.MkdirAll(refsDir, 0755); err != nil {
		return err
	}
	snapshot.CheckpointID = checkpointID
	refJSON, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(refsDir, filepath.Base(snapshot.FilePath)+".json"), refJSON, 0644)
}

// Load reads a checkpoint and the contents of its files
func (s *Storage) Load(envName, checkpointID string) (*Checkpoint, []FileSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	baseDir := s.envDir(envName)
	checkpointDir := filepath.Join(baseDir, checkpointID)

	metadataJSON, err := os.ReadFile(filepath.Join(checkpointDir, "metadata.json"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("checkpoint %s of %s: %w", checkpointID, envName, errdefs.ErrNotFound)
		}
		return nil, nil, fmt.Errorf("read metadata: %w", err)
	}
	var checkpoint Checkpoint
	if err := json.Unmarshal(metadataJSON, &checkpoint); err != nil {
		return nil, nil, fmt.Errorf("unmarshal metadata: %w", err)
	}

	refsDir := filepath.Join(checkpointDir, "refs")
	entries, err := os.ReadDir(refsDir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, nil, fmt.Errorf("read refs: %w", err)
	}

	var snapshots []FileSnapshot
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		refData, err := os.ReadFile(filepath.Join(refsDir, entry.Name()))
		if err != nil {
			return nil, nil, fmt.Errorf("read ref %s: %w", entry.Name(), err)
		}
		var snapshot FileSnapshot
		if err := json.Unmarshal(refData, &snapshot); err != nil {
			return nil, nil, fmt.Errorf("unmarshal ref %s: %w", entry.Name(), err)
		}
		compressed, err := os.ReadFile(filepath.Join(baseDir, "content_pool", snapshot.Hash))
		if err != nil {
			return nil, nil, fmt.Errorf("read content of %s: %w", snapshot.FilePath, err)
		}
		content, err := s.decoder.DecodeAll(compressed, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("decompress %s: %w", snapshot.FilePath, err)
		}
		snapshot.Content = content
		snapshots = append(snapshots, snapshot)
	}
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].FilePath < snapshots[j].FilePath })

	return &checkpoint, snapshots, nil
}

// List returns the checkpoints of an environment, oldest first
func (s *Storage) List(envName string) ([]Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dir := s.envDir(envName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var checkpoints []Checkpoint
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == "content_pool" {
			continue
		}
		metadataJSON, err := os.ReadFile(filepath.Join(dir, entry.Name(), "metadata.json"))
		if err != nil {
			continue
		}
		var cp Checkpoint
		if json.Unmarshal(metadataJSON, &cp) == nil {
			checkpoints = append(checkpoints, cp)
		}
	}
	sort.SliceStable(checkpoints, func(i, j int) bool {
		return checkpoints[i].Timestamp.Before(checkpoints[j].Timestamp)
	})

	return checkpoints, nil
}

// Delete removes a checkpoint. Pooled content still referenced by other
// checkpoints is kept.
func (s *Storage) Delete(envName, checkpointID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return os.RemoveAll(filepath.Join(s.envDir(envName), checkpointID))
}

// GenerateID generates a new checkpoint ID
func GenerateID() string {
	return uuid.New().String()
}

// CalculateHash calculates SHA256 hash of content
func CalculateHash(content []byte) string {
	h := sha256.Sum256(content)
	return fmt.Sprintf("%x", h)
}
