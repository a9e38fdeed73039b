// internal/checkpoint/models.go
package checkpoint

import "time"

// Trigger types recorded on checkpoints
const (
	TriggerPull   = "pull"
	TriggerMerge  = "merge"
	TriggerManual = "manual"
)

// Checkpoint is a backup of an environment directory taken before it was
// overwritten
type Checkpoint struct {
	ID          string    `json:"id"`
	EnvName     string    `json:"env_name"`
	Timestamp   time.Time `json:"timestamp"`
	Description string    `json:"description,omitempty"`
	TriggerType string    `json:"trigger_type"`
	FileCount   int       `json:"file_count"`
}

// FileSnapshot is one file of the directory at checkpoint time
type FileSnapshot struct {
	CheckpointID string `json:"checkpoint_id"`
	FilePath     string `json:"file_path"`
	Content      []byte `json:"-"`
	Hash         string `json:"hash"`
	Permissions  uint32 `json:"permissions,omitempty"`
	Size         int64  `json:"size"`
}

// CheckpointResult represents the result of a checkpoint operation
type CheckpointResult struct {
	Checkpoint     *Checkpoint `json:"checkpoint"`
	FilesProcessed int         `json:"files_processed"`
	Warnings       []string    `json:"warnings,omitempty"`
}

// FileChange describes a file that differs between two checkpoints
type FileChange struct {
	Path     string `json:"path"`
	FromHash string `json:"from_hash,omitempty"`
	ToHash   string `json:"to_hash,omitempty"`
}

// CheckpointDiff compares two checkpoints of the same environment
type CheckpointDiff struct {
	FromID   string       `json:"from_checkpoint_id"`
	ToID     string       `json:"to_checkpoint_id"`
	Modified []FileChange `json:"modified_files"`
	Added    []FileChange `json:"added_files"`
	Deleted  []FileChange `json:"deleted_files"`
}
