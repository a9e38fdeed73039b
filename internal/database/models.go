// internal/database/models.go
package database

import "time"

// Environment is the registry entry of a tracked environment
type Environment struct {
	Name       string     `json:"name"`
	HistoryID  string     `json:"history_id"`
	LocalDir   string     `json:"local_dir"`
	RemoteDir  string     `json:"remote_dir,omitempty"`
	Revisions  int        `json:"revisions"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// SyncEvent is one journaled pull or push
type SyncEvent struct {
	ID              int64     `json:"id"`
	Env             string    `json:"env"`
	Direction       string    `json:"direction"`
	Outcome         string    `json:"outcome,omitempty"`
	RemoteDir       string    `json:"remote_dir"`
	LocalRevisions  int       `json:"local_revisions"`
	RemoteRevisions int       `json:"remote_revisions"`
	Replayed        []string  `json:"replayed,omitempty"`
	Conflicts       []string  `json:"conflicts,omitempty"`
	Error           string    `json:"error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Failed reports whether the sync ended in an error
func (e *SyncEvent) Failed() bool {
	return e.Error != ""
}
