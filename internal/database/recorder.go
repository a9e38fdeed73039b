// internal/database/recorder.go
package database

import (
	"github.com/containerd/log"

	"envtracker/internal/eventhub"
)

// Recorder journals the sync events of an event hub
type Recorder struct {
	db *Database
}

// NewRecorder returns a recorder writing to db
func NewRecorder(db *Database) *Recorder {
	return &Recorder{db: db}
}

// BroadcastEvent journals sync events and ignores the rest. Write failures
// are logged since the sync itself already finished.
func (r *Recorder) BroadcastEvent(eventType string, payload interface{}) {
	if eventType != eventhub.SyncCompleted && eventType != eventhub.SyncFailed {
		return
	}
	ev, ok := payload.(eventhub.SyncEvent)
	if !ok {
		return
	}
	_, err := r.db.RecordSyncEvent(&SyncEvent{
		Env:             ev.Env,
		Direction:       ev.Direction,
		Outcome:         ev.Outcome,
		RemoteDir:       ev.RemoteDir,
		LocalRevisions:  ev.LocalRevisions,
		RemoteRevisions: ev.RemoteRevisions,
		Replayed:        ev.Replayed,
		Conflicts:       ev.Conflicts,
		Error:           ev.Error,
		CreatedAt:       ev.Time,
	})
	if err != nil {
		log.L.WithError(err).WithField("env", ev.Env).Warn("failed to journal sync event")
	}
}
