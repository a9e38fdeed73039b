package eventhub

import (
	"sync"
	"time"
)

// Event names
const (
	SyncCompleted = "sync:completed"
	SyncFailed    = "sync:failed"
	RemoteChanged = "remote:changed"
	RemoteStatus  = "remote:status"
)

// Broadcaster receives every emitted event
type Broadcaster interface {
	BroadcastEvent(eventType string, payload interface{})
}

// BroadcasterFunc adapts a function to Broadcaster
type BroadcasterFunc func(eventType string, payload interface{})

// BroadcastEvent calls f
func (f BroadcasterFunc) BroadcastEvent(eventType string, payload interface{}) {
	f(eventType, payload)
}

// EventHub fans events out to its broadcasters. A nil hub drops events.
type EventHub struct {
	mu           sync.RWMutex
	broadcasters []Broadcaster
}

// New creates an EventHub with no broadcasters
func New() *EventHub {
	return &EventHub{}
}

// Subscribe adds a broadcaster
func (h *EventHub) Subscribe(b Broadcaster) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcasters = append(h.broadcasters, b)
}

func (h *EventHub) emit(eventName string, payload interface{}) {
	if h == nil {
		return
	}
	h.mu.RLock()
	broadcasters := h.broadcasters
	h.mu.RUnlock()
	for _, b := range broadcasters {
		b.BroadcastEvent(eventName, payload)
	}
}

// Emit sends an event by name
func (h *EventHub) Emit(eventName string, payload interface{}) {
	h.emit(eventName, payload)
}

// SyncEvent describes a finished pull or push
type SyncEvent struct {
	Env             string    `json:"env"`
	Direction       string    `json:"direction"` // "pull", "push"
	Outcome         string    `json:"outcome"`
	RemoteDir       string    `json:"remoteDir"`
	LocalRevisions  int       `json:"localRevisions"`
	RemoteRevisions int       `json:"remoteRevisions"`
	Replayed        []string  `json:"replayed,omitempty"`
	Conflicts       []string  `json:"conflicts,omitempty"`
	Error           string    `json:"error,omitempty"`
	Time            time.Time `json:"time"`
}

// EmitSync reports a sync, failed when the event carries an error
func (h *EventHub) EmitSync(event SyncEvent) {
	if event.Error != "" {
		h.emit(SyncFailed, event)
		return
	}
	h.emit(SyncCompleted, event)
}

// RemoteChangedEvent reports a write to a watched remote history
type RemoteChangedEvent struct {
	Env  string `json:"env"`
	Path string `json:"path"`
}

// EmitRemoteChanged reports a remote history change
func (h *EventHub) EmitRemoteChanged(event RemoteChangedEvent) {
	h.emit(RemoteChanged, event)
}

// RemoteStatusEvent reports the source control state of a remote directory
type RemoteStatusEvent struct {
	Path    string            `json:"path"`
	Branch  string            `json:"branch"`
	Pending map[string]string `json:"pending"` // path -> status
}

// EmitRemoteStatus reports the remote's uncommitted files
func (h *EventHub) EmitRemoteStatus(event RemoteStatusEvent) {
	h.emit(RemoteStatus, event)
}
