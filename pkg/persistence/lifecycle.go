package persistence

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LifecycleState is what the connection manager keeps across restarts.
type LifecycleState struct {
	// Version is the state file format version.
	Version int `json:"version"`

	// SavedAt is when the state was last saved.
	SavedAt time.Time `json:"saved_at"`

	// LastDeviceID is the last device that reached Ready. uuid.Nil if none.
	LastDeviceID uuid.UUID `json:"last_device_id"`

	// LastDeviceName is its display name.
	LastDeviceName string `json:"last_device_name,omitempty"`

	// Intent is the serialized connection intent.
	Intent json.RawMessage `json:"intent,omitempty"`

	// LastDisconnect is a free-text diagnostic of the last disconnect.
	LastDisconnect string `json:"last_disconnect,omitempty"`

	// LastDisconnectAt is when it happened.
	LastDisconnectAt time.Time `json:"last_disconnect_at,omitempty"`
}

// LifecycleStore manages persistence of LifecycleState to a JSON file.
type LifecycleStore struct {
	mu   sync.Mutex
	path string
}

// NewLifecycleStore creates a new lifecycle store.
func NewLifecycleStore(path string) *LifecycleStore {
	return &LifecycleStore{path: path}
}

// Path returns the file path.
func (s *LifecycleStore) Path() string { return s.path }

// Save persists the state to disk. SavedAt is always refreshed.
func (s *LifecycleStore) Save(state *LifecycleState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state.Version = StateVersion
	state.SavedAt = time.Now()
	return writeJSON(s.path, state)
}

// Load reads the state from disk.
// Returns nil, nil if the file doesn't exist (empty state).
func (s *LifecycleStore) Load() (*LifecycleState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := &LifecycleState{}
	found, err := readJSON(s.path, state)
	if err != nil || !found {
		return nil, err
	}
	return state, nil
}

// Update loads the state (or an empty one), applies fn and saves it.
func (s *LifecycleStore) Update(fn func(*LifecycleState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := &LifecycleState{}
	if _, err := readJSON(s.path, state); err != nil {
		return err
	}
	fn(state)
	state.Version = StateVersion
	state.SavedAt = time.Now()
	return writeJSON(s.path, state)
}

// Clear removes the state file.
func (s *LifecycleStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return removeFile(s.path)
}
