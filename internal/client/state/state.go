// Package state persists the CLI's local sync bookkeeping: the last version
// the client holds for each tracked entity. The versions recorded here are
// what push declares as its basis and pull uses to skip entities at parity.
package state

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

type Entry struct {
	Version  int64  `json:"version"`
	Checksum string `json:"checksum,omitempty"`
}

// State is a file-backed map of entity reference to last known version, plus
// a stable identifier for this device.
type State struct {
	mu       sync.Mutex
	path     string
	DeviceID string           `json:"device_id"`
	Entities map[string]Entry `json:"entities"`
}

func key(entityType, entityID string) string { return entityType + "/" + entityID }

// Load reads the state file, returning a fresh state with a newly assigned
// device id when the file does not exist.
func Load(path string) (*State, error) {
	s := &State{path: path, Entities: map[string]Entry{}}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.DeviceID = uuid.NewString()
			return s, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, err
	}
	if s.Entities == nil {
		s.Entities = map[string]Entry{}
	}
	if s.DeviceID == "" {
		s.DeviceID = uuid.NewString()
	}
	return s, nil
}

// Version returns the last known version for the entity, zero when untracked.
func (s *State) Version(entityType, entityID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Entities[key(entityType, entityID)].Version
}

// Set records the entity's version and checksum.
func (s *State) Set(entityType, entityID string, version int64, checksum string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Entities[key(entityType, entityID)] = Entry{Version: version, Checksum: checksum}
}

// List returns all tracked entity references as (type, id) pairs.
func (s *State) List() [][2]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out [][2]string
	for k := range s.Entities {
		for i := 0; i < len(k); i++ {
			if k[i] == '/' {
				out = append(out, [2]string{k[:i], k[i+1:]})
				break
			}
		}
	}
	return out
}

// Save writes the state file, creating parent directories as needed.
func (s *State) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}
