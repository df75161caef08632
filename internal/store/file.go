package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/shadowsync/shadowsync/internal/models"
)

// FileStore keeps one JSON record per device under a base directory.
type FileStore struct {
	baseDir string

	mu       sync.Mutex
	deviceID string
	state    DeviceState
	loaded   bool
}

// NewFileStore creates a file-backed store rooted at baseDir. The
// directory is created on first save.
func NewFileStore(baseDir string) *FileStore {
	return &FileStore{baseDir: baseDir}
}

func (s *FileStore) path(deviceID string) string {
	return filepath.Join(s.baseDir, deviceID, "device_state.json")
}

// Load reads the device record, seeding and persisting the default
// state if none exists.
func (s *FileStore) Load(ctx context.Context, deviceID string) (DeviceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deviceID = deviceID
	path := s.path(deviceID)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		s.state = DeviceState{
			Attributes:  DefaultSeedState(),
			LastUpdated: time.Now().UTC(),
		}
		s.loaded = true
		if err := s.save(); err != nil {
			return DeviceState{}, err
		}
		log.Info().
			Str("deviceID", deviceID).
			Str("path", path).
			Msg("Created default local state record")
		return s.copyState(), nil
	}
	if err != nil {
		return DeviceState{}, fmt.Errorf("read local state %s: %w", path, err)
	}

	var state DeviceState
	if err := json.Unmarshal(data, &state); err != nil {
		return DeviceState{}, &CorruptError{DeviceID: deviceID, Location: path, Err: err}
	}
	if state.Attributes == nil {
		return DeviceState{}, &CorruptError{
			DeviceID: deviceID,
			Location: path,
			Err:      fmt.Errorf("record has no attributes"),
		}
	}

	s.state = state
	s.loaded = true
	log.Debug().
		Str("deviceID", deviceID).
		Int("attributes", len(state.Attributes)).
		Msg("Loaded local state record")
	return s.copyState(), nil
}

// State returns a copy of the current in-memory state.
func (s *FileStore) State() DeviceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyState()
}

// Merge applies a partial update and persists.
func (s *FileStore) Merge(ctx context.Context, partial models.Attributes) (DeviceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		return DeviceState{}, ErrNotLoaded
	}

	for k, v := range partial {
		s.state.Attributes[k] = v
	}
	s.state.LastUpdated = time.Now().UTC()
	if err := s.save(); err != nil {
		return DeviceState{}, err
	}
	return s.copyState(), nil
}

// Replace substitutes the whole attribute set and persists.
func (s *FileStore) Replace(ctx context.Context, full models.Attributes) (DeviceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		return DeviceState{}, ErrNotLoaded
	}

	s.state.Attributes = full.Clone()
	s.state.LastUpdated = time.Now().UTC()
	if err := s.save(); err != nil {
		return DeviceState{}, err
	}
	return s.copyState(), nil
}

// Reset re-seeds the default state and persists it over the existing
// record.
func (s *FileStore) Reset(ctx context.Context) (DeviceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.deviceID == "" {
		return DeviceState{}, ErrNotLoaded
	}

	s.state = DeviceState{
		Attributes:  DefaultSeedState(),
		LastUpdated: time.Now().UTC(),
	}
	s.loaded = true
	if err := s.save(); err != nil {
		return DeviceState{}, err
	}
	log.Info().Str("deviceID", s.deviceID).Msg("Local state reset to defaults")
	return s.copyState(), nil
}

func (s *FileStore) save() error {
	path := s.path(s.deviceID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal local state: %w", err)
	}

	// Write-then-rename so a crash mid-write cannot corrupt the record.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write local state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace local state: %w", err)
	}
	return nil
}

func (s *FileStore) copyState() DeviceState {
	return DeviceState{
		Attributes:  s.state.Attributes.Clone(),
		LastUpdated: s.state.LastUpdated,
	}
}
