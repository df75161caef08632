package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/shadowsync/shadowsync/internal/models"
)

// PostgresStore implements Store backed by a PostgreSQL table, for
// deployments where the simulated device state should survive the
// host. One row per device.
type PostgresStore struct {
	db *sql.DB

	mu       sync.Mutex
	deviceID string
	state    DeviceState
	loaded   bool
}

// NewPostgresStore opens the database and creates the state table if
// it does not exist.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS shadow_local_state (
			device_id VARCHAR(128) PRIMARY KEY,
			attributes JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("create shadow_local_state table: %w", err)
	}
	return nil
}

// Load reads the device row, seeding the default state if none exists.
func (s *PostgresStore) Load(ctx context.Context, deviceID string) (DeviceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deviceID = deviceID

	var attrs models.Attributes
	var updatedAt time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT attributes, updated_at FROM shadow_local_state WHERE device_id = $1`,
		deviceID).Scan(&attrs, &updatedAt)

	switch {
	case err == sql.ErrNoRows:
		s.state = DeviceState{
			Attributes:  DefaultSeedState(),
			LastUpdated: time.Now().UTC(),
		}
		s.loaded = true
		if err := s.saveLocked(ctx); err != nil {
			return DeviceState{}, err
		}
		return s.copyState(), nil

	case err != nil:
		// A scan failure means the row exists but its JSON cannot be
		// decoded into an attribute map.
		if isScanError(err) {
			return DeviceState{}, &CorruptError{DeviceID: deviceID, Location: "shadow_local_state", Err: err}
		}
		return DeviceState{}, fmt.Errorf("load local state: %w", err)
	}

	if attrs == nil {
		return DeviceState{}, &CorruptError{
			DeviceID: deviceID,
			Location: "shadow_local_state",
			Err:      fmt.Errorf("row has no attributes"),
		}
	}

	s.state = DeviceState{Attributes: attrs, LastUpdated: updatedAt}
	s.loaded = true
	return s.copyState(), nil
}

// State returns a copy of the current in-memory state.
func (s *PostgresStore) State() DeviceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyState()
}

// Merge applies a partial update and persists.
func (s *PostgresStore) Merge(ctx context.Context, partial models.Attributes) (DeviceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		return DeviceState{}, ErrNotLoaded
	}

	for k, v := range partial {
		s.state.Attributes[k] = v
	}
	s.state.LastUpdated = time.Now().UTC()
	if err := s.saveLocked(ctx); err != nil {
		return DeviceState{}, err
	}
	return s.copyState(), nil
}

// Replace substitutes the whole attribute set and persists.
func (s *PostgresStore) Replace(ctx context.Context, full models.Attributes) (DeviceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		return DeviceState{}, ErrNotLoaded
	}

	s.state.Attributes = full.Clone()
	s.state.LastUpdated = time.Now().UTC()
	if err := s.saveLocked(ctx); err != nil {
		return DeviceState{}, err
	}
	return s.copyState(), nil
}

// Reset re-seeds the default state over the existing row.
func (s *PostgresStore) Reset(ctx context.Context) (DeviceState, error) {
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
	if err := s.saveLocked(ctx); err != nil {
		return DeviceState{}, err
	}
	return s.copyState(), nil
}

func (s *PostgresStore) saveLocked(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shadow_local_state (device_id, attributes, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (device_id) DO UPDATE SET attributes = $2, updated_at = $3`,
		s.deviceID, s.state.Attributes, s.state.LastUpdated)
	if err != nil {
		return fmt.Errorf("save local state: %w", err)
	}
	return nil
}

func (s *PostgresStore) copyState() DeviceState {
	return DeviceState{
		Attributes:  s.state.Attributes.Clone(),
		LastUpdated: s.state.LastUpdated,
	}
}

// isScanError reports whether the error came from decoding the stored
// JSON rather than from the database itself. Attributes.Scan returns
// encoding/json errors unwrapped, so they can be matched by type.
func isScanError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}
