// Package store persists the local device state, the client's private
// belief about what the simulated device currently is. The state only
// ever changes through Merge, Replace or Reset, and every mutation is
// persisted before it is visible.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shadowsync/shadowsync/internal/models"
)

// Common errors
var (
	ErrNotLoaded = errors.New("state not loaded")
)

// CorruptError reports a persisted record that exists but cannot be
// parsed. The record is never silently discarded; the caller decides
// whether to Reset.
type CorruptError struct {
	DeviceID string
	Location string
	Err      error
}

// Error implements the error interface
func (e *CorruptError) Error() string {
	return fmt.Sprintf("local state for %s at %s is corrupt: %v", e.DeviceID, e.Location, e.Err)
}

// Unwrap returns the underlying error
func (e *CorruptError) Unwrap() error { return e.Err }

// DeviceState is the persisted record for one device.
type DeviceState struct {
	Attributes  models.Attributes `json:"attributes"`
	LastUpdated time.Time         `json:"last_updated"`
}

// Store is durable storage for one device's believed state.
type Store interface {
	// Load reads the persisted record, seeding a default state if no
	// record exists. Returns *CorruptError if a record exists but
	// cannot be parsed.
	Load(ctx context.Context, deviceID string) (DeviceState, error)

	// State returns a copy of the current in-memory state.
	State() DeviceState

	// Merge applies a partial update key by key, adding unseen keys,
	// and persists the result.
	Merge(ctx context.Context, partial models.Attributes) (DeviceState, error)

	// Replace substitutes the whole attribute set and persists.
	Replace(ctx context.Context, full models.Attributes) (DeviceState, error)

	// Reset discards the persisted record and re-seeds the default
	// state. Only ever called on explicit user request.
	Reset(ctx context.Context) (DeviceState, error)
}

// DefaultSeedState returns the attribute set a device starts with
// when no prior record exists.
func DefaultSeedState() models.Attributes {
	return models.Attributes{
		"temperature":      22.5,
		"humidity":         45.0,
		"status":           "online",
		"firmware_version": "1.0.0",
	}
}
