// Package device provides the stable per-profile device identifier that
// tags every sync message and breaks ties in conflict resolution.
package device

import (
	"fmt"

	"github.com/google/uuid"
)

const idPrefix = "device-"

// Store persists the device identifier. *state.State satisfies it.
type Store interface {
	DeviceID() (string, error)
	SetDeviceID(id string) error
}

// Load returns the persisted device identifier, generating and storing
// a new one on first use.
func Load(store Store) (string, error) {
	id, err := store.DeviceID()
	if err != nil {
		return "", fmt.Errorf("reading device id: %w", err)
	}

	if id != "" {
		return id, nil
	}

	id = NewID()
	if err := store.SetDeviceID(id); err != nil {
		return "", fmt.Errorf("persisting device id: %w", err)
	}

	return id, nil
}

// NewID generates a fresh device identifier.
func NewID() string {
	return idPrefix + uuid.NewString()
}
