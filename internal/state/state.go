package state

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket   = []byte("app")
	deviceIDKey = []byte("device_id")
)

// State wraps a bbolt database for persistent local state. The device
// identifier is the only value that must survive restarts.
type State struct {
	db *bolt.DB
}

// LoadAt opens a state database at the given path, creating it and its
// parent directory if they do not exist.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(appBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// DeviceID returns the persisted device identifier, or empty string if
// none has been written yet.
func (s *State) DeviceID() (string, error) {
	var id string

	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(appBucket).Get(deviceIDKey); v != nil {
			id = string(v)
		}

		return nil
	})

	return id, err
}

// SetDeviceID persists the device identifier. The identifier is
// immutable: writing a different value over an existing one fails.
func (s *State) SetDeviceID(id string) error {
	if id == "" {
		return fmt.Errorf("device id must not be empty")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)

		if existing := b.Get(deviceIDKey); existing != nil && string(existing) != id {
			return fmt.Errorf("device id already set to %q", string(existing))
		}

		return b.Put(deviceIDKey, []byte(id))
	})
}
