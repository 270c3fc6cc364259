package state

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *State {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := LoadAt(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// --- LoadAt / Close ---

func TestLoadAt_CreatesDBAndParentDir(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "state.db")
	s, err := LoadAt(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.FileExists(t, dbPath)
}

func TestLoadAt_ReopensExistingDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	s1, err := LoadAt(dbPath)
	require.NoError(t, err)
	require.NoError(t, s1.SetDeviceID("device-persist"))
	require.NoError(t, s1.Close())

	s2, err := LoadAt(dbPath)
	require.NoError(t, err)
	defer s2.Close()

	id, err := s2.DeviceID()
	require.NoError(t, err)
	assert.Equal(t, "device-persist", id)
}

// --- DeviceID ---

func TestDeviceID_EmptyByDefault(t *testing.T) {
	s := testDB(t)
	id, err := s.DeviceID()
	require.NoError(t, err)
	assert.Equal(t, "", id)
}

func TestSetDeviceID_Idempotent(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SetDeviceID("device-a"))
	require.NoError(t, s.SetDeviceID("device-a"))

	id, err := s.DeviceID()
	require.NoError(t, err)
	assert.Equal(t, "device-a", id)
}

func TestSetDeviceID_RefusesOverwrite(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SetDeviceID("device-a"))

	err := s.SetDeviceID("device-b")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already set")

	id, _ := s.DeviceID()
	assert.Equal(t, "device-a", id)
}

func TestSetDeviceID_RejectsEmpty(t *testing.T) {
	s := testDB(t)
	assert.Error(t, s.SetDeviceID(""))
}
