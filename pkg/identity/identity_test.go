package identity

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIdentityPersistsAcrossCalls(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machine_id")
	store, err := New(path)
	require.NoError(t, err)

	first, err := store.Identity()
	require.NoError(t, err)
	require.NotEmpty(t, first.MachineID)

	second, err := store.Identity()
	require.NoError(t, err)
	require.Equal(t, first.MachineID, second.MachineID)
}

func TestIdentityResetGeneratesNewID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machine_id")
	store, err := New(path)
	require.NoError(t, err)

	first, err := store.Identity()
	require.NoError(t, err)

	require.NoError(t, store.Reset())

	second, err := store.Identity()
	require.NoError(t, err)
	require.NotEqual(t, first.MachineID, second.MachineID)
}
