package status

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWriteProducesValidAtomicSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "daemon_status.json")
	w, err := New(path)
	require.NoError(t, err)

	snapshot := Snapshot{
		Daemon: DaemonInfo{PID: 123, Version: "1.0.0", MachineName: "dev-box", MachineID: "dev-box-deadbeef"},
		ActiveTasks: []ActiveTask{
			{DisplayNumber: 1, TaskID: "t1", Summary: "do thing", Status: "running", Phase: "executing"},
		},
		Stats:       Stats{Running: 1, MaxConcurrent: 5},
		LastUpdated: time.Now(),
	}
	w.Write(snapshot)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	_, err = os.Stat(path + ".tmp")
	require.True(t, os.IsNotExist(err), "temp file should be renamed away")

	var roundtripped Snapshot
	require.NoError(t, json.Unmarshal(data, &roundtripped))
	require.Equal(t, 123, roundtripped.Daemon.PID)
	require.Len(t, roundtripped.ActiveTasks, 1)
}

func TestWriteOverwritesPreviousSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon_status.json")
	w, err := New(path)
	require.NoError(t, err)

	w.Write(Snapshot{Stats: Stats{Running: 1}})
	w.Write(Snapshot{Stats: Stats{Running: 3}})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var snapshot Snapshot
	require.NoError(t, json.Unmarshal(data, &snapshot))
	require.Equal(t, 3, snapshot.Stats.Running)
}

func TestRemoveIsNoopWhenFileMissing(t *testing.T) {
	w, err := New(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	require.NoError(t, w.Remove())
}
