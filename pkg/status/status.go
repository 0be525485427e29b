// Package status serializes the daemon's live state to a JSON snapshot
// file that the terminal monitor tails. Writes are atomic
// (temp-file-plus-rename) and never fail loudly: a write failure is
// logged and swallowed so a full disk never stops the dispatcher loop.
package status

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pushdaemon/pushd/pkg/pushlog"
	"github.com/pushdaemon/pushd/pkg/types"
)

var logger = pushlog.WithComponent("status")

// DaemonInfo is the static/slow-changing half of the snapshot.
type DaemonInfo struct {
	PID         int       `json:"pid"`
	Version     string    `json:"version"`
	StartedAt   time.Time `json:"started_at"`
	MachineName string    `json:"machine_name"`
	MachineID   string    `json:"machine_id"`
}

// ActiveTask is one entry in the active_tasks list (running or queued).
type ActiveTask struct {
	DisplayNumber  int         `json:"display_number"`
	TaskID         string      `json:"task_id"`
	Summary        string      `json:"summary"`
	Status         string      `json:"status"` // "running" | "queued"
	Phase          types.Phase `json:"phase,omitempty"`
	Detail         string      `json:"detail,omitempty"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	ElapsedSeconds *float64    `json:"elapsed_seconds,omitempty"`
	QueuedAt       *time.Time  `json:"queued_at,omitempty"`
}

// CompletedEntry is one entry in the bounded completed_today list.
type CompletedEntry struct {
	DisplayNumber   int                   `json:"display_number"`
	Summary         string                `json:"summary"`
	CompletedAt     time.Time             `json:"completed_at"`
	DurationSeconds float64               `json:"duration_seconds"`
	Status          types.ExecutionStatus `json:"status"`
	PRURL           string                `json:"pr_url,omitempty"`
}

// Stats summarizes the daemon's current load.
type Stats struct {
	Running             int `json:"running"`
	MaxConcurrent       int `json:"max_concurrent"`
	CompletedTodayCount int `json:"completed_today"`
}

// Snapshot is the full on-disk status document.
type Snapshot struct {
	Daemon         DaemonInfo       `json:"daemon"`
	ActiveTasks    []ActiveTask     `json:"active_tasks"`
	CompletedToday []CompletedEntry `json:"completed_today"`
	Stats          Stats            `json:"stats"`
	LastUpdated    time.Time        `json:"last_updated"`
}

// Writer atomically persists Snapshot values to a fixed path.
type Writer struct {
	path string
}

// New returns a Writer for the given path, or ~/.push/daemon_status.json
// if path is empty.
func New(path string) (*Writer, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving user home dir: %w", err)
		}
		path = filepath.Join(home, ".push", "daemon_status.json")
	}
	return &Writer{path: path}, nil
}

// Write serializes snapshot to a temp sibling file and renames it over the
// status path. Errors are logged and swallowed: a failed status write must
// never interrupt the dispatcher loop.
func (w *Writer) Write(snapshot Snapshot) {
	if err := w.writeOrErr(snapshot); err != nil {
		logger.Warn().Err(err).Msg("failed to write status file")
	}
}

func (w *Writer) writeOrErr(snapshot Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(w.path), 0o700); err != nil {
		return fmt.Errorf("creating status directory: %w", err)
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling status: %w", err)
	}

	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing temp status file: %w", err)
	}
	return os.Rename(tmp, w.path)
}

// Remove deletes the status file, ignoring a not-exist error. Called on
// clean shutdown.
func (w *Writer) Remove() error {
	err := os.Remove(w.path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}
