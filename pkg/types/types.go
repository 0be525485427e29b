// Package types holds the data model shared across pushd's components:
// the remote Task view, the project registry entry, machine identity, and
// the in-memory running-task record. The on-disk daemon status snapshot
// lives in package status.
package types

import "time"

// ExecutionStatus is the server-authoritative lifecycle state of a Task.
type ExecutionStatus string

const (
	StatusQueued             ExecutionStatus = "queued"
	StatusRunning            ExecutionStatus = "running"
	StatusNeedsClarification ExecutionStatus = "needs_clarification"
	StatusCompleted          ExecutionStatus = "completed"
	StatusFailed             ExecutionStatus = "failed"
)

// Task is the core's view of a remote queue item.
type Task struct {
	RemoteID           string
	DisplayNumber      int
	RemoteRepo         string // normalized remote-URL key; may be empty
	Content            string
	Summary            string
	OriginalTranscript string
	ExecutionStatus    ExecutionStatus
	IsBacklog          bool
	CreatedAt          time.Time
}

// Dispatchable reports whether this task is eligible for the dispatcher to
// even consider; it does not check concurrency limits or project routing.
func (t Task) Dispatchable() bool {
	return !t.IsBacklog && t.ExecutionStatus == StatusQueued && t.DisplayNumber > 0
}

// ExecutionMode is the outcome of running the certainty analyzer over a
// task's text.
type ExecutionMode string

const (
	ModeImmediate ExecutionMode = "immediate"
	ModePlanning  ExecutionMode = "planning"
	ModeClarify   ExecutionMode = "clarify"
)

// ModeForScore maps a certainty score to an execution mode. Boundaries are
// inclusive on the lower edge of each band.
func ModeForScore(score float64) ExecutionMode {
	switch {
	case score >= 0.7:
		return ModeImmediate
	case score >= 0.4:
		return ModePlanning
	default:
		return ModeClarify
	}
}

// ProjectRegistryEntry maps a normalized remote-URL to a local checkout.
type ProjectRegistryEntry struct {
	Remote       string    `json:"-"`
	LocalPath    string    `json:"local_path"`
	RegisteredAt time.Time `json:"registered_at"`
	LastUsed     time.Time `json:"last_used"`
}

// MachineIdentity identifies this machine to the remote service.
type MachineIdentity struct {
	MachineID   string
	MachineName string
}

// Suffix returns the machine suffix used in branch/worktree names: the last
// 8 characters after the hyphen in MachineID, or its first 8 characters if
// there is no hyphen.
func (m MachineIdentity) Suffix() string {
	return MachineSuffix(m.MachineID)
}

// MachineSuffix extracts the machine suffix from a raw machine id string:
// the last 8 characters after the last hyphen, or the first 8 characters of
// the whole string if it contains no hyphen.
func MachineSuffix(machineID string) string {
	idx := -1
	for i := len(machineID) - 1; i >= 0; i-- {
		if machineID[i] == '-' {
			idx = i
			break
		}
	}
	if idx < 0 {
		if len(machineID) <= 8 {
			return machineID
		}
		return machineID[:8]
	}
	tail := machineID[idx+1:]
	if len(tail) <= 8 {
		return tail
	}
	return tail[len(tail)-8:]
}

// Phase is the current activity of a RunningTask, surfaced to the status
// file and used by the stuck/idle/timeout policies.
type Phase string

const (
	PhaseAnalyzing Phase = "analyzing"
	PhaseExecuting Phase = "executing"
	PhasePlanning  Phase = "planning"
	PhaseIdle      Phase = "idle"
	PhaseStuck     Phase = "stuck"
)

// RunningTask is the in-memory record for a task with a live child process.
// It is owned exclusively by the dispatcher's control loop.
type RunningTask struct {
	DisplayNumber int
	RemoteID      string
	Summary       string

	ClaimedAt    time.Time
	StartedAt    time.Time
	LastOutputAt time.Time

	Phase  Phase
	Detail string

	ProjectPath  string
	WorktreePath string
	BranchName   string

	// OutputTail is a bounded ring buffer of the last 20 stdout lines.
	OutputTail *RingBuffer
}

// Elapsed returns how long the task has been running.
func (r *RunningTask) Elapsed() time.Duration {
	return time.Since(r.StartedAt)
}

// CompletedTask is an entry in the bounded completed_today list.
type CompletedTask struct {
	DisplayNumber   int
	Summary         string
	CompletedAt     time.Time
	DurationSeconds float64
	Status          ExecutionStatus // completed | failed | timeout (sentinel below)
	PRURL           string
}

// StatusTimeout is a pseudo ExecutionStatus used only in completed_today
// entries to distinguish a hard-timeout kill from an ordinary failure in
// the status file; it is reported to the server as failed.
const StatusTimeout ExecutionStatus = "timeout"

// RingBuffer is a fixed-capacity FIFO of strings, used for the child
// stdout tail kept per RunningTask.
type RingBuffer struct {
	lines []string
	cap   int
}

// NewRingBuffer returns a ring buffer holding at most capacity lines.
func NewRingBuffer(capacity int) *RingBuffer {
	return &RingBuffer{lines: make([]string, 0, capacity), cap: capacity}
}

// Push appends a line, dropping the oldest line if at capacity.
func (r *RingBuffer) Push(line string) {
	if len(r.lines) >= r.cap {
		r.lines = r.lines[1:]
	}
	r.lines = append(r.lines, line)
}

// Lines returns a copy of the buffered lines, oldest first.
func (r *RingBuffer) Lines() []string {
	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}
