package dispatcher

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pushdaemon/pushd/pkg/apiclient"
	"github.com/pushdaemon/pushd/pkg/certainty"
	"github.com/pushdaemon/pushd/pkg/config"
	"github.com/pushdaemon/pushd/pkg/status"
	"github.com/pushdaemon/pushd/pkg/supervisor"
	"github.com/pushdaemon/pushd/pkg/types"
)

type fakeAPI struct {
	tasks         []types.Task
	updates       []apiclient.UpdateTaskExecutionRequest
	notifications []apiclient.NotificationRequest
	claimOutcome  apiclient.ClaimOutcome
	claimedBy     string
}

func (f *fakeAPI) ListTodos(ctx context.Context, filter apiclient.ListTodosFilter) ([]types.Task, error) {
	return f.tasks, nil
}

func (f *fakeAPI) UpdateTaskExecution(ctx context.Context, req apiclient.UpdateTaskExecutionRequest) (apiclient.ClaimOutcome, string, error) {
	f.updates = append(f.updates, req)
	if req.Atomic {
		return f.claimOutcome, f.claimedBy, nil
	}
	return apiclient.ClaimWon, "", nil
}

func (f *fakeAPI) Notify(ctx context.Context, req apiclient.NotificationRequest) {
	f.notifications = append(f.notifications, req)
}

type fakeRegistry map[string]string

func (f fakeRegistry) Resolve(remote string) (string, bool, error) {
	path, ok := f[remote]
	return path, ok, nil
}

type fakeIdentity struct{}

func (fakeIdentity) Identity() (types.MachineIdentity, error) {
	return types.MachineIdentity{MachineID: "testhost-abcd1234", MachineName: "testhost"}, nil
}

type fakeWorktrees struct {
	created   []string
	removed   []string
	createErr error
	prURL     string
}

func (f *fakeWorktrees) Create(ctx context.Context, projectPath, name string) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, name)
	return filepath.Join(filepath.Dir(projectPath), name), nil
}

func (f *fakeWorktrees) Remove(ctx context.Context, projectPath, name string) {
	f.removed = append(f.removed, name)
}

func (f *fakeWorktrees) CreateReviewRequest(ctx context.Context, projectPath, name, summary string) string {
	return f.prURL
}

type fakeChild struct {
	events     chan supervisor.Event
	running    bool
	exitErr    error
	exitCode   int
	stderr     string
	terminated bool
}

func newFakeChild(running bool) *fakeChild {
	return &fakeChild{events: make(chan supervisor.Event, 32), running: running}
}

func (f *fakeChild) Events() <-chan supervisor.Event { return f.events }
func (f *fakeChild) IsRunning() bool                 { return f.running }
func (f *fakeChild) ExitErr() error                  { return f.exitErr }
func (f *fakeChild) ExitCode() int                   { return f.exitCode }
func (f *fakeChild) StderrTail() string              { return f.stderr }
func (f *fakeChild) Terminate() {
	f.terminated = true
	f.running = false
}

type testHarness struct {
	dispatcher *Dispatcher
	api        *fakeAPI
	worktrees  *fakeWorktrees
	spawned    []supervisor.SpawnConfig
	children   []*fakeChild
	statusPath string
}

func newHarness(t *testing.T, api *fakeAPI, score float64) *testHarness {
	t.Helper()
	return newHarnessWithConfig(t, api, score, nil)
}

func newHarnessWithConfig(t *testing.T, api *fakeAPI, score float64, mutate func(*config.Config)) *testHarness {
	t.Helper()

	statusPath := filepath.Join(t.TempDir(), "daemon_status.json")
	statusW, err := status.New(statusPath)
	require.NoError(t, err)

	h := &testHarness{api: api, worktrees: &fakeWorktrees{}, statusPath: statusPath}

	cfg := &config.Config{
		Mode:          config.ModeRouted,
		MaxConcurrent: 5,
		PollInterval:  "30s",
		Assistant:     config.Assistant{Command: "assistant", AllowedTools: []string{"edit"}},
	}
	if mutate != nil {
		mutate(cfg)
	}

	h.dispatcher = New(Deps{
		Config:    cfg,
		API:       api,
		Registry:  fakeRegistry{"host/o/r": "/tmp/repo"},
		Identity:  fakeIdentity{},
		Worktrees: h.worktrees,
		Status:    statusW,
		Version:   "test",
		Analyze: func(content, summary, transcript string) certainty.Result {
			result := certainty.Result{Score: score}
			if score < 0.4 {
				result.ClarificationQuestions = []string{"Which file does this affect?"}
			}
			return result
		},
		Spawn: func(ctx context.Context, cfg supervisor.SpawnConfig) (Child, error) {
			h.spawned = append(h.spawned, cfg)
			child := newFakeChild(true)
			h.children = append(h.children, child)
			return child, nil
		},
	})
	return h
}

func queuedTask(displayNumber int) types.Task {
	return types.Task{
		RemoteID:        "abc",
		DisplayNumber:   displayNumber,
		RemoteRepo:      "host/o/r",
		Content:         "Add tests for X",
		Summary:         "Add tests",
		ExecutionStatus: types.StatusQueued,
	}
}

func (h *testHarness) readStatus(t *testing.T) status.Snapshot {
	t.Helper()
	data, err := os.ReadFile(h.statusPath)
	require.NoError(t, err)
	var snap status.Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	return snap
}

func TestHappyPathDispatch(t *testing.T) {
	api := &fakeAPI{tasks: []types.Task{queuedTask(427)}, claimOutcome: apiclient.ClaimWon}
	h := newHarness(t, api, 0.85)

	h.dispatcher.Iterate(t.Context())

	// The atomic claim is the first remote side effect, before any worktree.
	require.NotEmpty(t, api.updates)
	require.True(t, api.updates[0].Atomic)
	require.Equal(t, types.StatusRunning, api.updates[0].Status)
	require.Equal(t, "testhost-abcd1234", api.updates[0].MachineID)

	require.Equal(t, []string{"push-427-abcd1234"}, h.worktrees.created)
	require.Len(t, h.spawned, 1)
	require.False(t, h.spawned[0].PlanningMode)
	require.Equal(t, filepath.Join("/tmp", "push-427-abcd1234"), h.spawned[0].WorkDir)
	require.Equal(t, 1, h.dispatcher.RunningCount())

	snap := h.readStatus(t)
	require.Len(t, snap.ActiveTasks, 1)
	require.Equal(t, 427, snap.ActiveTasks[0].DisplayNumber)
	require.Equal(t, "running", snap.ActiveTasks[0].Status)
}

func TestLostClaimSkipsSilently(t *testing.T) {
	api := &fakeAPI{tasks: []types.Task{queuedTask(427)}, claimOutcome: apiclient.ClaimLost, claimedBy: "other-mac"}
	h := newHarness(t, api, 0.85)

	h.dispatcher.Iterate(t.Context())

	require.Empty(t, h.worktrees.created)
	require.Empty(t, h.spawned)
	require.Equal(t, 0, h.dispatcher.RunningCount())
}

func TestLowCertaintyRequestsClarification(t *testing.T) {
	api := &fakeAPI{tasks: []types.Task{queuedTask(427)}, claimOutcome: apiclient.ClaimWon}
	h := newHarness(t, api, 0.2)

	h.dispatcher.Iterate(t.Context())

	var clarify *apiclient.UpdateTaskExecutionRequest
	for i := range api.updates {
		if api.updates[i].Status == types.StatusNeedsClarification {
			clarify = &api.updates[i]
		}
	}
	require.NotNil(t, clarify)
	require.NotNil(t, clarify.CertaintyScore)
	require.InDelta(t, 0.2, *clarify.CertaintyScore, 1e-9)
	require.NotEmpty(t, clarify.ClarificationQuestions)

	require.Empty(t, h.worktrees.created)
	require.Empty(t, h.spawned)
}

func TestMidCertaintyStartsInPlanningMode(t *testing.T) {
	api := &fakeAPI{tasks: []types.Task{queuedTask(427)}, claimOutcome: apiclient.ClaimWon}
	h := newHarness(t, api, 0.5)

	h.dispatcher.Iterate(t.Context())

	require.Len(t, h.spawned, 1)
	require.True(t, h.spawned[0].PlanningMode)
}

func TestHardTimeoutKillsAndReports(t *testing.T) {
	api := &fakeAPI{claimOutcome: apiclient.ClaimWon}
	h := newHarness(t, api, 0.85)

	child := newFakeChild(true)
	h.dispatcher.running[88] = &runningEntry{
		task: types.RunningTask{
			DisplayNumber: 88,
			Summary:       "long task",
			StartedAt:     time.Now().Add(-3601 * time.Second),
			LastOutputAt:  time.Now(),
			Phase:         types.PhaseExecuting,
			BranchName:    "push-88-abcd1234",
			OutputTail:    types.NewRingBuffer(20),
		},
		child:   child,
		working: "/tmp/repo",
	}

	h.dispatcher.Iterate(t.Context())

	require.True(t, child.terminated)
	require.Equal(t, 0, h.dispatcher.RunningCount())

	var failed *apiclient.UpdateTaskExecutionRequest
	for i := range api.updates {
		if api.updates[i].Status == types.StatusFailed {
			failed = &api.updates[i]
		}
	}
	require.NotNil(t, failed)
	require.Contains(t, failed.Error, "timed out")

	require.Len(t, h.dispatcher.completed, 1)
	require.Equal(t, types.StatusTimeout, h.dispatcher.completed[0].Status)
	require.GreaterOrEqual(t, h.dispatcher.completed[0].DurationSeconds, 3600.0)
	require.Equal(t, []string{"push-88-abcd1234"}, h.worktrees.removed)
}

func TestConfiguredTaskTimeoutOverridesDefault(t *testing.T) {
	api := &fakeAPI{}
	h := newHarnessWithConfig(t, api, 0.85, func(cfg *config.Config) {
		cfg.TaskTimeout = "60s"
	})

	child := newFakeChild(true)
	h.dispatcher.running[77] = &runningEntry{
		task: types.RunningTask{
			DisplayNumber: 77,
			StartedAt:     time.Now().Add(-90 * time.Second),
			LastOutputAt:  time.Now(),
			Phase:         types.PhaseExecuting,
			BranchName:    "push-77-abcd1234",
			OutputTail:    types.NewRingBuffer(20),
		},
		child:   child,
		working: "/tmp/repo",
	}

	h.dispatcher.Iterate(t.Context())

	require.True(t, child.terminated)
	require.Len(t, h.dispatcher.completed, 1)
	require.Equal(t, types.StatusTimeout, h.dispatcher.completed[0].Status)
}

func TestStuckDetectionNotifiesWithoutKilling(t *testing.T) {
	api := &fakeAPI{claimOutcome: apiclient.ClaimWon}
	h := newHarness(t, api, 0.85)

	child := newFakeChild(true)
	child.events <- supervisor.Event{Line: "Waiting for permission to edit foo.txt", IsStuck: true}
	h.dispatcher.running[99] = &runningEntry{
		task: types.RunningTask{
			DisplayNumber: 99,
			StartedAt:     time.Now(),
			LastOutputAt:  time.Now(),
			Phase:         types.PhaseExecuting,
			BranchName:    "push-99-abcd1234",
			OutputTail:    types.NewRingBuffer(20),
		},
		child:   child,
		working: "/tmp/repo",
	}

	h.dispatcher.Iterate(t.Context())

	require.False(t, child.terminated)
	require.Equal(t, 1, h.dispatcher.RunningCount())
	require.Equal(t, types.PhaseStuck, h.dispatcher.running[99].task.Phase)

	var needsInput int
	for _, n := range api.notifications {
		if n.Type == "needs_input" {
			needsInput++
		}
	}
	require.Equal(t, 1, needsInput)

	snap := h.readStatus(t)
	require.Len(t, snap.ActiveTasks, 1)
	require.Equal(t, types.PhaseStuck, snap.ActiveTasks[0].Phase)
}

func TestCompletedChildGetsReviewRequestAndNoFailureReport(t *testing.T) {
	api := &fakeAPI{claimOutcome: apiclient.ClaimWon}
	h := newHarness(t, api, 0.85)
	h.worktrees.prURL = "https://example.com/pr/1"

	child := newFakeChild(false) // exited cleanly
	h.dispatcher.running[12] = &runningEntry{
		task: types.RunningTask{
			DisplayNumber: 12,
			Summary:       "done task",
			StartedAt:     time.Now().Add(-time.Minute),
			LastOutputAt:  time.Now(),
			BranchName:    "push-12-abcd1234",
			OutputTail:    types.NewRingBuffer(20),
		},
		child:   child,
		working: "/tmp/repo",
	}

	h.dispatcher.Iterate(t.Context())

	// Completion is reported by the assistant's session-end hook, not the
	// daemon; the daemon only creates the review request and notifies.
	require.Empty(t, api.updates)
	require.Len(t, h.dispatcher.completed, 1)
	require.Equal(t, types.StatusCompleted, h.dispatcher.completed[0].Status)
	require.Equal(t, "https://example.com/pr/1", h.dispatcher.completed[0].PRURL)
	require.Equal(t, []string{"push-12-abcd1234"}, h.worktrees.removed)

	var completedNotes int
	for _, n := range api.notifications {
		if n.Type == "completed" {
			completedNotes++
		}
	}
	require.Equal(t, 1, completedNotes)
}

func TestFailedChildReportsExitCodeAndStderrTail(t *testing.T) {
	api := &fakeAPI{claimOutcome: apiclient.ClaimWon}
	h := newHarness(t, api, 0.85)

	child := newFakeChild(false)
	child.exitErr = context.DeadlineExceeded // any non-nil error marks failure
	child.exitCode = 1
	child.stderr = "boom: stack trace"
	h.dispatcher.running[13] = &runningEntry{
		task: types.RunningTask{
			DisplayNumber: 13,
			StartedAt:     time.Now().Add(-time.Minute),
			LastOutputAt:  time.Now(),
			BranchName:    "push-13-abcd1234",
			OutputTail:    types.NewRingBuffer(20),
		},
		child:   child,
		working: "/tmp/repo",
	}

	h.dispatcher.Iterate(t.Context())

	require.Len(t, api.updates, 1)
	require.Equal(t, types.StatusFailed, api.updates[0].Status)
	require.Contains(t, api.updates[0].Error, "exit code 1")
	require.Contains(t, api.updates[0].Error, "boom")
}

func TestMaxConcurrentCapsDispatch(t *testing.T) {
	tasks := make([]types.Task, 0, 7)
	for i := 1; i <= 7; i++ {
		task := queuedTask(i)
		tasks = append(tasks, task)
	}
	api := &fakeAPI{tasks: tasks, claimOutcome: apiclient.ClaimWon}
	h := newHarness(t, api, 0.85)

	h.dispatcher.Iterate(t.Context())

	require.Equal(t, 5, h.dispatcher.RunningCount())
	require.Len(t, h.spawned, 5)
}

func TestMissingDisplayNumberSkipped(t *testing.T) {
	task := queuedTask(0)
	api := &fakeAPI{tasks: []types.Task{task}, claimOutcome: apiclient.ClaimWon}
	h := newHarness(t, api, 0.85)

	h.dispatcher.Iterate(t.Context())

	require.Empty(t, api.updates)
	require.Empty(t, h.spawned)
}

func TestBacklogTaskNeverDispatched(t *testing.T) {
	task := queuedTask(427)
	task.IsBacklog = true
	api := &fakeAPI{tasks: []types.Task{task}, claimOutcome: apiclient.ClaimWon}
	h := newHarness(t, api, 0.85)

	h.dispatcher.Iterate(t.Context())

	require.Empty(t, h.spawned)
}

func TestUnregisteredRepoSkippedNotFailed(t *testing.T) {
	task := queuedTask(427)
	task.RemoteRepo = "host/other/unknown"
	api := &fakeAPI{tasks: []types.Task{task}, claimOutcome: apiclient.ClaimWon}
	h := newHarness(t, api, 0.85)

	h.dispatcher.Iterate(t.Context())

	require.Empty(t, api.updates)
	require.Empty(t, h.spawned)
	require.Equal(t, 0, h.dispatcher.RunningCount())
}

func TestWorktreeFailureMarksTaskFailed(t *testing.T) {
	api := &fakeAPI{tasks: []types.Task{queuedTask(427)}, claimOutcome: apiclient.ClaimWon}
	h := newHarness(t, api, 0.85)
	h.worktrees.createErr = os.ErrPermission

	h.dispatcher.Iterate(t.Context())

	require.Empty(t, h.spawned)
	var failed bool
	for _, u := range api.updates {
		if u.Status == types.StatusFailed {
			failed = true
		}
	}
	require.True(t, failed)
	require.Equal(t, 0, h.dispatcher.RunningCount())
}

func TestAlreadyRunningTaskNotRedispatched(t *testing.T) {
	api := &fakeAPI{tasks: []types.Task{queuedTask(427)}, claimOutcome: apiclient.ClaimWon}
	h := newHarness(t, api, 0.85)

	h.dispatcher.Iterate(t.Context())
	require.Len(t, h.spawned, 1)

	// The server may still return the task as queued in the next poll.
	h.dispatcher.Iterate(t.Context())
	require.Len(t, h.spawned, 1)
	require.Equal(t, 1, h.dispatcher.RunningCount())
}
