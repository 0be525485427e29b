// Package dispatcher implements the single-threaded control loop that
// polls the remote task queue, decides which tasks to run, claims them
// against competing machines, and supervises their child processes.
// It owns every piece of in-memory state touched by the loop; nothing
// outside the loop goroutine may mutate it, so no locking is needed.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/pushdaemon/pushd/pkg/apiclient"
	"github.com/pushdaemon/pushd/pkg/apierr"
	"github.com/pushdaemon/pushd/pkg/certainty"
	"github.com/pushdaemon/pushd/pkg/config"
	"github.com/pushdaemon/pushd/pkg/metrics"
	"github.com/pushdaemon/pushd/pkg/pushlog"
	"github.com/pushdaemon/pushd/pkg/status"
	"github.com/pushdaemon/pushd/pkg/supervisor"
	"github.com/pushdaemon/pushd/pkg/types"
)

var logger = pushlog.WithComponent("dispatcher")

const (
	defaultPollInterval = 30 * time.Second
	defaultTaskTimeout  = time.Hour
	defaultIdleWarn     = 300 * time.Second
	defaultIdlePhase    = 600 * time.Second
	completedTodayCap   = 10
	stderrTailBytes     = 200
)

// TaskAPI is the subset of the remote API client the dispatcher needs.
type TaskAPI interface {
	ListTodos(ctx context.Context, filter apiclient.ListTodosFilter) ([]types.Task, error)
	UpdateTaskExecution(ctx context.Context, req apiclient.UpdateTaskExecutionRequest) (apiclient.ClaimOutcome, string, error)
	Notify(ctx context.Context, req apiclient.NotificationRequest)
}

// Registry is the subset of the project registry the dispatcher needs.
type Registry interface {
	Resolve(remote string) (string, bool, error)
}

// Identity is the subset of machine identity the dispatcher needs.
type Identity interface {
	Identity() (types.MachineIdentity, error)
}

// Worktrees is the subset of the worktree manager the dispatcher needs.
type Worktrees interface {
	Create(ctx context.Context, projectPath, name string) (string, error)
	Remove(ctx context.Context, projectPath, name string)
	CreateReviewRequest(ctx context.Context, projectPath, name, summary string) string
}

// Child is a supervised assistant process as the dispatcher sees it.
// *supervisor.Child satisfies it.
type Child interface {
	Events() <-chan supervisor.Event
	IsRunning() bool
	ExitErr() error
	ExitCode() int
	StderrTail() string
	Terminate()
}

// Spawner launches a child process for a task.
type Spawner func(ctx context.Context, cfg supervisor.SpawnConfig) (Child, error)

// Analyzer scores a task's text; defaults to certainty.Analyze.
type Analyzer func(content, summary, transcript string) certainty.Result

// Dispatcher is the control loop owner. Construct with New and run with
// Run; it blocks until ctx is cancelled.
type Dispatcher struct {
	cfg       *config.Config
	api       TaskAPI
	registry  Registry
	identity  Identity
	worktrees Worktrees
	spawn     Spawner
	analyze   Analyzer
	statusW   *status.Writer
	startedAt time.Time
	version   string

	pollInterval time.Duration
	taskTimeout  time.Duration
	idleWarn     time.Duration
	idlePhase    time.Duration

	running   map[int]*runningEntry
	completed []status.CompletedEntry

	singleProjectPath string
	singleProjectRepo string
}

type runningEntry struct {
	task    types.RunningTask
	child   Child
	working string // project_path the worktree was cut from
}

// Deps bundles the collaborators Dispatcher needs at construction time.
type Deps struct {
	Config    *config.Config
	API       TaskAPI
	Registry  Registry
	Identity  Identity
	Worktrees Worktrees
	Status    *status.Writer
	Version   string
	// Spawn and Analyze default to supervisor.Spawn and certainty.Analyze;
	// tests substitute fakes.
	Spawn   Spawner
	Analyze Analyzer
	// SingleProjectPath/Repo are only used when Config.Mode is
	// ModeSingleProject.
	SingleProjectPath string
	SingleProjectRepo string
}

// New constructs a Dispatcher. It does not start the loop.
func New(deps Deps) *Dispatcher {
	spawn := deps.Spawn
	if spawn == nil {
		spawn = func(ctx context.Context, cfg supervisor.SpawnConfig) (Child, error) {
			return supervisor.Spawn(ctx, cfg)
		}
	}
	analyze := deps.Analyze
	if analyze == nil {
		analyze = certainty.Analyze
	}
	return &Dispatcher{
		cfg:               deps.Config,
		api:               deps.API,
		registry:          deps.Registry,
		identity:          deps.Identity,
		worktrees:         deps.Worktrees,
		spawn:             spawn,
		analyze:           analyze,
		statusW:           deps.Status,
		version:           deps.Version,
		startedAt:         time.Now(),
		pollInterval:      durationOr(deps.Config.PollInterval, defaultPollInterval),
		taskTimeout:       durationOr(deps.Config.TaskTimeout, defaultTaskTimeout),
		idleWarn:          durationOr(deps.Config.IdleWarnAfter, defaultIdleWarn),
		idlePhase:         durationOr(deps.Config.IdlePhaseAfter, defaultIdlePhase),
		running:           make(map[int]*runningEntry),
		singleProjectPath: deps.SingleProjectPath,
		singleProjectRepo: deps.SingleProjectRepo,
	}
}

// durationOr parses a configured duration string, falling back when it is
// empty, unparseable, or non-positive.
func durationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		logger.Warn().Str("value", s).Dur("fallback", fallback).Msg("invalid duration in config, using fallback")
		return fallback
	}
	return d
}

// Run executes iterations of the control loop until ctx is cancelled. Every
// error encountered inside an iteration is logged and the loop continues;
// only ctx cancellation stops it. On return, every supervised child has
// been sent a termination signal.
func (d *Dispatcher) Run(ctx context.Context) {
	defer d.terminateAll()

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	d.Iterate(ctx)
	for {
		select {
		case <-ticker.C:
			d.Iterate(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Iterate runs a single reap-fetch-dispatch-publish pass. Exported so
// tests can drive the loop one step at a time.
func (d *Dispatcher) Iterate(ctx context.Context) {
	defer func() {
		// The loop body operates on attacker-adjacent voice-transcribed
		// strings; a panic must not take the daemon down.
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("iteration panicked")
		}
	}()

	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.PollDuration)
		d.publishStatus()
	}()

	d.reap(ctx)

	tasks, err := d.fetch(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("fetch failed, will retry next iteration")
		return
	}

	for _, task := range tasks {
		d.tryExecute(ctx, task)
	}
}

// reap inspects every running task for completion, timeout, stuck, or idle
// transitions, reporting terminal transitions upstream and releasing their
// worktrees.
func (d *Dispatcher) reap(ctx context.Context) {
	for displayNumber, entry := range d.running {
		d.drainEvents(entry)

		if !entry.child.IsRunning() {
			d.reapTerminal(ctx, displayNumber, entry, terminalFromExit(entry.child))
			continue
		}

		elapsed := time.Since(entry.task.StartedAt)
		if elapsed > d.taskTimeout {
			entry.child.Terminate()
			d.reapTerminal(ctx, displayNumber, entry, terminalResult{
				status:  types.StatusTimeout,
				message: fmt.Sprintf("timed out after %.0fs", elapsed.Seconds()),
			})
			continue
		}

		idleFor := time.Since(entry.task.LastOutputAt)
		switch {
		case idleFor > d.idlePhase:
			entry.task.Phase = types.PhaseIdle
		case idleFor > d.idleWarn:
			logger.Warn().Int("display_number", displayNumber).Dur("idle_for", idleFor).Msg("child has been idle")
		}
	}
}

func (d *Dispatcher) drainEvents(entry *runningEntry) {
	for {
		select {
		case event, ok := <-entry.child.Events():
			if !ok {
				return
			}
			entry.task.LastOutputAt = time.Now()
			entry.task.OutputTail.Push(event.Line)
			if event.IsStuck && entry.task.Phase != types.PhaseStuck {
				entry.task.Phase = types.PhaseStuck
				d.api.Notify(context.Background(), apiclient.NotificationRequest{
					Type:          "needs_input",
					Message:       "Assistant is waiting for input",
					Timestamp:     time.Now(),
					DisplayNumber: entry.task.DisplayNumber,
					Priority:      "high",
				})
			}
		default:
			return
		}
	}
}

type terminalResult struct {
	status  types.ExecutionStatus
	message string
}

func terminalFromExit(child Child) terminalResult {
	if err := child.ExitErr(); err == nil {
		return terminalResult{status: types.StatusCompleted}
	}
	tail := child.StderrTail()
	if len(tail) > stderrTailBytes {
		tail = tail[len(tail)-stderrTailBytes:]
	}
	return terminalResult{
		status:  types.StatusFailed,
		message: fmt.Sprintf("exit code %d: %s", child.ExitCode(), tail),
	}
}

func (d *Dispatcher) reapTerminal(ctx context.Context, displayNumber int, entry *runningEntry, result terminalResult) {
	delete(d.running, displayNumber)
	metrics.RunningTasks.Set(float64(len(d.running)))

	reqCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	prURL := ""
	if result.status == types.StatusCompleted {
		prURL = d.worktrees.CreateReviewRequest(reqCtx, entry.working, entry.task.BranchName, entry.task.Summary)
	}

	if result.status != types.StatusCompleted {
		// Successful completion is reported by the assistant's own
		// session-end hook; the daemon only reports failures.
		_, _, err := d.api.UpdateTaskExecution(reqCtx, apiclient.UpdateTaskExecutionRequest{
			DisplayNumber: displayNumber,
			Status:        normalizeReportStatus(result.status),
			Error:         result.message,
		})
		if err != nil {
			logger.Warn().Err(err).Int("display_number", displayNumber).Msg("failed to report terminal status")
		}
	}
	metrics.CompletedTotal.WithLabelValues(string(result.status)).Inc()

	d.worktrees.Remove(reqCtx, entry.working, entry.task.BranchName)

	notifyType := "completed"
	if result.status != types.StatusCompleted {
		notifyType = "failed"
	}
	d.api.Notify(reqCtx, apiclient.NotificationRequest{
		Type:          notifyType,
		Message:       result.message,
		Timestamp:     time.Now(),
		DisplayNumber: displayNumber,
	})

	d.completed = append(d.completed, status.CompletedEntry{
		DisplayNumber:   displayNumber,
		Summary:         entry.task.Summary,
		CompletedAt:     time.Now(),
		DurationSeconds: time.Since(entry.task.StartedAt).Seconds(),
		Status:          result.status,
		PRURL:           prURL,
	})
	if len(d.completed) > completedTodayCap {
		d.completed = d.completed[len(d.completed)-completedTodayCap:]
	}
}

// normalizeReportStatus collapses the pseudo-status StatusTimeout into
// `failed` for the wire protocol; StatusTimeout only exists locally to
// distinguish the completed_today entry's display.
func normalizeReportStatus(s types.ExecutionStatus) types.ExecutionStatus {
	if s == types.StatusTimeout {
		return types.StatusFailed
	}
	return s
}

func (d *Dispatcher) fetch(ctx context.Context) ([]types.Task, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	filter := apiclient.ListTodosFilter{ExecutionStatus: "queued"}
	if d.cfg.Mode == config.ModeSingleProject {
		filter.GitRemote = d.singleProjectRepo
	}
	return d.api.ListTodos(reqCtx, filter)
}

// tryExecute runs the full decision pipeline for a single fetched task. It
// never returns an error: every failure path is a skip, a report, or a
// logged-and-swallowed error, matching the "loop must never die" contract.
func (d *Dispatcher) tryExecute(ctx context.Context, task types.Task) {
	if !task.Dispatchable() {
		if task.DisplayNumber <= 0 {
			logger.Warn().Str("remote_id", task.RemoteID).Msg("task has no display number, skipping")
		}
		return
	}
	if _, running := d.running[task.DisplayNumber]; running {
		return
	}
	if len(d.running) >= d.cfg.MaxConcurrent {
		return
	}

	projectPath, err := d.resolveProjectPath(task)
	if err != nil {
		logger.Warn().Err(err).Int("display_number", task.DisplayNumber).Msg("failed to resolve project path")
		return
	}
	if projectPath == "" {
		// Unregistered project in routed mode: skip, do not fail, allow
		// later registration.
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if d.cfg.Mode == config.ModeRouted {
		won, err := d.claim(reqCtx, task)
		if err != nil {
			logger.Warn().Err(err).Int("display_number", task.DisplayNumber).Msg("claim request failed")
			return
		}
		if !won {
			return
		}
	}

	result := d.analyze(task.Content, task.Summary, task.OriginalTranscript)
	metrics.CertaintyScore.Observe(result.Score)
	mode := types.ModeForScore(result.Score)

	if mode == types.ModeClarify {
		score := result.Score
		_, _, err := d.api.UpdateTaskExecution(reqCtx, apiclient.UpdateTaskExecutionRequest{
			DisplayNumber:          task.DisplayNumber,
			Status:                 types.StatusNeedsClarification,
			CertaintyScore:         &score,
			ClarificationQuestions: result.ClarificationQuestions,
		})
		if err != nil {
			logger.Warn().Err(err).Int("display_number", task.DisplayNumber).Msg("failed to report needs_clarification")
		}
		return
	}

	identity, err := d.identity.Identity()
	if err != nil {
		logger.Error().Err(err).Msg("failed to resolve machine identity")
		return
	}
	name := fmt.Sprintf("push-%d-%s", task.DisplayNumber, identity.Suffix())

	worktreePath, err := d.worktrees.Create(reqCtx, projectPath, name)
	if err != nil {
		logger.Error().Err(err).Int("display_number", task.DisplayNumber).Msg("worktree creation failed")
		if _, _, reportErr := d.api.UpdateTaskExecution(reqCtx, apiclient.UpdateTaskExecutionRequest{
			DisplayNumber: task.DisplayNumber,
			Status:        types.StatusFailed,
			Error:         err.Error(),
		}); reportErr != nil {
			logger.Warn().Err(reportErr).Msg("failed to report worktree failure")
		}
		return
	}

	child, err := d.spawn(context.Background(), supervisor.SpawnConfig{
		Command:      d.cfg.Assistant.Command,
		Prompt:       task.Content,
		AllowedTools: d.cfg.Assistant.AllowedTools,
		PlanningMode: mode == types.ModePlanning,
		WorkDir:      worktreePath,
	})
	if err != nil {
		logger.Error().Err(err).Int("display_number", task.DisplayNumber).Msg("failed to spawn assistant child")
		d.worktrees.Remove(reqCtx, projectPath, name)
		return
	}

	d.running[task.DisplayNumber] = &runningEntry{
		task: types.RunningTask{
			DisplayNumber: task.DisplayNumber,
			RemoteID:      task.RemoteID,
			Summary:       task.Summary,
			ClaimedAt:     time.Now(),
			StartedAt:     time.Now(),
			LastOutputAt:  time.Now(),
			Phase:         phaseFor(mode),
			ProjectPath:   projectPath,
			WorktreePath:  worktreePath,
			BranchName:    name,
			OutputTail:    types.NewRingBuffer(20),
		},
		child:   child,
		working: projectPath,
	}
	metrics.RunningTasks.Set(float64(len(d.running)))
}

func phaseFor(mode types.ExecutionMode) types.Phase {
	if mode == types.ModePlanning {
		return types.PhasePlanning
	}
	return types.PhaseExecuting
}

func (d *Dispatcher) resolveProjectPath(task types.Task) (string, error) {
	if d.cfg.Mode == config.ModeSingleProject {
		return d.singleProjectPath, nil
	}
	if task.RemoteRepo == "" {
		return "", nil
	}
	path, ok, err := d.registry.Resolve(task.RemoteRepo)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	return path, nil
}

// claim performs the atomic update-task-execution claim and reports
// whether this machine won it.
func (d *Dispatcher) claim(ctx context.Context, task types.Task) (bool, error) {
	identity, err := d.identity.Identity()
	if err != nil {
		return false, err
	}

	outcome, claimedBy, err := d.claimOutcome(ctx, task, identity)
	if err != nil {
		var apiErr *apierr.Error
		if errors.As(err, &apiErr) && apiErr.Kind == apierr.KindNotFound {
			// The task vanished between fetch and claim; not an error.
			return false, nil
		}
		return false, err
	}

	switch outcome {
	case apiclient.ClaimWon:
		metrics.ClaimsTotal.WithLabelValues("won").Inc()
		return true, nil
	case apiclient.ClaimLost:
		metrics.ClaimsTotal.WithLabelValues("lost").Inc()
		logger.Info().Int("display_number", task.DisplayNumber).Str("claimed_by", claimedBy).Msg("lost claim race")
		return false, nil
	default:
		metrics.ClaimsTotal.WithLabelValues("unknown").Inc()
		return false, nil
	}
}

func (d *Dispatcher) claimOutcome(ctx context.Context, task types.Task, identity types.MachineIdentity) (apiclient.ClaimOutcome, string, error) {
	return d.api.UpdateTaskExecution(ctx, apiclient.UpdateTaskExecutionRequest{
		DisplayNumber: task.DisplayNumber,
		Status:        types.StatusRunning,
		Atomic:        true,
		MachineID:     identity.MachineID,
		MachineName:   identity.MachineName,
	})
}

// RunningCount returns the number of tasks with a live supervised child.
func (d *Dispatcher) RunningCount() int {
	return len(d.running)
}

func (d *Dispatcher) publishStatus() {
	identity, err := d.identity.Identity()
	if err != nil {
		logger.Warn().Err(err).Msg("failed to resolve identity for status publish")
		return
	}

	active := make([]status.ActiveTask, 0, len(d.running))
	for _, entry := range d.running {
		elapsed := entry.task.Elapsed().Seconds()
		startedAt := entry.task.StartedAt
		active = append(active, status.ActiveTask{
			DisplayNumber:  entry.task.DisplayNumber,
			TaskID:         entry.task.RemoteID,
			Summary:        entry.task.Summary,
			Status:         "running",
			Phase:          entry.task.Phase,
			StartedAt:      &startedAt,
			ElapsedSeconds: &elapsed,
		})
	}

	d.statusW.Write(status.Snapshot{
		Daemon: status.DaemonInfo{
			PID:         os.Getpid(),
			Version:     d.version,
			StartedAt:   d.startedAt,
			MachineName: identity.MachineName,
			MachineID:   identity.MachineID,
		},
		ActiveTasks:    active,
		CompletedToday: append([]status.CompletedEntry(nil), d.completed...),
		Stats: status.Stats{
			Running:             len(d.running),
			MaxConcurrent:       d.cfg.MaxConcurrent,
			CompletedTodayCount: len(d.completed),
		},
		LastUpdated: time.Now(),
	})
}

// terminateAll sends a termination signal to every supervised child. Used
// on clean shutdown so no orphaned assistant process survives the daemon.
func (d *Dispatcher) terminateAll() {
	var wg sync.WaitGroup
	for _, entry := range d.running {
		wg.Add(1)
		go func(c Child) {
			defer wg.Done()
			c.Terminate()
		}(entry.child)
	}
	wg.Wait()
}
