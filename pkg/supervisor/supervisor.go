// Package supervisor spawns and supervises the coding-assistant child
// process for a single task. Each child gets its own goroutine
// draining stdout into a bounded channel, so the dispatcher's control loop
// never blocks on pipe I/O; it only drains the channel at iteration
// boundaries.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pushdaemon/pushd/pkg/pushlog"
)

var logger = pushlog.WithComponent("supervisor")

const gracefulShutdownGrace = 5 * time.Second

// stuckPatterns are substrings (matched case-insensitively) that indicate
// the assistant is blocked waiting on human input.
var stuckPatterns = []string{
	"waiting for permission",
	"approve this action",
	"permission required",
	"plan ready for approval",
	"waiting for user",
	"enter plan mode",
	"press enter to continue",
	"y/n",
	"[y/n]",
	"confirm:",
}

// SpawnConfig describes how to launch the assistant child process.
type SpawnConfig struct {
	// Command is the assistant binary, e.g. "claude".
	Command string
	// Prompt is the task instruction text.
	Prompt string
	// AllowedTools is the allow-list of operations the assistant may take.
	AllowedTools []string
	// PlanningMode requests the assistant start in plan-only mode.
	PlanningMode bool
	// WorkDir is the worktree directory the child runs in.
	WorkDir string
}

// Event is a single observation pushed from the child's stdout drain
// goroutine to the control loop.
type Event struct {
	Line    string
	IsStuck bool
}

// Child is a running (or exited) coding-assistant process.
type Child struct {
	cmd    *exec.Cmd
	events chan Event
	done   chan struct{}

	mu      sync.Mutex
	exitErr error
	exited  bool
	stderr  *strings.Builder
}

// Spawn starts the assistant as a child process with its working directory
// set to cfg.WorkDir. Stdout is drained line-by-line into a channel the
// caller polls via Events(); stderr is captured (bounded) for failure
// reporting.
func Spawn(ctx context.Context, cfg SpawnConfig) (*Child, error) {
	args := buildArgs(cfg)
	cmd := exec.CommandContext(ctx, cfg.Command, args...)
	cmd.Dir = cfg.WorkDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("supervisor: creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("supervisor: creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("supervisor: starting child: %w", err)
	}

	c := &Child{
		cmd:    cmd,
		events: make(chan Event, 256),
		done:   make(chan struct{}),
		stderr: &strings.Builder{},
	}

	// Wait must not run until both pipes are drained: it closes them, and
	// wait() closes the events channel the stdout drain sends on.
	var drains sync.WaitGroup
	drains.Add(2)
	go func() { defer drains.Done(); c.drainStdout(stdout) }()
	go func() { defer drains.Done(); c.drainStderr(stderr) }()
	go func() { drains.Wait(); c.wait() }()

	return c, nil
}

func buildArgs(cfg SpawnConfig) []string {
	args := []string{"--prompt", cfg.Prompt, "--output-format", "json"}
	if len(cfg.AllowedTools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(cfg.AllowedTools, ","))
	}
	if cfg.PlanningMode {
		args = append(args, "--plan")
	}
	return args
}

func (c *Child) drainStdout(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		c.events <- Event{Line: line, IsStuck: isStuckLine(line)}
	}
}

func (c *Child) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		c.mu.Lock()
		if c.stderr.Len() < 4096 {
			c.stderr.WriteString(scanner.Text())
			c.stderr.WriteByte('\n')
		}
		c.mu.Unlock()
	}
}

func (c *Child) wait() {
	err := c.cmd.Wait()
	c.mu.Lock()
	c.exitErr = err
	c.exited = true
	c.mu.Unlock()
	close(c.done)
	close(c.events)
}

func isStuckLine(line string) bool {
	lower := strings.ToLower(line)
	for _, pattern := range stuckPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// Events returns the channel of stdout-derived events. It is closed once
// the child exits and all buffered output has been delivered.
func (c *Child) Events() <-chan Event {
	return c.events
}

// Done is closed once the child process has exited and Wait()/ExitErr() is
// safe to inspect.
func (c *Child) Done() <-chan struct{} {
	return c.done
}

// ExitErr returns the error from exec.Cmd.Wait, or nil if the process
// exited cleanly. Must only be called after Done() is closed.
func (c *Child) ExitErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitErr
}

// ExitCode returns the child's exit code, or -1 if it could not be
// determined (killed by signal, never started).
func (c *Child) ExitCode() int {
	if c.cmd.ProcessState == nil {
		return -1
	}
	return c.cmd.ProcessState.ExitCode()
}

// StderrTail returns up to the first 4KB of captured stderr, trimmed.
func (c *Child) StderrTail() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.TrimSpace(c.stderr.String())
}

// IsRunning reports whether the child has not yet exited.
func (c *Child) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.exited
}

// Terminate sends SIGTERM and waits up to gracefulShutdownGrace for the
// child to exit; if it has not exited by then, it is force-killed. Safe to
// call multiple times.
func (c *Child) Terminate() {
	if !c.IsRunning() {
		return
	}
	if c.cmd.Process == nil {
		return
	}
	if err := c.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		logger.Warn().Err(err).Msg("failed to send SIGTERM to child")
	}

	select {
	case <-c.done:
		return
	case <-time.After(gracefulShutdownGrace):
	}

	if c.IsRunning() {
		logger.Warn().Msg("child did not exit after SIGTERM, sending SIGKILL")
		if err := c.cmd.Process.Kill(); err != nil {
			logger.Warn().Err(err).Msg("failed to send SIGKILL to child")
		}
	}
}
